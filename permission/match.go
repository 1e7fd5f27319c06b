package permission

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matches reports whether the rule's pattern matches sig.
//
// A pattern is either "tool" or "tool(arg)". Each part may be an exact
// string, "*", a leading or trailing "*" wildcard, or a glob. A pattern
// without an argument part matches every call to the tool. The argument part
// matches when it matches any of the signature's path forms.
func (r Rule) Matches(sig Signature) bool {
	name, arg, hasArg := splitPattern(r.Pattern)
	if !matchPart(name, sig.Tool) {
		return false
	}
	if !hasArg {
		return true
	}
	for _, v := range sig.forms() {
		if matchPart(arg, v) {
			return true
		}
	}
	return false
}

func (r Rule) hasArg() bool {
	_, _, ok := splitPattern(r.Pattern)
	return ok
}

func splitPattern(p string) (name, arg string, hasArg bool) {
	p = strings.TrimSpace(p)
	open := strings.IndexByte(p, '(')
	if open <= 0 || !strings.HasSuffix(p, ")") {
		return p, "", false
	}
	return strings.TrimSpace(p[:open]), p[open+1 : len(p)-1], true
}

func matchPart(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if pattern == "" {
		return false
	}

	// Leading and trailing wildcards compare plain strings so that "git *"
	// also matches arguments containing slashes.
	inner := strings.Trim(pattern, "*")
	if !hasGlobMeta(inner) {
		leading := strings.HasPrefix(pattern, "*")
		trailing := strings.HasSuffix(pattern, "*")
		switch {
		case leading && trailing:
			return strings.Contains(value, inner)
		case trailing:
			return strings.HasPrefix(value, inner)
		case leading:
			return strings.HasSuffix(value, inner)
		}
		return false
	}

	ok, err := doublestar.Match(pattern, value)
	return err == nil && ok
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}
