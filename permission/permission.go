// Package permission decides whether a tool invocation may run, must be
// confirmed, or is refused. Evaluation is a pure function of the invocation
// signature, the permission mode, and an ordered rule set.
package permission

import (
	"fmt"
	"strings"

	"github.com/martinemde/codeloop/tools"
)

// Verdict is the outcome of evaluating an invocation.
type Verdict string

const (
	Allow Verdict = "allow"
	Ask   Verdict = "ask"
	Deny  Verdict = "deny"
)

// ParseVerdict converts a configuration string into a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case Allow, Ask, Deny:
		return v, nil
	}
	return "", fmt.Errorf("unknown verdict %q", s)
}

// Mode is a named policy profile that alters default verdicts.
type Mode string

const (
	ModeDefault  Mode = "default"
	ModeAutoEdit Mode = "auto-edit"
	ModePlan     Mode = "plan"
	ModeYolo     Mode = "yolo"
)

// ParseMode converts a configuration string into a Mode. Empty means default.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDefault, nil
	case ModeDefault, ModeAutoEdit, ModePlan, ModeYolo:
		return m, nil
	}
	return "", fmt.Errorf("unknown permission mode %q", s)
}

// Rule pairs a signature pattern with a verdict.
type Rule struct {
	Pattern string  `json:"pattern" yaml:"pattern"`
	Verdict Verdict `json:"verdict" yaml:"verdict"`
}

// RuleSet is an ordered list of rules; the first matching rule wins.
type RuleSet []Rule

// Decision is a verdict together with what produced it.
type Decision struct {
	Verdict Verdict
	// Rule is the index of the matching rule, or -1 when the verdict came from
	// the mode or the default.
	Rule   int
	Reason string
}

// Evaluate returns the verdict for sig under mode and rules.
func Evaluate(sig Signature, mode Mode, rules RuleSet) Verdict {
	return Decide(sig, mode, rules).Verdict
}

// Decide is Evaluate with the reason attached, for logging and confirmation
// prompts.
//
// A shell command line is decided per simple command: any denied segment
// denies the call, any segment needing confirmation asks, and the call is
// allowed only when every segment is. An allow that rests on an argument
// pattern is downgraded to ask when the line is opaque.
func Decide(sig Signature, mode Mode, rules RuleSet) Decision {
	segments := sig.Segments
	if len(segments) == 0 && sig.Opaque {
		segments = []string{sig.Arg}
	}
	if len(segments) == 0 {
		return decide(sig, mode, rules)
	}

	var ask, allow *Decision
	for _, seg := range segments {
		d := decide(Signature{Tool: sig.Tool, Arg: seg, Risk: sig.Risk}, mode, rules)
		if len(segments) > 1 {
			d.Reason = fmt.Sprintf("%s: %s", seg, d.Reason)
		}
		switch d.Verdict {
		case Deny:
			return d
		case Ask:
			if ask == nil {
				ask = &d
			}
		case Allow:
			if sig.Opaque && d.Rule >= 0 && rules[d.Rule].hasArg() {
				reason := fmt.Sprintf("%s, but the command line substitutes or redirects", d.Reason)
				d = Decision{Verdict: Ask, Rule: d.Rule, Reason: reason}
				if ask == nil {
					ask = &d
				}
			} else if allow == nil {
				allow = &d
			}
		}
	}
	if ask != nil {
		return *ask
	}
	return *allow
}

func decide(sig Signature, mode Mode, rules RuleSet) Decision {
	switch mode {
	case ModeYolo:
		for i, r := range rules {
			if r.Verdict == Deny && r.Matches(sig) {
				return Decision{Verdict: Deny, Rule: i, Reason: fmt.Sprintf("denied by rule %q", r.Pattern)}
			}
		}
		return Decision{Verdict: Allow, Rule: -1, Reason: "yolo mode allows everything not deny-listed"}
	case ModePlan:
		if sig.Risk.Mutating() {
			return Decision{Verdict: Deny, Rule: -1, Reason: fmt.Sprintf("plan mode blocks %s tools", sig.Risk)}
		}
	}

	for i, r := range rules {
		if r.Matches(sig) {
			return Decision{Verdict: r.Verdict, Rule: i, Reason: fmt.Sprintf("%s by rule %q", verb(r.Verdict), r.Pattern)}
		}
	}

	switch {
	case mode == ModePlan:
		return Decision{Verdict: Allow, Rule: -1, Reason: "plan mode allows read-only tools"}
	case mode == ModeAutoEdit && sig.Risk == tools.RiskWrite:
		return Decision{Verdict: Allow, Rule: -1, Reason: "auto-edit mode allows file edits"}
	}
	return Decision{Verdict: Ask, Rule: -1, Reason: "no rule matched"}
}

func verb(v Verdict) string {
	switch v {
	case Allow:
		return "allowed"
	case Deny:
		return "denied"
	default:
		return "confirmation required"
	}
}
