package permission

import (
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/martinemde/codeloop/tools"
)

// Signature identifies an invocation for matching: the tool name, the value of
// its salient argument, and its risk class.
type Signature struct {
	Tool string
	Arg  string
	Risk tools.Risk
	// Forms are the spellings of a path argument that rules are matched
	// against: the cleaned path relative to the working directory, then the
	// absolute path. Empty means Arg alone.
	Forms []string
	// Segments are the simple commands of a shell command line.
	Segments []string
	// Opaque marks a command line whose effect is not visible in its
	// segments: command or process substitution, or output redirection.
	Opaque bool
}

// SignatureFor builds the signature of a call to t with validated args. Path
// arguments are resolved against workDir.
func SignatureFor(t *tools.Tool, args tools.Args, workDir string) Signature {
	sig := Signature{Tool: t.Name, Arg: t.Salient(args), Risk: t.Risk}
	if sig.Arg == "" {
		return sig
	}
	switch t.SalientKind {
	case tools.SalientPath:
		sig.Forms = pathForms(sig.Arg, workDir)
		sig.Arg = sig.Forms[0]
	case tools.SalientCommand:
		sig.Segments, sig.Opaque = splitCommand(sig.Arg)
	}
	return sig
}

func (s Signature) String() string {
	if s.Arg == "" {
		return s.Tool
	}
	return s.Tool + "(" + s.Arg + ")"
}

func (s Signature) forms() []string {
	if len(s.Forms) > 0 {
		return s.Forms
	}
	return []string{s.Arg}
}

// pathForms returns path cleaned and made relative to workDir, followed by
// its absolute form. A path outside workDir keeps its leading "../"
// elements, so it never matches a pattern rooted inside the directory.
func pathForms(path, workDir string) []string {
	var abs string
	switch {
	case filepath.IsAbs(path):
		abs = filepath.Clean(path)
	case workDir != "":
		abs = filepath.Join(workDir, path)
	default:
		return []string{filepath.ToSlash(filepath.Clean(path))}
	}

	rel := abs
	if workDir != "" {
		if r, err := filepath.Rel(filepath.Clean(workDir), abs); err == nil {
			rel = r
		}
	}
	rel, abs = filepath.ToSlash(rel), filepath.ToSlash(abs)
	if rel == abs {
		return []string{abs}
	}
	return []string{rel, abs}
}

// splitCommand parses a shell command line and returns every simple command
// in it, including those nested in compound commands and substitutions, in
// source order. opaque reports command or process substitution and output
// redirection other than a descriptor copy like "2>&1". A line that does not
// parse is returned whole and opaque.
func splitCommand(line string) (segments []string, opaque bool) {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(line), "")
	if err != nil {
		return []string{strings.TrimSpace(line)}, true
	}

	printer := syntax.NewPrinter()
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			var b strings.Builder
			if err := printer.Print(&b, n); err == nil {
				if s := strings.TrimSpace(b.String()); s != "" {
					segments = append(segments, s)
				}
			}
		case *syntax.CmdSubst, *syntax.ProcSubst:
			opaque = true
		case *syntax.Redirect:
			if writesFile(n) {
				opaque = true
			}
		}
		return true
	})
	return segments, opaque
}

func writesFile(r *syntax.Redirect) bool {
	switch r.Op {
	case syntax.RdrOut, syntax.AppOut, syntax.RdrInOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll:
		return true
	case syntax.DplOut:
		target := r.Word.Lit()
		if target == "-" {
			return false
		}
		for _, c := range target {
			if c < '0' || c > '9' {
				return true
			}
		}
		return target == ""
	}
	return false
}
