package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BuiltinOptions tunes the built-in tool set.
type BuiltinOptions struct {
	DefaultCommandTimeout time.Duration
	MaxCommandTimeout     time.Duration
}

// DefaultBuiltinOptions returns the stock command timeouts.
func DefaultBuiltinOptions() BuiltinOptions {
	return BuiltinOptions{
		DefaultCommandTimeout: 10 * time.Second,
		MaxCommandTimeout:     10 * time.Minute,
	}
}

type readArgs struct {
	Path   string `json:"path" jsonschema:"description=File path absolute or relative to the working directory"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line to start reading from,minimum=1,default=1"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return,minimum=1,default=2000"`
}

type writeArgs struct {
	Path    string `json:"path" jsonschema:"description=File path to create or overwrite"`
	Content string `json:"content" jsonschema:"description=Full file content"`
}

type editArgs struct {
	Path       string `json:"path" jsonschema:"description=File to edit"`
	OldString  string `json:"old_string" jsonschema:"description=Exact text to replace"`
	NewString  string `json:"new_string" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique match,default=false"`
}

type shellArgs struct {
	Command     string `json:"command" jsonschema:"description=Command line passed to bash -c"`
	TimeoutMs   int    `json:"timeout_ms,omitempty" jsonschema:"description=Timeout in milliseconds,minimum=1"`
	Description string `json:"description,omitempty" jsonschema:"description=Short explanation of what the command does"`
}

type grepArgs struct {
	Pattern         string `json:"pattern" jsonschema:"description=Regular expression to search for"`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search; defaults to the working directory"`
	Glob            string `json:"glob,omitempty" jsonschema:"description=Only search files matching this glob"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty" jsonschema:"default=false"`
	MaxResults      int    `json:"max_results,omitempty" jsonschema:"description=Maximum matches per file,minimum=1,default=100"`
}

type globArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern such as **/*.go"`
	Path    string `json:"path,omitempty" jsonschema:"description=Base directory; defaults to the working directory"`
}

// Builtins returns the stock tool set bound to env.
func Builtins(env Environment, opts BuiltinOptions) []Tool {
	return []Tool{
		readFileTool(env),
		writeFileTool(env),
		editFileTool(env),
		shellTool(env, opts),
		grepTool(env),
		globTool(env),
	}
}

// RegisterBuiltins adds the stock tool set to reg.
func RegisterBuiltins(reg *Registry, env Environment, opts BuiltinOptions) error {
	for _, t := range Builtins(env, opts) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func readFileTool(env Environment) Tool {
	return Tool{
		Name:        "file.read",
		Description: "Read a text file. Returns line-numbered content.",
		Schema:      SchemaFor(&readArgs{}),
		Risk:        RiskRead,
		SalientArg:  "path",
		SalientKind: SalientPath,
		Run: func(_ context.Context, args Args) (any, error) {
			var in readArgs
			if err := args.Decode(&in); err != nil {
				return nil, err
			}
			data, err := env.ReadFile(in.Path)
			if err != nil {
				return nil, err
			}
			return Output{Data: numberLines(string(data), in.Offset, in.Limit), Display: "code"}, nil
		},
	}
}

// numberLines formats content as "N | line" starting at the 1-based offset.
func numberLines(content string, offset, limit int) string {
	lines := strings.Split(content, "\n")
	if strings.HasSuffix(content, "\n") {
		lines = lines[:len(lines)-1]
	}
	start := 0
	if offset > 1 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String()
}

func writeFileTool(env Environment) Tool {
	return Tool{
		Name:        "file.write",
		Description: "Write a file, creating parent directories as needed.",
		Schema:      SchemaFor(&writeArgs{}),
		Risk:        RiskWrite,
		SalientArg:  "path",
		SalientKind: SalientPath,
		Run: func(_ context.Context, args Args) (any, error) {
			var in writeArgs
			if err := args.Decode(&in); err != nil {
				return nil, err
			}
			if err := env.WriteFile(in.Path, []byte(in.Content)); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(in.Content), in.Path), nil
		},
	}
}

func editFileTool(env Environment) Tool {
	return Tool{
		Name:        "file.edit",
		Description: "Replace an exact string in a file. old_string must be unique unless replace_all is set.",
		Schema:      SchemaFor(&editArgs{}),
		Risk:        RiskWrite,
		SalientArg:  "path",
		SalientKind: SalientPath,
		Run: func(_ context.Context, args Args) (any, error) {
			var in editArgs
			if err := args.Decode(&in); err != nil {
				return nil, err
			}
			data, err := env.ReadFile(in.Path)
			if err != nil {
				return nil, err
			}
			content := string(data)

			count := strings.Count(content, in.OldString)
			switch {
			case in.OldString == "":
				return nil, fmt.Errorf("old_string must not be empty")
			case count == 0:
				return nil, fmt.Errorf("old_string not found in %s", in.Path)
			case count > 1 && !in.ReplaceAll:
				return nil, fmt.Errorf("old_string found %d times in %s; add context or set replace_all", count, in.Path)
			}

			replaced := 1
			if in.ReplaceAll {
				content = strings.ReplaceAll(content, in.OldString, in.NewString)
				replaced = count
			} else {
				content = strings.Replace(content, in.OldString, in.NewString, 1)
			}
			if err := env.WriteFile(in.Path, []byte(content)); err != nil {
				return nil, err
			}
			return Output{
				Data:    fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, in.Path),
				Display: "diff",
			}, nil
		},
	}
}

func shellTool(env Environment, opts BuiltinOptions) Tool {
	return Tool{
		Name:        "shell.run",
		Description: "Run a shell command in the working directory. Returns combined output and exit code.",
		Schema:      SchemaFor(&shellArgs{}),
		Risk:        RiskExec,
		SalientArg:  "command",
		SalientKind: SalientCommand,
		Run: func(ctx context.Context, args Args) (any, error) {
			var in shellArgs
			if err := args.Decode(&in); err != nil {
				return nil, err
			}
			timeout := opts.DefaultCommandTimeout
			if in.TimeoutMs > 0 {
				timeout = time.Duration(in.TimeoutMs) * time.Millisecond
			}
			if opts.MaxCommandTimeout > 0 && timeout > opts.MaxCommandTimeout {
				timeout = opts.MaxCommandTimeout
			}

			result, err := env.Exec(ctx, in.Command, timeout)
			if err != nil {
				return nil, err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[command timed out after %s; partial output above]", timeout)
			} else if result.ExitCode != 0 {
				fmt.Fprintf(&sb, "\n\n[exit code: %d]", result.ExitCode)
			}
			return Output{Data: sb.String(), Display: "shell"}, nil
		},
	}
}

func grepTool(env Environment) Tool {
	return Tool{
		Name:        "search.grep",
		Description: "Search file contents with a regular expression. Returns file:line:text matches.",
		Schema:      SchemaFor(&grepArgs{}),
		Risk:        RiskRead,
		SalientArg:  "path",
		SalientKind: SalientPath,
		Run: func(ctx context.Context, args Args) (any, error) {
			var in grepArgs
			if err := args.Decode(&in); err != nil {
				return nil, err
			}
			out, err := env.Grep(ctx, in.Pattern, in.Path, GrepOptions{
				Glob:            in.Glob,
				CaseInsensitive: in.CaseInsensitive,
				MaxResults:      in.MaxResults,
			})
			if err != nil {
				return nil, err
			}
			if out == "" {
				return "No matches.", nil
			}
			return out, nil
		},
	}
}

func globTool(env Environment) Tool {
	return Tool{
		Name:        "search.glob",
		Description: "List files matching a glob pattern, newest first.",
		Schema:      SchemaFor(&globArgs{}),
		Risk:        RiskRead,
		SalientArg:  "pattern",
		SalientKind: SalientPath,
		Run: func(_ context.Context, args Args) (any, error) {
			var in globArgs
			if err := args.Decode(&in); err != nil {
				return nil, err
			}
			matches, err := env.Glob(in.Pattern, in.Path)
			if err != nil {
				return nil, err
			}
			if len(matches) == 0 {
				return "No files matched.", nil
			}
			return Output{Data: strings.Join(matches, "\n"), Display: "list"}, nil
		},
	}
}
