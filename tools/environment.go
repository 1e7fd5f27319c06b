package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	Glob            string
	CaseInsensitive bool
	MaxResults      int
}

// Environment abstracts where built-in tools touch files and run commands.
type Environment interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, content []byte) error
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error)
	Glob(pattern, path string) ([]string, error)
	WorkingDirectory() string
	Platform() string
}

// sensitiveEnvSuffixes are upper-case suffixes of environment variables that
// are withheld from spawned commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func filteredEnviron() []string {
	var out []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || isSensitiveEnvVar(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// LocalEnvironment runs tools against the local filesystem and shell.
type LocalEnvironment struct {
	workingDir string
}

// NewLocalEnvironment creates an environment rooted at workingDir. An empty
// directory means the process working directory.
func NewLocalEnvironment(workingDir string) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalEnvironment{workingDir: workingDir}
}

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }

func (e *LocalEnvironment) Platform() string { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalEnvironment) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalEnvironment) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(e.resolve(path))
}

func (e *LocalEnvironment) WriteFile(path string, content []byte) error {
	resolved := e.resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return os.WriteFile(resolved, content, 0o644)
}

func (e *LocalEnvironment) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = e.workingDir
	cmd.Env = filteredEnviron()
	// Own process group so the whole tree dies on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err == nil {
		return result, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("exec: %w", err)
}

func (e *LocalEnvironment) Grep(ctx context.Context, pattern, path string, opts GrepOptions) (string, error) {
	target := e.workingDir
	if path != "" {
		target = e.resolve(path)
	}

	var cmd *exec.Cmd
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{"--line-number", "--no-heading"}
		if opts.CaseInsensitive {
			args = append(args, "-i")
		}
		if opts.Glob != "" {
			args = append(args, "--glob", opts.Glob)
		}
		if opts.MaxResults > 0 {
			args = append(args, "--max-count", strconv.Itoa(opts.MaxResults))
		}
		cmd = exec.CommandContext(ctx, rg, append(args, "--", pattern, target)...)
	} else {
		args := []string{"-rn"}
		if opts.CaseInsensitive {
			args = append(args, "-i")
		}
		if opts.Glob != "" {
			args = append(args, "--include", opts.Glob)
		}
		cmd = exec.CommandContext(ctx, "grep", append(args, "-e", pattern, target)...)
	}
	cmd.Dir = e.workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Exit status 1 means no matches for both rg and grep.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		if stderr.Len() > 0 {
			return "", fmt.Errorf("grep: %s", strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("grep: %w", err)
	}
	return stdout.String(), nil
}

// Glob matches pattern (with ** support) under path and returns matches
// relative to the working directory, newest first.
func (e *LocalEnvironment) Glob(pattern, path string) ([]string, error) {
	base := e.workingDir
	if path != "" {
		base = e.resolve(path)
	}
	matches, err := doublestar.Glob(os.DirFS(base), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}

	type match struct {
		path    string
		modTime time.Time
	}
	found := make([]match, 0, len(matches))
	for _, m := range matches {
		full := filepath.Join(base, filepath.FromSlash(m))
		var mod time.Time
		if info, err := os.Stat(full); err == nil {
			mod = info.ModTime()
		} else if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		rel, err := filepath.Rel(e.workingDir, full)
		if err != nil {
			rel = full
		}
		found = append(found, match{path: rel, modTime: mod})
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].modTime.After(found[j].modTime) })

	out := make([]string, len(found))
	for i, m := range found {
		out[i] = m.path
	}
	return out, nil
}
