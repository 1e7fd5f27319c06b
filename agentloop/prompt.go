package agentloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinemde/codeloop/tools"
)

const maxProjectDocBytes = 32 * 1024

// PromptInput is everything the system prompt is built from.
type PromptInput struct {
	Provider     string
	Model        string
	Env          tools.Environment
	GitBranch    string
	ProjectDocs  string
	Instructions string
	Now          time.Time
}

// BuildSystemPrompt assembles the base instructions, the environment block,
// project instruction files and user instructions, in that order.
func BuildSystemPrompt(in PromptInput) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")
	sb.WriteString(environmentBlock(in))

	if in.ProjectDocs != "" {
		sb.WriteString("\n\n# Project Instructions\n\n")
		sb.WriteString(in.ProjectDocs)
	}
	if in.Instructions != "" {
		sb.WriteString("\n\n# User Instructions\n\n")
		sb.WriteString(in.Instructions)
	}
	return sb.String()
}

func environmentBlock(in PromptInput) string {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	if in.Env != nil {
		fmt.Fprintf(&sb, "Working directory: %s\n", in.Env.WorkingDirectory())
		fmt.Fprintf(&sb, "Platform: %s\n", in.Env.Platform())
	}
	fmt.Fprintf(&sb, "Is git repository: %v\n", in.GitBranch != "")
	if in.GitBranch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", in.GitBranch)
	}
	fmt.Fprintf(&sb, "Today's date: %s\n", now.Format("2006-01-02"))
	if in.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", in.Model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads AGENTS.md, and CLAUDE.md for the anthropic
// provider, from every directory between the git root (or workingDir) and
// workingDir. The combined text is capped at 32KB.
func DiscoverProjectDocs(ctx context.Context, workingDir, provider string) string {
	root := gitRoot(ctx, workingDir)
	if root == "" {
		root = workingDir
	}

	names := []string{"AGENTS.md"}
	if provider == "anthropic" {
		names = append(names, "CLAUDE.md")
	}

	var docs []string
	total := 0
	for _, dir := range pathHierarchy(root, workingDir) {
		for _, name := range names {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// GitBranch returns the current branch of the repository containing dir, or
// "" outside a repository.
func GitBranch(ctx context.Context, dir string) string {
	return git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func gitRoot(ctx context.Context, dir string) string {
	return git(ctx, dir, "rev-parse", "--show-toplevel")
}

func git(ctx context.Context, dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// pathHierarchy returns the directories from root down to target, inclusive.
// A target outside root yields only target.
func pathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return []string{root}
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return []string{target}
	}

	dirs := []string{root}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

const basePrompt = `You are an autonomous coding agent. You help users with software engineering tasks by reading files, editing code, running commands, and iterating until the task is done.

# Core Principles

- Read files before editing them. Understand existing code before suggesting modifications.
- Prefer editing existing files over creating new ones.
- Keep changes minimal and focused. Only make changes that are directly requested or clearly necessary.
- After making changes, verify them by reading the modified file or running relevant tests.

# Tools

- file.read reads a file with line numbers. Read before you edit.
- file.edit replaces old_string with new_string. old_string must match the file exactly and be unique; add surrounding lines when it is not.
- file.write creates or overwrites a whole file. Use it only for new files.
- shell.run runs a shell command. Prefer short-running commands.
- search.grep searches file contents by regular expression.
- search.glob finds files by name pattern.

Some calls need the user's approval. If a call is rejected or denied, do not retry it unchanged: explain what you wanted to do or take another approach.

# Errors

- If a tool call fails, read the error and try a different approach.
- If file.edit cannot find old_string, re-read the file to get the current content.
- If a command fails, inspect the output and fix the issue.`
