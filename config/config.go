// Package config loads codeloop settings and turns them into the immutable
// Snapshot handed to the turn loop.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/martinemde/codeloop/permission"
)

// Defaults applied by Load.
const (
	DefaultProvider   = "anthropic"
	DefaultMaxTurns   = 50
	DefaultLogLevel   = "info"
	DefaultLoopWindow = 10
)

// RuleConfig is one entry of the permissions list.
type RuleConfig struct {
	Pattern string `yaml:"pattern" validate:"required"`
	Verdict string `yaml:"verdict" validate:"required,oneof=allow ask deny"`
}

// File is the on-disk configuration.
type File struct {
	Provider     string         `yaml:"provider" validate:"required"`
	Model        string         `yaml:"model"`
	Mode         string         `yaml:"mode" validate:"omitempty,oneof=default auto-edit plan yolo"`
	MaxTurns     int            `yaml:"max_turns" validate:"gte=0"`
	MaxTokens    int            `yaml:"max_tokens" validate:"gte=0"`
	Temperature  *float64       `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	Stream       *bool          `yaml:"stream"`
	StateDir     string         `yaml:"state_dir"`
	LogLevel     string         `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Instructions string         `yaml:"instructions"`
	Permissions  []RuleConfig   `yaml:"permissions" validate:"dive"`
	AllowTools   []string       `yaml:"allow_tools"`
	DenyTools    []string       `yaml:"deny_tools"`
	OutputLimits map[string]int `yaml:"tool_output_limits" validate:"dive,gt=0"`
	LineLimits   map[string]int `yaml:"tool_line_limits" validate:"dive,gt=0"`
	LoopWindow   int            `yaml:"loop_window" validate:"gte=0"`
}

// Default returns the configuration used when no file is present.
func Default() File {
	return File{
		Provider:   DefaultProvider,
		Mode:       string(permission.ModeDefault),
		MaxTurns:   DefaultMaxTurns,
		LogLevel:   DefaultLogLevel,
		LoopWindow: DefaultLoopWindow,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Snapshot is the configuration one turn runs under. It is passed by value
// and never modified by the engine.
type Snapshot struct {
	Provider     string
	Model        string
	Mode         permission.Mode
	MaxTurns     int
	MaxTokens    int
	Temperature  *float64
	Stream       bool
	Instructions string
	Rules        permission.RuleSet
	AllowTools   []string
	DenyTools    []string
	CharLimits   map[string]int
	LineLimits   map[string]int
	// LoopWindow is the number of recent tool calls checked for repetition.
	// Zero disables loop detection.
	LoopWindow int
}

// Snapshot converts a validated File into a Snapshot.
func (f *File) Snapshot() (Snapshot, error) {
	mode, err := permission.ParseMode(f.Mode)
	if err != nil {
		return Snapshot{}, err
	}
	rules := make(permission.RuleSet, 0, len(f.Permissions))
	for _, rc := range f.Permissions {
		verdict, err := permission.ParseVerdict(rc.Verdict)
		if err != nil {
			return Snapshot{}, fmt.Errorf("permission %q: %w", rc.Pattern, err)
		}
		rules = append(rules, permission.Rule{Pattern: strings.TrimSpace(rc.Pattern), Verdict: verdict})
	}
	stream := true
	if f.Stream != nil {
		stream = *f.Stream
	}
	return Snapshot{
		Provider:     f.Provider,
		Model:        f.Model,
		Mode:         mode,
		MaxTurns:     f.MaxTurns,
		MaxTokens:    f.MaxTokens,
		Temperature:  f.Temperature,
		Stream:       stream,
		Instructions: f.Instructions,
		Rules:        rules,
		AllowTools:   append([]string(nil), f.AllowTools...),
		DenyTools:    append([]string(nil), f.DenyTools...),
		CharLimits:   copyLimits(f.OutputLimits),
		LineLimits:   copyLimits(f.LineLimits),
		LoopWindow:   f.LoopWindow,
	}, nil
}

// RuleSet returns the effective rule list: deny_tools first, then
// allow_tools, then the configured permissions.
func (s Snapshot) RuleSet() permission.RuleSet {
	out := make(permission.RuleSet, 0, len(s.DenyTools)+len(s.AllowTools)+len(s.Rules))
	for _, p := range s.DenyTools {
		out = append(out, permission.Rule{Pattern: p, Verdict: permission.Deny})
	}
	for _, p := range s.AllowTools {
		out = append(out, permission.Rule{Pattern: p, Verdict: permission.Allow})
	}
	return append(out, s.Rules...)
}

// Denied reports whether tool is removed from the model's tool list by a
// bare deny_tools entry.
func (s Snapshot) Denied(tool string) bool {
	for _, p := range s.DenyTools {
		if p == tool {
			return true
		}
	}
	return false
}

func copyLimits(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
