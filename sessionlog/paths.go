package sessionlog

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

const maxFingerprintPrefix = 80

// DefaultStateDir returns $XDG_STATE_HOME/codeloop, falling back to
// ~/.local/state/codeloop.
func DefaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "codeloop")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "codeloop")
	}
	return filepath.Join(home, ".local", "state", "codeloop")
}

// Fingerprint maps a working directory to a directory name. The readable
// prefix is the escaped path; the hash suffix keeps distinct paths that
// escape to the same prefix apart.
func Fingerprint(workingDir string) string {
	clean := filepath.Clean(workingDir)
	var b strings.Builder
	for _, r := range clean {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	prefix := b.String()
	if len(prefix) > maxFingerprintPrefix {
		prefix = prefix[len(prefix)-maxFingerprintPrefix:]
	}
	sum := sha256.Sum256([]byte(clean))
	return prefix + "-" + hex.EncodeToString(sum[:4])
}
