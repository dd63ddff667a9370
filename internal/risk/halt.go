package risk

import (
	"fmt"
	"os"
	"strings"
)

// HaltFlag is a marker file. Presence means trading is halted; the file
// content is a free-text reason.
type HaltFlag struct {
	Path string
}

// Present reports whether the flag file exists.
func (h HaltFlag) Present() bool {
	if h.Path == "" {
		return false
	}
	_, err := os.Stat(h.Path)
	return err == nil
}

// Reason returns the flag content and whether the flag is present.
func (h HaltFlag) Reason() (string, bool) {
	if h.Path == "" {
		return "", false
	}
	data, err := os.ReadFile(h.Path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// Raise writes the flag file with the given reason. Overwrites an existing
// flag.
func (h HaltFlag) Raise(reason string) error {
	if h.Path == "" {
		return fmt.Errorf("risk: halt flag path not configured")
	}
	return os.WriteFile(h.Path, []byte(reason+"\n"), 0o644)
}

// Clear removes the flag file. Clearing an absent flag is not an error.
func (h HaltFlag) Clear() error {
	if h.Path == "" {
		return nil
	}
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
