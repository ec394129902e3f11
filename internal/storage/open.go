package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	logx "shopwatch/pkg/logx"
)

// Paths resolves the configured file locations, deriving missing ones from Dir.
func (c Config) Paths() (state, dup, journal string, err error) {
	dir := strings.TrimSpace(c.Dir)
	state, dup, journal = strings.TrimSpace(c.StatePath), strings.TrimSpace(c.DupPath), strings.TrimSpace(c.JournalPath)
	if dir == "" && (state == "" || dup == "" || journal == "") {
		return "", "", "", errors.New("storage.dir is required unless every path is set")
	}
	if state == "" {
		state = filepath.Join(dir, "state.json")
	}
	if dup == "" {
		dup = filepath.Join(dir, "dupwindow.json")
	}
	if journal == "" {
		journal = filepath.Join(dir, "notifications.jsonl")
	}
	return state, dup, journal, nil
}

// EnsureDirs creates the parent directories of every configured file.
func EnsureDirs(cfg Config, log logx.Logger) error {
	state, dup, journal, err := cfg.Paths()
	if err != nil {
		return err
	}
	for _, p := range []string{state, dup, journal} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}
	if !log.IsZero() {
		log.Debug("storage paths ready", logx.String("state", state), logx.String("dup", dup), logx.String("journal", journal))
	}
	return nil
}
