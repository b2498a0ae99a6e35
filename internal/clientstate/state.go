// Package clientstate persists the CLI's small local state between runs.
package clientstate

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type State struct {
	Server        string `yaml:"server,omitempty"`
	Token         string `yaml:"token,omitempty"`
	LastSessionID string `yaml:"last_session_id,omitempty"`
}

// DefaultPath is state.yaml under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "pawcare", "state.yaml")
}

// Load reads the state file. A missing file yields an empty state.
func Load(path string) (State, error) {
	var s State
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, errors.Wrap(err, "read state")
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return State{}, errors.Wrapf(err, "parse state %s", path)
	}
	return s, nil
}

// Save writes the state atomically with owner-only permissions; it holds a token.
func Save(path string, s State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	b, err := yaml.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return errors.Wrap(err, "write state")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write state")
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write state")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "write state")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "write state")
}

// Update loads the state, applies fn and saves the result.
func Update(path string, fn func(*State)) error {
	s, err := Load(path)
	if err != nil {
		return err
	}
	fn(&s)
	return Save(path, s)
}
