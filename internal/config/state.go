package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const StateFileName = "state.yaml"

// State is the endpoint's durable identity, created on first run and
// reused afterwards so peers and reports can attribute results to a
// stable id.
type State struct {
	EndpointID string    `yaml:"endpoint_id"`
	Label      string    `yaml:"label"`
	CreatedAt  time.Time `yaml:"created_at"`
}

func StatePath(dir string) string {
	return filepath.Join(dir, StateFileName)
}

func LoadState(ctx context.Context, dir string) (State, error) {
	var state State
	path := StatePath(dir)

	data, err := os.ReadFile(path)
	if err != nil {
		return state, fmt.Errorf("read state file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse state file %q: %w", path, err)
	}

	return state, nil
}

// LoadOrCreateState loads the endpoint identity, minting a fresh one on
// first run.
func LoadOrCreateState(ctx context.Context, dir, label string) (State, error) {
	state, err := LoadState(ctx, dir)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return State{}, err
	}

	state = State{
		EndpointID: uuid.NewString(),
		Label:      label,
		CreatedAt:  time.Now().UTC(),
	}
	if err := SaveState(ctx, dir, state); err != nil {
		return State{}, err
	}
	return state, nil
}

// SaveState writes the state file atomically via a temp file rename.
func SaveState(ctx context.Context, dir string, state State) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure state dir %q: %w", dir, err)
	}

	path := StatePath(dir)
	data, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp state file %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state file %q: %w", path, err)
	}

	return nil
}
