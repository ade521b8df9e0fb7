package config

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestLoadOrCreateStateMintsStableIdentity(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	created, err := LoadOrCreateState(ctx, dir, "lab-rack-3")
	if err != nil {
		t.Fatalf("LoadOrCreateState: %v", err)
	}
	if created.EndpointID == "" {
		t.Fatalf("expected a minted endpoint id")
	}
	if created.Label != "lab-rack-3" {
		t.Fatalf("expected label carried into state, got %q", created.Label)
	}
	if created.CreatedAt.IsZero() {
		t.Fatalf("expected creation timestamp")
	}

	loaded, err := LoadOrCreateState(ctx, dir, "different-label")
	if err != nil {
		t.Fatalf("second LoadOrCreateState: %v", err)
	}
	if loaded.EndpointID != created.EndpointID {
		t.Fatalf("identity must be stable across runs: %q vs %q", loaded.EndpointID, created.EndpointID)
	}
	if loaded.Label != "lab-rack-3" {
		t.Fatalf("existing state wins over a new label, got %q", loaded.Label)
	}
}

func TestSaveStateWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	state := State{EndpointID: "ep-1", Label: "x"}
	if err := SaveState(ctx, dir, state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	data, err := os.ReadFile(StatePath(dir))
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !strings.Contains(string(data), "endpoint_id: ep-1") {
		t.Fatalf("unexpected state contents:\n%s", data)
	}
	if _, err := os.Stat(StatePath(dir) + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file must not survive a successful save")
	}
}

func TestLoadStateMissing(t *testing.T) {
	if _, err := LoadState(context.Background(), t.TempDir()); err == nil {
		t.Fatalf("expected error for missing state file")
	}
}
