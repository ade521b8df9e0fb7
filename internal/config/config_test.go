package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerprobe.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  data_dir: /tmp/peerprobe
  label: lab-rack-3
  channel_label: probe-data
  gather_grace: 2s
  status_listen: 127.0.0.1:9999
  rate_governance:
    enabled: true
    global_pps_cap: 200
ice:
  servers:
    - urls: ["stun:stun.example.org:3478"]
    - urls: ["turn:turn.example.org:3478"]
      username: probe
      credential: secret
probe:
  duration_seconds: 30
  packet_size_bytes: 1200
  packets_per_second: 50
reports:
  mem_items_cap: 16
run:
  tick_resolution: 25ms
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Endpoint.DataDir != "/tmp/peerprobe" || cfg.Endpoint.Label != "lab-rack-3" {
		t.Fatalf("unexpected endpoint config %+v", cfg.Endpoint)
	}
	if cfg.Endpoint.GatherGrace != 2*time.Second {
		t.Fatalf("expected 2s gather grace, got %s", cfg.Endpoint.GatherGrace)
	}
	if cfg.Endpoint.RateGovernance == nil || !cfg.Endpoint.RateGovernance.Enabled || cfg.Endpoint.RateGovernance.GlobalPPSCap != 200 {
		t.Fatalf("unexpected rate governance %+v", cfg.Endpoint.RateGovernance)
	}
	if len(cfg.ICE.Servers) != 2 || cfg.ICE.Servers[1].Username != "probe" {
		t.Fatalf("unexpected ice servers %+v", cfg.ICE.Servers)
	}
	if cfg.Probe.DurationSeconds != 30 || cfg.Probe.PacketSizeBytes != 1200 || cfg.Probe.PacketsPerSecond != 50 {
		t.Fatalf("unexpected probe config %+v", cfg.Probe)
	}
	if cfg.Reports.MemItemsCap != 16 {
		t.Fatalf("unexpected reports config %+v", cfg.Reports)
	}
	if cfg.Run.TickResolution != 25*time.Millisecond {
		t.Fatalf("unexpected run config %+v", cfg.Run)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadFromEnvExplicitPathMustExist(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := LoadFromEnv(context.Background()); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestLoadFromEnvFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  label: partial
`)
	t.Setenv(envConfigPath, path)

	cfg, err := LoadFromEnv(context.Background())
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	def := Default()
	if cfg.Endpoint.Label != "partial" {
		t.Fatalf("explicit value lost: %+v", cfg.Endpoint)
	}
	if cfg.Endpoint.ChannelLabel != def.Endpoint.ChannelLabel {
		t.Fatalf("expected default channel label, got %q", cfg.Endpoint.ChannelLabel)
	}
	if cfg.Endpoint.GatherGrace != def.Endpoint.GatherGrace {
		t.Fatalf("expected default gather grace, got %s", cfg.Endpoint.GatherGrace)
	}
	if cfg.Reports.MemItemsCap != def.Reports.MemItemsCap {
		t.Fatalf("expected default report cap, got %d", cfg.Reports.MemItemsCap)
	}
}
