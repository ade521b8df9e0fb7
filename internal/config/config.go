package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "PEERPROBE_CONFIG"
	DefaultConfigPath = "/etc/peerprobe/peerprobe.yaml"
)

type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	ICE      ICEConfig      `yaml:"ice"`
	Probe    ProbeConfig    `yaml:"probe"`
	Reports  ReportsConfig  `yaml:"reports"`
	Run      RunConfig      `yaml:"run"`
}

type EndpointConfig struct {
	DataDir      string        `yaml:"data_dir"`
	Label        string        `yaml:"label"`
	ChannelLabel string        `yaml:"channel_label"`
	GatherGrace  time.Duration `yaml:"gather_grace"`
	StatusListen string        `yaml:"status_listen"`

	RateGovernance *RateGovernanceConfig `yaml:"rate_governance"`
}

type RateGovernanceConfig struct {
	Enabled      bool `yaml:"enabled"`
	GlobalPPSCap int  `yaml:"global_pps_cap"`
}

type ICEConfig struct {
	Servers []ICEServerConfig `yaml:"servers"`
}

type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type ProbeConfig struct {
	DurationSeconds  int `yaml:"duration_seconds"`
	PacketSizeBytes  int `yaml:"packet_size_bytes"`
	PacketsPerSecond int `yaml:"packets_per_second"`
}

type ReportsConfig struct {
	MemItemsCap int `yaml:"mem_items_cap"`
}

type RunConfig struct {
	TickResolution time.Duration `yaml:"tick_resolution"`
}

// Default returns the configuration used when no file is present: a
// local data dir, no ICE servers (loopback and host candidates only),
// and a modest report buffer.
func Default() Config {
	return Config{
		Endpoint: EndpointConfig{
			DataDir:      "/var/lib/peerprobe",
			ChannelLabel: "peerprobe-data",
			GatherGrace:  5 * time.Second,
			StatusListen: "127.0.0.1:9190",
		},
		Reports: ReportsConfig{MemItemsCap: 64},
	}
}

func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv resolves the config path from PEERPROBE_CONFIG, falling
// back to the default path. A missing file at the default path is not
// an error; the defaults apply. An explicitly configured path must
// exist.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	cfg, err := Load(ctx, path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return cfg, err
	}
	return applyDefaults(cfg), nil
}

// applyDefaults fills gaps a partial file leaves open.
func applyDefaults(cfg Config) Config {
	def := Default()
	if cfg.Endpoint.DataDir == "" {
		cfg.Endpoint.DataDir = def.Endpoint.DataDir
	}
	if cfg.Endpoint.ChannelLabel == "" {
		cfg.Endpoint.ChannelLabel = def.Endpoint.ChannelLabel
	}
	if cfg.Endpoint.GatherGrace <= 0 {
		cfg.Endpoint.GatherGrace = def.Endpoint.GatherGrace
	}
	if cfg.Endpoint.StatusListen == "" {
		cfg.Endpoint.StatusListen = def.Endpoint.StatusListen
	}
	if cfg.Reports.MemItemsCap <= 0 {
		cfg.Reports.MemItemsCap = def.Reports.MemItemsCap
	}
	return cfg
}
