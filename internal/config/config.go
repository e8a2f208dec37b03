// Package config loads the invoker's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds the invoker's runtime configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`

	// ControlSocketPath is the host-visible path of the framed control socket.
	ControlSocketPath string `yaml:"control_socket_path"`
	// ControlSocketInnerPath is the path at which the control socket is
	// visible inside operator containers, after the bind mount.
	ControlSocketInnerPath string `yaml:"control_socket_inner_path"`

	// UpstreamURL is the coordinator WebSocket endpoint.
	UpstreamURL string `yaml:"upstream_url"`
	// UpstreamConnectTimeout bounds the initial WebSocket handshake.
	UpstreamConnectTimeout time.Duration `yaml:"upstream_connect_timeout"`

	// EngineEndpoint is the container-engine API endpoint, either
	// "unix:///path/to.sock" or "http://host:port".
	EngineEndpoint string `yaml:"engine_endpoint"`
	// EngineRequestTimeout bounds non-streaming engine calls.
	EngineRequestTimeout time.Duration `yaml:"engine_request_timeout"`

	// VolumesRoot is the host directory under which per-task volume
	// directories are created.
	VolumesRoot string `yaml:"volumes_root"`

	// ShutdownTimeout bounds best-effort teardown during process exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Logger *zap.Logger `yaml:"-"`
}

const (
	defaultControlSocketPath      = "/tmp/invoker.sock"
	defaultControlSocketInnerPath = "/invoker.sock"
	defaultUpstreamURL            = "ws://localhost:9000/invoker"
	defaultEngineEndpoint         = "http://localhost:8888"
	defaultVolumesDirName         = ".invokerVolumes"
)

func defaults() *Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/root"
	}
	engineEndpoint := os.Getenv("PODMAN_SOCKET")
	if engineEndpoint == "" {
		engineEndpoint = defaultEngineEndpoint
	}
	return &Config{
		LogLevel:                "info",
		LogDir:                  filepath.Join(".", "logs", "invoker"),
		ControlSocketPath:       defaultControlSocketPath,
		ControlSocketInnerPath:  defaultControlSocketInnerPath,
		UpstreamURL:             defaultUpstreamURL,
		UpstreamConnectTimeout:  30 * time.Second,
		EngineEndpoint:          engineEndpoint,
		EngineRequestTimeout:    30 * time.Second,
		VolumesRoot:             filepath.Join(home, defaultVolumesDirName),
		ShutdownTimeout:         10 * time.Second,
	}
}

// Load reads configuration from path, writing a default file if none exists.
func Load(path string, logger *zap.Logger) (*Config, error) {
	def := defaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(def)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkErr)
		}
		if writeErr := os.WriteFile(path, data, 0o644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		def.Logger = logger
		return def, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg, def)
	cfg.Logger = logger
	return &cfg, nil
}

func applyDefaults(cfg, def *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogDir == "" {
		cfg.LogDir = def.LogDir
	}
	if cfg.ControlSocketPath == "" {
		cfg.ControlSocketPath = def.ControlSocketPath
	}
	if cfg.ControlSocketInnerPath == "" {
		cfg.ControlSocketInnerPath = def.ControlSocketInnerPath
	}
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = def.UpstreamURL
	}
	if cfg.UpstreamConnectTimeout == 0 {
		cfg.UpstreamConnectTimeout = def.UpstreamConnectTimeout
	}
	if cfg.EngineEndpoint == "" {
		cfg.EngineEndpoint = def.EngineEndpoint
	}
	if cfg.EngineRequestTimeout == 0 {
		cfg.EngineRequestTimeout = def.EngineRequestTimeout
	}
	if cfg.VolumesRoot == "" {
		cfg.VolumesRoot = def.VolumesRoot
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
}
