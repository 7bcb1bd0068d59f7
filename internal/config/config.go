// Package config loads the relay's runtime configuration: the CLI /
// process-lifecycle surface the core itself treats as an external
// collaborator (§1, §6), implemented here so the repository has a real
// entrypoint.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "COLLABRELAY_"

// Config holds everything the relay needs to start listening.
type Config struct {
	// Port the listener binds on all interfaces.
	Port int `koanf:"port"`

	// Backlog is reported in the listener's startup log only; it is not
	// applied to the listening socket, which uses the operating system's
	// default backlog.
	Backlog int `koanf:"backlog"`

	// AcceptPollInterval is how often the accept loop checks for
	// shutdown between accept attempts (§6's "short timeout" poll).
	AcceptPollInterval string `koanf:"acceptPollInterval"`

	// OutboundQueueCapacity bounds each connection's outbound command
	// queue (§9's open question about an unbounded queue).
	OutboundQueueCapacity int `koanf:"outboundQueueCapacity"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `koanf:"logLevel"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	return Config{
		Port:                  1234,
		Backlog:               1000,
		AcceptPollInterval:    "100ms",
		OutboundQueueCapacity: 4096,
		LogLevel:              "info",
	}
}

// Load merges Default() with an optional YAML file at path (skipped if
// path is empty; a path that cannot be read is an error) and
// environment variables prefixed COLLABRELAY_.
func Load(path string) (Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(structProvider(cfg), nil); err != nil {
		return cfg, fmt.Errorf("config: seed defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	envCb := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}
	if err := k.Load(env.Provider(envPrefix, ".", envCb), nil); err != nil {
		return cfg, fmt.Errorf("config: load environment: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// structProvider seeds koanf with cfg's own zero-cost default values so
// a missing file/env var falls back to Default() rather than the zero
// value.
func structProvider(cfg Config) koanf.Provider {
	return confmapProvider{
		"port":                  cfg.Port,
		"backlog":               cfg.Backlog,
		"acceptpollinterval":    cfg.AcceptPollInterval,
		"outboundqueuecapacity": cfg.OutboundQueueCapacity,
		"loglevel":              cfg.LogLevel,
	}
}

// confmapProvider adapts a plain map to koanf.Provider without pulling
// in the separate confmap sub-module.
type confmapProvider map[string]any

func (c confmapProvider) ReadBytes() ([]byte, error) { return nil, nil }
func (c confmapProvider) Read() (map[string]any, error) {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out, nil
}
