// Package config loads client configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/polyglot-chat/internal/provider"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the top-level client configuration.
type Config struct {
	DefaultProvider string            `koanf:"default_provider"`
	Providers       []provider.Config `koanf:"providers"`
	Storage         StorageConfig     `koanf:"storage"`
	Reasoning       ReasoningConfig   `koanf:"reasoning"`
	Sampling        SamplingConfig    `koanf:"sampling"`
	Server          ServerConfig      `koanf:"server"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

// ReasoningConfig sets the inline marker pair used for backends without
// structured reasoning.
type ReasoningConfig struct {
	StartMarker string `koanf:"start_marker"`
	EndMarker   string `koanf:"end_marker"`
}

type SamplingConfig struct {
	Temperature float32 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// ServerConfig configures the optional daemon mode.
type ServerConfig struct {
	Port int `koanf:"port"`
}

// Load reads configuration from path, then applies CHAT_ environment
// overrides. A missing file is fine; env vars and defaults carry it.
// ${VAR} references in provider API keys are resolved from the
// environment so keys never need to live in the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "chat.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// CHAT_STORAGE__PATH=... maps to storage.path
	if err := k.Load(env.Provider("CHAT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CHAT_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = substituteEnvVars(cfg.Providers[i].APIKey)
	}

	if cfg.DefaultProvider == "" && len(cfg.Providers) > 0 {
		cfg.DefaultProvider = cfg.Providers[0].Name
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	if !k.Exists("storage.path") {
		k.Set("storage.path", "chat.db")
	}
	if !k.Exists("reasoning.start_marker") {
		k.Set("reasoning.start_marker", "<think>")
	}
	if !k.Exists("reasoning.end_marker") {
		k.Set("reasoning.end_marker", "</think>")
	}
	if !k.Exists("server.port") {
		k.Set("server.port", 8091)
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
