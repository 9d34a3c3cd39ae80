package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to upper-cased, underscore-joined keys for
// environment overrides, e.g. EDGEAI_SCHEDULER_PARALLELISM.
const EnvPrefix = "EDGEAI"

type loadOptions struct {
	path      string
	envLookup func(string) (string, bool)
}

// Option customizes Load.
type Option func(*loadOptions)

// WithPath reads the YAML file at path on top of the defaults. A missing
// file is an error only when the path was given explicitly.
func WithPath(path string) Option {
	return func(o *loadOptions) { o.path = path }
}

// WithEnv replaces os.LookupEnv, mainly for tests.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// Load resolves defaults, then the config file, then EDGEAI_* environment
// overrides, and validates the result.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{envLookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return Config{}, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if options.path != "" {
		data, err := os.ReadFile(options.path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", options.path, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", options.path, err)
		}
	}

	applyEnv(v, options.envLookup)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDefaultPath loads DefaultPath when it exists and falls back to defaults otherwise.
func LoadDefaultPath(opts ...Option) (Config, error) {
	if _, err := os.Stat(DefaultPath); err == nil {
		opts = append([]Option{WithPath(DefaultPath)}, opts...)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("stat %s: %w", DefaultPath, err)
	}
	return Load(opts...)
}

// applyEnv overrides every known scalar key with its EDGEAI_* variable.
// Lists of structs (agents, models) are file-only.
func applyEnv(v *viper.Viper, lookup func(string) (string, bool)) {
	replacer := strings.NewReplacer(".", "_")
	for _, key := range v.AllKeys() {
		envKey := EnvPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		value, ok := lookup(envKey)
		if !ok {
			continue
		}
		if isListKey(v.Get(key)) {
			v.Set(key, splitList(value))
			continue
		}
		v.Set(key, value)
	}
}

func isListKey(current any) bool {
	switch current.(type) {
	case []any, []string:
		return true
	default:
		return false
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
