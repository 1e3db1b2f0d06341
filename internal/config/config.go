// Package config loads server configuration in three layers: built-in
// defaults, an optional YAML file, then KINDRED_ environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "KINDRED_"

type Config struct {
	Addr           string `koanf:"addr"`
	Port           int    `koanf:"port"`
	DataDir        string `koanf:"data_dir"`
	AuthFile       string `koanf:"auth_file"`
	MaxConnections int    `koanf:"max_connections"`

	Admin   AdminConfig   `koanf:"admin"`
	Index   IndexConfig   `koanf:"index"`
	Logging LoggingConfig `koanf:"logging"`
}

// AdminConfig seeds the first admin account when the user file is empty.
type AdminConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// IndexConfig sets the defaults applied to spaces created without explicit
// index parameters.
type IndexConfig struct {
	Planes        int   `koanf:"planes"`
	ScanThreshold int   `koanf:"scan_threshold"`
	Seed          int64 `koanf:"seed"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
	Debug bool   `koanf:"debug"`
}

func Default() Config {
	return Config{
		Addr:           "0.0.0.0",
		Port:           4568,
		DataDir:        "./data",
		AuthFile:       "./data/users.json",
		MaxConnections: 100,
		Logging:        LoggingConfig{Level: "info"},
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and environment variables apply; a named file that does not
// exist is an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// KINDRED_ADMIN_PASSWORD=... overrides admin.password and so on. Only
	// the section prefixes become dots so that keys like data_dir survive.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		for _, section := range []string{"admin_", "index_", "logging_"} {
			if strings.HasPrefix(s, section) {
				return strings.Replace(s, "_", ".", 1)
			}
		}
		return s
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("port out of range: %d", cfg.Port)
	}
	if cfg.MaxConnections < 1 {
		return Config{}, fmt.Errorf("max_connections must be >= 1, got %d", cfg.MaxConnections)
	}
	return cfg, nil
}

// ListenAddr returns the addr:port pair for net.Listen.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}
