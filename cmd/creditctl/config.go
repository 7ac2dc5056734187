package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	configDir      = ".credgate"
	configName     = "creditctl"
	configType     = "toml"
	configFileMode = 0o600
	configDirMode  = 0o700
	envPrefix      = "CREDGATE"
)

// fileConfig is the on-disk schema of ~/.credgate/creditctl.toml.
type fileConfig struct {
	DatabaseURL    string `toml:"database_url"`
	TopUpOnUpgrade bool   `toml:"top_up_on_upgrade"`
	LogLevel       string `toml:"log_level"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{TopUpOnUpgrade: true, LogLevel: "warn"}
}

// settings is the effective configuration: file, then CREDGATE_* env,
// then flags.
type settings struct {
	DatabaseURL    string
	TopUpOnUpgrade bool
	LogLevel       string
	Path           string
}

func configPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, configDir, configName+"."+configType), nil
}

func loadSettings(v *viper.Viper) (settings, error) {
	path, err := configPath()
	if err != nil {
		return settings{}, err
	}

	def := defaultFileConfig()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(filepath.Dir(path))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault("top_up_on_upgrade", def.TopUpOnUpgrade)
	v.SetDefault("log_level", def.LogLevel)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return settings{}, fmt.Errorf("read config file: %w", err)
		}
	}

	return settings{
		DatabaseURL:    v.GetString("database_url"),
		TopUpOnUpgrade: v.GetBool("top_up_on_upgrade"),
		LogLevel:       v.GetString("log_level"),
		Path:           path,
	}, nil
}

// writeConfig writes cfg to path through a temp file so a failed write
// never truncates an existing config.
func writeConfig(path string, cfg fileConfig, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), configDirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".creditctl-*.toml.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(configFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
