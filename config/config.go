// Copyright 2024 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"github.com/stratastor/logger"
	"gopkg.in/yaml.v3"

	"github.com/diskarbd/diskarbd/internal/constants"
)

var (
	instance   *Config
	once       sync.Once
	configPath string // Tracks where the config was loaded from
)

// Config is the full set of daemon tunables. Every field here is read once
// at startup and is not reloaded while the daemon runs.
type Config struct {
	Server struct {
		SocketPath string `mapstructure:"socketPath"`
		LogLevel   string `mapstructure:"logLevel"`
		PIDFile    string `mapstructure:"pidFile"`
	} `mapstructure:"server"`

	Logger struct {
		LogLevel     string `mapstructure:"logLevel"`
		EnableSentry bool   `mapstructure:"enableSentry"`
		SentryDSN    string `mapstructure:"sentryDSN"`
	} `mapstructure:"logger"`

	// Ingest controls the hotplug monitor and periodic reconciliation.
	Ingest struct {
		UdevMonitorEnabled bool   `mapstructure:"udevMonitorEnabled"`
		ReconcileInterval  string `mapstructure:"reconcileInterval"`
		UdevadmPath        string `mapstructure:"udevadmPath"`
		LsblkPath          string `mapstructure:"lsblkPath"`
	} `mapstructure:"ingest"`

	// Stage controls the probe/repair/mount/eject pipeline.
	Stage struct {
		VolumeRoot            string `mapstructure:"volumeRoot"`
		MaxConcurrentHelpers  int    `mapstructure:"maxConcurrentHelpers"`
		HelperTimeout         string `mapstructure:"helperTimeout"`
		AlwaysRepair          bool   `mapstructure:"alwaysRepair"`
		AlwaysDeferMount      bool   `mapstructure:"alwaysDeferMount"`

		// MountImplementation is loaded from the config file but is not
		// consulted: mounts and unmounts always run through the external
		// helpers resolved from MountHelperDirs.
		MountImplementation string `mapstructure:"mountImplementation"`

		// Deferral is keyed by device tier: "removable", "internal", "external".
		Deferral map[string]bool `mapstructure:"deferral"`

		ProbeHelperDirs []string `mapstructure:"probeHelperDirs"`
		RepairHelperDirs []string `mapstructure:"repairHelperDirs"`
		MountHelperDirs  []string `mapstructure:"mountHelperDirs"`
	} `mapstructure:"stage"`

	// Console controls the console-user ownership/deferred-mount policy.
	Console struct {
		ProxyEnabled    bool   `mapstructure:"proxyEnabled"`
		ProxySocketPath string `mapstructure:"proxySocketPath"`
	} `mapstructure:"console"`

	MountMapPath string `mapstructure:"mountMapPath"`

	Environment string `mapstructure:"environment"`
}

// LoadConfig loads the configuration with precedence rules:
// explicit path > DISKARBD_CONFIG env var > system default path.
func LoadConfig(configFilePath string) *Config {
	once.Do(func() {
		logConfig := logger.Config{LogLevel: "info"}
		l, err := logger.NewTag(logConfig, "config")
		if err != nil {
			fmt.Printf("Failed to create logger: %v\n", err)
			os.Exit(1)
		}

		viper.Reset()
		viper.SetConfigType("yaml")

		systemConfigPath := filepath.Join(GetConfigDir(), constants.ConfigFileName)

		if configFilePath != "" {
			configPath = configFilePath
		} else if envPath := os.Getenv("DISKARBD_CONFIG"); envPath != "" {
			configPath = envPath
		} else {
			configPath = systemConfigPath
		}

		l.Info("Using config file", "path", configPath)

		if absPath, err := filepath.Abs(configPath); err == nil {
			configPath = absPath
		}
		viper.SetConfigFile(configPath)

		setDefaults()

		viper.AutomaticEnv()
		viper.SetEnvPrefix("DISKARBD")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

		err = viper.ReadInConfig()
		if err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				l.Info("Config file not found, creating default at system path", "path", systemConfigPath)
				if err := os.MkdirAll(GetConfigDir(), 0755); err != nil {
					l.Error("Failed to create config directory", "err", err)
				}

				var cfg Config
				if err := viper.Unmarshal(&cfg); err != nil {
					l.Error("Failed to unmarshal default configuration", "err", err)
				}
				instance = &cfg
				configPath = systemConfigPath

				if err := SaveConfig(systemConfigPath); err != nil {
					l.Error("Failed to save default configuration", "err", err)
				}
			} else {
				l.Error("Error reading config file", "err", err)
				var cfg Config
				if err := viper.Unmarshal(&cfg); err != nil {
					l.Error("Failed to unmarshal default configuration", "err", err)
				}
				instance = &cfg
			}
		} else {
			l.Info("Config file loaded successfully", "path", viper.ConfigFileUsed())
			configPath = viper.ConfigFileUsed()

			var cfg Config
			if err := viper.Unmarshal(&cfg); err != nil {
				l.Error("Failed to parse configuration", "err", err)
			} else {
				instance = &cfg
			}
		}

		l.Debug("Loaded configuration", "config", fmt.Sprintf("%+v", instance))
	})

	return instance
}

func setDefaults() {
	viper.SetDefault("environment", "prod")
	viper.SetDefault("server.socketPath", constants.SocketPath)
	viper.SetDefault("server.logLevel", "info")
	viper.SetDefault("server.pidFile", constants.PIDFilePath)

	viper.SetDefault("logger.logLevel", "info")
	viper.SetDefault("logger.enableSentry", false)
	viper.SetDefault("logger.sentryDSN", "")

	viper.SetDefault("ingest.udevMonitorEnabled", true)
	viper.SetDefault("ingest.reconcileInterval", "15m")
	viper.SetDefault("ingest.udevadmPath", "")
	viper.SetDefault("ingest.lsblkPath", "")

	viper.SetDefault("stage.volumeRoot", constants.VolumeRoot)
	viper.SetDefault("stage.maxConcurrentHelpers", 4)
	viper.SetDefault("stage.helperTimeout", "2m")
	viper.SetDefault("stage.alwaysRepair", false)
	viper.SetDefault("stage.alwaysDeferMount", false)
	viper.SetDefault("stage.mountImplementation", "native")
	viper.SetDefault("stage.deferral", map[string]bool{
		"removable": false,
		"internal":  false,
		"external":  false,
	})
	viper.SetDefault("stage.probeHelperDirs", []string{"/usr/libexec/diskarbd/probe"})
	viper.SetDefault("stage.repairHelperDirs", []string{"/usr/libexec/diskarbd/repair"})
	viper.SetDefault("stage.mountHelperDirs", []string{"/usr/libexec/diskarbd/mount"})

	viper.SetDefault("console.proxyEnabled", false)
	viper.SetDefault("console.proxySocketPath", "/var/run/diskarbd-consoled.sock")

	viper.SetDefault("mountMapPath", filepath.Join(GetMountMapDir(), constants.MountMapFileName))
}

// SaveConfig persists the current configuration to a specified path.
func SaveConfig(path string) error {
	if path == "" {
		if os.Geteuid() == 0 {
			if err := os.MkdirAll(GetConfigDir(), 0755); err != nil {
				return fmt.Errorf("failed to create system config directory: %w", err)
			}
			path = filepath.Join(GetConfigDir(), constants.ConfigFileName)
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get home directory: %w", err)
			}
			userConfigDir := filepath.Join(home, ".diskarbd")
			if err := os.MkdirAll(userConfigDir, 0755); err != nil {
				return fmt.Errorf("failed to create user config directory: %w", err)
			}
			path = filepath.Join(userConfigDir, constants.ConfigFileName)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configYAML, err := yaml.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to serialize configuration: %w", err)
	}

	if err := os.WriteFile(path, configYAML, 0644); err != nil {
		return fmt.Errorf("failed to write configuration to file: %w", err)
	}

	configPath = path
	return nil
}

// GetLoadedConfigPath returns the path of the currently loaded configuration file.
func GetLoadedConfigPath() string {
	return configPath
}

// GetConfig returns the current configuration instance, loading defaults if
// LoadConfig has not yet been called.
func GetConfig() *Config {
	if instance == nil {
		return LoadConfig("")
	}
	return instance
}

func NewLoggerConfig(cfg *Config) logger.Config {
	if cfg == nil {
		return logger.Config{LogLevel: "info"}
	}
	return logger.Config{
		LogLevel:     cfg.Logger.LogLevel,
		EnableSentry: cfg.Logger.EnableSentry,
		SentryDSN:    cfg.Logger.SentryDSN,
	}
}
