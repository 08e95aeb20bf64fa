// Copyright 2024 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

var (
	configDir   string // Directory for configuration files
	mountMapDir string // Directory for the persisted mount-map overrides
)

func init() {
	if os.Geteuid() == 0 {
		configDir = "/etc/diskarbd"
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		configDir = filepath.Join(homeDir, ".diskarbd")
	}

	mountMapDir = filepath.Join(configDir, "mountmap")

	if err := EnsureDirectories(); err != nil {
		panic(fmt.Sprintf("failed to ensure configuration directories: %v", err))
	}
}

// GetConfigDir returns the appropriate configuration directory: the system
// directory when running privileged, otherwise the user's directory.
func GetConfigDir() string {
	return configDir
}

// GetMountMapDir returns the directory holding persisted per-device mount
// overrides and preferences.
func GetMountMapDir() string {
	return mountMapDir
}

// EnsureDirectories creates necessary directories if they do not exist
func EnsureDirectories() error {
	for _, dir := range []string{configDir, mountMapDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
