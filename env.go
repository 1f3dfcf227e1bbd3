// FILE: env.go
// Package main – Environment overrides for the fleet configuration.
//
// This file provides:
//   1) loadEnvOverrides: maps ROBOFLEET_* variables onto koanf keys so any
//      scalar knob can be tuned without editing robofleet.yaml.
//   2) resolveConfigPath: picks the config file when --config is not given.
//
// Mapping (prefix stripped, lower-cased, first "_" after a known section
// becomes "."):
//   ROBOFLEET_ORDER_MAXIMUM      -> order_maximum
//   ROBOFLEET_TOR_PROXY          -> tor.proxy
//   ROBOFLEET_BOND_POLL_INTERVAL -> bond.poll_interval
//
// Coordinators are a list and can only be set in the YAML file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "ROBOFLEET_"

var configSections = map[string]bool{
	"tor": true, "client": true, "bond": true, "payment": true,
	"notify": true, "log": true, "metrics": true,
}

// envKey converts ROBOFLEET_SECTION_FIELD_NAME into section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 2 && configSections[parts[0]] {
		return parts[0] + "." + parts[1]
	}
	return lower
}

func loadEnvOverrides(k *koanf.Koanf) error {
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		if s == envPrefix+"CONFIG" {
			return ""
		}
		return envKey(s)
	}), nil); err != nil {
		return fmt.Errorf("load environment variables: %w", err)
	}
	return nil
}

// resolveConfigPath: ROBOFLEET_CONFIG, then ./robofleet.yaml, then
// ~/.robofleet/robofleet.yaml. The last candidate is returned even when
// missing so defaults plus env still apply.
func resolveConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".robofleet", defaultConfigFile)
	}
	return defaultConfigFile
}
