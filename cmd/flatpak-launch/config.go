package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// Config holds the launcher's own configuration: where the supervisor and
// proxy binaries live and how patient the pipeline is. It is distinct from
// the permission documents, which come from deploy metadata and overrides.
type Config struct {
	// Supervisor is the container supervisor binary.
	Supervisor string `json:"supervisor,omitempty"`

	// DbusProxy is the bus filter proxy binary. Empty disables proxies.
	DbusProxy string `json:"dbus_proxy,omitempty"`

	// StoreRoot is the deploy store root directory.
	StoreRoot string `json:"store_root,omitempty"`

	// ProxyTimeoutMS bounds the proxy readiness wait in milliseconds.
	ProxyTimeoutMS int `json:"proxy_timeout_ms,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Supervisor: "/usr/bin/bwrap",
		DbusProxy:  "/usr/bin/xdg-dbus-proxy",
		StoreRoot:  "/var/lib/flatpak",
	}
}

// ProxyTimeout converts the configured timeout; zero means the package
// default applies.
func (c Config) ProxyTimeout() time.Duration {
	return time.Duration(c.ProxyTimeoutMS) * time.Millisecond
}

// LoadConfig loads configuration with later layers overriding earlier ones:
//  1. Built-in defaults
//  2. User config: $XDG_CONFIG_HOME/flatpak-launch/config.json or .jsonc
//  3. An explicit --config path
//
// Both extensions support comments via hujson. Missing optional files are
// skipped silently; having both .json and .jsonc at one location is an
// error.
func LoadConfig(explicitPath string, env map[string]string) (Config, error) {
	cfg := DefaultConfig()

	basePath, err := userConfigBasePath(env)
	if err != nil {
		return Config{}, err
	}

	if basePath != "" {
		path, findErr := findConfigFile(basePath)
		if findErr == nil {
			layer, loadErr := parseConfigFile(path)
			if loadErr != nil {
				return Config{}, loadErr
			}

			cfg = mergeConfigs(cfg, layer)
		} else if !errors.Is(findErr, os.ErrNotExist) {
			return Config{}, findErr
		}
	}

	if explicitPath != "" {
		layer, loadErr := parseConfigFile(explicitPath)
		if loadErr != nil {
			return Config{}, loadErr
		}

		cfg = mergeConfigs(cfg, layer)
	}

	return cfg, nil
}

func userConfigBasePath(env map[string]string) (string, error) {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "flatpak-launch", "config"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, ".config", "flatpak-launch", "config"), nil
}

// findConfigFile checks basePath with .json and .jsonc extensions.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, err := fileExists(jsonPath)
	if err != nil {
		return "", err
	}

	jsoncExists, err := fileExists(jsoncPath)
	if err != nil {
		return "", err
	}

	if jsonExists && jsoncExists {
		return "", fmt.Errorf("duplicate config files: both %s and %s exist; remove one", jsonPath, jsoncPath)
	}

	if jsonExists {
		return jsonPath, nil
	}

	if jsoncExists {
		return jsoncPath, nil
	}

	return "", os.ErrNotExist
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	return !info.IsDir(), nil
}

// parseConfigFile loads a JSON/JSONC config file; unknown fields are errors.
func parseConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg Config

	decoder := json.NewDecoder(bytes.NewReader(standardized))
	decoder.DisallowUnknownFields()

	err = decoder.Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// mergeConfigs overlays override onto base; zero values do not override.
func mergeConfigs(base, override Config) Config {
	out := base

	if override.Supervisor != "" {
		out.Supervisor = override.Supervisor
	}

	if override.DbusProxy != "" {
		out.DbusProxy = override.DbusProxy
	}

	if override.StoreRoot != "" {
		out.StoreRoot = override.StoreRoot
	}

	if override.ProxyTimeoutMS != 0 {
		out.ProxyTimeoutMS = override.ProxyTimeoutMS
	}

	return out
}
