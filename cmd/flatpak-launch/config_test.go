package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_LoadConfig_Defaults_WhenNoFilesExist(t *testing.T) {
	t.Parallel()

	env := map[string]string{"XDG_CONFIG_HOME": t.TempDir()}

	cfg, err := LoadConfig("", env)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func Test_LoadConfig_UserConfig_OverridesDefaults(t *testing.T) {
	t.Parallel()

	configHome := t.TempDir()
	dir := filepath.Join(configHome, "flatpak-launch")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	content := `{
		// Local supervisor build.
		"supervisor": "/opt/bwrap/bin/bwrap",
		"proxy_timeout_ms": 2500
	}`

	if err := os.WriteFile(filepath.Join(dir, "config.jsonc"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig("", map[string]string{"XDG_CONFIG_HOME": configHome})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Supervisor != "/opt/bwrap/bin/bwrap" {
		t.Fatalf("supervisor = %q", cfg.Supervisor)
	}

	if cfg.ProxyTimeoutMS != 2500 {
		t.Fatalf("proxy timeout = %d", cfg.ProxyTimeoutMS)
	}

	// Untouched fields keep their defaults.
	if cfg.DbusProxy != DefaultConfig().DbusProxy {
		t.Fatalf("dbus proxy = %q", cfg.DbusProxy)
	}
}

func Test_LoadConfig_ExplicitPath_OverridesUserConfig(t *testing.T) {
	t.Parallel()

	configHome := t.TempDir()
	dir := filepath.Join(configHome, "flatpak-launch")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"store_root": "/user/store"}`), 0o644); err != nil {
		t.Fatalf("write user config: %v", err)
	}

	explicit := filepath.Join(t.TempDir(), "explicit.json")
	if err := os.WriteFile(explicit, []byte(`{"store_root": "/explicit/store"}`), 0o644); err != nil {
		t.Fatalf("write explicit config: %v", err)
	}

	cfg, err := LoadConfig(explicit, map[string]string{"XDG_CONFIG_HOME": configHome})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.StoreRoot != "/explicit/store" {
		t.Fatalf("store root = %q", cfg.StoreRoot)
	}
}

func Test_LoadConfig_RejectsDuplicateConfigFiles(t *testing.T) {
	t.Parallel()

	configHome := t.TempDir()
	dir := filepath.Join(configHome, "flatpak-launch")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	for _, name := range []string{"config.json", "config.jsonc"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(`{}`), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	_, err := LoadConfig("", map[string]string{"XDG_CONFIG_HOME": configHome})
	if err == nil || !strings.Contains(err.Error(), "duplicate config files") {
		t.Fatalf("err = %v, want duplicate config error", err)
	}
}

func Test_LoadConfig_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	explicit := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(explicit, []byte(`{"supervizor": "/typo"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := LoadConfig(explicit, map[string]string{"XDG_CONFIG_HOME": t.TempDir()})
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}
