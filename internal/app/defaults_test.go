package app

import (
	"path/filepath"
	"testing"
)

func TestGetDefaultsEnvOverrides(t *testing.T) {
	t.Setenv("LABSYNC_CONFIG_PATH", "/etc/labsync/config.toml")
	t.Setenv("LABSYNC_HOME", "/srv/labsync")

	defaults, err := GetDefaults()
	if err != nil {
		t.Fatalf("GetDefaults: %v", err)
	}
	if defaults["config_path"] != "/etc/labsync/config.toml" {
		t.Errorf("unexpected config path: %s", defaults["config_path"])
	}
	if defaults["base_dir"] != "/srv/labsync" {
		t.Errorf("unexpected base dir: %s", defaults["base_dir"])
	}
	if defaults["log_dir"] != "/srv/labsync/log" {
		t.Errorf("unexpected log dir: %s", defaults["log_dir"])
	}
}

func TestGetDefaultsFallsBackToHome(t *testing.T) {
	t.Setenv("LABSYNC_CONFIG_PATH", "")
	t.Setenv("LABSYNC_HOME", "")
	t.Setenv("HOME", "/home/ada")

	defaults, err := GetDefaults()
	if err != nil {
		t.Fatalf("GetDefaults: %v", err)
	}
	if defaults["config_path"] != filepath.Join("/home/ada", ".config", "labsync.toml") {
		t.Errorf("unexpected config path: %s", defaults["config_path"])
	}
	if defaults["base_dir"] != filepath.Join("/home/ada", ".local", "share", "labsync") {
		t.Errorf("unexpected base dir: %s", defaults["base_dir"])
	}
}
