package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFileParsesDBPath(t *testing.T) {
	cfg := &Config{}
	cfg.ConfigPath = filepath.Join(t.TempDir(), "config")

	content := "Port=9999\nToken=test-token\nDBPath=/tmp/custom/taskforge.db\nDailyBudgetUSD=12.5\n"
	if err := os.WriteFile(cfg.ConfigPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	if err := cfg.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}

	if cfg.DBPath != "/tmp/custom/taskforge.db" {
		t.Fatalf("DBPath = %q, want /tmp/custom/taskforge.db", cfg.DBPath)
	}
	if cfg.DailyBudgetUSD != 12.5 {
		t.Fatalf("DailyBudgetUSD = %v, want 12.5", cfg.DailyBudgetUSD)
	}
	if cfg.Port != 9999 {
		t.Fatalf("Port = %d, want 9999", cfg.Port)
	}
}
