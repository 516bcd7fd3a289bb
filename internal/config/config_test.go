package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"UsdnLedger/internal/config"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Protocol.TickSpacing != 100 {
		t.Errorf("tick spacing: got %d, want default 100", cfg.Protocol.TickSpacing)
	}
	if cfg.Protocol.MaxLiquidationIteration != 10 {
		t.Errorf("max iteration: got %d, want default 10", cfg.Protocol.MaxLiquidationIteration)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usdn.toml")
	body := `
[Protocol]
TickSpacing = 50
MaxLiquidationIteration = 25

[Oracle]
Source = "chainlink"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Protocol.TickSpacing != 50 {
		t.Errorf("tick spacing: got %d, want 50", cfg.Protocol.TickSpacing)
	}
	if cfg.Protocol.MaxLiquidationIteration != 25 {
		t.Errorf("max iteration: got %d, want 25", cfg.Protocol.MaxLiquidationIteration)
	}
	if cfg.Oracle.Source != "chainlink" {
		t.Errorf("oracle source: got %q, want chainlink", cfg.Oracle.Source)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("http addr: got %q", cfg.Server.HTTPAddr)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("USDN_ORACLE_SOURCE", "redstone")
	t.Setenv("USDN_MAX_LIQUIDATION_ITERATION", "3")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.Source != "redstone" {
		t.Errorf("oracle source: got %q, want redstone", cfg.Oracle.Source)
	}
	if cfg.Protocol.MaxLiquidationIteration != 3 {
		t.Errorf("max iteration: got %d, want 3", cfg.Protocol.MaxLiquidationIteration)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero tick spacing", func(c *config.Config) { c.Protocol.TickSpacing = 0 }},
		{"penalty over 100%", func(c *config.Config) { c.Protocol.LiquidationPenaltyBps = 10_000 }},
		{"zero iteration cap", func(c *config.Config) { c.Protocol.MaxLiquidationIteration = 0 }},
		{"deadline before delay", func(c *config.Config) {
			c.Protocol.ValidationDelaySeconds = 100
			c.Protocol.ValidationDeadlineSeconds = 50
		}},
		{"bad oracle source", func(c *config.Config) { c.Oracle.Source = "band" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("want validation error, got nil")
			}
		})
	}
}
