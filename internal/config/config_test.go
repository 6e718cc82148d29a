package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  name: syndicator
database:
  path: /tmp/syndicator.db
platforms:
  - name: offerup
    base_url: https://api.offerup.example
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.API.Port != 8080 {
		t.Fatalf("expected default api port, got %d", cfg.API.Port)
	}
	if cfg.Syndication.Workers != 4 {
		t.Fatalf("expected default workers, got %d", cfg.Syndication.Workers)
	}
	if cfg.Syndication.SweepInterval.Std() != 5*time.Minute {
		t.Fatalf("expected default sweep interval, got %s", cfg.Syndication.SweepInterval.Std())
	}
	if cfg.Platforms[0].RenewInterval.Std() != 48*time.Hour {
		t.Fatalf("expected default renew interval, got %s", cfg.Platforms[0].RenewInterval.Std())
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/syndicator.db
syndication:
  backoff_base: 500ms
  adapter_timeout: 45s
platforms:
  - name: facebook
    base_url: https://graph.example
    renew_interval: 72h
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Syndication.BackoffBase.Std() != 500*time.Millisecond {
		t.Fatalf("backoff base: %s", cfg.Syndication.BackoffBase.Std())
	}
	if cfg.Syndication.AdapterTimeout.Std() != 45*time.Second {
		t.Fatalf("adapter timeout: %s", cfg.Syndication.AdapterTimeout.Std())
	}
	if cfg.Platforms[0].RenewInterval.Std() != 72*time.Hour {
		t.Fatalf("renew interval: %s", cfg.Platforms[0].RenewInterval.Std())
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("OFFERUP_URL", "https://staging.offerup.example")
	path := writeConfig(t, `
database:
  path: /tmp/syndicator.db
platforms:
  - name: offerup
    base_url: ${OFFERUP_URL}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Platforms[0].BaseURL != "https://staging.offerup.example" {
		t.Fatalf("env not expanded: %s", cfg.Platforms[0].BaseURL)
	}
}

func TestValidateRejectsBadPlatforms(t *testing.T) {
	cases := []struct {
		name      string
		platforms []PlatformConfig
	}{
		{"Duplicate", []PlatformConfig{
			{Name: "ebay", BaseURL: "https://a"},
			{Name: "ebay", BaseURL: "https://b"},
		}},
		{"Unnamed", []PlatformConfig{{BaseURL: "https://a"}}},
		{"NoBaseURL", []PlatformConfig{{Name: "ebay"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidatePlatforms(tc.platforms); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateRequiresDatabasePath(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing database path")
	}
}

func TestPlatformLookup(t *testing.T) {
	cfg := &Config{Platforms: []PlatformConfig{{Name: "craigslist", BaseURL: "https://cl"}}}

	if _, ok := cfg.Platform("craigslist"); !ok {
		t.Fatalf("expected platform found")
	}
	if _, ok := cfg.Platform("nextdoor"); ok {
		t.Fatalf("expected platform missing")
	}
}
