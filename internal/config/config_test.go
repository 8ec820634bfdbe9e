package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"escrowline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Settlement.AutoSignDays != 14 {
		t.Fatalf("auto_sign_days = %d, want 14", cfg.Settlement.AutoSignDays)
	}
	if cfg.Settlement.Currency != "USD" {
		t.Fatalf("currency = %s, want USD", cfg.Settlement.Currency)
	}
	if cfg.Election.Rule != config.ElectionHeadcount {
		t.Fatalf("rule = %s, want headcount", cfg.Election.Rule)
	}
}

func TestFromYAMLValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		ok   bool
	}{
		{"valid", "settlement:\n  auto_sign_days: 7\n  currency: EUR\nelection:\n  rule: headcount\n", true},
		{"zero days", "settlement:\n  auto_sign_days: 0\n  currency: EUR\nelection:\n  rule: headcount\n", false},
		{"missing currency", "settlement:\n  auto_sign_days: 7\nelection:\n  rule: headcount\n", false},
		{"unknown rule", "settlement:\n  auto_sign_days: 7\n  currency: EUR\nelection:\n  rule: unanimity\n", false},
		{"webhook without url", "settlement:\n  auto_sign_days: 7\n  currency: EUR\nelection:\n  rule: headcount\nwebhooks:\n  - secret: s\n", false},
		{"garbage", "settlement: [", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file should yield nil,nil; got %v, %v", cfg, err)
	}
	path := filepath.Join(dir, "escrowline.yml")
	if path != config.Path(dir) {
		t.Fatalf("path = %s", config.Path(dir))
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Settlement.AutoSignDays != 14 {
		t.Fatalf("auto_sign_days = %d", cfg.Settlement.AutoSignDays)
	}
}

func TestWebhookConfigParses(t *testing.T) {
	raw := `settlement:
  auto_sign_days: 14
  currency: USD
election:
  rule: headcount
webhooks:
  - url: https://hooks.example.com/escrow
    secret: sekrit
    events: [order.funded, milestone.paid]
    timeout_seconds: 3
`
	cfg, err := config.FromYAML([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Webhooks) != 1 {
		t.Fatalf("webhooks = %d", len(cfg.Webhooks))
	}
	hook := cfg.Webhooks[0]
	if hook.URL != "https://hooks.example.com/escrow" || hook.TimeoutSeconds != 3 || len(hook.Events) != 2 {
		t.Fatalf("unexpected hook %+v", hook)
	}
}
