package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tkingovr/deploygate/api"
)

func TestLoadBytes_Settings(t *testing.T) {
	yaml := `
version: 1
settings:
  default_action: ask
  approval_ttl: "10m"
  poll_interval: "1s"
  grace_window: "30s"
  listen_addr: "0.0.0.0:9090"
  store:
    driver: postgres
    dsn: "postgres://localhost/deploygate"
  rate_limit:
    per_task:
      max: 3
      window: "1m"
rules:
  - name: block-mainnet-deploys
    match:
      network: mainnet
      kind: deploy
    action: deny
`
	cfg, err := LoadBytes([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultAction != api.VerdictAsk {
		t.Errorf("expected ask default, got %s", cfg.DefaultAction)
	}
	if cfg.ApprovalTTL != 10*time.Minute {
		t.Errorf("expected 10m ttl, got %s", cfg.ApprovalTTL)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("expected 1s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.GraceWindow != 30*time.Second {
		t.Errorf("expected 30s grace window, got %s", cfg.GraceWindow)
	}
	if cfg.ListenAddr != "0.0.0.0:9090" {
		t.Errorf("unexpected listen addr %s", cfg.ListenAddr)
	}
	if cfg.StoreDriver != "postgres" || cfg.StoreDSN != "postgres://localhost/deploygate" {
		t.Errorf("unexpected store %s %s", cfg.StoreDriver, cfg.StoreDSN)
	}
	if cfg.RateLimit.PerTask == nil || cfg.RateLimit.PerTask.Max != 3 || cfg.RateLimit.PerTask.Window != time.Minute {
		t.Errorf("unexpected per-task limit %+v", cfg.RateLimit.PerTask)
	}
	if cfg.RateLimit.Global != nil {
		t.Errorf("expected no global limit, got %+v", cfg.RateLimit.Global)
	}
}

func TestLoadBytes_Defaults(t *testing.T) {
	cfg, err := LoadBytes([]byte("version: 1\nsettings: {}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultAction != api.VerdictAsk {
		t.Errorf("expected ask default, got %s", cfg.DefaultAction)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("expected default listen addr %s, got %s", DefaultListenAddr, cfg.ListenAddr)
	}
	if cfg.ApprovalTTL != DefaultApprovalTTL {
		t.Errorf("expected default ttl %s, got %s", DefaultApprovalTTL, cfg.ApprovalTTL)
	}
	if cfg.PollTimeout != DefaultPollTimeout {
		t.Errorf("expected default poll timeout %s, got %s", DefaultPollTimeout, cfg.PollTimeout)
	}
	if cfg.BridgeInterval != DefaultBridgeInterval {
		t.Errorf("expected default bridge interval %s, got %s", DefaultBridgeInterval, cfg.BridgeInterval)
	}
	if cfg.StoreDriver != DefaultStoreDriver {
		t.Errorf("expected memory store, got %s", cfg.StoreDriver)
	}
}

func TestLoadBytes_ZeroTTLDisablesExpiry(t *testing.T) {
	cfg, err := LoadBytes([]byte("version: 1\nsettings:\n  approval_ttl: \"0s\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ApprovalTTL != 0 {
		t.Errorf("expected zero ttl, got %s", cfg.ApprovalTTL)
	}
}

func TestLoadBytes_InvalidDurations(t *testing.T) {
	cases := map[string]string{
		"ttl":          "version: 1\nsettings:\n  approval_ttl: \"invalid\"\n",
		"negative":     "version: 1\nsettings:\n  poll_interval: \"-1s\"\n",
		"limit max":    "version: 1\nsettings:\n  rate_limit:\n    global:\n      max: 0\n      window: 1m\n",
		"limit window": "version: 1\nsettings:\n  rate_limit:\n    global:\n      max: 5\n      window: soon\n",
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadBytes([]byte(yaml)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_ResolvesOPAPolicyRelativeToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploygate.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nsettings:\n  opa_policy: policy.rego\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "policy.rego"); cfg.OPAPolicyPath != want {
		t.Errorf("expected %s, got %s", want, cfg.OPAPolicyPath)
	}
	if cfg.PolicyPath != path {
		t.Errorf("expected policy path %s, got %s", path, cfg.PolicyPath)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.DefaultAction != api.VerdictAsk {
		t.Errorf("expected ask default, got %s", cfg.DefaultAction)
	}
	if cfg.PolicyFile == nil {
		t.Fatal("expected non-nil policy file")
	}
	if cfg.ApprovalTTL != DefaultApprovalTTL {
		t.Errorf("expected default ttl, got %s", cfg.ApprovalTTL)
	}
}
