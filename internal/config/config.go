package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/policy"
	"github.com/tkingovr/deploygate/internal/ratelimit"
)

// Config is the runtime configuration shared by the backend and the CLI.
type Config struct {
	PolicyFile    *policy.PolicyFile
	PolicyPath    string
	OPAPolicyPath string
	DefaultAction api.Verdict

	LogDir     string
	ListenAddr string
	ServerURL  string
	WalletURL  string

	// ApprovalTTL is the deadline given to new requests; zero disables expiry.
	ApprovalTTL    time.Duration
	ExpiryInterval time.Duration
	BridgeInterval time.Duration

	PollInterval time.Duration
	PollTimeout  time.Duration
	GraceWindow  time.Duration

	StoreDriver string
	StoreDSN    string

	RateLimit ratelimit.Config
	Tracing   bool
}

// Load reads a policy YAML file and produces a runtime Config.
func Load(path string) (*Config, error) {
	pf, err := policy.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return fromPolicy(pf, path)
}

// LoadBytes parses YAML data and produces a runtime Config.
func LoadBytes(data []byte) (*Config, error) {
	pf, err := policy.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return fromPolicy(pf, "")
}

func fromPolicy(pf *policy.PolicyFile, path string) (*Config, error) {
	s := pf.Settings
	cfg := &Config{
		PolicyFile:    pf,
		PolicyPath:    path,
		DefaultAction: s.DefaultAction,
		Tracing:       s.Tracing,
	}

	cfg.LogDir = expandHome(orDefault(s.LogDir, DefaultLogDir()))
	cfg.ListenAddr = orDefault(s.ListenAddr, DefaultListenAddr)
	cfg.ServerURL = orDefault(s.ServerURL, DefaultServerURL)
	cfg.WalletURL = orDefault(s.WalletURL, DefaultWalletURL)

	if s.OPAPolicy != "" {
		cfg.OPAPolicyPath = s.OPAPolicy
		if path != "" && !filepath.IsAbs(s.OPAPolicy) {
			cfg.OPAPolicyPath = filepath.Join(filepath.Dir(path), s.OPAPolicy)
		}
	}

	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"approval_ttl", s.ApprovalTTL, DefaultApprovalTTL, &cfg.ApprovalTTL},
		{"expiry_interval", s.ExpiryInterval, DefaultExpiryInterval, &cfg.ExpiryInterval},
		{"bridge_interval", s.BridgeInterval, DefaultBridgeInterval, &cfg.BridgeInterval},
		{"poll_interval", s.PollInterval, DefaultPollInterval, &cfg.PollInterval},
		{"poll_timeout", s.PollTimeout, DefaultPollTimeout, &cfg.PollTimeout},
		{"grace_window", s.GraceWindow, DefaultGraceWindow, &cfg.GraceWindow},
	}
	for _, d := range durations {
		v, err := parseDuration(d.name, d.raw, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	cfg.StoreDriver = DefaultStoreDriver
	if st := s.Store; st != nil {
		cfg.StoreDriver = orDefault(st.Driver, DefaultStoreDriver)
		cfg.StoreDSN = os.ExpandEnv(st.DSN)
	}

	if rl := s.RateLimit; rl != nil {
		var err error
		if cfg.RateLimit.Global, err = parseLimit("rate_limit.global", rl.Global); err != nil {
			return nil, err
		}
		if cfg.RateLimit.PerTask, err = parseLimit("rate_limit.per_task", rl.PerTask); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func parseDuration(name, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", name, raw)
	}
	return d, nil
}

func parseLimit(name string, r *policy.RateLimitRule) (*ratelimit.Limit, error) {
	if r == nil {
		return nil, nil
	}
	if r.Max <= 0 {
		return nil, fmt.Errorf("invalid %s: max must be positive", name)
	}
	w, err := time.ParseDuration(r.Window)
	if err != nil || w <= 0 {
		return nil, fmt.Errorf("invalid %s window %q", name, r.Window)
	}
	return &ratelimit.Limit{Max: r.Max, Window: w}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfig returns a config with defaults for when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		PolicyFile: &policy.PolicyFile{
			Version: 1,
			Settings: policy.Settings{
				DefaultAction: api.VerdictAsk,
			},
		},
		DefaultAction:  api.VerdictAsk,
		LogDir:         expandHome(DefaultLogDir()),
		ListenAddr:     DefaultListenAddr,
		ServerURL:      DefaultServerURL,
		WalletURL:      DefaultWalletURL,
		ApprovalTTL:    DefaultApprovalTTL,
		ExpiryInterval: DefaultExpiryInterval,
		BridgeInterval: DefaultBridgeInterval,
		PollInterval:   DefaultPollInterval,
		PollTimeout:    DefaultPollTimeout,
		GraceWindow:    DefaultGraceWindow,
		StoreDriver:    DefaultStoreDriver,
	}
}

// MarshalYAML serializes the policy for display/export.
func (c *Config) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(c.PolicyFile)
}
