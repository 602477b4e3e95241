package config

import "time"

const (
	DefaultListenAddr     = "127.0.0.1:8080"
	DefaultServerURL      = "http://127.0.0.1:8080"
	DefaultWalletURL      = "http://127.0.0.1:1248"
	DefaultApprovalTTL    = 30 * time.Minute
	DefaultExpiryInterval = 5 * time.Second
	DefaultBridgeInterval = 500 * time.Millisecond
	DefaultPollInterval   = 2 * time.Second
	DefaultPollTimeout    = 5 * time.Second
	DefaultGraceWindow    = 10 * time.Second
	DefaultStoreDriver    = "memory"
)

// DefaultLogDir returns the default audit log directory path.
func DefaultLogDir() string {
	return "~/.deploygate/logs"
}
