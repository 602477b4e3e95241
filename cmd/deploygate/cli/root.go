package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/deploygate/internal/client"
	"github.com/tkingovr/deploygate/internal/config"
	"github.com/tkingovr/deploygate/internal/policy"
)

var (
	cfgFile   string
	serverURL string
	verbose   bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "deploygate",
	Short: "DeployGate: human approval gate for agent deployments",
	Long: `DeployGate pauses automated tasks that want to deploy or call a smart
contract until a human approves or rejects the transaction from a wallet.
The backend queues approval requests; wallet clients poll, sign and submit
decisions; the waiting task resumes with the outcome.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "approval server URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newClient(cfg *config.Config) *client.Client {
	if serverURL != "" {
		return client.New(serverURL)
	}
	return client.New(cfg.ServerURL)
}

// newEngine prefers a Rego policy when one is configured. Engines built
// from a file can be reloaded.
func newEngine(cfg *config.Config) (policy.Engine, error) {
	if cfg.OPAPolicyPath != "" {
		engine, err := policy.NewOPAEngine(cfg.OPAPolicyPath)
		if err != nil {
			return nil, fmt.Errorf("creating OPA policy engine: %w", err)
		}
		return engine, nil
	}
	if cfg.PolicyPath != "" {
		engine, err := policy.NewYAMLEngine(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("creating policy engine: %w", err)
		}
		return engine, nil
	}
	engine, err := policy.NewYAMLEngineFromPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("creating policy engine: %w", err)
	}
	return engine, nil
}
