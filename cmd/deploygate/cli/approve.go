package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/artifact"
	"github.com/tkingovr/deploygate/internal/client"
	"github.com/tkingovr/deploygate/internal/signing"
	"github.com/tkingovr/deploygate/internal/wallet"
)

var (
	walletURL      string
	signedArtifact string
	approveTimeout time.Duration
	rejectTimeout  time.Duration
	rejectReason   string
)

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Sign a pending request with the wallet and approve it",
	Long: `Ask the wallet to sign the request's transaction and submit the signed
artifact as an approval. Wallets that cannot sign without submitting are
asked to sign and submit instead, and the transaction hash is recorded.

If submitting fails after the wallet signed, the artifact is printed. Pass it
back with --artifact to submit it again without signing twice.`,
	Example: `  deploygate approve 7f0c9a4e-3b1d-4c55-9d1e-0c8f2b6a9e11 --wallet http://127.0.0.1:1248`,
	Args:    cobra.ExactArgs(1),
	RunE:    runApprove,
}

var rejectCmd = &cobra.Command{
	Use:     "reject <approval-id>",
	Short:   "Reject a pending request",
	Example: `  deploygate reject 7f0c9a4e-3b1d-4c55-9d1e-0c8f2b6a9e11 --reason "wrong network"`,
	Args:    cobra.ExactArgs(1),
	RunE:    runReject,
}

func init() {
	approveCmd.Flags().StringVarP(&walletURL, "wallet", "w", "", "wallet JSON-RPC endpoint")
	approveCmd.Flags().StringVar(&signedArtifact, "artifact", "", "submit this artifact from an earlier attempt instead of signing")
	approveCmd.Flags().DurationVar(&approveTimeout, "timeout", 5*time.Minute, "give up after this long")
	rejectCmd.Flags().StringVarP(&rejectReason, "reason", "r", "", "rejection reason")
	rejectCmd.Flags().DurationVar(&rejectTimeout, "timeout", 30*time.Second, "give up after this long")
	rootCmd.AddCommand(approveCmd, rejectCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if walletURL == "" {
		walletURL = cfg.WalletURL
	}

	ctx, stop := actionContext(approveTimeout)
	defer stop()

	c := newClient(cfg)
	req, err := findPending(ctx, c, args[0])
	if err != nil {
		// The earlier attempt may have landed; Approve checks for that.
		if signedArtifact == "" {
			return err
		}
		req = api.ApprovalRequest{ApprovalID: args[0]}
	}
	fmt.Printf("%s %s\n", idColor.Sprint(req.ApprovalID), req.Message)

	m := signing.New(req, wallet.New(walletURL), c,
		signing.WithLogger(logger),
		signing.WithArtifact(signedArtifact),
	)
	m.OnTransition(printTransition)

	signed, err := m.Approve(ctx)
	if err != nil {
		color.Red("approval failed: %v", err)
		if a := m.Snapshot().Artifact; a != "" && errors.Is(err, signing.ErrSubmissionFailed) {
			fmt.Printf("retry with: deploygate approve %s --artifact %s\n", req.ApprovalID, a)
		}
		return err
	}
	kind, hash := artifact.Describe(signed)
	color.Green("approved %s", req.ApprovalID)
	fmt.Printf("  artifact: %s (%s)\n", signed, kind)
	if hash != "" && hash != signed {
		fmt.Printf("  tx hash:  %s\n", hash)
	}
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := actionContext(rejectTimeout)
	defer stop()

	m := signing.New(api.ApprovalRequest{ApprovalID: args[0]}, nil, newClient(cfg), signing.WithLogger(logger))
	m.OnTransition(printTransition)
	if err := m.Reject(ctx, rejectReason); err != nil {
		color.Red("rejection failed: %v", err)
		return err
	}
	color.Green("rejected %s", args[0])
	return nil
}

func actionContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func findPending(ctx context.Context, c *client.Client, id string) (api.ApprovalRequest, error) {
	reqs, err := c.Poll(ctx)
	if err != nil {
		return api.ApprovalRequest{}, fmt.Errorf("polling approval server: %w", err)
	}
	for _, r := range reqs {
		if r.ApprovalID == id {
			return r, nil
		}
	}
	return api.ApprovalRequest{}, fmt.Errorf("approval request %s is not pending", id)
}

func printTransition(from, to signing.State) {
	fmt.Fprintf(os.Stderr, "%s %s -> %s\n", faintColor.Sprint("state"), from, to)
}
