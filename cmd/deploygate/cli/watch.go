package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/poller"
	"github.com/tkingovr/deploygate/internal/session"
	"github.com/tkingovr/deploygate/internal/wallet"
)

var (
	watchInterval time.Duration
	watchWallet   string
)

var (
	headerColor = color.New(color.FgYellow, color.Bold)
	idColor     = color.New(color.FgCyan)
	faintColor  = color.New(color.Faint)
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the approval queue",
	Long: `Poll the approval server and print the pending requests whenever the
set changes. Use "deploygate approve" or "deploygate reject" to act on one.

With --wallet, watch reads commands from stdin and signs with that wallet.
A failed approval keeps its signed artifact, so "retry" submits it again
without signing twice.`,
	Example: `  deploygate watch -s http://127.0.0.1:8080 --interval 1s
  deploygate watch --wallet http://127.0.0.1:1248`,
	Args:    cobra.NoArgs,
	RunE:    runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "poll interval (default from config)")
	watchCmd.Flags().StringVarP(&watchWallet, "wallet", "w", "", "wallet JSON-RPC endpoint; enables interactive approval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	interval := cfg.PollInterval
	if watchInterval > 0 {
		interval = watchInterval
	}

	c := newClient(cfg)
	p := poller.New(c,
		poller.WithTimeout(cfg.PollTimeout),
		poller.WithGraceWindow(cfg.GraceWindow),
		poller.WithLogger(logger),
	)

	if watchWallet != "" {
		// SIGINT goes to the console, which cancels the action in progress.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()
		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt)
		defer signal.Stop(interrupts)

		sess := session.New(p, wallet.New(watchWallet), c, session.WithLogger(logger))
		con := newConsole(sess, os.Stdin, &syncWriter{w: os.Stdout}, interrupts)
		return runConsole(ctx, p, con, interval)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mu sync.Mutex
	p.OnChange(func(reqs []api.ApprovalRequest) {
		mu.Lock()
		defer mu.Unlock()
		renderRequests(os.Stdout, reqs)
	})

	renderRequests(os.Stdout, nil)
	p.Start(ctx, interval)
	<-ctx.Done()
	p.Stop()
	return nil
}

// runConsole polls while the console reads commands, until the console
// quits or ctx is done.
func runConsole(ctx context.Context, p *poller.Poller, con *console, interval time.Duration) error {
	p.OnChange(func([]api.ApprovalRequest) { con.render() })
	con.render()
	p.Start(ctx, interval)
	defer p.Stop()
	return con.run(ctx)
}

func renderRequests(w io.Writer, reqs []api.ApprovalRequest) {
	fmt.Fprintf(w, "\n%s\n", faintColor.Sprint(time.Now().Format(time.TimeOnly)))
	if len(reqs) == 0 {
		faintColor.Fprintln(w, "no pending approval requests")
		return
	}
	headerColor.Fprintf(w, "%d pending approval request(s)\n", len(reqs))
	for _, r := range reqs {
		fmt.Fprintf(w, "  %s  %s", idColor.Sprint(r.ApprovalID), r.Message)
		if r.TaskID != "" {
			faintColor.Fprintf(w, "  task=%s", r.TaskID)
		}
		if r.ExpiresAt != nil {
			faintColor.Fprintf(w, "  expires in %s", time.Until(*r.ExpiresAt).Round(time.Second))
		}
		fmt.Fprintln(w)
	}
}
