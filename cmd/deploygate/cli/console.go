package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/tkingovr/deploygate/internal/artifact"
	"github.com/tkingovr/deploygate/internal/session"
	"github.com/tkingovr/deploygate/internal/signing"
)

const consoleHelp = `commands:
  list, l                  show pending requests
  approve, a <id>          sign with the wallet and approve
  reject, r <id> [reason]  reject
  retry <id>               retry a failed approval with the artifact already signed
  help, h                  show this help
  quit, q                  leave
An id may be shortened to any unique prefix. Ctrl-C cancels the approval
in progress; at the prompt it leaves.`

// syncWriter serializes writes from the poller and the console loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

// console reads wallet commands line by line. Actions run one at a time;
// an interrupt while one runs cancels it.
type console struct {
	sess       *session.Session
	in         io.Reader
	out        io.Writer
	interrupts <-chan os.Signal
	timeout    time.Duration
}

func newConsole(sess *session.Session, in io.Reader, out io.Writer, interrupts <-chan os.Signal) *console {
	c := &console{
		sess:       sess,
		in:         in,
		out:        out,
		interrupts: interrupts,
		timeout:    5 * time.Minute,
	}
	sess.OnTransition(func(id string, from, to signing.State) {
		fmt.Fprintf(c.out, "%s %s %s -> %s\n", faintColor.Sprint("state"), idColor.Sprint(short(id)), from, to)
	})
	return c
}

// render prints the session's requests. It is registered with the poller.
func (c *console) render() {
	renderEntries(c.out, c.sess.Entries())
}

func (c *console) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, `type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.interrupts:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !c.exec(ctx, line) {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether to keep reading.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "q", "exit":
		return false
	case "help", "h", "?":
		fmt.Fprintln(c.out, consoleHelp)
		return true
	case "list", "l", "ls":
		c.render()
		return true
	case "approve", "a", "retry", "reject", "r":
	default:
		fmt.Fprintf(c.out, "unknown command %q; type \"help\"\n", cmd)
		return true
	}

	if len(args) == 0 {
		fmt.Fprintf(c.out, "usage: %s <id>\n", cmd)
		return true
	}
	id, err := c.sess.Resolve(args[0])
	if err != nil {
		color.New(color.FgRed).Fprintln(c.out, err)
		return true
	}

	switch cmd {
	case "approve", "a":
		c.approve(ctx, id, c.sess.Approve)
	case "retry":
		c.approve(ctx, id, c.sess.Retry)
	case "reject", "r":
		reason := strings.Join(args[1:], " ")
		err := c.interruptible(ctx, id, func(ctx context.Context) error {
			return c.sess.Reject(ctx, id, reason)
		})
		if err != nil {
			color.New(color.FgRed).Fprintf(c.out, "rejection failed: %v\n", err)
			return true
		}
		color.New(color.FgGreen).Fprintf(c.out, "rejected %s\n", id)
	}
	return true
}

func (c *console) approve(ctx context.Context, id string, action func(context.Context, string) (string, error)) {
	var signed string
	err := c.interruptible(ctx, id, func(ctx context.Context) error {
		var err error
		signed, err = action(ctx, id)
		return err
	})
	if err != nil {
		color.New(color.FgRed).Fprintf(c.out, "approval failed: %v\n", err)
		if errors.Is(err, signing.ErrSubmissionFailed) {
			fmt.Fprintf(c.out, "the signed artifact is kept; retry with: retry %s\n", id)
		}
		return
	}
	kind, hash := artifact.Describe(signed)
	color.New(color.FgGreen).Fprintf(c.out, "approved %s\n", id)
	fmt.Fprintf(c.out, "  artifact: %s (%s)\n", signed, kind)
	if hash != "" && hash != signed {
		fmt.Fprintf(c.out, "  tx hash:  %s\n", hash)
	}
}

// interruptible runs fn and cancels the approval for id on interrupt. fn
// still runs to its end, which after a cancel is prompt.
func (c *console) interruptible(ctx context.Context, id string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	for {
		select {
		case err := <-done:
			return err
		case <-c.interrupts:
			if err := c.sess.Cancel(id); err != nil {
				fmt.Fprintf(c.out, "cannot cancel now: %v\n", err)
			}
		}
	}
}

func renderEntries(w io.Writer, entries []session.Entry) {
	fmt.Fprintf(w, "\n%s\n", faintColor.Sprint(time.Now().Format(time.TimeOnly)))
	if len(entries) == 0 {
		faintColor.Fprintln(w, "no pending approval requests")
		return
	}
	headerColor.Fprintf(w, "%d approval request(s)\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "  %s  %s", idColor.Sprint(e.Request.ApprovalID), e.Request.Message)
		if e.Request.TaskID != "" {
			faintColor.Fprintf(w, "  task=%s", e.Request.TaskID)
		}
		if e.State != "" && e.State != signing.StateIdle {
			fmt.Fprintf(w, "  [%s]", e.State)
		}
		if e.Error != "" {
			color.New(color.FgRed).Fprintf(w, "  %s", e.Error)
		}
		fmt.Fprintln(w)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
