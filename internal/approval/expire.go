package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ExpireOnce rejects every pending request whose deadline is not after now
// and returns the requests this call expired. Requests decided concurrently
// by a human are left alone: the store's compare-and-swap picks one winner.
func ExpireOnce(ctx context.Context, s Store, now time.Time) ([]*Request, error) {
	pending, err := s.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	var expired []*Request
	for _, r := range pending {
		if !r.Expired(now) {
			continue
		}
		d := Reject(ExpiredReason)
		d.DecidedAt = now
		ok, err := s.Decide(ctx, r.ID, d)
		if err != nil {
			if errors.Is(err, ErrAbandoned) || errors.Is(err, ErrUnknownApprovalID) {
				continue
			}
			return expired, err
		}
		if ok {
			r.Status = StatusDecided
			r.Decision = &d
			expired = append(expired, r)
		}
	}
	return expired, nil
}

// AutoExpire starts a goroutine that runs ExpireOnce every interval and
// passes each expired request to onExpired. It returns stop(); cancelling
// ctx also exits the loop.
func AutoExpire(ctx context.Context, s Store, interval time.Duration, logger *slog.Logger, onExpired func(*Request)) (stop func()) {
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case now := <-ticker.C:
				expired, err := ExpireOnce(ctx, s, now)
				if err != nil {
					logger.Error("expiring approval requests", "error", err)
				}
				for _, r := range expired {
					logger.Info("approval request expired", "approval_id", r.ID, "task_id", r.TaskID)
					if onExpired != nil {
						onExpired(r)
					}
				}
			}
		}
	}()

	return func() { close(done) }
}
