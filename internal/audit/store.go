package audit

import (
	"context"
	"log/slog"

	"github.com/tkingovr/deploygate/api"
)

// Store defines the interface for persisting and retrieving approval lifecycle
// events.
type Store interface {
	// Write appends an audit record.
	Write(ctx context.Context, record *api.AuditRecord) error

	// Query retrieves audit records matching the filter.
	Query(ctx context.Context, filter api.QueryFilter) ([]*api.AuditRecord, error)

	// Stats returns aggregate statistics.
	Stats(ctx context.Context) (*api.AuditStats, error)

	// Subscribe returns a channel that receives new audit records in real time.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context) (<-chan *api.AuditRecord, func())

	// Close shuts down the store and flushes any buffers.
	Close() error
}

// Emit writes rec to store and logs write failures; audit problems never
// fail the approval workflow. A nil store is a no-op.
func Emit(ctx context.Context, store Store, logger *slog.Logger, rec *api.AuditRecord) {
	if store == nil {
		return
	}
	if err := store.Write(ctx, rec); err != nil && logger != nil {
		logger.Error("audit write failed", "event", rec.Event, "approval_id", rec.ApprovalID, "error", err)
	}
}
