package approval

import (
	"context"
	"errors"
)

var (
	// ErrUnknownApprovalID is returned when an id was never created in the store.
	ErrUnknownApprovalID = errors.New("unknown approval id")

	// ErrDuplicateRequest is returned when a caller-supplied id is already in use.
	ErrDuplicateRequest = errors.New("duplicate approval request")

	// ErrNotFound is returned by TakeDecision when the decision was already
	// consumed or never existed.
	ErrNotFound = errors.New("approval decision not found")

	// ErrNotDecided is returned by TakeDecision while the request is still pending.
	ErrNotDecided = errors.New("approval request not decided")

	// ErrAbandoned is returned when the waiting task gave up on the request.
	ErrAbandoned = errors.New("approval request abandoned")
)

// Store is the registry of approval requests shared by producers, the
// resumption bridge and the HTTP API.
type Store interface {
	// Create inserts a PENDING request and returns its id.
	Create(ctx context.Context, p CreateParams) (string, error)

	// ListPending returns a snapshot of PENDING requests in insertion order.
	ListPending(ctx context.Context) ([]*Request, error)

	// Decide records the decision if the request is still PENDING. It returns
	// true only for the call that performed the transition.
	Decide(ctx context.Context, id string, d Decision) (bool, error)

	// TakeDecision consumes a recorded decision exactly once.
	TakeDecision(ctx context.Context, id string) (*Decision, error)

	// Abandon moves a PENDING request to ABANDONED. It returns false if the
	// request had already left PENDING.
	Abandon(ctx context.Context, id string) (bool, error)

	// Get returns a single request; consumed requests are not returned.
	Get(ctx context.Context, id string) (*Request, error)

	// Recorded returns the decision recorded for id, also after it was
	// consumed. It fails with ErrNotDecided while the request is pending,
	// ErrAbandoned once abandoned, and ErrUnknownApprovalID for ids the
	// store does not know or no longer retains.
	Recorded(ctx context.Context, id string) (*Decision, error)

	// Stats returns aggregate counts.
	Stats(ctx context.Context) (Stats, error)

	// Subscribe returns a channel receiving ids as they are decided. Stores
	// without push support return a nil channel; callers must poll.
	Subscribe() (<-chan string, func())
}
