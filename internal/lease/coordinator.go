// Package lease wraps the blob store's lease primitive with the error
// classification the scan loop relies on.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scangate/scangate/internal/blob"
)

// Outcome classifies the result of a lease acquisition attempt.
type Outcome int

const (
	// Acquired means this worker now owns the blob.
	Acquired Outcome = iota
	// HeldByOther means another worker owns the blob. Normal under
	// contention; never treated as an error.
	HeldByOther
	// TargetGone means the blob no longer exists; dependent state may be
	// marked done.
	TargetGone
	// Transient means a storage failure; the blob is left for the next
	// scan cycle.
	Transient
)

// Coordinator acquires and releases blob leases. It never blocks waiting for
// a lease held by another worker.
type Coordinator struct {
	store  blob.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(store blob.Store, ttl time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, ttl: ttl, logger: logger}
}

// Acquire attempts to lease the blob and classifies the result.
func (c *Coordinator) Acquire(ctx context.Context, container, name string) (blob.LeaseID, Outcome, error) {
	id, err := c.store.AcquireLease(ctx, container, name, c.ttl)
	switch {
	case err == nil:
		return id, Acquired, nil
	case errors.Is(err, blob.ErrLeaseHeld):
		c.logger.Debug("lease held by another worker", "container", container, "zip", name)
		return "", HeldByOther, nil
	case errors.Is(err, blob.ErrNotFound):
		return "", TargetGone, nil
	default:
		c.logger.Warn("lease acquisition failed", "container", container, "zip", name, "error", err)
		return "", Transient, err
	}
}

// Release gives the lease back. A vanished blob means the lease died with
// it, so that case is silent; other failures are logged only, the lease TTL
// is the backstop.
func (c *Coordinator) Release(ctx context.Context, container, name string, id blob.LeaseID) {
	err := c.store.ReleaseLease(ctx, container, name, id)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		c.logger.Warn("lease release failed", "container", container, "zip", name, "error", err)
	}
}

// IfAcquired runs fn only when the lease is won and releases it afterwards.
// It reports whether fn ran. Contention and a vanished target both return
// (false, nil); transient storage failures return the underlying error.
func (c *Coordinator) IfAcquired(ctx context.Context, container, name string, fn func(blob.LeaseID) error) (bool, error) {
	id, outcome, err := c.Acquire(ctx, container, name)
	switch outcome {
	case HeldByOther, TargetGone:
		return false, nil
	case Transient:
		return false, err
	}
	defer c.Release(ctx, container, name, id)
	return true, fn(id)
}
