// Package blob defines the storage capabilities the intake pipeline consumes:
// container/object listing, streamed reads, deletes, cross-container moves and
// a time-bounded lease per object. Implementations live in s3blob (MinIO) and
// in this package's MemoryStore.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when the container or object does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrLeaseHeld is returned when another worker holds an unexpired lease
	// on the object. It is an expected outcome under contention, not a fault.
	ErrLeaseHeld = errors.New("lease held by another worker")
	// ErrLeaseMismatch is returned when a release carries a lease id that is
	// not the current holder's.
	ErrLeaseMismatch = errors.New("lease id mismatch")
)

// LeaseID identifies one granted lease on one object.
type LeaseID string

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Name         string
	Size         int64
	LastModified time.Time
}

// Store is the blob storage capability consumed by the pipeline.
type Store interface {
	ListContainers(ctx context.Context) ([]string, error)
	ListObjects(ctx context.Context, container string) ([]ObjectInfo, error)
	Open(ctx context.Context, container, name string) (io.ReadCloser, error)
	Stat(ctx context.Context, container, name string) (ObjectInfo, error)
	Delete(ctx context.Context, container, name string) error
	// Move relocates an object into another container under the same name.
	Move(ctx context.Context, srcContainer, name, dstContainer string) error
	// AcquireLease grants an exclusive lease for ttl, or ErrLeaseHeld when
	// another worker already holds one, or ErrNotFound when the object is
	// gone. It never blocks waiting for the current holder.
	AcquireLease(ctx context.Context, container, name string, ttl time.Duration) (LeaseID, error)
	ReleaseLease(ctx context.Context, container, name string, id LeaseID) error
}
