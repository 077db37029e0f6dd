package ocr

import (
	"fmt"
	"sync"
	"time"
)

// WarningNotPerformed is attached to every affected scannable item when
// server-side OCR failures exhaust the retry budget and the envelope
// proceeds without validation.
const WarningNotPerformed = "OCR validation was not performed due to errors"

type retryEntry struct {
	attempts  int
	notBefore time.Time
}

// RetryController enforces the bounded-retry policy for server-side OCR
// failures. State is in-memory only and keyed by the blob's last-modified
// timestamp, so a re-uploaded zip starts a fresh budget and a worker restart
// simply re-derives eligibility on the next scan.
type RetryController struct {
	mu         sync.Mutex
	minDelay   time.Duration
	maxRetries int
	entries    map[string]*retryEntry
	now        func() time.Time
}

// NewRetryController constructs a controller allowing maxRetries attempts
// spaced at least minDelay apart.
func NewRetryController(minDelay time.Duration, maxRetries int) *RetryController {
	return &RetryController{
		minDelay:   minDelay,
		maxRetries: maxRetries,
		entries:    make(map[string]*retryEntry),
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (r *RetryController) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Eligible reports whether the blob may be processed this cycle. A blob in
// its backoff window is skipped silently.
func (r *RetryController) Eligible(container, zipName string, modified time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key(container, zipName, modified)]
	if !ok {
		return true
	}
	return !r.now().Before(entry.notBefore)
}

// RecordFailure notes one server-side failure and reports whether the retry
// budget is now exhausted. When it is, the entry is dropped and the caller
// proceeds with WarningNotPerformed instead of failing the envelope.
func (r *RetryController) RecordFailure(container, zipName string, modified time.Time) (exhausted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(container, zipName, modified)
	entry, ok := r.entries[k]
	if !ok {
		entry = &retryEntry{}
		r.entries[k] = entry
	}
	entry.attempts++
	if entry.attempts >= r.maxRetries {
		delete(r.entries, k)
		return true
	}
	entry.notBefore = r.now().Add(r.minDelay)
	return false
}

// Clear forgets the blob's retry state after success or terminal rejection.
func (r *RetryController) Clear(container, zipName string, modified time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key(container, zipName, modified))
}

func key(container, zipName string, modified time.Time) string {
	return fmt.Sprintf("%s/%s@%d", container, zipName, modified.UnixNano())
}
