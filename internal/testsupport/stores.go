// Package testsupport provides in-memory persistence fakes shared by the
// pipeline tests.
package testsupport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/model"
)

// EnvelopeStore is an in-memory envelope.Store.
type EnvelopeStore struct {
	mu        sync.Mutex
	envelopes map[string]*model.Envelope
	// FailUpdate forces Update to return the given error once set.
	FailUpdate error
}

// NewEnvelopeStore constructs an empty store.
func NewEnvelopeStore() *EnvelopeStore {
	return &EnvelopeStore{envelopes: make(map[string]*model.Envelope)}
}

func (s *EnvelopeStore) Create(ctx context.Context, env *model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.envelopes {
		if existing.Container == env.Container && existing.ZipFileName == env.ZipFileName && !existing.ZipDeleted {
			return envelope.ErrDuplicate
		}
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.CreatedAt = time.Now().UTC()
	clone := cloneEnvelope(env)
	s.envelopes[env.ID] = clone
	return nil
}

func (s *EnvelopeStore) Get(ctx context.Context, id string) (*model.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[id]
	if !ok {
		return nil, envelope.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (s *EnvelopeStore) FindNonDeleted(ctx context.Context, container, zipFileName string) (*model.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.envelopes {
		if env.Container == container && env.ZipFileName == zipFileName && !env.ZipDeleted {
			return cloneEnvelope(env), nil
		}
	}
	return nil, envelope.ErrNotFound
}

func (s *EnvelopeStore) FindLatest(ctx context.Context, container, zipFileName string) (*model.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Envelope
	for _, env := range s.envelopes {
		if env.Container != container || env.ZipFileName != zipFileName {
			continue
		}
		if latest == nil || env.CreatedAt.After(latest.CreatedAt) {
			latest = env
		}
	}
	if latest == nil {
		return nil, envelope.ErrNotFound
	}
	return cloneEnvelope(latest), nil
}

func (s *EnvelopeStore) Exists(ctx context.Context, container, zipFileName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.envelopes {
		if env.Container == container && env.ZipFileName == zipFileName {
			return true, nil
		}
	}
	return false, nil
}

func (s *EnvelopeStore) Update(ctx context.Context, env *model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdate != nil {
		return s.FailUpdate
	}
	stored, ok := s.envelopes[env.ID]
	if !ok {
		return envelope.ErrNotFound
	}
	stored.Status = env.Status
	stored.CaseNumber = env.CaseNumber
	stored.CaseReference = env.CaseReference
	stored.Classification = env.Classification
	stored.UploadFailureCount = env.UploadFailureCount
	stored.ZipDeleted = env.ZipDeleted
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *EnvelopeStore) UpdateItems(ctx context.Context, envelopeID string, items []model.ScannableItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.envelopes[envelopeID]
	if !ok {
		return envelope.ErrNotFound
	}
	stored.ScannableItems = append([]model.ScannableItem(nil), items...)
	return nil
}

func (s *EnvelopeStore) ScrubOcrData(ctx context.Context, envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.envelopes[envelopeID]
	if !ok {
		return envelope.ErrNotFound
	}
	for i := range stored.ScannableItems {
		stored.ScannableItems[i].OcrData = nil
	}
	return nil
}

func (s *EnvelopeStore) ListByStatus(ctx context.Context, status model.Status) ([]*model.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Envelope
	for _, env := range s.envelopes {
		if env.Status == status {
			out = append(out, cloneEnvelope(env))
		}
	}
	return out, nil
}

func cloneEnvelope(env *model.Envelope) *model.Envelope {
	clone := *env
	clone.ScannableItems = append([]model.ScannableItem(nil), env.ScannableItems...)
	clone.NonScannableItems = append([]model.NonScannableItem(nil), env.NonScannableItems...)
	clone.Payments = append([]model.Payment(nil), env.Payments...)
	return &clone
}

// EventStore is an in-memory envelope.EventStore.
type EventStore struct {
	mu     sync.Mutex
	nextID int64
	events []model.ProcessEvent
}

// NewEventStore constructs an empty store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) Append(ctx context.Context, event *model.ProcessEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	event.ID = s.nextID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, *event)
	return event.ID, nil
}

func (s *EventStore) List(ctx context.Context, container, zipFileName string) ([]model.ProcessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ProcessEvent
	for _, ev := range s.events {
		if ev.Container == container && ev.ZipFileName == zipFileName {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *EventStore) LastEventAt(ctx context.Context, container, zipFileName string) (time.Time, error) {
	events, _ := s.List(ctx, container, zipFileName)
	if len(events) == 0 {
		return time.Time{}, nil
	}
	return events[len(events)-1].CreatedAt, nil
}

// All returns every recorded event.
func (s *EventStore) All() []model.ProcessEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ProcessEvent(nil), s.events...)
}

// SetLastEventTime rewrites the newest event's timestamp, for staleness
// tests.
func (s *EventStore) SetLastEventTime(container, zipFileName string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Container == container && s.events[i].ZipFileName == zipFileName {
			s.events[i].CreatedAt = at
			return
		}
	}
}

// NotificationStore records error notifications in memory.
type NotificationStore struct {
	mu            sync.Mutex
	Notifications []model.ErrorNotification
	Delivered     map[string]string
}

// NewNotificationStore constructs an empty store.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{Delivered: make(map[string]string)}
}

func (s *NotificationStore) Create(ctx context.Context, n *model.ErrorNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	s.Notifications = append(s.Notifications, *n)
	return nil
}

func (s *NotificationStore) MarkDelivered(ctx context.Context, id, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Delivered[id] = notificationID
	return nil
}
