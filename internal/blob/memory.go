package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memObject struct {
	data         []byte
	lastModified time.Time
	leaseID      LeaseID
	leaseExpiry  time.Time
}

// MemoryStore is an in-memory Store with strict single-winner lease
// semantics. It backs the pipeline tests and local development.
type MemoryStore struct {
	mu         sync.Mutex
	containers map[string]map[string]*memObject
	// FailDelete forces Delete to return the given error for matching names.
	FailDelete map[string]error
	now        func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers: make(map[string]map[string]*memObject),
		FailDelete: make(map[string]error),
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests exercising lease expiry.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put stores an object, creating the container if needed.
func (m *MemoryStore) Put(container, name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[container]
	if !ok {
		c = make(map[string]*memObject)
		m.containers[container] = c
	}
	c[name] = &memObject{data: data, lastModified: m.now()}
}

// PutWithModTime stores an object with an explicit last-modified timestamp.
func (m *MemoryStore) PutWithModTime(container, name string, data []byte, modified time.Time) {
	m.Put(container, name, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[container][name].lastModified = modified
}

// EnsureContainer creates an empty container.
func (m *MemoryStore) EnsureContainer(container string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[container]; !ok {
		m.containers[container] = make(map[string]*memObject)
	}
}

func (m *MemoryStore) ListContainers(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.containers))
	for name := range m.containers {
		out = append(out, name)
	}
	return out, nil
}

func (m *MemoryStore) ListObjects(ctx context.Context, container string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[container]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]ObjectInfo, 0, len(c))
	for name, obj := range c {
		out = append(out, ObjectInfo{Name: name, Size: int64(len(obj.data)), LastModified: obj.lastModified})
	}
	return out, nil
}

func (m *MemoryStore) Open(ctx context.Context, container, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(container, name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) Stat(ctx context.Context, container, name string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(container, name)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Name: name, Size: int64(len(obj.data)), LastModified: obj.lastModified}, nil
}

func (m *MemoryStore) Delete(ctx context.Context, container, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailDelete[name]; ok {
		return err
	}
	if _, err := m.lookup(container, name); err != nil {
		return err
	}
	delete(m.containers[container], name)
	return nil
}

func (m *MemoryStore) Move(ctx context.Context, srcContainer, name, dstContainer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(srcContainer, name)
	if err != nil {
		return err
	}
	dst, ok := m.containers[dstContainer]
	if !ok {
		dst = make(map[string]*memObject)
		m.containers[dstContainer] = dst
	}
	dst[name] = &memObject{data: obj.data, lastModified: m.now()}
	delete(m.containers[srcContainer], name)
	return nil
}

func (m *MemoryStore) AcquireLease(ctx context.Context, container, name string, ttl time.Duration) (LeaseID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(container, name)
	if err != nil {
		return "", err
	}
	now := m.now()
	if obj.leaseID != "" && now.Before(obj.leaseExpiry) {
		return "", ErrLeaseHeld
	}
	obj.leaseID = LeaseID(uuid.NewString())
	obj.leaseExpiry = now.Add(ttl)
	return obj.leaseID, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, container, name string, id LeaseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(container, name)
	if err != nil {
		return err
	}
	if obj.leaseID != id {
		return ErrLeaseMismatch
	}
	obj.leaseID = ""
	obj.leaseExpiry = time.Time{}
	return nil
}

// lookup requires m.mu to be held.
func (m *MemoryStore) lookup(container, name string) (*memObject, error) {
	c, ok := m.containers[container]
	if !ok {
		return nil, ErrNotFound
	}
	obj, ok := c[name]
	if !ok {
		return nil, ErrNotFound
	}
	return obj, nil
}
