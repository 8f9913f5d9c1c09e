package transfer

import (
	"fmt"
	"sync"
	"time"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

// Event is published after every insert or update.
type Event struct {
	Task Task
}

// Store holds task state. It is the only mutable structure shared between
// workers and readers; implementations must be safe for concurrent use.
type Store interface {
	// Insert adds a new task.
	Insert(t Task) error
	// Update applies fn to task id atomically. If fn returns an error the
	// task is left unchanged and the error is returned.
	Update(id string, fn func(*Task) error) (Task, error)
	// Get returns task id or a not-found error.
	Get(id string) (Task, error)
	// List returns the tasks of a request in creation order.
	List(requestID string) ([]Task, error)
	// Remove drops a request and all of its tasks. Removing an unknown
	// request is not an error.
	Remove(requestID string) error
	// Subscribe returns a channel of events and a function that ends the
	// subscription. Slow subscribers miss events rather than blocking
	// writers.
	Subscribe(buffer int) (<-chan Event, func())
}

// MemoryStore implements Store with a map guarded by a RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	order  map[string][]string
	subs   map[int]chan Event
	nextID int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		order: make(map[string][]string),
		subs:  make(map[int]chan Event),
	}
}

func (s *MemoryStore) Insert(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task already exists: %s", t.ID)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	stored := t
	s.tasks[t.ID] = &stored
	s.order[t.RequestID] = append(s.order[t.RequestID], t.ID)
	s.publish(stored)
	return nil
}

func (s *MemoryStore) Update(id string, fn func(*Task) error) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return Task{}, bderr.New(bderr.KindNotFound, "task", "", id, fmt.Errorf("task not found"))
	}
	next := *cur
	if err := fn(&next); err != nil {
		return *cur, err
	}
	next.ID, next.RequestID = cur.ID, cur.RequestID
	next.UpdatedAt = time.Now().UTC()
	*cur = next
	s.publish(next)
	return next, nil
}

func (s *MemoryStore) Get(id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, bderr.New(bderr.KindNotFound, "task", "", id, fmt.Errorf("task not found"))
	}
	return *t, nil
}

func (s *MemoryStore) List(requestID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.order[requestID]
	if !ok {
		return nil, bderr.New(bderr.KindNotFound, "request", "", requestID, fmt.Errorf("request not found"))
	}
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.tasks[id])
	}
	return out, nil
}

func (s *MemoryStore) Remove(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order[requestID] {
		delete(s.tasks, id)
	}
	delete(s.order, requestID)
	return nil
}

func (s *MemoryStore) Subscribe(buffer int) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Event, buffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// publish must be called with s.mu held.
func (s *MemoryStore) publish(t Task) {
	for _, ch := range s.subs {
		select {
		case ch <- Event{Task: t}:
		default:
		}
	}
}
