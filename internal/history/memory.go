package history

import (
	"context"
	"sync"
	"time"

	"github.com/bucketdesk/bucketdesk/internal/uid"
)

// MemoryStore keeps records in a map. Records are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) (Record, error) {
	if err := validate(rec); err != nil {
		return Record{}, err
	}
	prepare(&rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := rec
	s.records[rec.ID] = &stored
	return rec, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return notFound("history.update", id)
	}
	rec.Status = status
	rec.ErrorMessage = errMsg
	rec.UpdatedAt = nowUTC()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, notFound("history.get", id)
	}
	return *rec, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if f.match(rec) {
			out = append(out, *rec)
		}
	}
	s.mu.RUnlock()

	sortNewest(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// prepare fills the ID, default status and timestamps of a new record.
func prepare(rec *Record) {
	if rec.ID == "" {
		rec.ID = uid.New()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	now := nowUTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	} else {
		rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	} else {
		rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Millisecond)
	}
}
