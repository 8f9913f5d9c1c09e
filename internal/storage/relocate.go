package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/metrics"
	"github.com/bucketdesk/bucketdesk/internal/uid"
)

// relocateCopyConcurrency bounds parallel server-side copies in one unit.
const relocateCopyConcurrency = 8

// Pair maps one existing key to its new location.
type Pair struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// Unit is one rename or move of a single file or folder. All pairs are
// copied before any source is deleted.
type Unit struct {
	ID         string          `json:"id"`
	Op         string          `json:"op"`
	ProviderID string          `json:"providerId"`
	Bucket     string          `json:"bucket"`
	Source     string          `json:"source"`
	Target     string          `json:"target"`
	Pairs      []Pair          `json:"pairs"`
	Copied     bool            `json:"copied"`
	Deleted    map[string]bool `json:"deleted,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Journal records relocation intent so that a unit interrupted between its
// copy and delete phases can be completed later.
type Journal interface {
	// Begin records a new unit before any copy is issued.
	Begin(ctx context.Context, u Unit) error
	// MarkCopied records that every pair of the unit has been copied.
	MarkCopied(ctx context.Context, unitID string) error
	// MarkDeleted records sources that have been deleted.
	MarkDeleted(ctx context.Context, unitID string, keys []string) error
	// Finish removes the unit from the journal.
	Finish(ctx context.Context, unitID string) error
	// Pending returns unfinished units for a provider, oldest first.
	Pending(ctx context.Context, providerID string) ([]Unit, error)
}

// MemoryJournal is an in-process Journal. It survives failed requests but
// not process restarts.
type MemoryJournal struct {
	mu    sync.Mutex
	units map[string]*Unit
}

// NewMemoryJournal creates an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{units: make(map[string]*Unit)}
}

// Begin implements Journal.
func (j *MemoryJournal) Begin(ctx context.Context, u Unit) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	c := cloneUnit(u)
	j.units[u.ID] = &c
	return nil
}

// MarkCopied implements Journal.
func (j *MemoryJournal) MarkCopied(ctx context.Context, unitID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if u, ok := j.units[unitID]; ok {
		u.Copied = true
	}
	return nil
}

// MarkDeleted implements Journal.
func (j *MemoryJournal) MarkDeleted(ctx context.Context, unitID string, keys []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	u, ok := j.units[unitID]
	if !ok {
		return nil
	}
	if u.Deleted == nil {
		u.Deleted = make(map[string]bool, len(keys))
	}
	for _, k := range keys {
		u.Deleted[k] = true
	}
	return nil
}

// Finish implements Journal.
func (j *MemoryJournal) Finish(ctx context.Context, unitID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.units, unitID)
	return nil
}

// Pending implements Journal.
func (j *MemoryJournal) Pending(ctx context.Context, providerID string) ([]Unit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Unit
	for _, u := range j.units {
		if u.ProviderID == providerID {
			out = append(out, cloneUnit(*u))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func cloneUnit(u Unit) Unit {
	c := u
	c.Pairs = append([]Pair(nil), u.Pairs...)
	if u.Deleted != nil {
		c.Deleted = make(map[string]bool, len(u.Deleted))
		for k, v := range u.Deleted {
			c.Deleted[k] = v
		}
	}
	return c
}

var _ Journal = (*MemoryJournal)(nil)

// newUnit builds a journal unit for relocating source to target.
func newUnit(op, providerID, bucket, source, target string, pairs []Pair) Unit {
	return Unit{
		ID:         uid.New(),
		Op:         op,
		ProviderID: providerID,
		Bucket:     bucket,
		Source:     source,
		Target:     target,
		Pairs:      pairs,
		CreatedAt:  time.Now().UTC(),
	}
}

// relocate runs the two phases of a unit. Failures are added to c keyed by
// source. When resuming, a copy whose source no longer exists is treated as
// already relocated.
//
// The unit is finished when a copy fails (no source was touched) or when
// every delete succeeded. Failed deletes and cancellation leave the unit
// pending for ResumePending.
func (a *Adapter) relocate(ctx context.Context, b Backend, u Unit, resuming bool, c *bderr.Collector) {
	log := a.logger.With("op", u.Op, "unit", u.ID, "bucket", u.Bucket, "source", u.Source, "target", u.Target)

	if !resuming {
		if err := a.journal.Begin(ctx, u); err != nil {
			c.Add(u.Source, bderr.New(bderr.KindInternal, u.Op, u.Bucket, u.Source, err))
			return
		}
	}

	var todo []Pair
	for _, p := range u.Pairs {
		if !u.Deleted[p.Src] {
			todo = append(todo, p)
		}
	}

	// Phase 1: copy every pair.
	var (
		mu       sync.Mutex
		failed   int
		gone     = make(map[string]bool)
		g        errgroup.Group
		copyErrs = bderr.NewCollector(u.Op, u.Bucket)
	)
	g.SetLimit(relocateCopyConcurrency)
	for _, p := range todo {
		g.Go(func() error {
			err := b.Copy(ctx, u.Bucket, p.Src, p.Dst)
			if err == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if resuming && errors.Is(err, bderr.ErrNotFound) {
				gone[p.Src] = true
				return nil
			}
			failed++
			copyErrs.Add(p.Src, err)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		log.Warn("Relocation interrupted during copy; left pending")
		c.Merge(copyErrs.Err())
		if failed == 0 {
			for _, p := range todo {
				c.Add(p.Src, bderr.New(bderr.KindCancelled, u.Op, u.Bucket, p.Src, ctx.Err()))
			}
		}
		return
	}
	if failed > 0 {
		log.Warn("Relocation copy failed; sources left in place", "failed", failed)
		c.Merge(copyErrs.Err())
		a.finish(ctx, u.ID)
		return
	}
	if err := a.journal.MarkCopied(ctx, u.ID); err != nil {
		log.Warn("Journal update failed", "error", err)
	}

	// Phase 2: delete sources in backend-sized batches.
	var sources []string
	for _, p := range todo {
		if !gone[p.Src] {
			sources = append(sources, p.Src)
		}
	}
	deleteFailed := 0
	for _, chunk := range chunkKeys(sources, b.MaxDeleteBatch()) {
		perKey, err := b.DeleteBatch(ctx, u.Bucket, chunk)
		if err != nil {
			for _, k := range chunk {
				c.Add(k, err)
			}
			deleteFailed += len(chunk)
			continue
		}
		done := make([]string, 0, len(chunk))
		for _, k := range chunk {
			if kerr, ok := perKey[k]; ok {
				c.Add(k, kerr)
				deleteFailed++
				continue
			}
			done = append(done, k)
		}
		if err := a.journal.MarkDeleted(ctx, u.ID, done); err != nil {
			log.Warn("Journal update failed", "error", err)
		}
		metrics.RelocatedObjectsTotal.Add(float64(len(done)))
	}

	if deleteFailed > 0 || ctx.Err() != nil {
		log.Warn("Relocation delete incomplete; left pending", "failed", deleteFailed)
		return
	}
	a.finish(ctx, u.ID)
	log.Debug("Relocation complete", "objects", len(u.Pairs))
}

func (a *Adapter) finish(ctx context.Context, unitID string) {
	if err := a.journal.Finish(context.WithoutCancel(ctx), unitID); err != nil {
		a.logger.Warn("Journal finish failed", "unit", unitID, "error", err)
	}
}

// chunkKeys splits keys into slices of at most size elements.
func chunkKeys(keys []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var chunks [][]string
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}
