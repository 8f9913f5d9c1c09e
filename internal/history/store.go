// Package history defines the upload-history ledger: one record per uploaded
// object variant, created when a transfer task is accepted and updated as the
// task moves through its lifecycle.
package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

// timeFormat is the ISO 8601 format used for stored timestamps.
const timeFormat = "2006-01-02T15:04:05.000Z"

// Status is the lifecycle state of a history record.
type Status string

// Record statuses.
const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Record is one uploaded object.
type Record struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	// Name is the destination file name (base of Key).
	Name string `json:"name"`
	// Type is the task kind that produced the object: original, compressed or blur.
	Type         string    `json:"type"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mime_type"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	ProviderID string
	Bucket     string
	Status     Status
	// Limit caps the number of records returned; 0 means no cap.
	Limit int
}

func (f Filter) match(r *Record) bool {
	if f.ProviderID != "" && r.ProviderID != f.ProviderID {
		return false
	}
	if f.Bucket != "" && r.Bucket != f.Bucket {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Store is the upload-history ledger. Implementations must be safe for
// concurrent use.
type Store interface {
	// Create stores a new record. An empty ID is filled in; zero timestamps
	// are set to now. The stored record is returned.
	Create(ctx context.Context, rec Record) (Record, error)

	// UpdateStatus changes the status and error message of record id.
	// A missing record yields a not-found error.
	UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error

	// Get returns record id or a not-found error.
	Get(ctx context.Context, id string) (Record, error)

	// List returns matching records, newest first.
	List(ctx context.Context, f Filter) ([]Record, error)

	// Delete removes record id. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases any resources held by the store.
	Close() error
}

func notFound(op, id string) error {
	return bderr.New(bderr.KindNotFound, op, "", id, fmt.Errorf("history record not found"))
}

func validate(rec Record) error {
	if rec.Key == "" {
		return bderr.Invalid("history record key is required")
	}
	if rec.Status != "" {
		return checkStatus(rec.Status)
	}
	return nil
}

func checkStatus(s Status) error {
	if !s.Valid() {
		return bderr.Invalid("unknown history status %q", s)
	}
	return nil
}

// sortNewest orders records by creation time descending, then ID.
func sortNewest(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
