// Package storage defines the primitive object-store surface each provider
// implements and the Adapter that builds the full file-manager contract
// (folders, rename, move, batch delete) on top of it.
package storage

import (
	"context"
	"io"
	"time"
)

// EntryType distinguishes files from synthetic folder entries.
type EntryType string

// Entry types.
const (
	TypeFile   EntryType = "file"
	TypeFolder EntryType = "folder"
)

// ObjectEntry is a single row of a listing. Folder entries are synthesized
// from common prefixes; their Key ends in "/" and they carry no size.
type ObjectEntry struct {
	Key        string     `json:"key"`
	Type       EntryType  `json:"type"`
	Size       int64      `json:"size,omitempty"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`
	MimeType   string     `json:"mimeType,omitempty"`
}

// ListPage is one page of a listing. NextCursor is opaque to callers and is
// only meaningful to the backend that produced it.
type ListPage struct {
	Entries    []ObjectEntry `json:"entries"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasMore    bool          `json:"hasMore"`
}

// ListOptions controls a single List call.
type ListOptions struct {
	// Prefix restricts the listing to keys under a folder prefix.
	Prefix string
	// Cursor resumes a previous listing.
	Cursor string
	// MaxKeys bounds the number of entries in the page.
	MaxKeys int
	// IncludeMarkers returns folder marker objects as file entries. Used by
	// folder walks, which must delete markers along with real objects.
	IncludeMarkers bool
}

// ObjectInfo describes an object returned by Get.
type ObjectInfo struct {
	Size        int64
	ContentType string
	ModifiedAt  time.Time
}

// Backend is the primitive per-provider surface. Implementations translate
// each call to exactly one provider request (or one batch) and never retry.
// All methods must be safe for concurrent use.
type Backend interface {
	// Ping performs a cheap authenticated request to verify credentials and
	// reachability.
	Ping(ctx context.Context) error

	// List returns one level of the hierarchy under opts.Prefix using "/" as
	// the delimiter. Entries are ordered lexicographically by key within the
	// page and across pages.
	List(ctx context.Context, bucket string, opts ListOptions) (ListPage, error)

	// Put stores the reader's content at key, overwriting any existing
	// object. size may be -1 when unknown.
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error

	// Get opens the object for reading. The caller closes the ReadCloser.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)

	// Copy duplicates srcKey to dstKey within bucket, overwriting dstKey.
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error

	// DeleteBatch removes up to MaxDeleteBatch keys. Per-key failures are
	// returned in failed; err is reserved for failures of the whole request.
	// Deleting a missing key is not a failure.
	DeleteBatch(ctx context.Context, bucket string, keys []string) (failed map[string]error, err error)

	// MaxDeleteBatch is the largest number of keys DeleteBatch accepts.
	MaxDeleteBatch() int

	// FolderMarker returns the key of the zero-byte object that makes an
	// empty folder visible on this provider.
	FolderMarker(prefix string) string

	// CreateBucket creates a bucket (or container).
	CreateBucket(ctx context.Context, bucket string) error

	// DeleteBucket removes an empty bucket.
	DeleteBucket(ctx context.Context, bucket string) error

	// PresignGet returns a time-limited URL granting read access to key.
	PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error)

	// Close releases any client resources.
	Close() error
}

// FlatLister is implemented by backends that can enumerate every key under
// a prefix without a delimiter. Entries include folder markers.
type FlatLister interface {
	ListFlat(ctx context.Context, bucket string, opts ListOptions) (ListPage, error)
}

// RangedDownloader is implemented by backends that can download an object
// with concurrent ranged reads into a WriterAt.
type RangedDownloader interface {
	DownloadTo(ctx context.Context, bucket, key string, w io.WriterAt) (int64, error)
}
