package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bucketdesk/bucketdesk/internal/await"
	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/metrics"
	"github.com/bucketdesk/bucketdesk/internal/objectkey"
	"github.com/bucketdesk/bucketdesk/internal/provider"
)

const (
	// DefaultConnectTimeout bounds TestConnection.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultURLExpiry is used when GetObjectURL is called without an expiry.
	DefaultURLExpiry = time.Hour

	// MaxURLExpiry is the longest presigned URL lifetime handed out.
	MaxURLExpiry = 7 * 24 * time.Hour

	// MaxListKeys is the largest page ListObjects returns.
	MaxListKeys = 1000

	folderContentType = "application/x-directory"
)

// ConnectionResult reports the outcome of TestConnection.
type ConnectionResult struct {
	Connected bool       `json:"connected"`
	Error     string     `json:"error,omitempty"`
	Kind      bderr.Kind `json:"kind,omitempty"`
}

// Options configures an Adapter.
type Options struct {
	// ConnectTimeout bounds TestConnection. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// CallTimeout bounds every other operation. Zero means no limit beyond
	// the caller's context.
	CallTimeout time.Duration
	// Journal records relocation intent. Nil means a fresh MemoryJournal.
	Journal Journal
	// Logger receives operation logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Adapter implements the file-manager contract (folders, rename, move,
// batch delete, presigned URLs) on top of any Backend. Provider configs
// are passed per call; a Backend is dialed for each operation and closed
// when it returns.
//
// Adapter is safe for concurrent use.
type Adapter struct {
	dial    DialFunc
	opts    Options
	journal Journal
	logger  *slog.Logger
}

// NewAdapter creates an Adapter. A nil dial uses Dial.
func NewAdapter(dial DialFunc, opts Options) *Adapter {
	if dial == nil {
		dial = Dial
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	a := &Adapter{dial: dial, opts: opts, journal: opts.Journal, logger: opts.Logger}
	if a.journal == nil {
		a.journal = NewMemoryJournal()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// do dials cfg, runs fn and records metrics for op.
func (a *Adapter) do(ctx context.Context, cfg provider.Config, op string, fn func(ctx context.Context, b Backend) error) (err error) {
	start := time.Now()
	kind := "unknown"
	if cfg != nil {
		kind = string(cfg.Kind())
	}
	defer func() {
		result := "success"
		if err != nil {
			result = string(bderr.KindOf(err))
			a.logger.Debug("Storage operation failed", "op", op, "provider", cfg, "error", err)
		}
		metrics.AdapterOperationsTotal.WithLabelValues(kind, op, result).Inc()
		metrics.AdapterOperationDuration.WithLabelValues(kind, op).Observe(time.Since(start).Seconds())
	}()

	if a.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.CallTimeout)
		defer cancel()
	}

	b, err := a.dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			a.logger.Warn("Closing backend failed", "op", op, "error", cerr)
		}
	}()
	return fn(ctx, b)
}

func requireBucket(bucket string) error {
	if bucket == "" {
		return bderr.Invalid("bucket name is required")
	}
	return nil
}

// fileKey normalizes key and requires it to name a file.
func fileKey(key string) (string, error) {
	k := objectkey.Normalize(key)
	switch {
	case k == "":
		return "", bderr.Invalid("object key is required")
	case objectkey.IsFolder(k):
		return "", bderr.Invalid("%q is a folder, not a file", key)
	}
	return k, nil
}

// TestConnection verifies credentials and reachability. It never returns
// an error; failures are reported in the result.
func (a *Adapter) TestConnection(ctx context.Context, cfg provider.Config) ConnectionResult {
	_, err := await.Call(ctx, a.opts.ConnectTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.do(ctx, cfg, "test_connection", func(ctx context.Context, b Backend) error {
			return b.Ping(ctx)
		})
	})
	if err != nil {
		kind := bderr.KindOf(err)
		if errors.Is(err, await.ErrTimeout) {
			kind = bderr.KindConnectivity
		}
		a.logger.Info("Connection test failed", "provider", cfg, "error", err)
		return ConnectionResult{Error: err.Error(), Kind: kind}
	}
	return ConnectionResult{Connected: true}
}

// ListObjects returns one page of the folder at prefix. maxKeys is clamped
// to [1, MaxListKeys]; zero or negative means MaxListKeys.
func (a *Adapter) ListObjects(ctx context.Context, cfg provider.Config, bucket, prefix, cursor string, maxKeys int) (ListPage, error) {
	if err := requireBucket(bucket); err != nil {
		return ListPage{}, err
	}
	if maxKeys <= 0 || maxKeys > MaxListKeys {
		maxKeys = MaxListKeys
	}
	var page ListPage
	err := a.do(ctx, cfg, "list", func(ctx context.Context, b Backend) error {
		var err error
		page, err = b.List(ctx, bucket, ListOptions{
			Prefix:  objectkey.FolderPrefix(prefix),
			Cursor:  cursor,
			MaxKeys: maxKeys,
		})
		return err
	})
	if err != nil {
		return ListPage{}, err
	}
	for i := range page.Entries {
		e := &page.Entries[i]
		if e.Type == TypeFile && e.MimeType == "" {
			e.MimeType = guessMimeType(e.Key)
		}
	}
	if page.Entries == nil {
		page.Entries = []ObjectEntry{}
	}
	return page, nil
}

// Upload stores r at key, overwriting any existing object. An empty
// contentType is detected from the content.
func (a *Adapter) Upload(ctx context.Context, cfg provider.Config, bucket, key string, r io.Reader, size int64, contentType string) error {
	if err := requireBucket(bucket); err != nil {
		return err
	}
	k, err := fileKey(key)
	if err != nil {
		return err
	}
	if contentType == "" {
		ct, body, err := detectContentType(r)
		if err != nil {
			return bderr.New(bderr.KindInternal, "upload", bucket, k, fmt.Errorf("reading content: %w", err))
		}
		contentType, r = ct, body
	}
	return a.do(ctx, cfg, "upload", func(ctx context.Context, b Backend) error {
		return b.Put(ctx, bucket, k, r, size, contentType)
	})
}

// Download reads a whole object into memory.
func (a *Adapter) Download(ctx context.Context, cfg provider.Config, bucket, key string) ([]byte, error) {
	if err := requireBucket(bucket); err != nil {
		return nil, err
	}
	k, err := fileKey(key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = a.do(ctx, cfg, "download", func(ctx context.Context, b Backend) error {
		rc, _, err := b.Get(ctx, bucket, k)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		if err != nil {
			return opErr(bderr.KindConnectivity, "download", bucket, k, err)
		}
		return nil
	})
	return data, err
}

// DownloadToFile streams an object to path via a temporary file in the same
// directory, renamed into place only after a complete write. It returns the
// final path.
func (a *Adapter) DownloadToFile(ctx context.Context, cfg provider.Config, bucket, key, path string) (string, error) {
	if err := requireBucket(bucket); err != nil {
		return "", err
	}
	k, err := fileKey(key)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", bderr.Invalid("destination path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", bderr.New(bderr.KindInternal, "download", bucket, k, fmt.Errorf("creating destination directory: %w", err))
	}

	err = a.do(ctx, cfg, "download", func(ctx context.Context, b Backend) error {
		tmp, err := os.CreateTemp(dir, ".bucketdesk-*.part")
		if err != nil {
			return bderr.New(bderr.KindInternal, "download", bucket, k, fmt.Errorf("creating temp file: %w", err))
		}
		tmpPath := tmp.Name()
		fail := func(err error) error {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}

		if rd, ok := b.(RangedDownloader); ok {
			if _, err := rd.DownloadTo(ctx, bucket, k, tmp); err != nil {
				return fail(err)
			}
		} else {
			rc, _, err := b.Get(ctx, bucket, k)
			if err != nil {
				return fail(err)
			}
			_, err = io.Copy(tmp, rc)
			rc.Close()
			if err != nil {
				return fail(opErr(bderr.KindConnectivity, "download", bucket, k, err))
			}
		}

		if err := tmp.Sync(); err != nil {
			return fail(bderr.New(bderr.KindInternal, "download", bucket, k, fmt.Errorf("syncing temp file: %w", err)))
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpPath)
			return bderr.New(bderr.KindInternal, "download", bucket, k, fmt.Errorf("closing temp file: %w", err))
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return bderr.New(bderr.KindInternal, "download", bucket, k, fmt.Errorf("renaming temp file: %w", err))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// DeleteObject deletes a file, or a folder with every descendant. For a
// folder, a *errors.BatchError names each key that could not be deleted.
func (a *Adapter) DeleteObject(ctx context.Context, cfg provider.Config, bucket, key string, isFolder bool) error {
	if err := requireBucket(bucket); err != nil {
		return err
	}
	if isFolder {
		prefix := objectkey.FolderPrefix(key)
		if prefix == "" {
			return bderr.Invalid("refusing to delete the bucket root")
		}
		return a.DeleteObjects(ctx, cfg, bucket, []string{prefix})
	}
	k, err := fileKey(key)
	if err != nil {
		return err
	}
	return a.do(ctx, cfg, "delete", func(ctx context.Context, b Backend) error {
		failed, err := b.DeleteBatch(ctx, bucket, []string{k})
		if err != nil {
			return err
		}
		return failed[k]
	})
}

// DeleteObjects deletes many keys in backend-sized batches. Keys ending in
// "/" are folders and expand to all their descendants.
func (a *Adapter) DeleteObjects(ctx context.Context, cfg provider.Config, bucket string, keys []string) error {
	if err := requireBucket(bucket); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	c := bderr.NewCollector("delete", bucket)
	err := a.do(ctx, cfg, "delete_batch", func(ctx context.Context, b Backend) error {
		seen := make(map[string]bool)
		var targets []string
		add := func(k string) {
			if !seen[k] {
				seen[k] = true
				targets = append(targets, k)
			}
		}
		for _, raw := range keys {
			k := objectkey.Normalize(raw)
			if k == "" {
				c.Add(raw, bderr.Invalid("refusing to delete the bucket root"))
				continue
			}
			if !objectkey.IsFolder(k) {
				add(k)
				continue
			}
			descendants, err := a.walk(ctx, b, bucket, k)
			if err != nil {
				c.Add(k, err)
				continue
			}
			for _, d := range descendants {
				add(d)
			}
		}
		a.deleteKeys(ctx, b, bucket, targets, c)
		return c.Err()
	})
	return err
}

// deleteKeys deletes keys in chunks of MaxDeleteBatch, recording failures.
// A failure of a whole request is recorded against every key in its chunk.
func (a *Adapter) deleteKeys(ctx context.Context, b Backend, bucket string, keys []string, c *bderr.Collector) {
	for _, chunk := range chunkKeys(keys, b.MaxDeleteBatch()) {
		failed, err := b.DeleteBatch(ctx, bucket, chunk)
		if err != nil {
			for _, k := range chunk {
				c.Add(k, err)
			}
			continue
		}
		for _, k := range chunk {
			if kerr, ok := failed[k]; ok {
				c.Add(k, kerr)
			}
		}
	}
}

// walk returns every stored key under prefix, folder markers included.
func (a *Adapter) walk(ctx context.Context, b Backend, bucket, prefix string) ([]string, error) {
	var keys []string
	if fl, ok := b.(FlatLister); ok {
		cursor := ""
		for {
			page, err := fl.ListFlat(ctx, bucket, ListOptions{Prefix: prefix, Cursor: cursor, MaxKeys: MaxListKeys, IncludeMarkers: true})
			if err != nil {
				return nil, err
			}
			for _, e := range page.Entries {
				if e.Type == TypeFile {
					keys = append(keys, e.Key)
				}
			}
			if !page.HasMore || page.NextCursor == "" {
				return keys, nil
			}
			cursor = page.NextCursor
		}
	}

	pending := []string{prefix}
	for len(pending) > 0 {
		p := pending[0]
		pending = pending[1:]
		cursor := ""
		for {
			page, err := b.List(ctx, bucket, ListOptions{Prefix: p, Cursor: cursor, MaxKeys: MaxListKeys, IncludeMarkers: true})
			if err != nil {
				return nil, err
			}
			for _, e := range page.Entries {
				switch e.Type {
				case TypeFolder:
					pending = append(pending, e.Key)
				default:
					keys = append(keys, e.Key)
				}
			}
			if !page.HasMore || page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}
	return keys, nil
}

// RenameObject renames a file or folder in place and returns the new key.
// Renaming a folder renames every descendant. Existing objects at the
// target are overwritten.
func (a *Adapter) RenameObject(ctx context.Context, cfg provider.Config, bucket, sourceKey, newName string) (string, error) {
	if err := requireBucket(bucket); err != nil {
		return "", err
	}
	src := objectkey.Normalize(sourceKey)
	target, err := objectkey.RenameTarget(src, newName)
	if err != nil {
		return "", bderr.New(bderr.KindInvalidArgument, "rename", bucket, sourceKey, err)
	}
	err = a.do(ctx, cfg, "rename", func(ctx context.Context, b Backend) error {
		return a.relocateOne(ctx, b, cfg, "rename", bucket, src, target)
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

// MoveObject moves a file or folder into destinationPrefix and returns its
// new key.
func (a *Adapter) MoveObject(ctx context.Context, cfg provider.Config, bucket, sourceKey, destinationPrefix string) (string, error) {
	if err := requireBucket(bucket); err != nil {
		return "", err
	}
	src := objectkey.Normalize(sourceKey)
	if src == "" {
		return "", bderr.Invalid("source key is required")
	}
	target := objectkey.MoveTarget(src, destinationPrefix)
	err := a.do(ctx, cfg, "move", func(ctx context.Context, b Backend) error {
		return a.relocateOne(ctx, b, cfg, "move", bucket, src, target)
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

// MoveObjects moves each source into destinationPrefix. Sources are
// independent: a failure in one never rolls back or blocks another. The
// returned *errors.BatchError names every failed key.
func (a *Adapter) MoveObjects(ctx context.Context, cfg provider.Config, bucket string, sources []string, destinationPrefix string) error {
	if err := requireBucket(bucket); err != nil {
		return err
	}
	c := bderr.NewCollector("move", bucket)
	return a.do(ctx, cfg, "move_batch", func(ctx context.Context, b Backend) error {
		for _, raw := range sources {
			src := objectkey.Normalize(raw)
			if src == "" {
				c.Add(raw, bderr.Invalid("source key is required"))
				continue
			}
			target := objectkey.MoveTarget(src, destinationPrefix)
			if err := a.relocateOne(ctx, b, cfg, "move", bucket, src, target); err != nil {
				var be *bderr.BatchError
				if errors.As(err, &be) {
					c.Merge(err)
				} else {
					c.Add(src, err)
				}
			}
		}
		return c.Err()
	})
}

// relocateOne moves src to target as one journaled unit. A file failure is
// returned as-is; folder failures come back as a *errors.BatchError.
func (a *Adapter) relocateOne(ctx context.Context, b Backend, cfg provider.Config, op, bucket, src, target string) error {
	if src == target {
		return nil
	}
	folder := objectkey.IsFolder(src)
	if folder && objectkey.Contains(src, target) {
		return bderr.New(bderr.KindInvalidArgument, op, bucket, src, fmt.Errorf("cannot move a folder into itself"))
	}

	var pairs []Pair
	if folder {
		keys, err := a.walk(ctx, b, bucket, src)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return bderr.New(bderr.KindNotFound, op, bucket, src, fmt.Errorf("folder is empty or does not exist"))
		}
		for _, k := range keys {
			dst, _ := objectkey.Rebase(k, src, target)
			pairs = append(pairs, Pair{Src: k, Dst: dst})
		}
	} else {
		pairs = []Pair{{Src: src, Dst: target}}
	}

	c := bderr.NewCollector(op, bucket)
	a.relocate(ctx, b, newUnit(op, cfg.ID(), bucket, src, target, pairs), false, c)
	err := c.Err()
	if err == nil || folder {
		return err
	}
	var be *bderr.BatchError
	if errors.As(err, &be) && len(be.Failures) == 1 {
		return be.Failures[0].Err
	}
	return err
}

// ResumePending completes relocations for cfg that were interrupted after
// their copy phase started.
func (a *Adapter) ResumePending(ctx context.Context, cfg provider.Config) error {
	if cfg == nil {
		return bderr.Invalid("provider configuration is required")
	}
	units, err := a.journal.Pending(ctx, cfg.ID())
	if err != nil {
		return bderr.New(bderr.KindInternal, "resume", "", "", err)
	}
	if len(units) == 0 {
		return nil
	}
	c := bderr.NewCollector("resume", units[0].Bucket)
	return a.do(ctx, cfg, "resume", func(ctx context.Context, b Backend) error {
		for _, u := range units {
			a.logger.Info("Resuming relocation", "unit", u.ID, "op", u.Op, "bucket", u.Bucket, "source", u.Source)
			a.relocate(ctx, b, u, true, c)
		}
		return c.Err()
	})
}

// CreateFolder makes an empty folder visible by writing the provider's
// zero-byte marker object. It returns the folder prefix.
func (a *Adapter) CreateFolder(ctx context.Context, cfg provider.Config, bucket, path string) (string, error) {
	if err := requireBucket(bucket); err != nil {
		return "", err
	}
	prefix := objectkey.FolderPrefix(path)
	if prefix == "" {
		return "", bderr.Invalid("folder path is required")
	}
	err := a.do(ctx, cfg, "create_folder", func(ctx context.Context, b Backend) error {
		return b.Put(ctx, bucket, b.FolderMarker(prefix), bytes.NewReader(nil), 0, folderContentType)
	})
	if err != nil {
		return "", err
	}
	return prefix, nil
}

// CreateBucket creates a bucket.
func (a *Adapter) CreateBucket(ctx context.Context, cfg provider.Config, bucket string) error {
	if err := requireBucket(bucket); err != nil {
		return err
	}
	return a.do(ctx, cfg, "create_bucket", func(ctx context.Context, b Backend) error {
		return b.CreateBucket(ctx, bucket)
	})
}

// DeleteBucket deletes an empty bucket.
func (a *Adapter) DeleteBucket(ctx context.Context, cfg provider.Config, bucket string) error {
	if err := requireBucket(bucket); err != nil {
		return err
	}
	return a.do(ctx, cfg, "delete_bucket", func(ctx context.Context, b Backend) error {
		return b.DeleteBucket(ctx, bucket)
	})
}

// GetObjectURL returns a presigned read URL. Zero expiresIn means
// DefaultURLExpiry; longer than MaxURLExpiry is clamped.
func (a *Adapter) GetObjectURL(ctx context.Context, cfg provider.Config, bucket, key string, expiresIn time.Duration) (string, error) {
	if err := requireBucket(bucket); err != nil {
		return "", err
	}
	k, err := fileKey(key)
	if err != nil {
		return "", err
	}
	switch {
	case expiresIn < 0:
		return "", bderr.Invalid("expiry must not be negative")
	case expiresIn == 0:
		expiresIn = DefaultURLExpiry
	case expiresIn > MaxURLExpiry:
		expiresIn = MaxURLExpiry
	}
	var u string
	err = a.do(ctx, cfg, "presign", func(ctx context.Context, b Backend) error {
		var err error
		u, err = b.PresignGet(ctx, bucket, k, expiresIn)
		return err
	})
	return u, err
}
