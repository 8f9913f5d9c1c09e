package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/provider"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const memoryMaxDeleteBatch = 1000

// memObject holds the raw data and attributes of an in-memory object.
type memObject struct {
	Data        []byte
	ContentType string
	ModTime     time.Time
}

// MemoryBackend implements Backend with in-process maps. Backends are shared
// by name for the life of the process (see OpenMemoryBackend) and can be
// persisted to a SQLite snapshot file.
type MemoryBackend struct {
	name string

	mu      sync.RWMutex
	buckets map[string]map[string]memObject

	snapshotPath string
	maxBatch     int

	// faults maps "op:key" to an error returned instead of performing op.
	// Only tests populate it.
	faults map[string]error
}

var memoryRegistry = struct {
	sync.Mutex
	stores map[string]*MemoryBackend
}{stores: make(map[string]*MemoryBackend)}

// NewMemoryBackend creates an unshared, empty MemoryBackend.
func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{
		name:     name,
		buckets:  make(map[string]map[string]memObject),
		maxBatch: memoryMaxDeleteBatch,
		faults:   make(map[string]error),
	}
}

// OpenMemoryBackend returns the process-wide backend for cfg.Name, creating
// it (and restoring its snapshot, if any) on first use.
func OpenMemoryBackend(cfg provider.MemoryConfig) (*MemoryBackend, error) {
	memoryRegistry.Lock()
	defer memoryRegistry.Unlock()

	if b, ok := memoryRegistry.stores[cfg.Name]; ok {
		return b, nil
	}
	b := NewMemoryBackend(cfg.Name)
	b.snapshotPath = cfg.SnapshotPath
	if b.snapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
	}
	memoryRegistry.stores[cfg.Name] = b
	return b, nil
}

// FlushMemoryBackends writes a snapshot for every shared backend that has a
// snapshot path. It is called on shutdown.
func FlushMemoryBackends() error {
	memoryRegistry.Lock()
	stores := make([]*MemoryBackend, 0, len(memoryRegistry.stores))
	for _, b := range memoryRegistry.stores {
		stores = append(stores, b)
	}
	memoryRegistry.Unlock()

	var firstErr error
	for _, b := range stores {
		if b.snapshotPath == "" {
			continue
		}
		if err := b.writeSnapshot(); err != nil {
			slog.Error("Memory backend snapshot failed", "name", b.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *MemoryBackend) fault(op, key string) error {
	if err, ok := b.faults[op+":"+key]; ok {
		return err
	}
	return nil
}

func (b *MemoryBackend) bucketLocked(op, bucket string) (map[string]memObject, error) {
	objs, ok := b.buckets[bucket]
	if !ok {
		return nil, bderr.New(bderr.KindNotFound, op, bucket, "", fmt.Errorf("bucket does not exist"))
	}
	return objs, nil
}

// Ping implements Backend.
func (b *MemoryBackend) Ping(ctx context.Context) error {
	if err := b.fault("ping", ""); err != nil {
		return bderr.New(bderr.KindAuth, "ping", "", "", err)
	}
	return ctx.Err()
}

// List implements Backend.
func (b *MemoryBackend) List(ctx context.Context, bucket string, opts ListOptions) (ListPage, error) {
	return b.list(bucket, opts, true)
}

// ListFlat implements FlatLister.
func (b *MemoryBackend) ListFlat(ctx context.Context, bucket string, opts ListOptions) (ListPage, error) {
	opts.IncludeMarkers = true
	return b.list(bucket, opts, false)
}

func (b *MemoryBackend) list(bucket string, opts ListOptions, delimited bool) (ListPage, error) {
	if err := b.fault("list", opts.Prefix); err != nil {
		return ListPage{}, bderr.New(bderr.KindConnectivity, "list", bucket, opts.Prefix, err)
	}
	after, err := decodeKeyCursor(opts.Cursor)
	if err != nil {
		return ListPage{}, err
	}

	b.mu.RLock()
	objs, err := b.bucketLocked("list", bucket)
	if err != nil {
		b.mu.RUnlock()
		return ListPage{}, err
	}
	keys := make([]string, 0, len(objs))
	for k := range objs {
		if strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var entries []ObjectEntry
	seen := make(map[string]bool)
	for _, k := range keys {
		if delimited {
			rest := k[len(opts.Prefix):]
			if idx := strings.Index(rest, "/"); idx >= 0 {
				folder := opts.Prefix + rest[:idx+1]
				if !seen[folder] {
					seen[folder] = true
					entries = append(entries, ObjectEntry{Key: folder, Type: TypeFolder})
				}
				continue
			}
		}
		if k == opts.Prefix && !opts.IncludeMarkers {
			continue
		}
		obj := objs[k]
		mod := obj.ModTime
		entries = append(entries, ObjectEntry{
			Key:        k,
			Type:       TypeFile,
			Size:       int64(len(obj.Data)),
			ModifiedAt: &mod,
			MimeType:   obj.ContentType,
		})
	}
	b.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	start := sort.Search(len(entries), func(i int) bool { return entries[i].Key > after })
	entries = entries[start:]

	limit := opts.MaxKeys
	if limit <= 0 {
		limit = memoryMaxDeleteBatch
	}
	page := ListPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
		page.NextCursor = encodeKeyCursor(page.Entries[limit-1].Key)
	}
	return page, nil
}

// Put implements Backend.
func (b *MemoryBackend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	if err := b.fault("put", key); err != nil {
		return bderr.New(bderr.KindConnectivity, "upload", bucket, key, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading object data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	objs, err := b.bucketLocked("upload", bucket)
	if err != nil {
		return err
	}
	objs[key] = memObject{Data: data, ContentType: contentType, ModTime: time.Now().UTC()}
	return nil
}

// Get implements Backend. The returned reader is over a copy of the data so
// callers cannot mutate the stored slice.
func (b *MemoryBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := b.fault("get", key); err != nil {
		return nil, ObjectInfo{}, bderr.New(bderr.KindConnectivity, "download", bucket, key, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	objs, err := b.bucketLocked("download", bucket)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, ok := objs[key]
	if !ok {
		return nil, ObjectInfo{}, bderr.New(bderr.KindNotFound, "download", bucket, key, fmt.Errorf("object not found"))
	}
	dataCopy := make([]byte, len(obj.Data))
	copy(dataCopy, obj.Data)
	info := ObjectInfo{Size: int64(len(obj.Data)), ContentType: obj.ContentType, ModifiedAt: obj.ModTime}
	return io.NopCloser(bytes.NewReader(dataCopy)), info, nil
}

// Copy implements Backend.
func (b *MemoryBackend) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	if err := b.fault("copy", srcKey); err != nil {
		return bderr.New(bderr.KindConnectivity, "copy", bucket, srcKey, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	objs, err := b.bucketLocked("copy", bucket)
	if err != nil {
		return err
	}
	obj, ok := objs[srcKey]
	if !ok {
		return bderr.New(bderr.KindNotFound, "copy", bucket, srcKey, fmt.Errorf("source object not found"))
	}
	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	objs[dstKey] = memObject{Data: data, ContentType: obj.ContentType, ModTime: time.Now().UTC()}
	return nil
}

// DeleteBatch implements Backend.
func (b *MemoryBackend) DeleteBatch(ctx context.Context, bucket string, keys []string) (map[string]error, error) {
	if len(keys) > b.maxBatch {
		return nil, bderr.Invalid("delete batch of %d keys exceeds limit %d", len(keys), b.maxBatch)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	objs, err := b.bucketLocked("delete", bucket)
	if err != nil {
		return nil, err
	}
	var failed map[string]error
	for _, k := range keys {
		if ferr := b.fault("delete", k); ferr != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[k] = bderr.New(bderr.KindAuth, "delete", bucket, k, ferr)
			continue
		}
		delete(objs, k)
	}
	return failed, nil
}

// MaxDeleteBatch implements Backend.
func (b *MemoryBackend) MaxDeleteBatch() int { return b.maxBatch }

// FolderMarker implements Backend.
func (b *MemoryBackend) FolderMarker(prefix string) string { return prefix }

// CreateBucket implements Backend.
func (b *MemoryBackend) CreateBucket(ctx context.Context, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buckets[bucket]; ok {
		return bderr.New(bderr.KindConflict, "create bucket", bucket, "", fmt.Errorf("bucket already exists"))
	}
	b.buckets[bucket] = make(map[string]memObject)
	return nil
}

// DeleteBucket implements Backend. Only empty buckets can be deleted.
func (b *MemoryBackend) DeleteBucket(ctx context.Context, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	objs, err := b.bucketLocked("delete bucket", bucket)
	if err != nil {
		return err
	}
	if len(objs) > 0 {
		return bderr.New(bderr.KindConflict, "delete bucket", bucket, "", fmt.Errorf("bucket is not empty"))
	}
	delete(b.buckets, bucket)
	return nil
}

// PresignGet returns a memory:// URL carrying the expiry. It is only useful
// to in-process consumers.
func (b *MemoryBackend) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	b.mu.RLock()
	_, err := b.bucketLocked("presign", bucket)
	b.mu.RUnlock()
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "memory",
		Host:     b.name,
		Path:     "/" + bucket + "/" + key,
		RawQuery: url.Values{"expires": {fmt.Sprint(time.Now().Add(expires).Unix())}}.Encode(),
	}
	return u.String(), nil
}

// Close is a no-op; shared backends live until FlushMemoryBackends.
func (b *MemoryBackend) Close() error { return nil }

func encodeKeyCursor(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKeyCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", bderr.Invalid("malformed cursor")
	}
	return string(raw), nil
}

// loadSnapshot restores state from a SQLite snapshot file. If the file does
// not exist, this is a no-op (fresh start).
func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", b.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('bucket_snapshots', 'object_snapshots')`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tableCount < 2 {
		return nil
	}

	rows, err := db.Query("SELECT name FROM bucket_snapshots")
	if err != nil {
		return fmt.Errorf("querying bucket snapshots: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scanning bucket snapshot row: %w", err)
		}
		b.buckets[name] = make(map[string]memObject)
	}
	rows.Close()

	rows, err = db.Query("SELECT bucket, key, data, content_type, modified_at FROM object_snapshots")
	if err != nil {
		return fmt.Errorf("querying object snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bucket, key, contentType string
		var data []byte
		var modified int64
		if err := rows.Scan(&bucket, &key, &data, &contentType, &modified); err != nil {
			return fmt.Errorf("scanning object snapshot row: %w", err)
		}
		objs, ok := b.buckets[bucket]
		if !ok {
			objs = make(map[string]memObject)
			b.buckets[bucket] = objs
		}
		objs[key] = memObject{Data: data, ContentType: contentType, ModTime: time.Unix(0, modified).UTC()}
	}
	return rows.Err()
}

// writeSnapshot atomically writes the current state to the snapshot file.
// It writes to a temporary file first, then renames it to the final path.
func (b *MemoryBackend) writeSnapshot() error {
	type row struct {
		bucket, key string
		obj         memObject
	}
	b.mu.RLock()
	bucketNames := make([]string, 0, len(b.buckets))
	var rowsCopy []row
	for name, objs := range b.buckets {
		bucketNames = append(bucketNames, name)
		for k, v := range objs {
			rowsCopy = append(rowsCopy, row{bucket: name, key: k, obj: v})
		}
	}
	b.mu.RUnlock()
	sort.Strings(bucketNames)
	sort.Slice(rowsCopy, func(i, j int) bool {
		if rowsCopy[i].bucket != rowsCopy[j].bucket {
			return rowsCopy[i].bucket < rowsCopy[j].bucket
		}
		return rowsCopy[i].key < rowsCopy[j].key
	})

	if err := os.MkdirAll(filepath.Dir(b.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmpPath := b.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}
	fail := func(format string, err error) error {
		db.Close()
		os.Remove(tmpPath)
		return fmt.Errorf(format, err)
	}

	schema := `
		PRAGMA synchronous = FULL;

		CREATE TABLE bucket_snapshots (
			name TEXT PRIMARY KEY
		);

		CREATE TABLE object_snapshots (
			bucket       TEXT NOT NULL,
			key          TEXT NOT NULL,
			data         BLOB NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			modified_at  INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fail("creating snapshot schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fail("beginning snapshot transaction: %w", err)
	}
	for _, name := range bucketNames {
		if _, err := tx.Exec("INSERT INTO bucket_snapshots (name) VALUES (?)", name); err != nil {
			tx.Rollback()
			return fail("inserting bucket snapshot: %w", err)
		}
	}
	for _, r := range rowsCopy {
		if r.obj.Data == nil {
			r.obj.Data = []byte{}
		}
		if _, err := tx.Exec("INSERT INTO object_snapshots (bucket, key, data, content_type, modified_at) VALUES (?, ?, ?, ?, ?)",
			r.bucket, r.key, r.obj.Data, r.obj.ContentType, r.obj.ModTime.UnixNano()); err != nil {
			tx.Rollback()
			return fail("inserting object snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fail("committing snapshot transaction: %w", err)
	}
	if err := db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp snapshot database: %w", err)
	}

	// Atomic rename: temp -> final path.
	if err := os.Rename(tmpPath, b.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	return nil
}

var (
	_ Backend    = (*MemoryBackend)(nil)
	_ FlatLister = (*MemoryBackend)(nil)
)
