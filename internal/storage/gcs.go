package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/provider"
)

// gcsMaxDeleteBatch bounds how many keys one DeleteBatch call removes. GCS
// deletes are per object, so this only sizes the adapter's chunks.
const gcsMaxDeleteBatch = 100

// GCSEntry is one listing row. Exactly one of Name and Prefix is set.
type GCSEntry struct {
	Name        string
	Prefix      string
	Size        int64
	ContentType string
	Updated     time.Time
}

// GCSAttrs holds object attributes returned when opening a reader.
type GCSAttrs struct {
	Size         int64
	ContentType  string
	LastModified time.Time
}

// GCSAPI defines the subset of the GCS client that the backend uses. This
// allows mocking in tests.
type GCSAPI interface {
	// Ping verifies that the project's buckets can be listed.
	Ping(ctx context.Context) error
	// ListPage returns one page of entries and the next page token.
	ListPage(ctx context.Context, bucket string, q *gcs.Query, pageSize int, token string) ([]GCSEntry, string, error)
	// NewWriter returns a writer for the given object.
	NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser
	// NewReader opens the given object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, GCSAttrs, error)
	// Copy copies an object within a bucket.
	Copy(ctx context.Context, bucket, srcObject, dstObject string) error
	// Delete deletes an object.
	Delete(ctx context.Context, bucket, object string) error
	// CreateBucket creates a bucket in the client's project.
	CreateBucket(ctx context.Context, bucket string) error
	// DeleteBucket deletes an empty bucket.
	DeleteBucket(ctx context.Context, bucket string) error
	// SignedURL returns a V4 signed GET URL.
	SignedURL(bucket, object string, expires time.Duration) (string, error)
	// Close releases the client.
	Close() error
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client  *gcs.Client
	project string
}

func (c *realGCSClient) Ping(ctx context.Context) error {
	_, err := c.client.Buckets(ctx, c.project).Next()
	if errors.Is(err, iterator.Done) {
		return nil
	}
	return err
}

func (c *realGCSClient) ListPage(ctx context.Context, bucket string, q *gcs.Query, pageSize int, token string) ([]GCSEntry, string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, q)
	var attrs []*gcs.ObjectAttrs
	next, err := iterator.NewPager(it, pageSize, token).NextPage(&attrs)
	if err != nil {
		return nil, "", err
	}
	entries := make([]GCSEntry, len(attrs))
	for i, a := range attrs {
		entries[i] = GCSEntry{
			Name:        a.Name,
			Prefix:      a.Prefix,
			Size:        a.Size,
			ContentType: a.ContentType,
			Updated:     a.Updated,
		}
	}
	return entries, next, nil
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, GCSAttrs, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, GCSAttrs{}, err
	}
	return r, GCSAttrs{
		Size:         r.Attrs.Size,
		ContentType:  r.Attrs.ContentType,
		LastModified: r.Attrs.LastModified,
	}, nil
}

func (c *realGCSClient) Copy(ctx context.Context, bucket, srcObject, dstObject string) error {
	src := c.client.Bucket(bucket).Object(srcObject)
	dst := c.client.Bucket(bucket).Object(dstObject)
	_, err := dst.CopierFrom(src).Run(ctx)
	return err
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) CreateBucket(ctx context.Context, bucket string) error {
	return c.client.Bucket(bucket).Create(ctx, c.project, nil)
}

func (c *realGCSClient) DeleteBucket(ctx context.Context, bucket string) error {
	return c.client.Bucket(bucket).Delete(ctx)
}

func (c *realGCSClient) SignedURL(bucket, object string, expires time.Duration) (string, error) {
	return c.client.Bucket(bucket).SignedURL(object, &gcs.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expires),
		Scheme:  gcs.SigningSchemeV4,
	})
}

func (c *realGCSClient) Close() error {
	return c.client.Close()
}

// GCSBackend implements Backend for Google Cloud Storage.
type GCSBackend struct {
	// Project is the GCP project ID.
	Project string
	client  GCSAPI
}

// NewGCSBackend creates a GCS client for cfg. Explicit credentials JSON wins
// over Application Default Credentials. A custom endpoint without
// credentials (an emulator) disables authentication.
func NewGCSBackend(ctx context.Context, cfg provider.GCSConfig) (*GCSBackend, error) {
	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		if cfg.CredentialsJSON == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	client.SetRetry(gcs.WithPolicy(gcs.RetryNever))

	slog.Debug("GCS backend initialized", "provider", cfg)
	return NewGCSBackendWithClient(cfg.ProjectID, &realGCSClient{client: client, project: cfg.ProjectID}), nil
}

// NewGCSBackendWithClient creates a GCSBackend with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCSBackendWithClient(project string, client GCSAPI) *GCSBackend {
	return &GCSBackend{Project: project, client: client}
}

// Ping implements Backend.
func (b *GCSBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx); err != nil {
		return classifyGCS("ping", "", "", err)
	}
	return nil
}

// List implements Backend.
func (b *GCSBackend) List(ctx context.Context, bucket string, opts ListOptions) (ListPage, error) {
	return b.list(ctx, bucket, opts, &gcs.Query{Prefix: opts.Prefix, Delimiter: "/"})
}

// ListFlat implements FlatLister.
func (b *GCSBackend) ListFlat(ctx context.Context, bucket string, opts ListOptions) (ListPage, error) {
	opts.IncludeMarkers = true
	return b.list(ctx, bucket, opts, &gcs.Query{Prefix: opts.Prefix})
}

func (b *GCSBackend) list(ctx context.Context, bucket string, opts ListOptions, q *gcs.Query) (ListPage, error) {
	pageSize := opts.MaxKeys
	if pageSize <= 0 {
		pageSize = 1000
	}
	rows, next, err := b.client.ListPage(ctx, bucket, q, pageSize, opts.Cursor)
	if err != nil {
		return ListPage{}, classifyGCS("list", bucket, opts.Prefix, err)
	}

	page := ListPage{NextCursor: next, HasMore: next != ""}
	for _, row := range rows {
		if row.Prefix != "" {
			page.Entries = append(page.Entries, ObjectEntry{Key: row.Prefix, Type: TypeFolder})
			continue
		}
		if row.Name == opts.Prefix && !opts.IncludeMarkers {
			continue
		}
		entry := ObjectEntry{
			Key:      row.Name,
			Type:     TypeFile,
			Size:     row.Size,
			MimeType: row.ContentType,
		}
		if !row.Updated.IsZero() {
			t := row.Updated
			entry.ModifiedAt = &t
		}
		page.Entries = append(page.Entries, entry)
	}
	sort.Slice(page.Entries, func(i, j int) bool { return page.Entries[i].Key < page.Entries[j].Key })
	return page, nil
}

// Put implements Backend.
func (b *GCSBackend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	w := b.client.NewWriter(ctx, bucket, key, contentType)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return classifyGCS("upload", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return classifyGCS("upload", bucket, key, err)
	}
	return nil
}

// Get implements Backend.
func (b *GCSBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	r, attrs, err := b.client.NewReader(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, classifyGCS("download", bucket, key, err)
	}
	return r, ObjectInfo{Size: attrs.Size, ContentType: attrs.ContentType, ModifiedAt: attrs.LastModified}, nil
}

// Copy implements Backend.
func (b *GCSBackend) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	if err := b.client.Copy(ctx, bucket, srcKey, dstKey); err != nil {
		return classifyGCS("copy", bucket, srcKey, err)
	}
	return nil
}

// DeleteBatch deletes each key individually. A missing object counts as
// deleted.
func (b *GCSBackend) DeleteBatch(ctx context.Context, bucket string, keys []string) (map[string]error, error) {
	if len(keys) > gcsMaxDeleteBatch {
		return nil, bderr.Invalid("delete batch of %d keys exceeds limit %d", len(keys), gcsMaxDeleteBatch)
	}
	var failed map[string]error
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return failed, classifyGCS("delete", bucket, "", err)
		}
		err := b.client.Delete(ctx, bucket, k)
		if err == nil || isGCSNotFound(err) {
			continue
		}
		if failed == nil {
			failed = make(map[string]error)
		}
		failed[k] = classifyGCS("delete", bucket, k, err)
	}
	return failed, nil
}

// MaxDeleteBatch implements Backend.
func (b *GCSBackend) MaxDeleteBatch() int { return gcsMaxDeleteBatch }

// FolderMarker implements Backend.
func (b *GCSBackend) FolderMarker(prefix string) string { return prefix }

// CreateBucket implements Backend.
func (b *GCSBackend) CreateBucket(ctx context.Context, bucket string) error {
	if err := b.client.CreateBucket(ctx, bucket); err != nil {
		return classifyGCS("create bucket", bucket, "", err)
	}
	return nil
}

// DeleteBucket implements Backend.
func (b *GCSBackend) DeleteBucket(ctx context.Context, bucket string) error {
	if err := b.client.DeleteBucket(ctx, bucket); err != nil {
		return classifyGCS("delete bucket", bucket, "", err)
	}
	return nil
}

// PresignGet implements Backend. Signing needs a service-account key or
// the IAM signBlob permission.
func (b *GCSBackend) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	u, err := b.client.SignedURL(bucket, key, expires)
	if err != nil {
		return "", classifyGCS("presign", bucket, key, err)
	}
	return u, nil
}

// Close implements Backend.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}

func classifyGCS(op, bucket, key string, err error) error {
	if kind, ok := transportKind(err); ok {
		return opErr(kind, op, bucket, key, err)
	}
	if isGCSNotFound(err) {
		return opErr(bderr.KindNotFound, op, bucket, key, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return opErr(kindForStatus(gerr.Code), op, bucket, key, err)
	}
	return opErr(bderr.KindInternal, op, bucket, key, err)
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 404 {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

var (
	_ Backend    = (*GCSBackend)(nil)
	_ FlatLister = (*GCSBackend)(nil)
)
