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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/provider"
)

// azureMaxDeleteBatch bounds the keys per DeleteBatch call. Blob deletes
// are issued one by one.
const azureMaxDeleteBatch = 256

// AzureBlob describes a blob in a listing or download.
type AzureBlob struct {
	Name         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// AzureBlobAPI defines the subset of the Azure Blob Storage client that the
// backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// Ping fetches the account's service properties.
	Ping(ctx context.Context) error
	// ListHierarchy lists one level under prefix with "/" as delimiter.
	ListHierarchy(ctx context.Context, containerName, prefix, marker string, maxResults int32) (prefixes []string, blobs []AzureBlob, next string, err error)
	// ListFlat lists every blob under prefix.
	ListFlat(ctx context.Context, containerName, prefix, marker string, maxResults int32) (blobs []AzureBlob, next string, err error)
	// Upload streams r into a block blob, overwriting it if present.
	Upload(ctx context.Context, containerName, blobName string, r io.Reader, contentType string) error
	// Download opens a blob for reading.
	Download(ctx context.Context, containerName, blobName string) (io.ReadCloser, AzureBlob, error)
	// CopyBlob copies a blob within a container and waits for completion.
	CopyBlob(ctx context.Context, containerName, srcBlob, dstBlob string) error
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// CreateContainer creates a container.
	CreateContainer(ctx context.Context, containerName string) error
	// DeleteContainer deletes a container.
	DeleteContainer(ctx context.Context, containerName string) error
	// SASURL returns a read-only SAS URL for a blob.
	SASURL(containerName, blobName string, expires time.Duration) (string, error)
}

// AzureBackend implements Backend for Azure Blob Storage. Buckets map to
// containers.
type AzureBackend struct {
	client AzureBlobAPI
}

// NewAzureBackend creates an AzureBackend for cfg.
func NewAzureBackend(cfg provider.AzureConfig) (*AzureBackend, error) {
	client, err := newRealAzureClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}
	slog.Debug("Azure backend initialized", "provider", cfg)
	return NewAzureBackendWithClient(client), nil
}

// NewAzureBackendWithClient creates an AzureBackend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureBackendWithClient(client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{client: client}
}

// Ping implements Backend.
func (b *AzureBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx); err != nil {
		return classifyAzure("ping", "", "", err)
	}
	return nil
}

// List implements Backend.
func (b *AzureBackend) List(ctx context.Context, bucket string, opts ListOptions) (ListPage, error) {
	prefixes, blobs, next, err := b.client.ListHierarchy(ctx, bucket, opts.Prefix, opts.Cursor, azureMaxResults(opts.MaxKeys))
	if err != nil {
		return ListPage{}, classifyAzure("list", bucket, opts.Prefix, err)
	}
	page := ListPage{NextCursor: next, HasMore: next != ""}
	for _, p := range prefixes {
		page.Entries = append(page.Entries, ObjectEntry{Key: p, Type: TypeFolder})
	}
	page.Entries = appendAzureBlobs(page.Entries, blobs, opts)
	sort.Slice(page.Entries, func(i, j int) bool { return page.Entries[i].Key < page.Entries[j].Key })
	return page, nil
}

// ListFlat implements FlatLister.
func (b *AzureBackend) ListFlat(ctx context.Context, bucket string, opts ListOptions) (ListPage, error) {
	blobs, next, err := b.client.ListFlat(ctx, bucket, opts.Prefix, opts.Cursor, azureMaxResults(opts.MaxKeys))
	if err != nil {
		return ListPage{}, classifyAzure("list", bucket, opts.Prefix, err)
	}
	opts.IncludeMarkers = true
	page := ListPage{NextCursor: next, HasMore: next != ""}
	page.Entries = appendAzureBlobs(nil, blobs, opts)
	sort.Slice(page.Entries, func(i, j int) bool { return page.Entries[i].Key < page.Entries[j].Key })
	return page, nil
}

func azureMaxResults(maxKeys int) int32 {
	if maxKeys <= 0 || maxKeys > 5000 {
		return 5000
	}
	return int32(maxKeys)
}

func appendAzureBlobs(entries []ObjectEntry, blobs []AzureBlob, opts ListOptions) []ObjectEntry {
	for _, bl := range blobs {
		if bl.Name == opts.Prefix && !opts.IncludeMarkers {
			continue
		}
		entry := ObjectEntry{
			Key:      bl.Name,
			Type:     TypeFile,
			Size:     bl.Size,
			MimeType: bl.ContentType,
		}
		if !bl.LastModified.IsZero() {
			t := bl.LastModified
			entry.ModifiedAt = &t
		}
		entries = append(entries, entry)
	}
	return entries
}

// Put implements Backend.
func (b *AzureBackend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	if err := b.client.Upload(ctx, bucket, key, r, contentType); err != nil {
		return classifyAzure("upload", bucket, key, err)
	}
	return nil
}

// Get implements Backend.
func (b *AzureBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	rc, info, err := b.client.Download(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, classifyAzure("download", bucket, key, err)
	}
	return rc, ObjectInfo{Size: info.Size, ContentType: info.ContentType, ModifiedAt: info.LastModified}, nil
}

// Copy implements Backend.
func (b *AzureBackend) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	if err := b.client.CopyBlob(ctx, bucket, srcKey, dstKey); err != nil {
		return classifyAzure("copy", bucket, srcKey, err)
	}
	return nil
}

// DeleteBatch deletes each blob individually. A missing blob counts as
// deleted.
func (b *AzureBackend) DeleteBatch(ctx context.Context, bucket string, keys []string) (map[string]error, error) {
	if len(keys) > azureMaxDeleteBatch {
		return nil, bderr.Invalid("delete batch of %d keys exceeds limit %d", len(keys), azureMaxDeleteBatch)
	}
	var failed map[string]error
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return failed, classifyAzure("delete", bucket, "", err)
		}
		err := b.client.DeleteBlob(ctx, bucket, k)
		if err == nil || isAzureNotFound(err) {
			continue
		}
		if failed == nil {
			failed = make(map[string]error)
		}
		failed[k] = classifyAzure("delete", bucket, k, err)
	}
	return failed, nil
}

// MaxDeleteBatch implements Backend.
func (b *AzureBackend) MaxDeleteBatch() int { return azureMaxDeleteBatch }

// FolderMarker implements Backend.
func (b *AzureBackend) FolderMarker(prefix string) string { return prefix }

// CreateBucket creates a container.
func (b *AzureBackend) CreateBucket(ctx context.Context, bucket string) error {
	if err := b.client.CreateContainer(ctx, bucket); err != nil {
		return classifyAzure("create bucket", bucket, "", err)
	}
	return nil
}

// DeleteBucket deletes a container.
func (b *AzureBackend) DeleteBucket(ctx context.Context, bucket string) error {
	if err := b.client.DeleteContainer(ctx, bucket); err != nil {
		return classifyAzure("delete bucket", bucket, "", err)
	}
	return nil
}

// PresignGet implements Backend.
func (b *AzureBackend) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	u, err := b.client.SASURL(bucket, key, expires)
	if err != nil {
		return "", classifyAzure("presign", bucket, key, err)
	}
	return u, nil
}

// Close implements Backend.
func (b *AzureBackend) Close() error { return nil }

func classifyAzure(op, bucket, key string, err error) error {
	if kind, ok := transportKind(err); ok {
		return opErr(kind, op, bucket, key, err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.ErrorCode {
		case "ContainerAlreadyExists", "ContainerBeingDeleted":
			return opErr(bderr.KindConflict, op, bucket, key, err)
		case "AuthenticationFailed", "AuthorizationFailure":
			return opErr(bderr.KindAuth, op, bucket, key, err)
		}
		return opErr(kindForStatus(respErr.StatusCode), op, bucket, key, err)
	}
	if isAzureNotFound(err) {
		return opErr(bderr.KindNotFound, op, bucket, key, err)
	}
	return opErr(bderr.KindInternal, op, bucket, key, err)
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist")
}

var (
	_ Backend    = (*AzureBackend)(nil)
	_ FlatLister = (*AzureBackend)(nil)
)
