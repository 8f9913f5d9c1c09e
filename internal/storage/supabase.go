package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/provider"
)

// SupabasePlaceholder is the marker object the Supabase dashboard creates to
// keep an empty folder visible.
const SupabasePlaceholder = ".emptyFolderPlaceholder"

const supabaseMaxDeleteBatch = 1000

// SupabaseBackend implements Backend against the Supabase Storage REST API.
//
// Listing is one level deep and offset-paginated; the cursor is the base64
// encoded offset of the next page. Supabase has no flat listing, so folder
// walks descend level by level.
type SupabaseBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewSupabaseBackend creates a backend for cfg. A nil client means
// http.DefaultClient.
func NewSupabaseBackend(cfg provider.SupabaseConfig, client *http.Client) *SupabaseBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &SupabaseBackend{
		baseURL: strings.TrimRight(cfg.ProjectURL, "/") + "/storage/v1",
		apiKey:  cfg.APIKey(),
		client:  client,
	}
}

// supabaseObject is one row returned by the list endpoint. Folders have a
// null id.
type supabaseObject struct {
	Name      string         `json:"name"`
	ID        *string        `json:"id"`
	UpdatedAt *time.Time     `json:"updated_at"`
	Metadata  map[string]any `json:"metadata"`
}

// supabaseError is the error body returned by the Storage API. StatusCode
// is a string and may differ from the HTTP status.
type supabaseError struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// objectPath escapes each key segment for use in a URL path.
func objectPath(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segs, "/")
}

func (b *SupabaseBackend) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", b.apiKey)
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	return req, nil
}

// do sends a request with an optional JSON body and decodes a JSON
// response into out (when non-nil).
func (b *SupabaseBackend) do(ctx context.Context, op, bucket, key, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := b.newRequest(ctx, method, path, body)
	if err != nil {
		return opErr(bderr.KindInvalidArgument, op, bucket, key, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return classifySupabaseTransport(op, bucket, key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return supabaseStatusError(op, bucket, key, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return opErr(bderr.KindInternal, op, bucket, key, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// Ping lists buckets.
func (b *SupabaseBackend) Ping(ctx context.Context) error {
	var buckets []json.RawMessage
	return b.do(ctx, "ping", "", "", http.MethodGet, "/bucket", nil, &buckets)
}

// List implements Backend.
func (b *SupabaseBackend) List(ctx context.Context, bucket string, opts ListOptions) (ListPage, error) {
	offset, err := decodeOffsetCursor(opts.Cursor)
	if err != nil {
		return ListPage{}, err
	}
	limit := opts.MaxKeys
	if limit <= 0 {
		limit = supabaseMaxDeleteBatch
	}

	req := map[string]any{
		// Supabase prefixes name a folder without the trailing slash.
		"prefix": strings.TrimSuffix(opts.Prefix, "/"),
		"limit":  limit + 1,
		"offset": offset,
		"sortBy": map[string]string{"column": "name", "order": "asc"},
	}
	var rows []supabaseObject
	if err := b.do(ctx, "list", bucket, opts.Prefix, http.MethodPost, "/object/list/"+url.PathEscape(bucket), req, &rows); err != nil {
		return ListPage{}, err
	}

	page := ListPage{}
	if len(rows) > limit {
		rows = rows[:limit]
		page.HasMore = true
		page.NextCursor = encodeOffsetCursor(offset + limit)
	}

	for _, row := range rows {
		if row.ID == nil {
			page.Entries = append(page.Entries, ObjectEntry{Key: opts.Prefix + row.Name + "/", Type: TypeFolder})
			continue
		}
		if row.Name == SupabasePlaceholder && !opts.IncludeMarkers {
			continue
		}
		entry := ObjectEntry{
			Key:        opts.Prefix + row.Name,
			Type:       TypeFile,
			ModifiedAt: row.UpdatedAt,
		}
		if size, ok := row.Metadata["size"].(float64); ok {
			entry.Size = int64(size)
		}
		if mt, ok := row.Metadata["mimetype"].(string); ok {
			entry.MimeType = mt
		}
		page.Entries = append(page.Entries, entry)
	}
	sort.Slice(page.Entries, func(i, j int) bool { return page.Entries[i].Key < page.Entries[j].Key })
	return page, nil
}

// Put uploads with x-upsert so an existing object is overwritten.
func (b *SupabaseBackend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	req, err := b.newRequest(ctx, http.MethodPost, "/object/"+objectPath(bucket, key), r)
	if err != nil {
		return opErr(bderr.KindInvalidArgument, "upload", bucket, key, err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := b.client.Do(req)
	if err != nil {
		return classifySupabaseTransport("upload", bucket, key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return supabaseStatusError("upload", bucket, key, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Get downloads through the authenticated endpoint.
func (b *SupabaseBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/object/authenticated/"+objectPath(bucket, key), nil)
	if err != nil {
		return nil, ObjectInfo{}, opErr(bderr.KindInvalidArgument, "download", bucket, key, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, ObjectInfo{}, classifySupabaseTransport("download", bucket, key, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, ObjectInfo{}, supabaseStatusError("download", bucket, key, resp)
	}

	info := ObjectInfo{
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		info.ModifiedAt = lm
	}
	return resp.Body, info, nil
}

// Copy duplicates an object. Supabase refuses to copy onto an existing key,
// so the destination is removed first when the copy conflicts.
func (b *SupabaseBackend) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	req := map[string]string{
		"bucketId":       bucket,
		"sourceKey":      srcKey,
		"destinationKey": dstKey,
	}
	err := b.do(ctx, "copy", bucket, srcKey, http.MethodPost, "/object/copy", req, nil)
	if bderr.KindOf(err) != bderr.KindConflict {
		return err
	}
	if failed, derr := b.DeleteBatch(ctx, bucket, []string{dstKey}); derr != nil {
		return derr
	} else if ferr := failed[dstKey]; ferr != nil {
		return ferr
	}
	return b.do(ctx, "copy", bucket, srcKey, http.MethodPost, "/object/copy", req, nil)
}

// DeleteBatch removes keys with one request. Supabase only reports the
// objects it removed, so every key missing from the reply is looked up: a
// key that still exists is a failure, one that is gone was already absent.
func (b *SupabaseBackend) DeleteBatch(ctx context.Context, bucket string, keys []string) (map[string]error, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > supabaseMaxDeleteBatch {
		return nil, bderr.Invalid("delete batch of %d keys exceeds limit %d", len(keys), supabaseMaxDeleteBatch)
	}
	var deleted []struct {
		Name string `json:"name"`
	}
	err := b.do(ctx, "delete", bucket, "", http.MethodDelete, "/object/"+url.PathEscape(bucket),
		map[string][]string{"prefixes": keys}, &deleted)
	if err != nil {
		return nil, err
	}
	removed := make(map[string]bool, len(deleted))
	for _, d := range deleted {
		removed[d.Name] = true
	}

	var failed map[string]error
	for _, k := range keys {
		if removed[k] {
			continue
		}
		kerr := b.stat(ctx, bucket, k)
		switch {
		case bderr.KindOf(kerr) == bderr.KindNotFound:
			continue
		case kerr == nil:
			kerr = opErr(bderr.KindInternal, "delete", bucket, k, fmt.Errorf("supabase: object was not removed"))
		}
		if failed == nil {
			failed = make(map[string]error)
		}
		failed[k] = kerr
	}
	return failed, nil
}

// stat fetches the object's metadata, reporting not-found for a missing key.
func (b *SupabaseBackend) stat(ctx context.Context, bucket, key string) error {
	var info json.RawMessage
	return b.do(ctx, "delete", bucket, key, http.MethodGet, "/object/info/authenticated/"+objectPath(bucket, key), nil, &info)
}

// MaxDeleteBatch implements Backend.
func (b *SupabaseBackend) MaxDeleteBatch() int { return supabaseMaxDeleteBatch }

// FolderMarker implements Backend.
func (b *SupabaseBackend) FolderMarker(prefix string) string {
	return prefix + SupabasePlaceholder
}

// CreateBucket creates a private bucket.
func (b *SupabaseBackend) CreateBucket(ctx context.Context, bucket string) error {
	req := map[string]any{"id": bucket, "name": bucket, "public": false}
	return b.do(ctx, "create bucket", bucket, "", http.MethodPost, "/bucket", req, nil)
}

// DeleteBucket removes an empty bucket.
func (b *SupabaseBackend) DeleteBucket(ctx context.Context, bucket string) error {
	return b.do(ctx, "delete bucket", bucket, "", http.MethodDelete, "/bucket/"+url.PathEscape(bucket), nil, nil)
}

// PresignGet creates a signed download URL.
func (b *SupabaseBackend) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	var resp struct {
		SignedURL string `json:"signedURL"`
	}
	req := map[string]int{"expiresIn": int(expires.Seconds())}
	if err := b.do(ctx, "presign", bucket, key, http.MethodPost, "/object/sign/"+objectPath(bucket, key), req, &resp); err != nil {
		return "", err
	}
	if resp.SignedURL == "" {
		return "", opErr(bderr.KindInternal, "presign", bucket, key, fmt.Errorf("empty signed URL"))
	}
	if strings.HasPrefix(resp.SignedURL, "http") {
		return resp.SignedURL, nil
	}
	return b.baseURL + resp.SignedURL, nil
}

// Close implements Backend.
func (b *SupabaseBackend) Close() error { return nil }

func classifySupabaseTransport(op, bucket, key string, err error) error {
	if kind, ok := transportKind(err); ok {
		return opErr(kind, op, bucket, key, err)
	}
	return opErr(bderr.KindConnectivity, op, bucket, key, err)
}

// supabaseStatusError reads an error response. The statusCode in the body
// wins over the HTTP status, since the API reports missing objects as a 400
// carrying statusCode "404".
func supabaseStatusError(op, bucket, key string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	status := resp.StatusCode
	msg := strings.TrimSpace(string(raw))

	var body supabaseError
	if json.Unmarshal(raw, &body) == nil {
		if code, err := strconv.Atoi(body.StatusCode); err == nil {
			status = code
		}
		if body.Message != "" {
			msg = body.Message
		}
		if body.Error == "Duplicate" || body.Error == "already_exists" {
			status = http.StatusConflict
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return bderr.New(kindForStatus(status), op, bucket, key, fmt.Errorf("supabase: %s (status %d)", msg, status))
}

func encodeOffsetCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeOffsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, bderr.Invalid("malformed cursor")
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		return 0, bderr.Invalid("malformed cursor")
	}
	return n, nil
}

var _ Backend = (*SupabaseBackend)(nil)
