package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	mu sync.Mutex
	// objects stores all objects keyed by their S3 key.
	objects map[string][]byte
	// contentTypes records the content type given at upload.
	contentTypes map[string]string
	// multipartUploads tracks active multipart uploads.
	multipartUploads map[string]*mockMultipartUpload
	nextUploadID     int
	// deleteFailures makes DeleteObjects report these keys as failed.
	deleteFailures map[string]string
	// listErr is returned by ListObjectsV2 when set.
	listErr error

	putObjectCalls     int
	copyObjectCalls    int
	deleteObjectsCalls int
	lastCopySource     string
	createBucketInput  *s3.CreateBucketInput
}

type mockMultipartUpload struct {
	key   string
	parts map[int32][]byte
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{
		objects:          make(map[string][]byte),
		contentTypes:     make(map[string]string),
		multipartUploads: make(map[string]*mockMultipartUpload),
		deleteFailures:   make(map[string]string),
	}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putObjectCalls++
	key := aws.ToString(params.Key)
	m.objects[key] = data
	m.contentTypes[key] = aws.ToString(params.ContentType)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

// GetObject honors single "bytes=a-b" ranges the way the transfer manager
// issues them.
func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := aws.ToString(params.Key)
	data, ok := m.objects[key]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	out := &s3.GetObjectOutput{ContentType: aws.String(m.contentTypes[key])}
	body := data
	if rng := aws.ToString(params.Range); rng != "" {
		start, end := parseRange(rng, int64(len(data)))
		body = data[start : end+1]
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = aws.Int64(int64(len(body)))
	return out, nil
}

func parseRange(rng string, size int64) (int64, int64) {
	spec := strings.TrimPrefix(rng, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	start, _ := strconv.ParseInt(parts[0], 10, 64)
	end := size - 1
	if len(parts) == 2 && parts[1] != "" {
		if e, err := strconv.ParseInt(parts[1], 10, 64); err == nil && e < end {
			end = e
		}
	}
	return start, end
}

func (m *mockS3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteObjectsCalls++
	out := &s3.DeleteObjectsOutput{}
	for _, obj := range params.Delete.Objects {
		key := aws.ToString(obj.Key)
		if code, ok := m.deleteFailures[key]; ok {
			out.Errors = append(out.Errors, types.Error{Key: aws.String(key), Code: aws.String(code), Message: aws.String("denied")})
			continue
		}
		delete(m.objects, key)
	}
	return out, nil
}

func (m *mockS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyObjectCalls++
	m.lastCopySource = aws.ToString(params.CopySource)
	// CopySource format: "bucket/escaped-key"
	parts := strings.SplitN(m.lastCopySource, "/", 2)
	if len(parts) < 2 {
		return nil, &mockAPIError{code: "NoSuchKey", message: "Invalid copy source", httpStatus: 404}
	}
	srcKey, err := url.PathUnescape(parts[1])
	if err != nil {
		return nil, &mockAPIError{code: "InvalidArgument", message: "bad copy source", httpStatus: 400}
	}
	data, ok := m.objects[srcKey]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	dstKey := aws.ToString(params.Key)
	m.objects[dstKey] = append([]byte(nil), data...)
	m.contentTypes[dstKey] = m.contentTypes[srcKey]
	return &s3.CopyObjectOutput{CopyObjectResult: &types.CopyObjectResult{ETag: aws.String(`"etag"`)}}, nil
}

// ListObjectsV2 returns keys in order, grouping by the delimiter and using
// the last returned key as continuation token.
func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	prefix := aws.ToString(params.Prefix)
	delim := aws.ToString(params.Delimiter)
	after := aws.ToString(params.ContinuationToken)
	maxKeys := int(aws.ToInt32(params.MaxKeys))
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := make(map[string]bool)
	count := 0
	last := ""
	for _, k := range keys {
		name := k
		isPrefix := false
		if delim != "" {
			if idx := strings.Index(k[len(prefix):], delim); idx >= 0 {
				name = k[:len(prefix)+idx+1]
				isPrefix = true
			}
		}
		if name <= after || seen[name] {
			continue
		}
		if count == maxKeys {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(last)
			break
		}
		seen[name] = true
		if isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(name)})
		} else {
			out.Contents = append(out.Contents, types.Object{
				Key:  aws.String(k),
				Size: aws.Int64(int64(len(m.objects[k]))),
			})
		}
		last = name
		count++
	}
	return out, nil
}

func (m *mockS3Client) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	return &s3.ListBucketsOutput{}, nil
}

func (m *mockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createBucketInput = params
	return &s3.CreateBucketOutput{}, nil
}

func (m *mockS3Client) DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.objects) > 0 {
		return nil, &mockAPIError{code: "BucketNotEmpty", message: "The bucket you tried to delete is not empty", httpStatus: 409}
	}
	return &s3.DeleteBucketOutput{}, nil
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUploadID++
	uploadID := fmt.Sprintf("mock-upload-%d", m.nextUploadID)
	m.multipartUploads[uploadID] = &mockMultipartUpload{
		key:   aws.ToString(params.Key),
		parts: make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(uploadID)}, nil
}

func (m *mockS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	upload, ok := m.multipartUploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload", message: "No such upload", httpStatus: 404}
	}
	upload.parts[aws.ToInt32(params.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"part-%d"`, aws.ToInt32(params.PartNumber)))}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uploadID := aws.ToString(params.UploadId)
	upload, ok := m.multipartUploads[uploadID]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchUpload", message: "No such upload", httpStatus: 404}
	}
	var assembled bytes.Buffer
	for _, cp := range params.MultipartUpload.Parts {
		partData, ok := upload.parts[aws.ToInt32(cp.PartNumber)]
		if !ok {
			return nil, &mockAPIError{code: "InvalidPart", message: "Part not found", httpStatus: 400}
		}
		assembled.Write(partData)
	}
	m.objects[upload.key] = assembled.Bytes()
	delete(m.multipartUploads, uploadID)
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(`"etag-multi"`)}, nil
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.multipartUploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

// mockPresigner implements S3Presigner.
type mockPresigner struct {
	expires time.Duration
}

func (p *mockPresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	p.expires = opts.Expires
	u := fmt.Sprintf("https://s3.example.com/%s/%s?X-Amz-Expires=%d",
		aws.ToString(params.Bucket), aws.ToString(params.Key), int(opts.Expires.Seconds()))
	return &v4.PresignedHTTPRequest{URL: u, Method: "GET"}, nil
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

// Ensure mockAPIError satisfies smithy.APIError.
var _ smithy.APIError = (*mockAPIError)(nil)

// --- Test helpers ---

func newTestS3Backend(t *testing.T) (*S3Backend, *mockS3Client, *mockPresigner) {
	t.Helper()
	mock := newMockS3Client()
	presigner := &mockPresigner{}
	return NewS3BackendWithClient("us-east-1", mock, presigner), mock, presigner
}

// --- Tests ---

func TestS3PutAndGet(t *testing.T) {
	backend, mock, _ := newTestS3Backend(t)
	ctx := context.Background()

	content := "Hello, S3!"
	if err := backend.Put(ctx, "bkt", "docs/hello.txt", strings.NewReader(content), int64(len(content)), "text/plain"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if mock.putObjectCalls != 1 {
		t.Errorf("putObjectCalls = %d, want 1", mock.putObjectCalls)
	}
	if got := mock.contentTypes["docs/hello.txt"]; got != "text/plain" {
		t.Errorf("content type = %q, want text/plain", got)
	}

	rc, info, err := backend.Get(ctx, "bkt", "docs/hello.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", info.Size, len(content))
	}
}

func TestS3GetNotFound(t *testing.T) {
	backend, _, _ := newTestS3Backend(t)

	_, _, err := backend.Get(context.Background(), "bkt", "missing.txt")
	if err == nil {
		t.Fatal("Get should fail for a missing object")
	}
	if !errors.Is(err, bderr.ErrNotFound) {
		t.Errorf("expected not-found, got kind %s: %v", bderr.KindOf(err), err)
	}
}

func TestS3ListOneLevel(t *testing.T) {
	backend, mock, _ := newTestS3Backend(t)
	for _, k := range []string{"a.txt", "docs/", "docs/x.txt", "docs/sub/y.txt", "z.png"} {
		mock.objects[k] = []byte("1")
	}

	page, err := backend.List(context.Background(), "bkt", ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"a.txt", "docs/", "z.png"}
	if got := entryKeys(page.Entries); !equalStrings(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if page.Entries[1].Type != TypeFolder {
		t.Errorf("docs/ type = %s, want folder", page.Entries[1].Type)
	}
	if page.Entries[2].MimeType != "image/png" {
		t.Errorf("z.png mime = %q, want image/png", page.Entries[2].MimeType)
	}

	// The folder's own marker is not returned as a file.
	page, err = backend.List(context.Background(), "bkt", ListOptions{Prefix: "docs/"})
	if err != nil {
		t.Fatalf("List(docs/) failed: %v", err)
	}
	want = []string{"docs/sub/", "docs/x.txt"}
	if got := entryKeys(page.Entries); !equalStrings(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
}

func TestS3ListPagination(t *testing.T) {
	backend, mock, _ := newTestS3Backend(t)
	for i := 0; i < 7; i++ {
		mock.objects[fmt.Sprintf("f%02d", i)] = []byte("x")
	}

	var all []string
	cursor := ""
	pages := 0
	for {
		page, err := backend.List(context.Background(), "bkt", ListOptions{Cursor: cursor, MaxKeys: 3})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		pages++
		all = append(all, entryKeys(page.Entries)...)
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if len(all) != 7 || !sort.StringsAreSorted(all) {
		t.Errorf("keys = %v, want 7 sorted keys", all)
	}
}

func TestS3ListFlatIncludesMarkers(t *testing.T) {
	backend, mock, _ := newTestS3Backend(t)
	for _, k := range []string{"docs/", "docs/x.txt", "docs/sub/y.txt"} {
		mock.objects[k] = []byte{}
	}

	page, err := backend.ListFlat(context.Background(), "bkt", ListOptions{Prefix: "docs/"})
	if err != nil {
		t.Fatalf("ListFlat failed: %v", err)
	}
	want := []string{"docs/", "docs/sub/y.txt", "docs/x.txt"}
	if got := entryKeys(page.Entries); !equalStrings(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
}

func TestS3CopyEscapesSource(t *testing.T) {
	backend, mock, _ := newTestS3Backend(t)
	mock.objects["my docs/report #1.txt"] = []byte("data")

	if err := backend.Copy(context.Background(), "bkt", "my docs/report #1.txt", "archive/report.txt"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if mock.lastCopySource != "bkt/my%20docs/report%20%231.txt" {
		t.Errorf("CopySource = %q", mock.lastCopySource)
	}
	if string(mock.objects["archive/report.txt"]) != "data" {
		t.Error("copied object missing")
	}
}

func TestS3DeleteBatchPerKeyFailures(t *testing.T) {
	backend, mock, _ := newTestS3Backend(t)
	for _, k := range []string{"a", "b", "c"} {
		mock.objects[k] = []byte("x")
	}
	mock.deleteFailures["b"] = "AccessDenied"

	failed, err := backend.DeleteBatch(context.Background(), "bkt", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed = %v, want exactly b", failed)
	}
	if bderr.KindOf(failed["b"]) != bderr.KindAuth {
		t.Errorf("kind = %s, want auth", bderr.KindOf(failed["b"]))
	}
	if _, ok := mock.objects["a"]; ok {
		t.Error("a should be deleted")
	}
	if _, ok := mock.objects["b"]; !ok {
		t.Error("b should remain")
	}
	if mock.deleteObjectsCalls != 1 {
		t.Errorf("deleteObjectsCalls = %d, want 1", mock.deleteObjectsCalls)
	}
}

func TestS3DeleteBatchTooLarge(t *testing.T) {
	backend, _, _ := newTestS3Backend(t)
	keys := make([]string, s3MaxDeleteBatch+1)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
	}
	_, err := backend.DeleteBatch(context.Background(), "bkt", keys)
	if bderr.KindOf(err) != bderr.KindInvalidArgument {
		t.Errorf("kind = %s, want invalid_argument", bderr.KindOf(err))
	}
}

func TestS3DownloadTo(t *testing.T) {
	backend, mock, _ := newTestS3Backend(t)
	content := bytes.Repeat([]byte("bucketdesk"), 1000)
	mock.objects["big.bin"] = content

	buf := manager.NewWriteAtBuffer(nil)
	n, err := backend.DownloadTo(context.Background(), "bkt", "big.bin", buf)
	if err != nil {
		t.Fatalf("DownloadTo failed: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("n = %d, want %d", n, len(content))
	}
	if !bytes.Equal(buf.Bytes(), content) {
		t.Error("downloaded content mismatch")
	}
}

func TestS3PresignGet(t *testing.T) {
	backend, _, presigner := newTestS3Backend(t)

	u, err := backend.PresignGet(context.Background(), "bkt", "a.txt", 90*time.Minute)
	if err != nil {
		t.Fatalf("PresignGet failed: %v", err)
	}
	if presigner.expires != 90*time.Minute {
		t.Errorf("expires = %s, want 90m", presigner.expires)
	}
	if !strings.Contains(u, "X-Amz-Expires=5400") {
		t.Errorf("url = %q", u)
	}
}

func TestS3CreateBucketLocationConstraint(t *testing.T) {
	tests := []struct {
		region     string
		constraint bool
	}{
		{"us-east-1", false},
		{"auto", false},
		{"eu-west-1", true},
	}
	for _, tt := range tests {
		t.Run(tt.region, func(t *testing.T) {
			mock := newMockS3Client()
			backend := NewS3BackendWithClient(tt.region, mock, &mockPresigner{})
			if err := backend.CreateBucket(context.Background(), "new-bucket"); err != nil {
				t.Fatalf("CreateBucket failed: %v", err)
			}
			got := mock.createBucketInput.CreateBucketConfiguration != nil
			if got != tt.constraint {
				t.Errorf("location constraint set = %v, want %v", got, tt.constraint)
			}
		})
	}
}

func TestS3DeleteBucketNotEmpty(t *testing.T) {
	backend, mock, _ := newTestS3Backend(t)
	mock.objects["a"] = []byte("x")

	err := backend.DeleteBucket(context.Background(), "bkt")
	if bderr.KindOf(err) != bderr.KindConflict {
		t.Errorf("kind = %s, want conflict", bderr.KindOf(err))
	}
}

func TestClassifyS3(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bderr.Kind
	}{
		{"no such key", &mockAPIError{code: "NoSuchKey", httpStatus: 404}, bderr.KindNotFound},
		{"no such bucket", &mockAPIError{code: "NoSuchBucket", httpStatus: 404}, bderr.KindNotFound},
		{"access denied", &mockAPIError{code: "AccessDenied", httpStatus: 403}, bderr.KindAuth},
		{"bad signature", &mockAPIError{code: "SignatureDoesNotMatch", httpStatus: 403}, bderr.KindAuth},
		{"bucket exists", &mockAPIError{code: "BucketAlreadyOwnedByYou", httpStatus: 409}, bderr.KindConflict},
		{"bad name", &mockAPIError{code: "InvalidBucketName", httpStatus: 400}, bderr.KindInvalidArgument},
		{"cancelled", context.Canceled, bderr.KindCancelled},
		{"deadline", context.DeadlineExceeded, bderr.KindConnectivity},
		{"unknown", errors.New("boom"), bderr.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bderr.KindOf(classifyS3("op", "bkt", "key", tt.err))
			if got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

// --- shared helpers ---

func entryKeys(entries []ObjectEntry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
