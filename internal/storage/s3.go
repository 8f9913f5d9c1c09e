package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/provider"
)

// s3MaxDeleteBatch is the DeleteObjects limit.
const s3MaxDeleteBatch = 1000

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. It covers the transfer manager's upload and download clients so the
// whole backend can be driven by a mock in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Presigner is the subset of s3.PresignClient used for share links.
type S3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Backend implements Backend for AWS S3, Cloudflare R2, MinIO and other
// S3-compatible services.
type S3Backend struct {
	// Region is the signing region; used for bucket creation.
	Region string

	client     S3API
	presigner  S3Presigner
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3Backend builds a client for cfg. Static credentials are always used;
// the retryer is limited to a single attempt so that failures surface to
// the caller immediately.
func NewS3Backend(ctx context.Context, cfg provider.S3Config) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.ResolvedRegion()),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), 1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	// Build S3 client options for custom endpoint and path-style.
	var s3Opts []func(*s3.Options)
	if endpoint := cfg.ResolvedEndpoint(); endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.PathStyle() {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	slog.Debug("S3 backend initialized", "provider", cfg)
	return NewS3BackendWithClient(cfg.ResolvedRegion(), client, s3.NewPresignClient(client)), nil
}

// NewS3BackendWithClient creates an S3Backend with pre-configured clients.
// This is primarily used for testing with mock clients.
func NewS3BackendWithClient(region string, client S3API, presigner S3Presigner) *S3Backend {
	return &S3Backend{
		Region:     region,
		client:     client,
		presigner:  presigner,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}
}

// Ping lists buckets, which requires valid credentials and a reachable
// endpoint.
func (b *S3Backend) Ping(ctx context.Context) error {
	if _, err := b.client.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		return classifyS3("ping", "", "", err)
	}
	return nil
}

// List returns one level under opts.Prefix. Common prefixes become folder
// entries; the folder's own marker object (key == prefix) is skipped unless
// markers are requested.
func (b *S3Backend) List(ctx context.Context, bucket string, opts ListOptions) (ListPage, error) {
	return b.list(ctx, bucket, opts, "/")
}

// ListFlat lists every key under opts.Prefix without a delimiter.
func (b *S3Backend) ListFlat(ctx context.Context, bucket string, opts ListOptions) (ListPage, error) {
	opts.IncludeMarkers = true
	return b.list(ctx, bucket, opts, "")
}

func (b *S3Backend) list(ctx context.Context, bucket string, opts ListOptions, delimiter string) (ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(opts.Prefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}
	if opts.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(opts.MaxKeys))
	}
	if opts.Cursor != "" {
		input.ContinuationToken = aws.String(opts.Cursor)
	}

	resp, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		return ListPage{}, classifyS3("list", bucket, opts.Prefix, err)
	}

	entries := make([]ObjectEntry, 0, len(resp.CommonPrefixes)+len(resp.Contents))
	for _, cp := range resp.CommonPrefixes {
		entries = append(entries, ObjectEntry{Key: aws.ToString(cp.Prefix), Type: TypeFolder})
	}
	for _, obj := range resp.Contents {
		key := aws.ToString(obj.Key)
		if key == opts.Prefix && !opts.IncludeMarkers {
			continue
		}
		entry := ObjectEntry{
			Key:      key,
			Type:     TypeFile,
			Size:     aws.ToInt64(obj.Size),
			MimeType: guessMimeType(key),
		}
		if obj.LastModified != nil {
			t := *obj.LastModified
			entry.ModifiedAt = &t
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	page := ListPage{Entries: entries}
	if aws.ToBool(resp.IsTruncated) && resp.NextContinuationToken != nil {
		page.HasMore = true
		page.NextCursor = aws.ToString(resp.NextContinuationToken)
	}
	return page, nil
}

// Put streams r through the transfer manager, which switches to a
// multipart upload for large bodies.
func (b *S3Backend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return classifyS3("upload", bucket, key, err)
	}
	return nil
}

// Get opens the object for reading. The caller is responsible for closing
// the returned ReadCloser.
func (b *S3Backend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, classifyS3("download", bucket, key, err)
	}

	info := ObjectInfo{
		Size:        aws.ToInt64(resp.ContentLength),
		ContentType: aws.ToString(resp.ContentType),
	}
	if resp.LastModified != nil {
		info.ModifiedAt = *resp.LastModified
	}
	return resp.Body, info, nil
}

// DownloadTo fetches the object with concurrent ranged GETs.
func (b *S3Backend) DownloadTo(ctx context.Context, bucket, key string, w io.WriterAt) (int64, error) {
	n, err := b.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, classifyS3("download", bucket, key, err)
	}
	return n, nil
}

// Copy performs a server-side copy within bucket.
func (b *S3Backend) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(bucket, srcKey)),
	})
	if err != nil {
		return classifyS3("copy", bucket, srcKey, err)
	}
	return nil
}

// DeleteBatch removes up to 1000 keys with one DeleteObjects request.
// Per-key errors reported by S3 are returned in failed.
func (b *S3Backend) DeleteBatch(ctx context.Context, bucket string, keys []string) (map[string]error, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > s3MaxDeleteBatch {
		return nil, bderr.Invalid("delete batch of %d keys exceeds limit %d", len(keys), s3MaxDeleteBatch)
	}

	objects := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}
	resp, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return nil, classifyS3("delete", bucket, "", err)
	}

	var failed map[string]error
	for _, e := range resp.Errors {
		if failed == nil {
			failed = make(map[string]error)
		}
		code := aws.ToString(e.Code)
		kind := bderr.KindInternal
		if code == "AccessDenied" {
			kind = bderr.KindAuth
		}
		failed[aws.ToString(e.Key)] = bderr.New(kind, "delete", bucket, aws.ToString(e.Key),
			fmt.Errorf("%s: %s", code, aws.ToString(e.Message)))
	}
	return failed, nil
}

// MaxDeleteBatch implements Backend.
func (b *S3Backend) MaxDeleteBatch() int { return s3MaxDeleteBatch }

// FolderMarker returns the prefix itself; S3 consoles render a zero-byte
// "prefix/" object as an empty folder.
func (b *S3Backend) FolderMarker(prefix string) string { return prefix }

// CreateBucket creates a bucket in the backend's region.
func (b *S3Backend) CreateBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 and R2's "auto" reject an explicit location constraint.
	if b.Region != "" && b.Region != "us-east-1" && b.Region != "auto" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.Region),
		}
	}
	if _, err := b.client.CreateBucket(ctx, input); err != nil {
		return classifyS3("create bucket", bucket, "", err)
	}
	return nil
}

// DeleteBucket removes an empty bucket.
func (b *S3Backend) DeleteBucket(ctx context.Context, bucket string) error {
	if _, err := b.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return classifyS3("delete bucket", bucket, "", err)
	}
	return nil
}

// PresignGet signs a GET request valid for expires.
func (b *S3Backend) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", classifyS3("presign", bucket, key, err)
	}
	return req.URL, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (b *S3Backend) Close() error { return nil }

// copySource builds the URL-encoded "bucket/key" CopySource value.
func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

// classifyS3 converts an SDK error into a classified OpError.
func classifyS3(op, bucket, key string, err error) error {
	if kind, ok := transportKind(err); ok {
		return opErr(kind, op, bucket, key, err)
	}
	if isAWSNotFound(err) {
		return opErr(bderr.KindNotFound, op, bucket, key, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return opErr(bderr.KindAuth, op, bucket, key, err)
		case "BucketAlreadyExists", "BucketAlreadyOwnedByYou", "BucketNotEmpty":
			return opErr(bderr.KindConflict, op, bucket, key, err)
		case "InvalidBucketName", "InvalidArgument", "KeyTooLongError":
			return opErr(bderr.KindInvalidArgument, op, bucket, key, err)
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return opErr(kindForStatus(respErr.HTTPStatusCode()), op, bucket, key, err)
	}
	return opErr(bderr.KindInternal, op, bucket, key, err)
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	// Also check for types.NoSuchKey.
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	// Check HTTP status code via ResponseError.
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

var (
	_ Backend          = (*S3Backend)(nil)
	_ FlatLister       = (*S3Backend)(nil)
	_ RangedDownloader = (*S3Backend)(nil)
)
