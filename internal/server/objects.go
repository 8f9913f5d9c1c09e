package server

import (
	"bytes"
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bucketdesk/bucketdesk/internal/storage"
)

// ConnectionBody reports whether the provider answered.
type ConnectionBody struct {
	Reply
	Connected bool `json:"connected"`
}

// ListRequest lists one level of a bucket.
type ListRequest struct {
	Target
	Bucket  string `json:"bucket" minLength:"1"`
	Prefix  string `json:"prefix,omitempty" doc:"Folder prefix; empty lists the bucket root"`
	Cursor  string `json:"cursor,omitempty" doc:"Opaque cursor from a previous page"`
	MaxKeys int    `json:"maxKeys,omitempty" minimum:"0" maximum:"1000"`
}

// ListBody is one page of entries.
type ListBody struct {
	Reply
	Entries    []storage.ObjectEntry `json:"entries"`
	NextCursor string                `json:"nextCursor,omitempty"`
	HasMore    bool                  `json:"hasMore"`
}

// BucketRequest names a bucket.
type BucketRequest struct {
	Target
	Bucket string `json:"bucket" minLength:"1"`
}

// ObjectRequest names one object.
type ObjectRequest struct {
	Target
	Bucket string `json:"bucket" minLength:"1"`
	Key    string `json:"key" minLength:"1"`
}

// PutRequest uploads a small object inline.
type PutRequest struct {
	Target
	Bucket      string `json:"bucket" minLength:"1"`
	Key         string `json:"key" minLength:"1"`
	Data        []byte `json:"data" doc:"Object content, base64 encoded"`
	ContentType string `json:"contentType,omitempty"`
}

// GetBody carries downloaded object content.
type GetBody struct {
	Reply
	Data []byte `json:"data,omitempty"`
	Size int    `json:"size"`
}

// SaveRequest downloads an object to a path on the server host.
type SaveRequest struct {
	Target
	Bucket string `json:"bucket" minLength:"1"`
	Key    string `json:"key" minLength:"1"`
	Path   string `json:"path" minLength:"1"`
}

// PathBody reports a local file path.
type PathBody struct {
	Reply
	Path string `json:"path,omitempty"`
}

// DeleteRequest deletes a file, or a folder and everything under it.
type DeleteRequest struct {
	Target
	Bucket   string `json:"bucket" minLength:"1"`
	Key      string `json:"key" minLength:"1"`
	IsFolder bool   `json:"isFolder,omitempty"`
}

// DeleteBatchRequest deletes several keys.
type DeleteBatchRequest struct {
	Target
	Bucket string   `json:"bucket" minLength:"1"`
	Keys   []string `json:"keys" minItems:"1"`
}

// BatchBody lists the keys a multi-object operation could not process.
type BatchBody struct {
	Reply
	FailedKeys []string `json:"failedKeys,omitempty"`
}

// RenameRequest renames a file or folder within its parent.
type RenameRequest struct {
	Target
	Bucket    string `json:"bucket" minLength:"1"`
	SourceKey string `json:"sourceKey" minLength:"1"`
	NewName   string `json:"newName" minLength:"1"`
}

// MoveRequest moves a file or folder under another prefix.
type MoveRequest struct {
	Target
	Bucket            string `json:"bucket" minLength:"1"`
	SourceKey         string `json:"sourceKey" minLength:"1"`
	DestinationPrefix string `json:"destinationPrefix" doc:"Target folder; empty means the bucket root"`
}

// MoveBatchRequest moves several files or folders under one prefix.
type MoveBatchRequest struct {
	Target
	Bucket            string   `json:"bucket" minLength:"1"`
	Sources           []string `json:"sources" minItems:"1"`
	DestinationPrefix string   `json:"destinationPrefix"`
}

// FolderRequest creates a folder marker.
type FolderRequest struct {
	Target
	Bucket string `json:"bucket" minLength:"1"`
	Path   string `json:"path" minLength:"1"`
}

// KeyBody reports the key an operation produced.
type KeyBody struct {
	Reply
	Key string `json:"key,omitempty"`
}

// URLRequest asks for a presigned read URL.
type URLRequest struct {
	Target
	Bucket    string `json:"bucket" minLength:"1"`
	Key       string `json:"key" minLength:"1"`
	ExpiresIn int    `json:"expiresIn,omitempty" minimum:"0" doc:"Lifetime in seconds; 0 uses the default"`
}

// URLBody carries a presigned URL.
type URLBody struct {
	Reply
	URL string `json:"url,omitempty"`
}

func (s *Server) registerObjectRoutes() {
	huma.Register(s.api, s.rpc("test-connection", "/v1/connection/test", "Test provider credentials", "Connection"),
		func(ctx context.Context, in *Request[Target]) (*Response[ConnectionBody], error) {
			cfg, err := s.resolve(in.Body)
			if err != nil {
				return respond(ConnectionBody{Reply: replyFor(err)})
			}
			res := s.storage.TestConnection(ctx, cfg)
			return respond(ConnectionBody{
				Reply:     Reply{Success: res.Connected, Error: res.Error, ErrorKind: res.Kind},
				Connected: res.Connected,
			})
		})

	huma.Register(s.api, s.rpc("list-objects", "/v1/objects/list", "List one folder level", "Objects"),
		func(ctx context.Context, in *Request[ListRequest]) (*Response[ListBody], error) {
			cfg, err := s.resolve(in.Body.Target)
			if err != nil {
				return respond(ListBody{Reply: replyFor(err)})
			}
			page, err := s.storage.ListObjects(ctx, cfg, in.Body.Bucket, in.Body.Prefix, in.Body.Cursor, in.Body.MaxKeys)
			if err != nil {
				return respond(ListBody{Reply: replyFor(err)})
			}
			entries := page.Entries
			if entries == nil {
				entries = []storage.ObjectEntry{}
			}
			return respond(ListBody{Reply: replyFor(nil), Entries: entries, NextCursor: page.NextCursor, HasMore: page.HasMore})
		})

	huma.Register(s.api, s.rpc("upload-object", "/v1/objects/upload", "Upload inline content", "Objects"),
		func(ctx context.Context, in *Request[PutRequest]) (*Response[KeyBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err != nil {
				return respond(KeyBody{Reply: replyFor(err)})
			}
			err = s.storage.Upload(ctx, cfg, b.Bucket, b.Key, bytes.NewReader(b.Data), int64(len(b.Data)), b.ContentType)
			if err != nil {
				return respond(KeyBody{Reply: replyFor(err)})
			}
			return respond(KeyBody{Reply: replyFor(nil), Key: b.Key})
		})

	huma.Register(s.api, s.rpc("download-object", "/v1/objects/download", "Download object content", "Objects"),
		func(ctx context.Context, in *Request[ObjectRequest]) (*Response[GetBody], error) {
			cfg, err := s.resolve(in.Body.Target)
			if err != nil {
				return respond(GetBody{Reply: replyFor(err)})
			}
			data, err := s.storage.Download(ctx, cfg, in.Body.Bucket, in.Body.Key)
			if err != nil {
				return respond(GetBody{Reply: replyFor(err)})
			}
			return respond(GetBody{Reply: replyFor(nil), Data: data, Size: len(data)})
		})

	huma.Register(s.api, s.rpc("download-object-to-file", "/v1/objects/download-to-file", "Save an object to a local file", "Objects"),
		func(ctx context.Context, in *Request[SaveRequest]) (*Response[PathBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err != nil {
				return respond(PathBody{Reply: replyFor(err)})
			}
			path, err := s.storage.DownloadToFile(ctx, cfg, b.Bucket, b.Key, b.Path)
			if err != nil {
				return respond(PathBody{Reply: replyFor(err)})
			}
			return respond(PathBody{Reply: replyFor(nil), Path: path})
		})

	huma.Register(s.api, s.rpc("delete-object", "/v1/objects/delete", "Delete a file or folder", "Objects"),
		func(ctx context.Context, in *Request[DeleteRequest]) (*Response[BatchBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err == nil {
				err = s.storage.DeleteObject(ctx, cfg, b.Bucket, b.Key, b.IsFolder)
			}
			return respond(BatchBody{Reply: replyFor(err), FailedKeys: failedKeys(err)})
		})

	huma.Register(s.api, s.rpc("delete-objects", "/v1/objects/delete-batch", "Delete several keys", "Objects"),
		func(ctx context.Context, in *Request[DeleteBatchRequest]) (*Response[BatchBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err == nil {
				err = s.storage.DeleteObjects(ctx, cfg, b.Bucket, b.Keys)
			}
			return respond(BatchBody{Reply: replyFor(err), FailedKeys: failedKeys(err)})
		})

	huma.Register(s.api, s.rpc("rename-object", "/v1/objects/rename", "Rename a file or folder", "Objects"),
		func(ctx context.Context, in *Request[RenameRequest]) (*Response[KeyBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err != nil {
				return respond(KeyBody{Reply: replyFor(err)})
			}
			key, err := s.storage.RenameObject(ctx, cfg, b.Bucket, b.SourceKey, b.NewName)
			return respond(KeyBody{Reply: replyFor(err), Key: key})
		})

	huma.Register(s.api, s.rpc("move-object", "/v1/objects/move", "Move a file or folder", "Objects"),
		func(ctx context.Context, in *Request[MoveRequest]) (*Response[KeyBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err != nil {
				return respond(KeyBody{Reply: replyFor(err)})
			}
			key, err := s.storage.MoveObject(ctx, cfg, b.Bucket, b.SourceKey, b.DestinationPrefix)
			return respond(KeyBody{Reply: replyFor(err), Key: key})
		})

	huma.Register(s.api, s.rpc("move-objects", "/v1/objects/move-batch", "Move several files or folders", "Objects"),
		func(ctx context.Context, in *Request[MoveBatchRequest]) (*Response[BatchBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err == nil {
				err = s.storage.MoveObjects(ctx, cfg, b.Bucket, b.Sources, b.DestinationPrefix)
			}
			return respond(BatchBody{Reply: replyFor(err), FailedKeys: failedKeys(err)})
		})

	huma.Register(s.api, s.rpc("resume-relocations", "/v1/objects/resume", "Finish interrupted renames and moves", "Objects"),
		func(ctx context.Context, in *Request[Target]) (*Response[BatchBody], error) {
			cfg, err := s.resolve(in.Body)
			if err == nil {
				err = s.storage.ResumePending(ctx, cfg)
			}
			return respond(BatchBody{Reply: replyFor(err), FailedKeys: failedKeys(err)})
		})

	huma.Register(s.api, s.rpc("create-folder", "/v1/folders/create", "Create an empty folder", "Folders"),
		func(ctx context.Context, in *Request[FolderRequest]) (*Response[KeyBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err != nil {
				return respond(KeyBody{Reply: replyFor(err)})
			}
			key, err := s.storage.CreateFolder(ctx, cfg, b.Bucket, b.Path)
			return respond(KeyBody{Reply: replyFor(err), Key: key})
		})

	huma.Register(s.api, s.rpc("create-bucket", "/v1/buckets/create", "Create a bucket", "Buckets"),
		func(ctx context.Context, in *Request[BucketRequest]) (*Response[Reply], error) {
			cfg, err := s.resolve(in.Body.Target)
			if err == nil {
				err = s.storage.CreateBucket(ctx, cfg, in.Body.Bucket)
			}
			return respond(replyFor(err))
		})

	huma.Register(s.api, s.rpc("delete-bucket", "/v1/buckets/delete", "Delete an empty bucket", "Buckets"),
		func(ctx context.Context, in *Request[BucketRequest]) (*Response[Reply], error) {
			cfg, err := s.resolve(in.Body.Target)
			if err == nil {
				err = s.storage.DeleteBucket(ctx, cfg, in.Body.Bucket)
			}
			return respond(replyFor(err))
		})

	huma.Register(s.api, s.rpc("object-url", "/v1/objects/url", "Presign a read URL", "Objects"),
		func(ctx context.Context, in *Request[URLRequest]) (*Response[URLBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err != nil {
				return respond(URLBody{Reply: replyFor(err)})
			}
			u, err := s.storage.GetObjectURL(ctx, cfg, b.Bucket, b.Key, time.Duration(b.ExpiresIn)*time.Second)
			return respond(URLBody{Reply: replyFor(err), URL: u})
		})
}
