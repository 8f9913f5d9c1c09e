package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bucketdesk/bucketdesk/internal/compress"
	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/history"
	"github.com/bucketdesk/bucketdesk/internal/transfer"
)

// Rect is a crop rectangle in source pixels.
type Rect = transfer.Crop

// CompressRequest compresses one image without uploading it.
type CompressRequest struct {
	Data   []byte           `json:"data" doc:"Source image, base64 encoded"`
	Preset string           `json:"preset,omitempty" doc:"Preset id; ignored when custom is set"`
	Custom *compress.Preset `json:"custom,omitempty" doc:"Inline preset"`
	Crop   *Rect            `json:"crop,omitempty"`
	// Placeholder returns the blur placeholder instead of a preset rendition.
	Placeholder bool `json:"placeholder,omitempty"`
}

// CompressBody is an encoded image.
type CompressBody struct {
	Reply
	Data   []byte          `json:"data,omitempty"`
	Width  int             `json:"width,omitempty"`
	Height int             `json:"height,omitempty"`
	Format compress.Format `json:"format,omitempty"`
	Size   int             `json:"size,omitempty"`
	Hash   string          `json:"hash,omitempty" doc:"Blurhash of the placeholder"`
}

// PresetsBody lists the available presets.
type PresetsBody struct {
	Reply
	Presets []compress.Preset `json:"presets"`
}

// RewriteRequest selects how document references are rewritten.
type RewriteRequest struct {
	Mode      transfer.RewriteMode `json:"mode,omitempty" enum:"path,url"`
	BaseURL   string               `json:"baseUrl,omitempty"`
	ExpiresIn int                  `json:"expiresIn,omitempty" minimum:"0" doc:"Presigned URL lifetime in seconds"`
}

// TransferUploadRequest queues a batch upload.
type TransferUploadRequest struct {
	Target
	Bucket                  string                `json:"bucket" minLength:"1"`
	Prefix                  string                `json:"prefix,omitempty"`
	Files                   []transfer.SourceFile `json:"files" minItems:"1"`
	Presets                 []string              `json:"presets,omitempty"`
	KeepOriginal            bool                  `json:"keepOriginal,omitempty"`
	GenerateBlurPlaceholder bool                  `json:"generateBlurPlaceholder,omitempty"`
	Document                string                `json:"document,omitempty" doc:"Markdown whose image references are rewritten"`
	Rewrite                 RewriteRequest        `json:"rewrite,omitempty"`
	Wait                    bool                  `json:"wait,omitempty" doc:"Block until every task is terminal"`
}

// TransferDownloadRequest queues a batch download.
type TransferDownloadRequest struct {
	Target
	Bucket    string   `json:"bucket" minLength:"1"`
	Keys      []string `json:"keys" minItems:"1"`
	Directory string   `json:"directory" minLength:"1"`
	Wait      bool     `json:"wait,omitempty"`
}

// TransferBody reports an accepted request and, when waited on, its
// summary.
type TransferBody struct {
	Reply
	RequestID string            `json:"requestId,omitempty"`
	Tasks     []transfer.Task   `json:"tasks,omitempty"`
	Summary   *transfer.Summary `json:"summary,omitempty"`
}

// TransferStatusBody is the current state of a request.
type TransferStatusBody struct {
	Reply
	RequestID string          `json:"requestId"`
	Done      bool            `json:"done"`
	Tasks     []transfer.Task `json:"tasks,omitempty"`
}

// CancelBody reports how many pending tasks were cancelled.
type CancelBody struct {
	Reply
	Cancelled int `json:"cancelled"`
}

// RequestPath addresses a transfer request.
type RequestPath struct {
	RequestID string `path:"requestId"`
}

// TaskPath addresses a transfer task.
type TaskPath struct {
	TaskID string `path:"taskId"`
}

// HistoryQuery filters upload history.
type HistoryQuery struct {
	ProviderID string `query:"providerId"`
	Bucket     string `query:"bucket"`
	Status     string `query:"status" enum:"pending,uploading,completed,error"`
	Limit      int    `query:"limit" minimum:"0" maximum:"10000"`
}

// HistoryBody lists history records, newest first.
type HistoryBody struct {
	Reply
	Records []history.Record `json:"records"`
}

func (s *Server) registerTransferRoutes() {
	huma.Register(s.api, s.rpc("compress-image", "/v1/compress", "Compress an image", "Compression"),
		func(ctx context.Context, in *Request[CompressRequest]) (*Response[CompressBody], error) {
			return respond(s.compress(in.Body))
		})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-presets",
		Method:      http.MethodGet,
		Path:        "/v1/presets",
		Summary:     "List compression presets",
		Tags:        []string{"Compression"},
	}, func(ctx context.Context, in *struct{}) (*Response[PresetsBody], error) {
		return respond(PresetsBody{Reply: replyFor(nil), Presets: s.presets.List()})
	})

	huma.Register(s.api, s.rpc("submit-upload", "/v1/transfers/upload", "Queue a batch upload", "Transfers"),
		func(ctx context.Context, in *Request[TransferUploadRequest]) (*Response[TransferBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err != nil {
				return respond(TransferBody{Reply: replyFor(err)})
			}
			id, tasks, err := s.transfers.SubmitUpload(ctx, transfer.UploadRequest{
				Provider:                cfg,
				Bucket:                  b.Bucket,
				Prefix:                  b.Prefix,
				Files:                   b.Files,
				Presets:                 b.Presets,
				KeepOriginal:            b.KeepOriginal,
				GenerateBlurPlaceholder: b.GenerateBlurPlaceholder,
				Document:                b.Document,
				Rewrite: transfer.RewriteOptions{
					Mode:      b.Rewrite.Mode,
					BaseURL:   b.Rewrite.BaseURL,
					URLExpiry: time.Duration(b.Rewrite.ExpiresIn) * time.Second,
				},
			})
			if err != nil {
				return respond(TransferBody{Reply: replyFor(err)})
			}
			return respond(s.accepted(ctx, id, tasks, b.Wait))
		})

	huma.Register(s.api, s.rpc("submit-download", "/v1/transfers/download", "Queue a batch download", "Transfers"),
		func(ctx context.Context, in *Request[TransferDownloadRequest]) (*Response[TransferBody], error) {
			b := in.Body
			cfg, err := s.resolve(b.Target)
			if err != nil {
				return respond(TransferBody{Reply: replyFor(err)})
			}
			id, tasks, err := s.transfers.SubmitDownload(ctx, transfer.DownloadRequest{
				Provider:  cfg,
				Bucket:    b.Bucket,
				Keys:      b.Keys,
				Directory: b.Directory,
			})
			if err != nil {
				return respond(TransferBody{Reply: replyFor(err)})
			}
			return respond(s.accepted(ctx, id, tasks, b.Wait))
		})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-transfer",
		Method:      http.MethodGet,
		Path:        "/v1/transfers/{requestId}",
		Summary:     "Get the tasks of a transfer request",
		Tags:        []string{"Transfers"},
	}, func(ctx context.Context, in *RequestPath) (*Response[TransferStatusBody], error) {
		tasks, err := s.transfers.Tasks(in.RequestID)
		if err != nil {
			return respond(TransferStatusBody{Reply: replyFor(err), RequestID: in.RequestID})
		}
		done := true
		for _, t := range tasks {
			if !t.Status.Terminal() {
				done = false
				break
			}
		}
		return respond(TransferStatusBody{Reply: replyFor(nil), RequestID: in.RequestID, Done: done, Tasks: tasks})
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "cancel-transfer",
		Method:      http.MethodPost,
		Path:        "/v1/transfers/{requestId}/cancel",
		Summary:     "Cancel the pending tasks of a request",
		Tags:        []string{"Transfers"},
	}, func(ctx context.Context, in *RequestPath) (*Response[CancelBody], error) {
		n, err := s.transfers.Cancel(in.RequestID)
		return respond(CancelBody{Reply: replyFor(err), Cancelled: n})
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "resubmit-task",
		Method:      http.MethodPost,
		Path:        "/v1/transfers/tasks/{taskId}/resubmit",
		Summary:     "Retry a failed or cancelled task",
		Tags:        []string{"Transfers"},
	}, func(ctx context.Context, in *TaskPath) (*Response[TransferBody], error) {
		id, task, err := s.transfers.Resubmit(ctx, in.TaskID)
		if err != nil {
			return respond(TransferBody{Reply: replyFor(err)})
		}
		return respond(TransferBody{Reply: replyFor(nil), RequestID: id, Tasks: []transfer.Task{task}})
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/v1/history",
		Summary:     "List upload history",
		Tags:        []string{"History"},
	}, func(ctx context.Context, in *HistoryQuery) (*Response[HistoryBody], error) {
		records, err := s.history.List(ctx, history.Filter{
			ProviderID: in.ProviderID,
			Bucket:     in.Bucket,
			Status:     history.Status(in.Status),
			Limit:      in.Limit,
		})
		if err != nil {
			return respond(HistoryBody{Reply: replyFor(err), Records: []history.Record{}})
		}
		if records == nil {
			records = []history.Record{}
		}
		return respond(HistoryBody{Reply: replyFor(nil), Records: records})
	})
}

// accepted builds the response for a queued request, waiting for its
// summary when asked. A client that disconnects while waiting does not
// affect the tasks.
func (s *Server) accepted(ctx context.Context, id string, tasks []transfer.Task, wait bool) TransferBody {
	body := TransferBody{Reply: replyFor(nil), RequestID: id, Tasks: tasks}
	if !wait {
		return body
	}
	summary, err := s.transfers.Wait(ctx, id)
	if err != nil {
		body.Reply = replyFor(bderr.New(bderr.KindCancelled, "wait", "", id, err))
		return body
	}
	body.Tasks = summary.Tasks
	body.Summary = &summary
	if !summary.Success {
		body.Reply = Reply{
			Error:     fmt.Sprintf("%d of %d tasks did not complete", summary.Total-summary.Completed, summary.Total),
			ErrorKind: bderr.KindPartial,
		}
	}
	return body
}

func (s *Server) compress(req CompressRequest) CompressBody {
	if len(req.Data) == 0 {
		return CompressBody{Reply: replyFor(bderr.Invalid("image data is required"))}
	}
	if req.Placeholder {
		ph, err := compress.MakePlaceholder(req.Data)
		if err != nil {
			return CompressBody{Reply: replyFor(err)}
		}
		return CompressBody{Reply: replyFor(nil), Data: ph.Data, Width: ph.Width, Height: ph.Height, Format: ph.Format, Size: len(ph.Data), Hash: ph.Hash}
	}

	var preset compress.Preset
	switch {
	case req.Custom != nil:
		preset = req.Custom.WithDefaults()
		if err := preset.Validate(); err != nil {
			return CompressBody{Reply: replyFor(err)}
		}
	case req.Preset != "":
		p, err := s.presets.Get(req.Preset)
		if err != nil {
			return CompressBody{Reply: replyFor(err)}
		}
		preset = p
	default:
		return CompressBody{Reply: replyFor(bderr.Invalid("preset or custom is required"))}
	}

	var opts compress.Options
	if req.Crop != nil {
		r := req.Crop.Rect()
		opts.Crop = &r
	}
	res, err := compress.Compress(req.Data, preset, opts)
	if err != nil {
		return CompressBody{Reply: replyFor(err)}
	}
	return CompressBody{Reply: replyFor(nil), Data: res.Data, Width: res.Width, Height: res.Height, Format: res.Format, Size: res.Size}
}
