// Package transfer runs batch uploads and downloads on a bounded worker
// pool. An upload request fans out into one task per derived object
// (original, compressed variants, blur placeholder); every task moves
// through its own state machine and fails independently.
package transfer

import (
	"fmt"
	"time"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

// Direction distinguishes upload and download tasks.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Kind is the derived object a task produces.
type Kind string

const (
	KindOriginal   Kind = "original"
	KindCompressed Kind = "compressed"
	KindBlur       Kind = "blur"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCompressing Status = "compressing"
	StatusUploading   Status = "uploading"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// transitions is the task state machine.
var transitions = map[Status][]Status{
	StatusPending:     {StatusCompressing, StatusUploading, StatusDownloading, StatusError, StatusCancelled},
	StatusCompressing: {StatusUploading, StatusError},
	StatusUploading:   {StatusCompleted, StatusError},
	StatusDownloading: {StatusCompleted, StatusError},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// errTransition is returned by an update that lost a race, typically a
// worker picking up a task that was cancelled while queued.
type errTransition struct {
	from, to Status
}

func (e *errTransition) Error() string {
	return fmt.Sprintf("invalid task transition %s -> %s", e.from, e.to)
}

// Stage records the pipeline step a task failed in.
type Stage string

const (
	StageRead     Stage = "read"
	StageCompress Stage = "compress"
	StageUpload   Stage = "upload"
	StageDownload Stage = "download"
)

// Task is the observable state of one unit of transfer work.
type Task struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	Direction Direction `json:"direction"`
	// Source is the local path (or caller-supplied name) for uploads and the
	// object key for downloads.
	Source string `json:"source"`
	// SourceName is the base file name of Source.
	SourceName string `json:"sourceName"`
	ProviderID string `json:"providerId"`
	Bucket     string `json:"bucket"`
	// Destination is the object key for uploads and the local file path
	// for downloads.
	Destination  string     `json:"destination"`
	Kind         Kind       `json:"kind"`
	PresetID     string     `json:"presetId,omitempty"`
	Status       Status     `json:"status"`
	Stage        Stage      `json:"stage,omitempty"`
	MimeType     string     `json:"mimeType,omitempty"`
	OriginalSize int64      `json:"originalSize"`
	ResultSize   int64      `json:"resultSize,omitempty"`
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    bderr.Kind `json:"errorKind,omitempty"`
	HistoryID    string     `json:"historyId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Summary aggregates the tasks of one request once all are terminal.
type Summary struct {
	RequestID string `json:"requestId"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	Tasks     []Task `json:"tasks"`
	// Document is the rewritten document of an upload request that asked
	// for reference rewriting.
	Document string `json:"document,omitempty"`
	// Success is true only when every task completed.
	Success bool `json:"success"`
}

func summarize(requestID string, tasks []Task) Summary {
	s := Summary{RequestID: requestID, Total: len(tasks), Tasks: tasks}
	for _, t := range tasks {
		switch t.Status {
		case StatusCompleted:
			s.Completed++
		case StatusError:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	s.Success = s.Completed == s.Total
	return s
}
