// Package errors defines the error taxonomy used throughout BucketDesk.
//
// Every failure that crosses the request/response boundary is classified by
// Kind so callers can decide between retrying, re-authenticating or
// reporting, without parsing provider-specific messages.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure.
type Kind string

// Failure kinds.
const (
	KindInternal        Kind = "internal"
	KindConnectivity    Kind = "connectivity"
	KindAuth            Kind = "auth"
	KindNotFound        Kind = "not_found"
	KindInvalidArgument Kind = "invalid_argument"
	KindConflict        Kind = "conflict"
	KindPartial         Kind = "partial"
	KindCompression     Kind = "compression"
	KindCancelled       Kind = "cancelled"
	KindUnsupported     Kind = "unsupported"
)

// Sentinel errors for common conditions. Match them with errors.Is.
var (
	// ErrNotFound is returned when a bucket or key does not exist.
	ErrNotFound = &OpError{Kind: KindNotFound, Err: stderrors.New("not found")}

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = &OpError{Kind: KindInvalidArgument, Err: stderrors.New("invalid argument")}

	// ErrUnsupported is returned when a backend lacks a capability.
	ErrUnsupported = &OpError{Kind: KindUnsupported, Err: stderrors.New("operation not supported by provider")}

	// ErrCancelled is returned for work withdrawn before it started.
	ErrCancelled = &OpError{Kind: KindCancelled, Err: stderrors.New("cancelled")}
)

// OpError describes a failed operation against a provider.
type OpError struct {
	// Op is the operation that failed (e.g., "list", "upload", "copy").
	Op string
	// Bucket is the bucket name, if any.
	Bucket string
	// Key is the object key, if any.
	Key string
	// Kind classifies the failure.
	Kind Kind
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	switch {
	case e.Bucket != "" && e.Key != "":
		fmt.Fprintf(&b, " %s/%s", e.Bucket, e.Key)
	case e.Bucket != "":
		fmt.Fprintf(&b, " bucket %s", e.Bucket)
	case e.Key != "":
		fmt.Fprintf(&b, " %s", e.Key)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// Is matches sentinel OpErrors by Kind so that a wrapped provider failure
// classified as not-found satisfies errors.Is(err, ErrNotFound).
func (e *OpError) Is(target error) bool {
	t, ok := target.(*OpError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Bucket == "" && t.Key == "" && t.Kind == e.Kind
}

// New wraps err with operation context and a kind.
func New(kind Kind, op, bucket, key string, err error) *OpError {
	return &OpError{Op: op, Bucket: bucket, Key: key, Kind: kind, Err: err}
}

// Invalid builds an invalid-argument error from a format string.
func Invalid(format string, args ...any) *OpError {
	return &OpError{Kind: KindInvalidArgument, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when nothing in the chain is classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *BatchError
	if stderrors.As(err, &be) {
		return KindPartial
	}
	var oe *OpError
	if stderrors.As(err, &oe) && oe.Kind != "" {
		return oe.Kind
	}
	return KindInternal
}

// KeyFailure records why a single key failed inside a batch operation.
type KeyFailure struct {
	Key string
	Err error
}

// BatchError reports every key that failed inside a multi-object operation.
// It is only produced when at least one key failed.
type BatchError struct {
	// Op is the enclosing operation (e.g., "delete", "move").
	Op string
	// Bucket is the bucket the batch ran against.
	Bucket string
	// Failures lists every failed key.
	Failures []KeyFailure
}

// Error implements the error interface. Failed keys are listed in sorted
// order so messages are stable.
func (e *BatchError) Error() string {
	keys := e.FailedKeys()
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d key(s) failed in bucket %s: ", e.Op, len(keys), e.Bucket)
	for i, f := range e.sorted() {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s (%v)", f.Key, f.Err)
	}
	return b.String()
}

// FailedKeys returns the sorted failed keys.
func (e *BatchError) FailedKeys() []string {
	sorted := e.sorted()
	keys := make([]string, len(sorted))
	for i, f := range sorted {
		keys[i] = f.Key
	}
	return keys
}

func (e *BatchError) sorted() []KeyFailure {
	out := make([]KeyFailure, len(e.Failures))
	copy(out, e.Failures)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Collector accumulates per-key failures for a batch operation.
type Collector struct {
	op       string
	bucket   string
	failures []KeyFailure
	seen     map[string]bool
}

// NewCollector creates a Collector for op against bucket.
func NewCollector(op, bucket string) *Collector {
	return &Collector{op: op, bucket: bucket, seen: make(map[string]bool)}
}

// Add records a failure for key. Only the first failure per key is kept.
func (c *Collector) Add(key string, err error) {
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.failures = append(c.failures, KeyFailure{Key: key, Err: err})
}

// Merge folds another batch error into the collector.
func (c *Collector) Merge(err error) {
	var be *BatchError
	if stderrors.As(err, &be) {
		for _, f := range be.Failures {
			c.Add(f.Key, f.Err)
		}
	}
}

// Len returns the number of failed keys so far.
func (c *Collector) Len() int {
	return len(c.failures)
}

// Err returns a *BatchError when any key failed, nil otherwise.
func (c *Collector) Err() error {
	if len(c.failures) == 0 {
		return nil
	}
	return &BatchError{Op: c.op, Bucket: c.bucket, Failures: c.failures}
}
