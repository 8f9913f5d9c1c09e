package storage

import (
	"context"
	"errors"
	"net"
	"net/http"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

// kindForStatus maps an HTTP status returned by a provider to an error kind.
func kindForStatus(status int) bderr.Kind {
	switch {
	case status == http.StatusNotFound:
		return bderr.KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return bderr.KindAuth
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return bderr.KindConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return bderr.KindInvalidArgument
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return bderr.KindConnectivity
	default:
		return bderr.KindInternal
	}
}

// transportKind classifies failures that happened before a provider
// answered: cancellation, deadlines and network errors.
func transportKind(err error) (bderr.Kind, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return bderr.KindCancelled, true
	case errors.Is(err, context.DeadlineExceeded):
		return bderr.KindConnectivity, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return bderr.KindConnectivity, true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return bderr.KindConnectivity, true
	}
	return "", false
}

// opErr wraps err with operation context unless it is already classified.
func opErr(kind bderr.Kind, op, bucket, key string, err error) error {
	var oe *bderr.OpError
	if errors.As(err, &oe) && oe.Kind != "" {
		return err
	}
	return bderr.New(kind, op, bucket, key, err)
}
