package server

import (
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/provider"
)

// Request wraps a JSON request body for huma.
type Request[T any] struct {
	Body T
}

// Response wraps a JSON response body for huma.
type Response[T any] struct {
	Body T
}

func respond[T any](body T) (*Response[T], error) {
	return &Response[T]{Body: body}, nil
}

// Reply is embedded in every response body.
type Reply struct {
	Success   bool       `json:"success" doc:"True only when every step of the operation succeeded"`
	Error     string     `json:"error,omitempty" doc:"Human-readable failure description"`
	ErrorKind bderr.Kind `json:"errorKind,omitempty" doc:"Failure classification"`
}

// replyFor converts err into a Reply. Batch failures list their failed keys
// through the error text.
func replyFor(err error) Reply {
	if err == nil {
		return Reply{Success: true}
	}
	return Reply{Error: err.Error(), ErrorKind: bderr.KindOf(err)}
}

// failedKeys returns the keys named by a batch error, if err is one.
func failedKeys(err error) []string {
	var be *bderr.BatchError
	if errors.As(err, &be) {
		return be.FailedKeys()
	}
	return nil
}

// Target names the provider for a request: an inline configuration or a
// profile from the server config.
type Target struct {
	Provider *provider.Envelope `json:"provider,omitempty" doc:"Inline provider configuration"`
	Profile  string             `json:"profile,omitempty" doc:"Name of a configured provider profile"`
}

// resolve returns the provider configuration t refers to.
func (s *Server) resolve(t Target) (provider.Config, error) {
	switch {
	case t.Provider != nil && t.Profile != "":
		return nil, bderr.Invalid("give either provider or profile, not both")
	case t.Provider != nil:
		return t.Provider.Config()
	case t.Profile != "":
		return s.cfg.Profile(t.Profile)
	}
	return nil, bderr.Invalid("provider or profile is required")
}

// rpc describes a POST operation under /v1.
func (s *Server) rpc(id, path, summary, tag string) huma.Operation {
	return huma.Operation{
		OperationID:  id,
		Method:       http.MethodPost,
		Path:         path,
		Summary:      summary,
		Tags:         []string{tag},
		MaxBodyBytes: s.cfg.Server.MaxBodySize,
	}
}
