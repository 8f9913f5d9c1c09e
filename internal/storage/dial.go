package storage

import (
	"context"
	"net/http"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/provider"
)

// DialFunc builds a Backend for a provider configuration.
type DialFunc func(ctx context.Context, cfg provider.Config) (Backend, error)

// Dial validates cfg and constructs the matching Backend. Construction
// failures (bad credentials files, unparsable connection strings) are
// classified as auth errors.
func Dial(ctx context.Context, cfg provider.Config) (Backend, error) {
	if cfg == nil {
		return nil, bderr.Invalid("provider configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch c := cfg.(type) {
	case provider.S3Config:
		b, err := NewS3Backend(ctx, c)
		if err != nil {
			return nil, bderr.New(bderr.KindAuth, "connect", "", "", err)
		}
		return b, nil
	case provider.SupabaseConfig:
		return NewSupabaseBackend(c, &http.Client{}), nil
	case provider.GCSConfig:
		b, err := NewGCSBackend(ctx, c)
		if err != nil {
			return nil, bderr.New(bderr.KindAuth, "connect", "", "", err)
		}
		return b, nil
	case provider.AzureConfig:
		b, err := NewAzureBackend(c)
		if err != nil {
			return nil, bderr.New(bderr.KindAuth, "connect", "", "", err)
		}
		return b, nil
	case provider.MemoryConfig:
		b, err := OpenMemoryBackend(c)
		if err != nil {
			return nil, bderr.New(bderr.KindInternal, "connect", "", "", err)
		}
		return b, nil
	default:
		return nil, bderr.Invalid("unsupported provider type %T", cfg)
	}
}

var _ DialFunc = Dial
