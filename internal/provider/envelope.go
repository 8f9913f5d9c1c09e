package provider

import (
	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

// Envelope is the wire form of a Config in JSON requests and YAML profiles.
// Exactly the section named by Type is read.
type Envelope struct {
	Type     Kind            `json:"type" yaml:"type"`
	S3       *S3Config       `json:"s3,omitempty" yaml:"s3,omitempty"`
	Supabase *SupabaseConfig `json:"supabase,omitempty" yaml:"supabase,omitempty"`
	GCS      *GCSConfig      `json:"gcs,omitempty" yaml:"gcs,omitempty"`
	Azure    *AzureConfig    `json:"azure,omitempty" yaml:"azure,omitempty"`
	Memory   *MemoryConfig   `json:"memory,omitempty" yaml:"memory,omitempty"`
}

// Config returns the validated configuration selected by the type tag.
func (e Envelope) Config() (Config, error) {
	var cfg Config
	switch e.Type {
	case KindS3:
		if e.S3 != nil {
			cfg = *e.S3
		}
	case KindSupabase:
		if e.Supabase != nil {
			cfg = *e.Supabase
		}
	case KindGCS:
		if e.GCS != nil {
			cfg = *e.GCS
		}
	case KindAzure:
		if e.Azure != nil {
			cfg = *e.Azure
		}
	case KindMemory:
		if e.Memory != nil {
			cfg = *e.Memory
		}
	case "":
		return nil, bderr.Invalid("provider type is required")
	default:
		return nil, bderr.Invalid("unknown provider type %q", e.Type)
	}
	if cfg == nil {
		return nil, bderr.Invalid("provider type %q has no %s section", e.Type, e.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Wrap converts a Config into its wire form.
func Wrap(cfg Config) Envelope {
	e := Envelope{Type: cfg.Kind()}
	switch c := cfg.(type) {
	case S3Config:
		e.S3 = &c
	case SupabaseConfig:
		e.Supabase = &c
	case GCSConfig:
		e.GCS = &c
	case AzureConfig:
		e.Azure = &c
	case MemoryConfig:
		e.Memory = &c
	}
	return e
}
