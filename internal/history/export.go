package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

// ExportVersion is the current export format version.
const ExportVersion = 1

// ExportOptions configures an export.
type ExportOptions struct {
	// Source names where the records came from (a DSN or table name).
	Source string
	// Filter selects the exported records.
	Filter Filter
}

// ImportOptions configures an import.
type ImportOptions struct {
	// Replace deletes every existing record before importing. Without it,
	// records whose ID already exists are skipped.
	Replace bool
}

// ImportResult reports the outcome of an import.
type ImportResult struct {
	Imported int
	Skipped  int
	Warnings []string
}

type exportHeader struct {
	Version       int    `json:"version"`
	ExportedAt    string `json:"exported_at"`
	SchemaVersion int    `json:"schema_version"`
	Source        string `json:"source"`
}

// exportDoc field order keeps the JSON keys sorted.
type exportDoc struct {
	Header  *exportHeader `json:"bucketdesk_export"`
	Records []Record      `json:"upload_history"`
}

// Export writes the selected records of s to w as indented JSON.
func Export(ctx context.Context, s Store, w io.Writer, opts *ExportOptions) error {
	if opts == nil {
		opts = &ExportOptions{}
	}
	recs, err := s.List(ctx, opts.Filter)
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	if recs == nil {
		recs = []Record{}
	}

	doc := exportDoc{
		Header: &exportHeader{
			Version:       ExportVersion,
			ExportedAt:    time.Now().UTC().Format(timeFormat),
			SchemaVersion: schemaVersion,
			Source:        opts.Source,
		},
		Records: recs,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	return nil
}

// Import reads an export document from r into s.
func Import(ctx context.Context, s Store, r io.Reader, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var doc exportDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, bderr.Invalid("parsing JSON: %v", err)
	}
	if doc.Header == nil || doc.Header.Version < 1 || doc.Header.Version > ExportVersion {
		version := 0
		if doc.Header != nil {
			version = doc.Header.Version
		}
		return nil, bderr.Invalid("unsupported export version: %d", version)
	}

	if opts.Replace {
		existing, err := s.List(ctx, Filter{})
		if err != nil {
			return nil, fmt.Errorf("listing existing records: %w", err)
		}
		for _, rec := range existing {
			if err := s.Delete(ctx, rec.ID); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", rec.ID, err)
			}
		}
	}

	result := &ImportResult{}
	for _, rec := range doc.Records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if rec.ID == "" {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped record for key %q: missing id", rec.Key))
			continue
		}
		if !opts.Replace {
			if _, err := s.Get(ctx, rec.ID); err == nil {
				result.Skipped++
				continue
			} else if bderr.KindOf(err) != bderr.KindNotFound {
				return result, fmt.Errorf("checking %s: %w", rec.ID, err)
			}
		}
		if _, err := s.Create(ctx, rec); err != nil {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped record %s: %v", rec.ID, err))
			continue
		}
		result.Imported++
	}
	return result, nil
}
