// Package compress implements the image compression pipeline: fit-mode
// geometry, re-encoding, blur placeholders and the preset registry.
package compress

import (
	"fmt"
	"image/color"
	"sort"
	"strconv"
	"strings"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

// Format is an output encoding.
type Format string

// Output formats. FormatOriginal keeps the source encoding.
const (
	FormatJPEG     Format = "jpeg"
	FormatPNG      Format = "png"
	FormatWebP     Format = "webp"
	FormatGIF      Format = "gif"
	FormatOriginal Format = "original"
)

// Fit selects how an image is placed into the preset's box.
type Fit string

// Fit modes, with the usual image-fit box semantics.
const (
	// FitCover scales to cover the box and crops the overflow.
	FitCover Fit = "cover"
	// FitContain scales to fit inside the box and pads to its size.
	FitContain Fit = "contain"
	// FitFill stretches to the box, ignoring the aspect ratio.
	FitFill Fit = "fill"
	// FitInside scales to fit inside the box without padding.
	FitInside Fit = "inside"
	// FitOutside scales so the box fits inside the image.
	FitOutside Fit = "outside"
)

const defaultQuality = 80

// Preset is a named compression configuration. A zero MaxWidth or
// MaxHeight leaves that dimension unconstrained.
type Preset struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	MaxWidth    int     `json:"maxWidth,omitempty" yaml:"max_width"`
	MaxHeight   int     `json:"maxHeight,omitempty" yaml:"max_height"`
	Quality     int     `json:"quality,omitempty" yaml:"quality"`
	Format      Format  `json:"format,omitempty" yaml:"format"`
	Fit         Fit     `json:"fit,omitempty" yaml:"fit"`
	AspectRatio float64 `json:"aspectRatio,omitempty" yaml:"aspect_ratio,omitempty"`
	// Enlarge allows output larger than the source.
	Enlarge bool `json:"enlarge,omitempty" yaml:"enlarge,omitempty"`
	// Background is a "#rrggbb" color used for contain padding and for
	// flattening transparency into JPEG. Empty means transparent padding
	// and a white JPEG background.
	Background string `json:"background,omitempty" yaml:"background,omitempty"`
}

// WithDefaults fills unset quality, fit and format.
func (p Preset) WithDefaults() Preset {
	if p.Quality == 0 {
		p.Quality = defaultQuality
	}
	if p.Fit == "" {
		p.Fit = FitInside
	}
	if p.Format == "" {
		p.Format = FormatOriginal
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	return p
}

// Validate reports malformed fields.
func (p Preset) Validate() error {
	switch {
	case p.ID == "":
		return bderr.Invalid("preset id is required")
	case strings.ContainsAny(p.ID, "/\\ "):
		return bderr.Invalid("preset %q: id must not contain separators or spaces", p.ID)
	case p.MaxWidth < 0 || p.MaxHeight < 0:
		return bderr.Invalid("preset %q: dimensions must not be negative", p.ID)
	case p.Quality < 1 || p.Quality > 100:
		return bderr.Invalid("preset %q: quality %d outside 1..100", p.ID, p.Quality)
	case p.AspectRatio < 0:
		return bderr.Invalid("preset %q: aspect ratio must not be negative", p.ID)
	}
	switch p.Format {
	case FormatJPEG, FormatPNG, FormatWebP, FormatGIF, FormatOriginal:
	default:
		return bderr.Invalid("preset %q: unknown format %q", p.ID, p.Format)
	}
	switch p.Fit {
	case FitCover, FitContain, FitFill, FitInside, FitOutside:
	default:
		return bderr.Invalid("preset %q: unknown fit %q", p.ID, p.Fit)
	}
	if _, err := parseColor(p.Background); err != nil {
		return bderr.Invalid("preset %q: background: %v", p.ID, err)
	}
	return nil
}

// parseColor parses "#rrggbb". The empty string is transparent.
func parseColor(s string) (color.NRGBA, error) {
	if s == "" {
		return color.NRGBA{}, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("%q is not #rrggbb", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%q is not #rrggbb", s)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// Builtins returns the presets every registry starts with.
func Builtins() []Preset {
	return []Preset{
		{ID: "thumbnail", Name: "Thumbnail", MaxWidth: 320, MaxHeight: 320, Quality: 70, Format: FormatWebP, Fit: FitCover},
		{ID: "standard", Name: "Standard", MaxWidth: 1280, MaxHeight: 1280, Quality: 80, Format: FormatWebP, Fit: FitInside},
		{ID: "hd", Name: "HD", MaxWidth: 1920, MaxHeight: 1920, Quality: 85, Format: FormatJPEG, Fit: FitInside},
		{ID: "original-webp", Name: "Original (WebP)", Quality: 90, Format: FormatWebP, Fit: FitInside},
	}
}

// Registry resolves presets by id. It is read-only after construction and
// safe for concurrent use.
type Registry struct {
	presets map[string]Preset
}

// NewRegistry builds a registry from the built-in presets plus custom ones.
// A custom preset with a built-in id replaces it.
func NewRegistry(custom ...Preset) (*Registry, error) {
	r := &Registry{presets: make(map[string]Preset)}
	for _, p := range Builtins() {
		r.presets[p.ID] = p
	}
	for _, p := range custom {
		p = p.WithDefaults()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		r.presets[p.ID] = p
	}
	return r, nil
}

// Get returns the preset with id.
func (r *Registry) Get(id string) (Preset, error) {
	p, ok := r.presets[id]
	if !ok {
		return Preset{}, bderr.Invalid("unknown preset %q", id)
	}
	return p, nil
}

// Resolve looks up ids in order. The first unknown id fails the call.
func (r *Registry) Resolve(ids []string) ([]Preset, error) {
	out := make([]Preset, 0, len(ids))
	for _, id := range ids {
		p, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// List returns every preset sorted by id.
func (r *Registry) List() []Preset {
	out := make([]Preset, 0, len(r.presets))
	for _, p := range r.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
