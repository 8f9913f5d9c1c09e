package compress

import (
	"testing"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

func TestRegistryBuiltins(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	for _, id := range []string{"thumbnail", "standard", "hd", "original-webp"} {
		if _, err := r.Get(id); err != nil {
			t.Errorf("builtin %s missing: %v", id, err)
		}
	}
	if _, err := r.Get("nope"); bderr.KindOf(err) != bderr.KindInvalidArgument {
		t.Errorf("unknown preset kind = %s", bderr.KindOf(err))
	}
	for _, p := range r.List() {
		if err := p.Validate(); err != nil {
			t.Errorf("builtin %s invalid: %v", p.ID, err)
		}
	}
}

func TestRegistryCustomOverrides(t *testing.T) {
	r, err := NewRegistry(
		Preset{ID: "standard", MaxWidth: 800, MaxHeight: 600, Format: FormatJPEG},
		Preset{ID: "avatar", MaxWidth: 96, MaxHeight: 96, Fit: FitCover, AspectRatio: 1},
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	std, _ := r.Get("standard")
	if std.MaxWidth != 800 || std.Quality != defaultQuality || std.Fit != FitInside {
		t.Errorf("standard = %+v", std)
	}
	got, err := r.Resolve([]string{"avatar", "hd"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "avatar" || got[1].ID != "hd" {
		t.Errorf("Resolve = %+v", got)
	}
	if _, err := r.Resolve([]string{"hd", "missing"}); err == nil {
		t.Error("Resolve should fail on an unknown id")
	}
}

func TestPresetValidate(t *testing.T) {
	tests := []struct {
		name   string
		preset Preset
		ok     bool
	}{
		{"valid", Preset{ID: "x", Quality: 50, Format: FormatPNG, Fit: FitCover}, true},
		{"missing id", Preset{Quality: 50, Format: FormatPNG, Fit: FitCover}, false},
		{"id with slash", Preset{ID: "a/b", Quality: 50, Format: FormatPNG, Fit: FitCover}, false},
		{"quality too high", Preset{ID: "x", Quality: 101, Format: FormatPNG, Fit: FitCover}, false},
		{"negative width", Preset{ID: "x", MaxWidth: -1, Quality: 50, Format: FormatPNG, Fit: FitCover}, false},
		{"bad format", Preset{ID: "x", Quality: 50, Format: "avif", Fit: FitCover}, false},
		{"bad fit", Preset{ID: "x", Quality: 50, Format: FormatPNG, Fit: "stretch"}, false},
		{"bad background", Preset{ID: "x", Quality: 50, Format: FormatPNG, Fit: FitCover, Background: "red"}, false},
		{"good background", Preset{ID: "x", Quality: 50, Format: FormatPNG, Fit: FitCover, Background: "#00ff00"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.preset.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
