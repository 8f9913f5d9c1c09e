package compress

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

// testImage returns a w x h gradient encoded in format ("png" or "jpeg").
func testImage(t *testing.T, w, h int, format string) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		t.Fatalf("encoding test image: %v", err)
	}
	return buf.Bytes()
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name   string
		sw, sh int
		preset Preset
		want   geometry
	}{
		{"inside downscale", 4000, 3000, Preset{MaxWidth: 1280, MaxHeight: 1280, Fit: FitInside}, geometry{1280, 960, 1280, 960}},
		{"inside no upscale", 100, 50, Preset{MaxWidth: 1280, MaxHeight: 1280, Fit: FitInside}, geometry{100, 50, 100, 50}},
		{"inside enlarge", 100, 50, Preset{MaxWidth: 200, MaxHeight: 200, Fit: FitInside, Enlarge: true}, geometry{200, 100, 200, 100}},
		{"cover crops", 640, 480, Preset{MaxWidth: 320, MaxHeight: 320, Fit: FitCover}, geometry{427, 320, 320, 320}},
		{"cover small source", 100, 50, Preset{MaxWidth: 320, MaxHeight: 320, Fit: FitCover}, geometry{100, 50, 100, 50}},
		{"contain pads", 200, 100, Preset{MaxWidth: 100, MaxHeight: 100, Fit: FitContain}, geometry{100, 50, 100, 100}},
		{"fill stretches", 200, 200, Preset{MaxWidth: 300, MaxHeight: 100, Fit: FitFill}, geometry{200, 100, 200, 100}},
		{"outside", 400, 200, Preset{MaxWidth: 100, MaxHeight: 100, Fit: FitOutside}, geometry{200, 100, 200, 100}},
		{"width only", 1000, 400, Preset{MaxWidth: 500, Fit: FitCover}, geometry{500, 200, 500, 200}},
		{"height only", 1000, 400, Preset{MaxHeight: 200, Fit: FitFill}, geometry{500, 200, 500, 200}},
		{"unbounded", 640, 480, Preset{Fit: FitInside}, geometry{640, 480, 640, 480}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := plan(tt.sw, tt.sh, tt.preset); got != tt.want {
				t.Errorf("plan(%d, %d) = %+v, want %+v", tt.sw, tt.sh, got, tt.want)
			}
		})
	}
}

func TestCompressDeterministic(t *testing.T) {
	src := testImage(t, 400, 300, "jpeg")
	preset := Preset{ID: "std", MaxWidth: 200, MaxHeight: 200, Quality: 75, Format: FormatJPEG, Fit: FitInside}

	a, err := Compress(src, preset, Options{})
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	b, err := Compress(src, preset, Options{})
	if err != nil {
		t.Fatalf("second Compress failed: %v", err)
	}
	if !bytes.Equal(a.Data, b.Data) {
		t.Error("output differs between identical runs")
	}
	if a.Width != 200 || a.Height != 150 || a.Format != FormatJPEG || a.Size != len(a.Data) {
		t.Errorf("result = %dx%d %s size %d", a.Width, a.Height, a.Format, a.Size)
	}
}

func TestCompressNeverUpscales(t *testing.T) {
	src := testImage(t, 120, 80, "png")
	for _, p := range Builtins() {
		t.Run(p.ID, func(t *testing.T) {
			res, err := Compress(src, p, Options{})
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			if res.Width > 120 || res.Height > 80 {
				t.Errorf("output %dx%d exceeds source 120x80", res.Width, res.Height)
			}
		})
	}
}

func TestCompressThumbnailWebP(t *testing.T) {
	src := testImage(t, 640, 480, "png")
	r, _ := NewRegistry()
	thumb, _ := r.Get("thumbnail")

	res, err := Compress(src, thumb, Options{})
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if res.Width != 320 || res.Height != 320 || res.Format != FormatWebP {
		t.Errorf("result = %dx%d %s", res.Width, res.Height, res.Format)
	}
	info, err := Inspect(res.Data)
	if err != nil {
		t.Fatalf("output is not decodable: %v", err)
	}
	if info.Format != "webp" || info.Width != 320 {
		t.Errorf("decoded info = %+v", info)
	}
}

func TestCompressContainPadsWithBackground(t *testing.T) {
	src := testImage(t, 200, 100, "png")
	p := Preset{ID: "box", MaxWidth: 100, MaxHeight: 100, Quality: 80, Format: FormatPNG, Fit: FitContain, Background: "#ff0000"}

	res, err := Compress(src, p, Options{})
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if res.Width != 100 || res.Height != 100 {
		t.Fatalf("size = %dx%d", res.Width, res.Height)
	}
	img, err := png.Decode(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatal(err)
	}
	r, g, b, a := img.At(50, 2).RGBA()
	if r>>8 != 0xff || g != 0 || b != 0 || a>>8 != 0xff {
		t.Errorf("padding pixel = %d,%d,%d,%d, want red", r>>8, g>>8, b>>8, a>>8)
	}
}

func TestCompressOriginalKeepsFormat(t *testing.T) {
	src := testImage(t, 50, 50, "png")
	res, err := Compress(src, Preset{ID: "keep", Format: FormatOriginal}, Options{})
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if res.Format != FormatPNG {
		t.Errorf("format = %s, want png", res.Format)
	}
	if OutputFormat(Preset{ID: "keep"}, "jpeg") != FormatJPEG {
		t.Error("OutputFormat should follow the source for original")
	}
}

func TestCompressCorruptInput(t *testing.T) {
	_, err := Compress([]byte("definitely not an image"), Builtins()[0], Options{})
	if bderr.KindOf(err) != bderr.KindCompression {
		t.Errorf("kind = %s, want compression", bderr.KindOf(err))
	}
	if IsImage([]byte("plain text")) {
		t.Error("IsImage should reject text")
	}
}

func TestCompressCrop(t *testing.T) {
	src := testImage(t, 400, 300, "png")
	square := Preset{ID: "sq", Quality: 80, Format: FormatPNG, Fit: FitInside, AspectRatio: 1}

	tests := []struct {
		name    string
		crop    image.Rectangle
		wantErr bool
		wantW   int
	}{
		{"square crop", image.Rect(10, 10, 210, 210), false, 200},
		{"within tolerance", image.Rect(0, 0, 201, 200), false, 201},
		{"wrong aspect", image.Rect(0, 0, 300, 200), true, 0},
		{"outside image", image.Rect(300, 200, 500, 400), true, 0},
		{"empty", image.Rect(5, 5, 5, 5), true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crop := tt.crop
			res, err := Compress(src, square, Options{Crop: &crop})
			if tt.wantErr {
				if bderr.KindOf(err) != bderr.KindInvalidArgument {
					t.Errorf("kind = %s, want invalid_argument", bderr.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			if res.Width != tt.wantW {
				t.Errorf("width = %d, want %d", res.Width, tt.wantW)
			}
		})
	}
}

func TestMakePlaceholder(t *testing.T) {
	src := testImage(t, 640, 320, "jpeg")

	ph, err := MakePlaceholder(src)
	if err != nil {
		t.Fatalf("MakePlaceholder failed: %v", err)
	}
	if ph.Hash == "" {
		t.Error("empty hash")
	}
	if ph.Width != 32 || ph.Height != 16 || ph.Format != FormatJPEG {
		t.Errorf("placeholder = %dx%d %s", ph.Width, ph.Height, ph.Format)
	}
	if _, err := jpeg.Decode(bytes.NewReader(ph.Data)); err != nil {
		t.Errorf("placeholder is not a JPEG: %v", err)
	}

	again, _ := MakePlaceholder(src)
	if again.Hash != ph.Hash || !bytes.Equal(again.Data, ph.Data) {
		t.Error("placeholder is not deterministic")
	}
}

func TestMakePlaceholderNeverEnlarges(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"narrow", 4, 400, 1, 32},
		{"tall", 100, 1000, 3, 32},
		{"tiny", 8, 6, 8, 6},
		{"wide", 1000, 10, 32, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ph, err := MakePlaceholder(testImage(t, tt.w, tt.h, "png"))
			if err != nil {
				t.Fatalf("MakePlaceholder failed: %v", err)
			}
			if ph.Width != tt.wantW || ph.Height != tt.wantH {
				t.Errorf("placeholder = %dx%d, want %dx%d", ph.Width, ph.Height, tt.wantW, tt.wantH)
			}
			if w, h := PlaceholderSize(tt.w, tt.h); w != ph.Width || h != ph.Height {
				t.Errorf("PlaceholderSize = %dx%d, placeholder is %dx%d", w, h, ph.Width, ph.Height)
			}
		})
	}
}

func TestExtension(t *testing.T) {
	tests := map[Format]string{
		FormatJPEG: "jpg",
		FormatPNG:  "png",
		FormatWebP: "webp",
		FormatGIF:  "gif",
	}
	for f, want := range tests {
		if got := Extension(f); got != want {
			t.Errorf("Extension(%s) = %q, want %q", f, got, want)
		}
	}
}

func TestOutputSizeMatchesCompress(t *testing.T) {
	src := testImage(t, 300, 200, "png")
	for _, p := range Builtins() {
		res, err := Compress(src, p, Options{})
		if err != nil {
			t.Fatalf("%s: %v", p.ID, err)
		}
		w, h := OutputSize(300, 200, p)
		if w != res.Width || h != res.Height {
			t.Errorf("%s: OutputSize = %dx%d, Compress = %dx%d", p.ID, w, h, res.Width, res.Height)
		}
	}
}
