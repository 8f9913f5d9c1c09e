package compress

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // registers the webp decoder

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/metrics"
)

// aspectTolerance is the relative error allowed between a crop rectangle
// and a preset's aspect ratio.
const aspectTolerance = 0.01

// Options carries per-call inputs that are not part of a preset.
type Options struct {
	// Crop is a user-confirmed rectangle in source pixel coordinates (after
	// EXIF orientation is applied). Nil means no crop.
	Crop *image.Rectangle
}

// Result is an encoded image.
type Result struct {
	Data   []byte
	Width  int
	Height int
	Format Format
	Size   int
}

// Info describes an image without decoding its pixels.
type Info struct {
	Width  int
	Height int
	// Format is the registered decoder name: jpeg, png, gif, webp, bmp or tiff.
	Format string
}

// Inspect reads the image header.
func Inspect(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, bderr.New(bderr.KindCompression, "inspect", "", "", fmt.Errorf("reading image header: %w", err))
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Compress resizes data per preset and re-encodes it. The output depends
// only on data, preset and opts.
func Compress(data []byte, preset Preset, opts Options) (Result, error) {
	start := time.Now()
	preset = preset.WithDefaults()
	if err := preset.Validate(); err != nil {
		return Result{}, err
	}

	img, srcFormat, err := decode(data)
	if err != nil {
		return Result{}, err
	}

	if opts.Crop != nil {
		if err := checkCrop(*opts.Crop, img.Bounds(), preset.AspectRatio); err != nil {
			return Result{}, err
		}
		img = imaging.Crop(img, *opts.Crop)
	}

	bg, _ := parseColor(preset.Background)
	out := fitImage(img, preset, bg)

	format := preset.Format
	if format == FormatOriginal {
		format = originalFormat(srcFormat)
	}
	encoded, err := encode(out, format, preset.Quality, bg)
	if err != nil {
		return Result{}, err
	}

	metrics.CompressionDuration.WithLabelValues(preset.ID).Observe(time.Since(start).Seconds())
	metrics.CompressionOutputSize.WithLabelValues(preset.ID).Observe(float64(len(encoded)))

	b := out.Bounds()
	return Result{
		Data:   encoded,
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: format,
		Size:   len(encoded),
	}, nil
}

// decode decodes data with EXIF auto-orientation.
func decode(data []byte) (image.Image, string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", bderr.New(bderr.KindCompression, "decode", "", "", fmt.Errorf("unsupported or corrupt image: %w", err))
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", bderr.New(bderr.KindCompression, "decode", "", "", fmt.Errorf("decoding %s: %w", format, err))
	}
	return img, format, nil
}

func checkCrop(crop, bounds image.Rectangle, aspect float64) error {
	if crop.Empty() {
		return bderr.Invalid("crop rectangle is empty")
	}
	if !crop.In(bounds) {
		return bderr.Invalid("crop %v lies outside the image %v", crop, bounds)
	}
	if aspect > 0 {
		got := float64(crop.Dx()) / float64(crop.Dy())
		if math.Abs(got-aspect)/aspect > aspectTolerance {
			return bderr.Invalid("crop aspect ratio %.3f does not match %.3f", got, aspect)
		}
	}
	return nil
}

// fitImage applies the preset geometry. An unchanged size skips resampling.
func fitImage(img image.Image, p Preset, bg color.NRGBA) image.Image {
	b := img.Bounds()
	g := plan(b.Dx(), b.Dy(), p)

	out := img
	if g.ResizeW != b.Dx() || g.ResizeH != b.Dy() {
		out = imaging.Resize(img, g.ResizeW, g.ResizeH, imaging.Lanczos)
	}
	switch {
	case g.CanvasW < g.ResizeW || g.CanvasH < g.ResizeH:
		out = imaging.CropCenter(out, g.CanvasW, g.CanvasH)
	case g.CanvasW > g.ResizeW || g.CanvasH > g.ResizeH:
		out = imaging.PasteCenter(imaging.New(g.CanvasW, g.CanvasH, bg), out)
	}
	return out
}

func originalFormat(src string) Format {
	switch src {
	case "jpeg":
		return FormatJPEG
	case "gif":
		return FormatGIF
	case "webp":
		return FormatWebP
	default:
		// bmp and tiff are re-encoded losslessly as png.
		return FormatPNG
	}
}

func encode(img image.Image, format Format, quality int, bg color.NRGBA) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatJPEG:
		if bg.A == 0 {
			bg = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
		}
		flat := imaging.Overlay(imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), bg), img, image.Pt(0, 0), 1.0)
		err = imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(quality))
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case FormatGIF:
		err = imaging.Encode(&buf, img, imaging.GIF)
	case FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)})
	default:
		return nil, bderr.Invalid("unknown output format %q", format)
	}
	if err != nil {
		return nil, bderr.New(bderr.KindCompression, "encode", "", "", fmt.Errorf("encoding %s: %w", format, err))
	}
	return buf.Bytes(), nil
}

// Extension returns the file extension, without the dot, for format.
func Extension(format Format) string {
	switch format {
	case FormatJPEG:
		return "jpg"
	case FormatPNG:
		return "png"
	case FormatWebP:
		return "webp"
	case FormatGIF:
		return "gif"
	}
	return ""
}

// OutputFormat returns the format Compress produces for preset on a source
// decoded as srcFormat.
func OutputFormat(preset Preset, srcFormat string) Format {
	f := preset.WithDefaults().Format
	if f == FormatOriginal {
		return originalFormat(srcFormat)
	}
	return f
}

// IsImage reports whether data is a raster image the pipeline can decode.
func IsImage(data []byte) bool {
	_, err := Inspect(data)
	return err == nil
}
