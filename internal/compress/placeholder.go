package compress

import (
	"bytes"
	"fmt"

	"github.com/buckket/go-blurhash"
	"github.com/disintegration/imaging"

	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
)

const (
	placeholderSize    = 32
	placeholderQuality = 60
	blurhashX          = 4
	blurhashY          = 3
)

// placeholderBox bounds the placeholder. It never enlarges.
var placeholderBox = Preset{ID: "blur", MaxWidth: placeholderSize, MaxHeight: placeholderSize, Fit: FitInside}

// PlaceholderSize returns the placeholder dimensions for a sw x sh source.
func PlaceholderSize(sw, sh int) (int, int) {
	g := plan(sw, sh, placeholderBox)
	return g.ResizeW, g.ResizeH
}

// Placeholder is a low-fidelity preview: a blurhash string and the small
// JPEG reconstructed from it.
type Placeholder struct {
	Hash   string
	Data   []byte
	Width  int
	Height int
	Format Format
}

// MakePlaceholder downsamples data to fit a small fixed box, encodes it as a
// blurhash and decodes the hash back into a blurred JPEG.
func MakePlaceholder(data []byte) (Placeholder, error) {
	img, _, err := decode(data)
	if err != nil {
		return Placeholder{}, err
	}
	w, h := PlaceholderSize(img.Bounds().Dx(), img.Bounds().Dy())
	small := imaging.Resize(img, w, h, imaging.Lanczos)

	hash, err := blurhash.Encode(blurhashX, blurhashY, small)
	if err != nil {
		return Placeholder{}, bderr.New(bderr.KindCompression, "placeholder", "", "", fmt.Errorf("computing blurhash: %w", err))
	}
	b := small.Bounds()
	blurred, err := blurhash.Decode(hash, b.Dx(), b.Dy(), 1)
	if err != nil {
		return Placeholder{}, bderr.New(bderr.KindCompression, "placeholder", "", "", fmt.Errorf("decoding blurhash: %w", err))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, blurred, imaging.JPEG, imaging.JPEGQuality(placeholderQuality)); err != nil {
		return Placeholder{}, bderr.New(bderr.KindCompression, "placeholder", "", "", fmt.Errorf("encoding placeholder: %w", err))
	}
	return Placeholder{
		Hash:   hash,
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: FormatJPEG,
	}, nil
}
