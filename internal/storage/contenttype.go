package storage

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"path"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of a body is buffered for content detection.
const sniffLen = 3072

// guessMimeType derives a content type from the key's extension. Listings
// carry no content type on most providers.
func guessMimeType(key string) string {
	return mime.TypeByExtension(path.Ext(key))
}

// detectContentType sniffs the first bytes of r. The returned reader yields
// the full original stream.
func detectContentType(r io.Reader) (string, io.Reader, error) {
	header := make([]byte, sniffLen)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, err
	}
	header = header[:n]
	return mimetype.Detect(header).String(), io.MultiReader(bytes.NewReader(header), r), nil
}
