package transfer

import (
	"fmt"
	"image"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/bucketdesk/bucketdesk/internal/compress"
	bderr "github.com/bucketdesk/bucketdesk/internal/errors"
	"github.com/bucketdesk/bucketdesk/internal/objectkey"
	"github.com/bucketdesk/bucketdesk/internal/provider"
)

// sniffLen is how much of a file is read to detect its type.
const sniffLen = 3072

// rasterTypes are the MIME types the compression pipeline decodes.
var rasterTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff"}

// Crop is a rectangle in source pixels, after EXIF orientation.
type Crop struct {
	X      int `json:"x" minimum:"0"`
	Y      int `json:"y" minimum:"0"`
	Width  int `json:"width" minimum:"1"`
	Height int `json:"height" minimum:"1"`
}

// Rect converts c to an image rectangle.
func (c Crop) Rect() image.Rectangle {
	return image.Rect(c.X, c.Y, c.X+c.Width, c.Y+c.Height)
}

// SourceFile is one file selected for upload. Data, when set, is used
// instead of reading Path. Crop applies to the compressed variants and is
// required by presets with an aspect ratio.
type SourceFile struct {
	Path string `json:"path,omitempty"`
	Name string `json:"name,omitempty"`
	Data []byte `json:"data,omitempty"`
	Crop *Crop  `json:"crop,omitempty"`
}

func (f SourceFile) name() string {
	if f.Name != "" {
		return f.Name
	}
	if f.Path != "" {
		return filepath.Base(f.Path)
	}
	return ""
}

func (f SourceFile) source() string {
	if f.Path != "" {
		return f.Path
	}
	return f.Name
}

// RewriteMode selects how rewritten references are resolved.
type RewriteMode string

const (
	// RewritePath substitutes the destination key.
	RewritePath RewriteMode = "path"
	// RewriteURL substitutes BaseURL + "/" + key, or a presigned URL when
	// BaseURL is empty.
	RewriteURL RewriteMode = "url"
)

// RewriteOptions controls reference rewriting for an upload request.
type RewriteOptions struct {
	Mode    RewriteMode `json:"mode,omitempty"`
	BaseURL string      `json:"baseUrl,omitempty"`
	// URLExpiry is the presigned URL lifetime; zero uses the adapter default.
	URLExpiry time.Duration `json:"urlExpiry,omitempty"`
}

// UploadRequest asks for a set of files to be uploaded under Prefix.
type UploadRequest struct {
	Provider provider.Config
	Bucket   string
	Prefix   string
	Files    []SourceFile
	// Presets are compression preset IDs applied to every image.
	Presets                 []string
	KeepOriginal            bool
	GenerateBlurPlaceholder bool
	// Document, when set, has its image references rewritten once every
	// task of the request is terminal.
	Document string
	Rewrite  RewriteOptions
}

// DownloadRequest asks for objects to be saved into Directory.
type DownloadRequest struct {
	Provider  provider.Config
	Bucket    string
	Keys      []string
	Directory string
}

// job carries what a worker needs beyond the observable Task.
type job struct {
	cfg    provider.Config
	data   []byte
	path   string
	preset compress.Preset
	crop   *image.Rectangle
	prefix string
	stem   string
}

// planned is a task produced by expansion, with the read error that
// already failed it, if any.
type planned struct {
	task Task
	job  *job
	err  error
}

func validateTarget(cfg provider.Config, bucket string) error {
	if cfg == nil {
		return bderr.Invalid("provider configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if bucket == "" {
		return bderr.Invalid("bucket name is required")
	}
	return nil
}

// expandUpload turns a request into its tasks. Unknown presets fail the
// whole request; unreadable files fail only their own task.
func expandUpload(req UploadRequest, reg *compress.Registry) ([]planned, error) {
	if err := validateTarget(req.Provider, req.Bucket); err != nil {
		return nil, err
	}
	if len(req.Files) == 0 {
		return nil, bderr.Invalid("no files to upload")
	}
	switch req.Rewrite.Mode {
	case "", RewritePath, RewriteURL:
	default:
		return nil, bderr.Invalid("unknown rewrite mode %q", req.Rewrite.Mode)
	}
	presets, err := reg.Resolve(req.Presets)
	if err != nil {
		return nil, err
	}
	prefix := objectkey.FolderPrefix(req.Prefix)
	providerID := req.Provider.ID()

	var out []planned
	for _, f := range req.Files {
		name := f.name()
		if name == "" || objectkey.ValidateName(name) != nil {
			return nil, bderr.Invalid("file %q has no usable name", f.source())
		}
		var crop *image.Rectangle
		if f.Crop != nil {
			r := f.Crop.Rect()
			crop = &r
		}
		for _, p := range presets {
			if p.AspectRatio > 0 && crop == nil {
				return nil, bderr.Invalid("preset %q needs a crop rectangle for %q", p.ID, name)
			}
		}
		stem, ext := objectkey.SplitExt(name)
		base := Task{
			Direction:  DirectionUpload,
			Source:     f.source(),
			SourceName: name,
			ProviderID: providerID,
			Bucket:     req.Bucket,
			Kind:       KindOriginal,
			Status:     StatusPending,
		}
		j := &job{cfg: req.Provider, path: f.Path, prefix: prefix, stem: stem}

		data, size, mt, err := probe(f)
		if err != nil {
			t := base
			t.Destination = prefix + name
			out = append(out, planned{task: t, job: j, err: bderr.New(bderr.KindInternal, "read", "", f.source(), err)})
			continue
		}
		base.OriginalSize = size
		base.MimeType = mt.String()
		j.data = data

		if !isRaster(mt) {
			t := base
			t.Destination = prefix + name
			out = append(out, planned{task: t, job: j})
			continue
		}

		info, inspectErr := compress.Inspect(data)
		if req.KeepOriginal || len(presets) == 0 {
			t := base
			if inspectErr == nil {
				t.Width, t.Height = info.Width, info.Height
				if ext == "" {
					ext = compress.Extension(compress.OutputFormat(compress.Preset{}, info.Format))
				}
				t.Destination = variantKey(prefix, stem, string(KindOriginal), info.Width, info.Height, ext)
			} else {
				t.Destination = prefix + name
			}
			out = append(out, planned{task: t, job: j})
		}
		for _, p := range presets {
			t := base
			t.Kind = KindCompressed
			t.PresetID = p.ID
			format := compress.OutputFormat(p, info.Format)
			t.MimeType = formatMime(format)
			var w, h int
			switch {
			case crop != nil:
				w, h = compress.OutputSize(crop.Dx(), crop.Dy(), p)
			case inspectErr == nil:
				w, h = compress.OutputSize(info.Width, info.Height, p)
			}
			t.Destination = variantKey(prefix, stem, p.ID, w, h, compress.Extension(format))
			pj := *j
			pj.preset = p
			pj.crop = crop
			out = append(out, planned{task: t, job: &pj})
		}
		if req.GenerateBlurPlaceholder {
			t := base
			t.Kind = KindBlur
			t.MimeType = formatMime(compress.FormatJPEG)
			var w, h int
			if inspectErr == nil {
				w, h = compress.PlaceholderSize(info.Width, info.Height)
			}
			t.Destination = variantKey(prefix, stem, string(KindBlur), w, h, compress.Extension(compress.FormatJPEG))
			out = append(out, planned{task: t, job: j})
		}
	}
	return out, nil
}

// probe detects the type of f. Raster images are read fully; other files
// supplied by path are streamed later and only their header is read here.
func probe(f SourceFile) ([]byte, int64, *mimetype.MIME, error) {
	if f.Data != nil {
		return f.Data, int64(len(f.Data)), mimetype.Detect(f.Data), nil
	}
	if f.Path == "" {
		return nil, 0, nil, fmt.Errorf("file has neither data nor path")
	}

	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, 0, nil, err
	}
	defer fh.Close()
	st, err := fh.Stat()
	if err != nil {
		return nil, 0, nil, err
	}
	if st.IsDir() {
		return nil, 0, nil, fmt.Errorf("%s is a directory", f.Path)
	}
	header := make([]byte, sniffLen)
	n, err := io.ReadFull(fh, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, 0, nil, err
	}
	mt := mimetype.Detect(header[:n])
	if !isRaster(mt) {
		return nil, st.Size(), mt, nil
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, 0, nil, err
	}
	return data, int64(len(data)), mt, nil
}

func isRaster(mt *mimetype.MIME) bool {
	for _, t := range rasterTypes {
		if mt.Is(t) {
			return true
		}
	}
	return false
}

// variantKey builds "{prefix}{stem}_{tag}_{w}x{h}.{ext}".
func variantKey(prefix, stem, tag string, w, h int, ext string) string {
	name := fmt.Sprintf("%s_%s_%dx%d", stem, tag, w, h)
	if ext != "" {
		name += "." + ext
	}
	return prefix + name
}

func formatMime(f compress.Format) string {
	if t := mime.TypeByExtension("." + compress.Extension(f)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// expandDownload turns a request into one task per key. Base names that
// repeat within the request get _1, _2 suffixes before the extension.
func expandDownload(req DownloadRequest) ([]planned, error) {
	if err := validateTarget(req.Provider, req.Bucket); err != nil {
		return nil, err
	}
	if req.Directory == "" {
		return nil, bderr.Invalid("destination directory is required")
	}
	if len(req.Keys) == 0 {
		return nil, bderr.Invalid("no keys to download")
	}

	used := make(map[string]bool)
	providerID := req.Provider.ID()
	var out []planned
	for _, raw := range req.Keys {
		key := objectkey.Normalize(raw)
		if key == "" || objectkey.IsFolder(key) {
			return nil, bderr.Invalid("%q does not name a file", raw)
		}
		name := uniqueName(objectkey.Base(key), used)
		out = append(out, planned{
			task: Task{
				Direction:   DirectionDownload,
				Source:      key,
				SourceName:  objectkey.Base(key),
				ProviderID:  providerID,
				Bucket:      req.Bucket,
				Destination: filepath.Join(req.Directory, name),
				Kind:        KindOriginal,
				Status:      StatusPending,
			},
			job: &job{cfg: req.Provider},
		})
	}
	return out, nil
}

func uniqueName(name string, used map[string]bool) string {
	if !used[name] {
		used[name] = true
		return name
	}
	stem, ext := objectkey.SplitExt(name)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", stem, i)
		if ext != "" {
			candidate += "." + ext
		}
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}

// matchesSource reports whether a document reference points at the file a
// task was created from: the exact source path, or the same base name.
func matchesSource(ref string, t Task) bool {
	if ref == t.Source {
		return true
	}
	norm := strings.ReplaceAll(ref, "\\", "/")
	return path.Base(norm) == t.SourceName
}
