package compress

import "math"

// geometry is the plan for fitting a source image into a preset box: resize
// to Resize*, then crop (cover) or pad (contain) to Canvas*.
type geometry struct {
	ResizeW, ResizeH int
	CanvasW, CanvasH int
}

// plan computes the output geometry for a sw x sh source. Without enlarge
// no output dimension exceeds the source.
func plan(sw, sh int, p Preset) geometry {
	w, h := p.MaxWidth, p.MaxHeight
	if w <= 0 && h <= 0 {
		return geometry{sw, sh, sw, sh}
	}

	sx := float64(w) / float64(sw)
	sy := float64(h) / float64(sh)
	both := w > 0 && h > 0

	fit := p.Fit
	if !both {
		// With one side open every mode keeps the aspect ratio and is
		// driven by the constrained side.
		fit = FitInside
		if w <= 0 {
			sx = sy
		} else {
			sy = sx
		}
	}

	capScale := func(s float64) float64 {
		if !p.Enlarge && s > 1 {
			return 1
		}
		return s
	}
	scaled := func(s float64) (int, int) {
		return scaleDim(sw, s), scaleDim(sh, s)
	}

	switch fit {
	case FitFill:
		rw, rh := w, h
		if !p.Enlarge {
			rw, rh = min(w, sw), min(h, sh)
		}
		return geometry{rw, rh, rw, rh}
	case FitCover:
		rw, rh := scaled(capScale(math.Max(sx, sy)))
		return geometry{rw, rh, min(w, rw), min(h, rh)}
	case FitContain:
		rw, rh := scaled(capScale(math.Min(sx, sy)))
		cw, ch := w, h
		if !p.Enlarge {
			cw, ch = min(w, sw), min(h, sh)
		}
		return geometry{rw, rh, max(cw, rw), max(ch, rh)}
	case FitOutside:
		rw, rh := scaled(capScale(math.Max(sx, sy)))
		return geometry{rw, rh, rw, rh}
	default:
		rw, rh := scaled(capScale(math.Min(sx, sy)))
		return geometry{rw, rh, rw, rh}
	}
}

func scaleDim(d int, s float64) int {
	return max(1, int(math.Round(float64(d)*s)))
}

// OutputSize predicts the dimensions Compress produces for a sw x sh source
// without a crop.
func OutputSize(sw, sh int, p Preset) (int, int) {
	g := plan(sw, sh, p.WithDefaults())
	return g.CanvasW, g.CanvasH
}
