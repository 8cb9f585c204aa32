package compose

import "image"

// TrimMethod names the strategy that produced a TrimResult.
type TrimMethod string

const (
	TrimContour    TrimMethod = "contour"
	TrimDoubleScan TrimMethod = "double-scan"
)

// TrimOptions controls black border removal.
type TrimOptions struct {
	// Floor is the minimum fraction of the canvas a trim must keep.
	Floor float64
	// BlackThreshold is the largest channel value still counted as black.
	BlackThreshold uint8
	// HeightTolerance is the fraction of rows at the top and bottom that the
	// double-scan column sweep ignores.
	HeightTolerance float64
}

// DefaultTrimOptions returns the thresholds used by the pipeline.
func DefaultTrimOptions() TrimOptions {
	return TrimOptions{Floor: 0.7, BlackThreshold: 8, HeightTolerance: 0.1}
}

// TrimResult is the kept rectangle of an image, in the image's coordinates.
type TrimResult struct {
	Rect     image.Rectangle
	Fraction float64
	Method   TrimMethod
	OK       bool
}

// Trim removes the near-black border of img. The contour trim is tried first;
// when it keeps less than the floor the double scan is run as well and the
// larger of the two is returned. OK is false when neither reaches the floor.
func Trim(img *image.RGBA, opts TrimOptions) TrimResult {
	m := newBlackMask(img, opts.BlackThreshold)
	res := m.contour()
	res.OK = res.Fraction >= opts.Floor
	if res.OK {
		return res
	}
	if alt := m.doubleScan(opts.HeightTolerance); alt.Fraction > res.Fraction {
		res = alt
	}
	res.OK = res.Fraction >= opts.Floor
	return res
}

// ContourTrim returns the largest interior box of the non-black content,
// found by repeatedly dropping the bounding box edge with the most black
// pixels until no edge has any.
func ContourTrim(img *image.RGBA, opts TrimOptions) TrimResult {
	res := newBlackMask(img, opts.BlackThreshold).contour()
	res.OK = res.Fraction >= opts.Floor
	return res
}

// DoubleScanTrim sweeps the left and right bounds inward across the middle
// rows, then the top and bottom bounds across the surviving columns.
func DoubleScanTrim(img *image.RGBA, opts TrimOptions) TrimResult {
	res := newBlackMask(img, opts.BlackThreshold).doubleScan(opts.HeightTolerance)
	res.OK = res.Fraction >= opts.Floor
	return res
}

type blackMask struct {
	origin image.Point
	w, h   int
	black  []bool
}

func newBlackMask(img *image.RGBA, threshold uint8) blackMask {
	b := img.Bounds()
	m := blackMask{origin: b.Min, w: b.Dx(), h: b.Dy(), black: make([]bool, b.Dx()*b.Dy())}
	for y := 0; y < m.h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < m.w; x++ {
			p := row[x*4 : x*4+3]
			m.black[y*m.w+x] = p[0] <= threshold && p[1] <= threshold && p[2] <= threshold
		}
	}
	return m
}

func (m blackMask) at(x, y int) bool { return m.black[y*m.w+x] }

func (m blackMask) result(x0, y0, x1, y1 int, method TrimMethod) TrimResult {
	res := TrimResult{Method: method}
	if x0 >= x1 || y0 >= y1 || m.w == 0 || m.h == 0 {
		return res
	}
	res.Rect = image.Rect(x0, y0, x1, y1).Add(m.origin)
	res.Fraction = float64((x1-x0)*(y1-y0)) / float64(m.w*m.h)
	return res
}

func (m blackMask) contour() TrimResult {
	x0, y0, x1, y1 := m.w, m.h, -1, -1
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			if !m.at(x, y) {
				x0, x1 = min(x0, x), max(x1, x)
				y0, y1 = min(y0, y), max(y1, y)
			}
		}
	}
	if x1 < 0 {
		return TrimResult{Method: TrimContour}
	}
	x1++
	y1++

	for x0 < x1 && y0 < y1 {
		var top, bottom, left, right int
		for x := x0; x < x1; x++ {
			if m.at(x, y0) {
				top++
			}
			if m.at(x, y1-1) {
				bottom++
			}
		}
		for y := y0; y < y1; y++ {
			if m.at(x0, y) {
				left++
			}
			if m.at(x1-1, y) {
				right++
			}
		}
		worst := max(top, bottom, left, right)
		if worst == 0 {
			break
		}
		switch worst {
		case top:
			y0++
		case bottom:
			y1--
		case left:
			x0++
		default:
			x1--
		}
	}
	return m.result(x0, y0, x1, y1, TrimContour)
}

func (m blackMask) doubleScan(heightTolerance float64) TrimResult {
	tol := int(float64(m.h) * heightTolerance)
	minC, maxC := 0, m.w-1
	for y := tol; y < m.h-tol; y++ {
		for maxC >= 0 && m.at(maxC, y) {
			maxC--
		}
		for minC < m.w && m.at(minC, y) {
			minC++
		}
	}
	minR, maxR := 0, m.h-1
	for x := minC; x <= maxC; x++ {
		for maxR >= 0 && m.at(x, maxR) {
			maxR--
		}
		for minR < m.h && m.at(x, minR) {
			minR++
		}
	}
	return m.result(minC, minR, maxC+1, maxR+1, TrimDoubleScan)
}
