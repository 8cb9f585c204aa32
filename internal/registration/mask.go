package registration

import (
	"image"
	"math"
)

// MaskRegions returns the rectangles of an image searched for overlap
// features given its position among total images. Non-last images search
// their right edge and non-first images their left edge. A middle image with
// a width ratio of at least one half searches its whole width.
func MaskRegions(size image.Point, index, total int, ratio MaskRatio) []image.Rectangle {
	w := int(math.Round(float64(size.X) * ratio.Width))
	h := int(math.Round(float64(size.Y) * ratio.Height))
	w = min(max(w, 0), size.X)
	h = min(max(h, 0), size.Y)

	if ratio.Width >= 0.5 && index > 0 && index < total-1 {
		return []image.Rectangle{image.Rect(0, 0, size.X, h)}
	}
	var out []image.Rectangle
	if index < total-1 {
		out = append(out, image.Rect(size.X-w, 0, size.X, h))
	}
	if index > 0 {
		out = append(out, image.Rect(0, 0, w, h))
	}
	return out
}
