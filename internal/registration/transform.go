package registration

import (
	"image"
	"math"
)

// PlaneTransform is an axis-aligned linear remap x' = AX*x + BX, y' = AY*y + BY.
type PlaneTransform struct {
	AX float64 `json:"ax"`
	BX float64 `json:"bx"`
	AY float64 `json:"ay"`
	BY float64 `json:"by"`
}

// IdentityTransform leaves coordinates unchanged.
func IdentityTransform() PlaneTransform {
	return PlaneTransform{AX: 1, AY: 1}
}

// FitPlaneTransform maps rectangle from onto rectangle to. A degenerate axis
// falls back to a pure translation on that axis.
func FitPlaneTransform(from, to image.Rectangle) PlaneTransform {
	t := IdentityTransform()
	if from.Dx() > 0 {
		t.AX = float64(to.Dx()) / float64(from.Dx())
	}
	if from.Dy() > 0 {
		t.AY = float64(to.Dy()) / float64(from.Dy())
	}
	t.BX = float64(to.Min.X) - t.AX*float64(from.Min.X)
	t.BY = float64(to.Min.Y) - t.AY*float64(from.Min.Y)
	return t
}

// Apply maps a single point.
func (t PlaneTransform) Apply(x, y float64) (float64, float64) {
	return t.AX*x + t.BX, t.AY*y + t.BY
}

// ApplyRect maps both corners of r, rounding to the nearest pixel.
func (t PlaneTransform) ApplyRect(r image.Rectangle) image.Rectangle {
	x0, y0 := t.Apply(float64(r.Min.X), float64(r.Min.Y))
	x1, y1 := t.Apply(float64(r.Max.X), float64(r.Max.Y))
	return image.Rect(
		int(math.Round(x0)), int(math.Round(y0)),
		int(math.Round(x1)), int(math.Round(y1)),
	)
}

// BoundingBox is the union of all region rectangles.
func BoundingBox(regions []ResultRegion) image.Rectangle {
	var box image.Rectangle
	for i, r := range regions {
		if i == 0 {
			box = r.ROI
			continue
		}
		box = box.Union(r.ROI)
	}
	return box
}
