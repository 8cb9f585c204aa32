package compose

import (
	"image"
	"math"
)

// NormRect is a rectangle in canvas-relative coordinates, each in [0,1].
type NormRect struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// FullRect covers the whole canvas.
func FullRect() NormRect { return NormRect{MaxX: 1, MaxY: 1} }

// Normalize expresses r relative to canvas.
func Normalize(r, canvas image.Rectangle) NormRect {
	if canvas.Dx() <= 0 || canvas.Dy() <= 0 {
		return NormRect{}
	}
	w, h := float64(canvas.Dx()), float64(canvas.Dy())
	return NormRect{
		MinX: float64(r.Min.X-canvas.Min.X) / w,
		MinY: float64(r.Min.Y-canvas.Min.Y) / h,
		MaxX: float64(r.Max.X-canvas.Min.X) / w,
		MaxY: float64(r.Max.Y-canvas.Min.Y) / h,
	}
}

// Empty reports whether r has no area.
func (r NormRect) Empty() bool { return r.MinX >= r.MaxX || r.MinY >= r.MaxY }

// Intersect returns the overlap of r and o.
func (r NormRect) Intersect(o NormRect) NormRect {
	out := NormRect{
		MinX: math.Max(r.MinX, o.MinX),
		MinY: math.Max(r.MinY, o.MinY),
		MaxX: math.Min(r.MaxX, o.MaxX),
		MaxY: math.Min(r.MaxY, o.MaxY),
	}
	if out.Empty() {
		return NormRect{}
	}
	return out
}

// Area is the fraction of the canvas r covers.
func (r NormRect) Area() float64 {
	if r.Empty() {
		return 0
	}
	return (r.MaxX - r.MinX) * (r.MaxY - r.MinY)
}

// Intersection is the running common rectangle of all consumed frames.
// The zero value has seen no frames.
type Intersection struct {
	rect   NormRect
	frames int
}

// Add intersects the running rectangle with a frame's kept bounds and
// returns the result. Bounds are relative to the frame's untrimmed canvas.
func (in *Intersection) Add(bounds NormRect) NormRect {
	if in.frames == 0 {
		in.rect = bounds
	} else {
		in.rect = in.rect.Intersect(bounds)
	}
	in.frames++
	return in.rect
}

// Rect returns the running rectangle, or the full canvas before any frame.
func (in *Intersection) Rect() NormRect {
	if in.frames == 0 {
		return FullRect()
	}
	return in.rect
}

// Frames is the number of frames added so far.
func (in *Intersection) Frames() int { return in.frames }

// CropFor maps common, a sub-rectangle of a frame's bounds, into the pixel
// coordinates of that frame's trimmed image. The result is clamped to img.
func CropFor(common, bounds NormRect, img image.Rectangle) image.Rectangle {
	bw, bh := bounds.MaxX-bounds.MinX, bounds.MaxY-bounds.MinY
	if bw <= 0 || bh <= 0 || common.Empty() {
		return img
	}
	w, h := float64(img.Dx()), float64(img.Dy())
	r := image.Rect(
		img.Min.X+int(math.Ceil((common.MinX-bounds.MinX)/bw*w-1e-9)),
		img.Min.Y+int(math.Ceil((common.MinY-bounds.MinY)/bh*h-1e-9)),
		img.Min.X+int(math.Floor((common.MaxX-bounds.MinX)/bw*w+1e-9)),
		img.Min.Y+int(math.Floor((common.MaxY-bounds.MinY)/bh*h+1e-9)),
	)
	r = r.Intersect(img)
	if r.Empty() {
		return img
	}
	return r
}
