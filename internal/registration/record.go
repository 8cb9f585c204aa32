// Package registration holds the per-stage stitching registration data model
// and the contract of the engine that produces it.
package registration

import (
	"image"
	"slices"
	"sort"
)

// Range is a half-open pixel-column interval [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Size returns the width of the interval.
func (r Range) Size() int { return r.End - r.Start }

// Contains reports whether x lies in [Start, End).
func (r Range) Contains(x int) bool { return x >= r.Start && x < r.End }

// CameraParams is one source image's pose and intrinsics. R is a row-major
// 3x3 rotation matrix.
type CameraParams struct {
	Focal  float64    `json:"focal"`
	Aspect float64    `json:"aspect"`
	PPX    float64    `json:"ppx"`
	PPY    float64    `json:"ppy"`
	R      [9]float64 `json:"r"`
	T      [3]float64 `json:"t"`
}

// ResultRegion places one source image on the output canvas.
type ResultRegion struct {
	Image int             `json:"image"`
	ROI   image.Rectangle `json:"roi"`
}

// MaskRatio is the (width, height) fraction of each image searched for
// overlap features.
type MaskRatio struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ControlPoint is a matched feature pair between images A and B.
type ControlPoint struct {
	A  int     `json:"a"`
	B  int     `json:"b"`
	XA float64 `json:"xa"`
	YA float64 `json:"ya"`
	XB float64 `json:"xb"`
	YB float64 `json:"yb"`
}

// FeatureSet retains matches so sibling records can be merged later.
type FeatureSet struct {
	Points []ControlPoint `json:"points"`
}

// Projection describes the compositing canvas a stage rendered onto.
type Projection struct {
	Kind   int             `json:"kind"`
	Width  int             `json:"width"`
	Height int             `json:"height"`
	HFOV   float64         `json:"hfov"`
	Crop   image.Rectangle `json:"crop"`
}

// Record is the registration result of one stitching stage.
type Record struct {
	ImageCount       int              `json:"image_count"`
	Ranges           []Range          `json:"ranges"`
	Cameras          []CameraParams   `json:"cameras"`
	Projection       Projection       `json:"projection"`
	Regions          []ResultRegion   `json:"regions"`
	Transforms       []PlaneTransform `json:"transforms"`
	NonBlackFraction float64          `json:"non_black_fraction"`
	MaskRatio        MaskRatio        `json:"mask_ratio"`
	ResizeSize       image.Point      `json:"resize_size"`
	Features         FeatureSet       `json:"-"`
}

// IsNull reports whether the record carries no registration at all.
func (r *Record) IsNull() bool {
	return r == nil || r.ImageCount == 0
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Ranges = slices.Clone(r.Ranges)
	c.Cameras = slices.Clone(r.Cameras)
	c.Regions = slices.Clone(r.Regions)
	c.Transforms = slices.Clone(r.Transforms)
	c.Features.Points = slices.Clone(r.Features.Points)
	return &c
}

// AverageFocal is the mean focal length over all cameras.
func (r *Record) AverageFocal() float64 {
	if r == nil || len(r.Cameras) == 0 {
		return 0
	}
	var sum float64
	for _, c := range r.Cameras {
		sum += c.Focal
	}
	return sum / float64(len(r.Cameras))
}

// WarpScale is the median focal length, the scale a warper renders at.
func (r *Record) WarpScale() float64 {
	if r == nil || len(r.Cameras) == 0 {
		return 0
	}
	focals := make([]float64, len(r.Cameras))
	for i, c := range r.Cameras {
		focals[i] = c.Focal
	}
	sort.Float64s(focals)
	n := len(focals)
	if n%2 == 1 {
		return focals[n/2]
	}
	return (focals[n/2-1] + focals[n/2]) / 2
}

// SetRanges derives column ranges from the warped corners and sizes of each
// source image, shifted so the leftmost corner is column 0 even when that is
// not the first source. Adjacent ranges that overlap or leave a gap share
// their midpoint as the boundary. It returns false when a gap was closed,
// meaning a visible seam is likely.
func (r *Record) SetRanges(corners []image.Point, sizes []image.Point) bool {
	r.Ranges = r.Ranges[:0]
	if len(corners) == 0 || len(corners) != len(sizes) {
		return true
	}
	lmost := corners[0].X
	for _, c := range corners[1:] {
		lmost = min(lmost, c.X)
	}
	for i, c := range corners {
		start := c.X - lmost
		r.Ranges = append(r.Ranges, Range{Start: start, End: start + sizes[i].X})
	}

	seamless := true
	for i := 0; i+1 < len(r.Ranges); i++ {
		left, right := &r.Ranges[i], &r.Ranges[i+1]
		if left.End == right.Start {
			continue
		}
		if left.End < right.Start {
			seamless = false
		}
		mid := (left.End + right.Start) / 2
		mid = max(mid, left.Start)
		mid = min(mid, right.End)
		left.End, right.Start = mid, mid
	}
	return seamless
}

// ClipRanges restricts the ranges to the kept column interval of a trimmed
// canvas and rebases them to start at 0. It returns false when the first or
// last range no longer reaches into the kept interval, in which case a
// component was lost and the ranges are left untouched.
func (r *Record) ClipRanges(kept Range) bool {
	n := len(r.Ranges)
	if n == 0 {
		return false
	}
	first, last := r.Ranges[0], r.Ranges[n-1]
	if !first.Contains(kept.Start) || kept.End <= last.Start || kept.End > last.End {
		return false
	}
	for i := range r.Ranges {
		r.Ranges[i].Start -= kept.Start
		r.Ranges[i].End -= kept.Start
	}
	r.Ranges[0].Start = 0
	r.Ranges[n-1].End = kept.Size()
	return true
}

// Group is the ordered set of stage records produced for one output frame.
type Group []*Record

// Clone deep-copies every member.
func (g Group) Clone() Group {
	if g == nil {
		return nil
	}
	out := make(Group, len(g))
	for i, r := range g {
		out[i] = r.Clone()
	}
	return out
}
