// Package sink holds finished panoramas until they can be cropped to a common
// rectangle, then refines and writes them in frame order.
package sink

import (
	"errors"
	"fmt"
	"image"
)

// ErrOutOfOrder is returned when a frame does not follow the previous one.
var ErrOutOfOrder = errors.New("sink: frame out of order")

// Writer consumes refined frames in increasing index order.
type Writer interface {
	WriteFrame(index int, img *image.RGBA) error
	Close() error
}

// Refiner turns a cropped panorama into an output frame.
type Refiner interface {
	Refine(img *image.RGBA) (*image.RGBA, error)
}

// Multi writes every frame to all of its writers.
type Multi []Writer

func (m Multi) WriteFrame(index int, img *image.RGBA) error {
	var errs []error
	for _, w := range m {
		if err := w.WriteFrame(index, img); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, w := range m {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// compact returns img with origin (0, 0) and a stride of 4*width, copying
// only when needed.
func compact(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	if b.Min == (image.Point{}) && img.Stride == 4*b.Dx() && len(img.Pix) == 4*b.Dx()*b.Dy() {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		copy(out.Pix[y*out.Stride:(y+1)*out.Stride], src[:4*b.Dx()])
	}
	return out
}

func checkSize(img *image.RGBA) error {
	if img == nil || img.Bounds().Empty() {
		return fmt.Errorf("empty frame")
	}
	return nil
}
