package compose

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// placeholderGray is the neutral fill of dry run inputs.
var placeholderGray = color.RGBA{R: 128, G: 128, B: 128, A: 255}

// Placeholder returns n content-free images of the given size.
func Placeholder(size image.Point, n int) []*image.RGBA {
	out := make([]*image.RGBA, n)
	for i := range out {
		img := image.NewRGBA(image.Rectangle{Max: size})
		draw.Draw(img, img.Bounds(), image.NewUniform(placeholderGray), image.Point{}, draw.Src)
		out[i] = img
	}
	return out
}

// cropColumns copies the columns [x0, x1) of img into a new image whose
// origin is (0, 0). The interval is clamped to the image.
func cropColumns(img *image.RGBA, x0, x1 int) *image.RGBA {
	b := img.Bounds()
	return crop(img, image.Rect(b.Min.X+x0, b.Min.Y, b.Min.X+x1, b.Max.Y))
}

func crop(img *image.RGBA, r image.Rectangle) *image.RGBA {
	r = r.Intersect(img.Bounds())
	out := image.NewRGBA(image.Rectangle{Max: r.Size()})
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}

// workSize scales src to the given width keeping its aspect. A non-positive
// width keeps the native size.
func workSize(width int, src image.Rectangle) image.Point {
	if width <= 0 || src.Dx() == 0 {
		return src.Size()
	}
	h := int(math.Round(float64(width) * float64(src.Dy()) / float64(src.Dx())))
	return image.Pt(width, h)
}
