package sink

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
	"gopkg.in/gographics/imagick.v3/imagick"
)

// ImagickRefiner resizes to the output size and applies an unsharp mask.
type ImagickRefiner struct {
	Width  int
	Height int
	Sigma  float64
	Gain   float64
}

func (r ImagickRefiner) Refine(img *image.RGBA) (*image.RGBA, error) {
	if err := checkSize(img); err != nil {
		return nil, err
	}
	img = compact(img)
	b := img.Bounds()

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(b.Dx()), uint(b.Dy()), "RGBA", imagick.PIXEL_CHAR, img.Pix); err != nil {
		return nil, fmt.Errorf("failed to load frame: %w", err)
	}
	w, h := outputSize(b.Size(), r.Width, r.Height)
	if w != b.Dx() || h != b.Dy() {
		if err := mw.ResizeImage(uint(w), uint(h), imagick.FILTER_LANCZOS); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}
	if r.Gain > 0 {
		if err := mw.UnsharpMaskImage(0, r.Sigma, r.Gain, 0.05); err != nil {
			return nil, fmt.Errorf("failed to sharpen: %w", err)
		}
	}
	pixels, err := mw.ExportImagePixels(0, 0, uint(w), uint(h), "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels: %w", err)
	}
	pix, ok := pixels.([]byte)
	if !ok || len(pix) != 4*w*h {
		return nil, fmt.Errorf("unexpected pixel export of %T", pixels)
	}
	return &image.RGBA{Pix: pix, Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}, nil
}

// ScaleRefiner only resizes, with Catmull-Rom resampling.
type ScaleRefiner struct {
	Width  int
	Height int
}

func (r ScaleRefiner) Refine(img *image.RGBA) (*image.RGBA, error) {
	if err := checkSize(img); err != nil {
		return nil, err
	}
	w, h := outputSize(img.Bounds().Size(), r.Width, r.Height)
	if w == img.Bounds().Dx() && h == img.Bounds().Dy() {
		return compact(img), nil
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img, img.Bounds(), draw.Src, nil)
	return out, nil
}

// outputSize resolves a requested size; a zero dimension follows the
// source aspect ratio, and both zero keep the source size.
func outputSize(src image.Point, w, h int) (int, int) {
	switch {
	case w > 0 && h > 0:
		return w, h
	case w > 0:
		return w, max(1, src.Y*w/src.X)
	case h > 0:
		return max(1, src.X*h/src.Y), h
	default:
		return src.X, src.Y
	}
}
