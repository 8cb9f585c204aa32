package sink

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"gopkg.in/gographics/imagick.v3/imagick"

	"fisheyepano/internal/logging"
)

// ImageWriter writes each frame as pano_<index>.jpg under Dir.
type ImageWriter struct {
	Dir     string
	Quality uint
	Logger  *slog.Logger
}

// FramePath is where frame index is written.
func (w ImageWriter) FramePath(index int) string {
	return filepath.Join(w.Dir, fmt.Sprintf("pano_%06d.jpg", index))
}

func (w ImageWriter) WriteFrame(index int, img *image.RGBA) error {
	if err := checkSize(img); err != nil {
		return err
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	img = compact(img)
	b := img.Bounds()

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(b.Dx()), uint(b.Dy()), "RGBA", imagick.PIXEL_CHAR, img.Pix); err != nil {
		return fmt.Errorf("failed to load frame %d: %w", index, err)
	}
	if err := mw.SetImageFormat("JPEG"); err != nil {
		return fmt.Errorf("failed to set format: %w", err)
	}
	if w.Quality > 0 {
		if err := mw.SetImageCompressionQuality(w.Quality); err != nil {
			return fmt.Errorf("failed to set quality: %w", err)
		}
	}
	path := w.FramePath(index)
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if fi, err := os.Stat(path); err == nil {
		logging.OrDefault(w.Logger).Debug("frame written", "index", index, "path", path, "size", humanize.Bytes(uint64(fi.Size())))
	}
	return nil
}

func (w ImageWriter) Close() error { return nil }
