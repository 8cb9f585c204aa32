package framestore

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// spilledFrame is the on-disk form of one camera buffer.
type spilledFrame struct {
	Width  int    `cbor:"1,keyasint"`
	Height int    `cbor:"2,keyasint"`
	Stride int    `cbor:"3,keyasint"`
	MinX   int    `cbor:"4,keyasint"`
	MinY   int    `cbor:"5,keyasint"`
	Pix    []byte `cbor:"6,keyasint"`
}

// DiskSpill stores each camera buffer as a zstd-compressed CBOR file
// <dir>/frame-<index>-<camera>.cbor.zst. Files are written to a temp name,
// synced and renamed, so a frame is durable before Write returns.
type DiskSpill struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
	log *slog.Logger
}

// NewDiskSpill creates dir if needed.
func NewDiskSpill(dir string, logger *slog.Logger) (*DiskSpill, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskSpill{dir: dir, enc: enc, dec: dec, log: logger}, nil
}

func (d *DiskSpill) path(index, camera int) string {
	return filepath.Join(d.dir, fmt.Sprintf("frame-%08d-%d.cbor.zst", index, camera))
}

// Write persists every buffer of a frame. On failure the buffers already
// written for the frame are removed.
func (d *DiskSpill) Write(index int, frames []*image.RGBA) error {
	var raw, stored int
	for cam, f := range frames {
		n, err := d.writeCamera(index, cam, f)
		if err != nil {
			if derr := d.Delete(index, cam); derr != nil {
				d.log.Warn("failed to remove partial spill", "frame", index, "error", derr)
			}
			return err
		}
		raw += len(f.Pix)
		stored += n
	}
	d.log.Debug("frame spilled",
		"frame", index,
		"cameras", len(frames),
		"raw", humanize.Bytes(uint64(raw)),
		"stored", humanize.Bytes(uint64(stored)),
	)
	return nil
}

func (d *DiskSpill) writeCamera(index, cam int, f *image.RGBA) (int, error) {
	if f == nil {
		return 0, fmt.Errorf("camera %d: nil frame", cam)
	}
	data, err := cbor.Marshal(spilledFrame{
		Width:  f.Rect.Dx(),
		Height: f.Rect.Dy(),
		Stride: f.Stride,
		MinX:   f.Rect.Min.X,
		MinY:   f.Rect.Min.Y,
		Pix:    f.Pix,
	})
	if err != nil {
		return 0, fmt.Errorf("encode camera %d: %w", cam, err)
	}
	compressed := d.enc.EncodeAll(data, nil)
	if err := writeAtomic(d.path(index, cam), compressed); err != nil {
		return 0, fmt.Errorf("camera %d: %w", cam, err)
	}
	return len(compressed), nil
}

// Read loads count buffers of a frame.
func (d *DiskSpill) Read(index, count int) ([]*image.RGBA, error) {
	out := make([]*image.RGBA, count)
	for cam := 0; cam < count; cam++ {
		compressed, err := os.ReadFile(d.path(index, cam))
		if err != nil {
			return nil, fmt.Errorf("read camera %d: %w", cam, err)
		}
		data, err := d.dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress camera %d: %w", cam, err)
		}
		var sf spilledFrame
		if err := cbor.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("decode camera %d: %w", cam, err)
		}
		if sf.Width < 0 || sf.Height < 0 || len(sf.Pix) < pixLen(sf) {
			return nil, fmt.Errorf("camera %d: truncated buffer", cam)
		}
		out[cam] = &image.RGBA{
			Pix:    sf.Pix,
			Stride: sf.Stride,
			Rect:   image.Rect(sf.MinX, sf.MinY, sf.MinX+sf.Width, sf.MinY+sf.Height),
		}
	}
	return out, nil
}

// pixLen is the shortest Pix that covers the frame's rectangle.
func pixLen(sf spilledFrame) int {
	if sf.Width == 0 || sf.Height == 0 {
		return 0
	}
	return sf.Stride*(sf.Height-1) + 4*sf.Width
}

// Delete removes count buffers of a frame; missing files are ignored.
func (d *DiskSpill) Delete(index, count int) error {
	var errs []error
	for cam := 0; cam < count; cam++ {
		if err := os.Remove(d.path(index, cam)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the codec resources.
func (d *DiskSpill) Close() error {
	d.dec.Close()
	return d.enc.Close()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".spill-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename spill file: %w", err)
	}
	return nil
}
