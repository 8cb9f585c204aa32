package sink

import (
	"fmt"
	"image"
	"log/slog"

	"fisheyepano/internal/compose"
	"fisheyepano/internal/logging"
)

// BufferOptions configures a Buffer.
type BufferOptions struct {
	Capacity int
	// Refiner is optional; without it cropped frames are written as is.
	Refiner Refiner
	Writer  Writer
	Logger  *slog.Logger
}

type pending struct {
	index  int
	img    *image.RGBA
	bounds compose.NormRect
}

// Buffer collects composed frames. At each flush every held frame is cropped
// to the rectangle common to all frames seen so far, refined and written.
type Buffer struct {
	opts    BufferOptions
	log     *slog.Logger
	frames  []pending
	common  compose.Intersection
	last    int
	written int
}

// NewBuffer creates an empty buffer.
func NewBuffer(opts BufferOptions) *Buffer {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	return &Buffer{opts: opts, log: logging.OrDefault(opts.Logger), last: -1}
}

// Add holds a composed frame. bounds is the frame's kept area relative to its
// untrimmed canvas. The buffer flushes when it reaches capacity.
func (b *Buffer) Add(index int, img *image.RGBA, bounds compose.NormRect) error {
	if index <= b.last {
		return fmt.Errorf("frame %d after %d: %w", index, b.last, ErrOutOfOrder)
	}
	if err := checkSize(img); err != nil {
		return fmt.Errorf("frame %d: %w", index, err)
	}
	b.common.Add(bounds)
	b.frames = append(b.frames, pending{index: index, img: img, bounds: bounds})
	b.last = index
	if len(b.frames) >= b.opts.Capacity {
		return b.Flush()
	}
	return nil
}

// Common is the running common rectangle.
func (b *Buffer) Common() compose.NormRect { return b.common.Rect() }

// Buffered is the number of frames waiting for a flush.
func (b *Buffer) Buffered() int { return len(b.frames) }

// Written is the number of frames written so far.
func (b *Buffer) Written() int { return b.written }

// Flush crops, refines and writes every held frame in order. A frame that
// cannot be refined or written is dropped and the rest stay held.
func (b *Buffer) Flush() error {
	if len(b.frames) == 0 {
		return nil
	}
	rect := b.common.Rect()
	if rect.Empty() {
		b.log.Warn("no rectangle common to all frames, writing frames uncropped", "frames", b.common.Frames())
	}
	frames := b.frames
	b.frames = nil
	for i, p := range frames {
		r := compose.CropFor(rect, p.bounds, p.img.Bounds())
		out := compact(p.img.SubImage(r).(*image.RGBA))
		if b.opts.Refiner != nil {
			refined, err := b.opts.Refiner.Refine(out)
			if err != nil {
				b.frames = frames[i+1:]
				return fmt.Errorf("refine frame %d: %w", p.index, err)
			}
			out = refined
		}
		if b.opts.Writer != nil {
			if err := b.opts.Writer.WriteFrame(p.index, out); err != nil {
				b.frames = frames[i+1:]
				return fmt.Errorf("write frame %d: %w", p.index, err)
			}
		}
		b.written++
	}
	b.log.Debug("stitched buffer flushed",
		"frames", len(frames),
		"first", frames[0].index,
		"last", frames[len(frames)-1].index,
		"common_area", rect.Area(),
	)
	return nil
}

// Close flushes what is left and closes the writer.
func (b *Buffer) Close() error {
	err := b.Flush()
	if b.opts.Writer != nil {
		if cerr := b.opts.Writer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
