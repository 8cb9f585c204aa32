// Package ingest turns per-camera image sequences into frame sets.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"fisheyepano/internal/fsutil"
	"fisheyepano/internal/logging"
	"fisheyepano/internal/pipeline"
)

// Source yields frame sets in index order and io.EOF once exhausted.
type Source interface {
	Next(ctx context.Context) (pipeline.FrameSet, error)
	Close() error
}

// Processor is the pipeline side of Feed.
type Processor interface {
	Process(ctx context.Context, fs pipeline.FrameSet) error
	Finish(ctx context.Context) error
}

// CameraDirs returns the camera directories of an input directory: its first
// two subdirectories in name order, front camera first.
func CameraDirs(input string) ([]string, error) {
	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(input, e.Name()))
		}
	}
	sort.Strings(dirs)
	if len(dirs) < 2 {
		return nil, fmt.Errorf("%s needs a subdirectory per camera, found %d", input, len(dirs))
	}
	return dirs[:2], nil
}

// DirOptions configures a DirSource.
type DirOptions struct {
	Dirs []string
	// Start skips that many leading frames; Limit caps the frame count when positive.
	Start  int
	Limit  int
	Logger *slog.Logger
}

// DirSource reads the n-th image of every camera directory as frame n.
type DirSource struct {
	files [][]string
	count int
	next  int
	start int
}

// NewDirSource lists the camera directories. Cameras with more images than
// the shortest one have their extra images ignored.
func NewDirSource(opts DirOptions) (*DirSource, error) {
	if len(opts.Dirs) == 0 {
		return nil, errors.New("no camera directories")
	}
	log := logging.OrDefault(opts.Logger)
	files := make([][]string, len(opts.Dirs))
	count := -1
	for i, dir := range opts.Dirs {
		list, err := fsutil.ListImages(dir)
		if err != nil {
			return nil, fmt.Errorf("list camera %d: %w", i, err)
		}
		files[i] = list
		if count < 0 || len(list) < count {
			count = len(list)
		}
	}
	for i, list := range files {
		if len(list) > count {
			log.Warn("camera has extra frames", "camera", i, "dir", opts.Dirs[i], "frames", len(list), "used", count)
		}
	}
	start := min(max(opts.Start, 0), count)
	if opts.Limit > 0 {
		count = min(count, start+opts.Limit)
	}
	log.Info("frame source ready", "cameras", len(opts.Dirs), "frames", count-start)
	return &DirSource{files: files, count: count, next: start, start: start}, nil
}

// Len is the number of frame sets the source yields.
func (d *DirSource) Len() int { return d.count - d.start }

func (d *DirSource) Next(ctx context.Context) (pipeline.FrameSet, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.FrameSet{}, err
	}
	if d.next >= d.count {
		return pipeline.FrameSet{}, io.EOF
	}
	paths := make([]string, len(d.files))
	for i := range d.files {
		paths[i] = d.files[i][d.next]
	}
	frames, err := load(paths)
	if err != nil {
		return pipeline.FrameSet{}, err
	}
	fs := pipeline.FrameSet{Index: d.next - d.start, Frames: frames}
	d.next++
	return fs, nil
}

func (d *DirSource) Close() error { return nil }

// FrameBytes is the decoded size of one frame set, read from the headers of
// the first images.
func (d *DirSource) FrameBytes() (uint64, error) {
	if d.Len() <= 0 {
		return 0, nil
	}
	var total uint64
	for _, list := range d.files {
		f, err := os.Open(list[d.start])
		if err != nil {
			return 0, err
		}
		cfg, _, err := image.DecodeConfig(f)
		f.Close()
		if err != nil {
			return 0, fmt.Errorf("decode %s: %w", list[d.start], err)
		}
		total += uint64(cfg.Width) * uint64(cfg.Height) * 4
	}
	return total, nil
}

func load(paths []string) ([]*image.RGBA, error) {
	frames := make([]*image.RGBA, len(paths))
	for i, p := range paths {
		img, err := fsutil.LoadRGBA(p)
		if err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, err)
		}
		frames[i] = img
	}
	return frames, nil
}

// Feed pushes every frame set of src through p and finishes the run. A frame
// set that cannot be loaded ends the stream early; frames already ingested
// are still composed.
func Feed(ctx context.Context, src Source, p Processor, log *slog.Logger) error {
	log = logging.OrDefault(log)
	var srcErr error
	for {
		fs, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			srcErr = fmt.Errorf("read frame set: %w", err)
			log.Error("frame source failed", "error", err)
			break
		}
		if err := p.Process(ctx, fs); err != nil {
			srcErr = fmt.Errorf("process frame set %d: %w", fs.Index, err)
			break
		}
	}
	return errors.Join(srcErr, p.Finish(ctx))
}
