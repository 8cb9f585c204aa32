package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"fisheyepano/internal/fsutil"
	"fisheyepano/internal/logging"
	"fisheyepano/internal/pipeline"
)

// WatchOptions configures a WatchSource.
type WatchOptions struct {
	Dirs []string
	// Settle is how long a file must go without events before it is read.
	Settle time.Duration
	// Idle ends the stream once no image arrived for that long; zero waits
	// until the context ends.
	Idle   time.Duration
	Logger *slog.Logger
}

// WatchSource yields frame sets as images land in the camera directories.
// Images already present when the source starts are yielded first. Frame n
// is the n-th image of every camera, in arrival order.
type WatchSource struct {
	opts     WatchOptions
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker
	log      *slog.Logger
	camera   map[string]int
	queues   [][]string
	pending  map[string]time.Time
	seen     map[string]bool
	index    int
	activity time.Time
}

// NewWatchSource starts watching the camera directories.
func NewWatchSource(opts WatchOptions) (*WatchSource, error) {
	if len(opts.Dirs) == 0 {
		return nil, errors.New("no camera directories")
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &WatchSource{
		opts:     opts,
		watcher:  watcher,
		log:      logging.OrDefault(opts.Logger),
		camera:   make(map[string]int, len(opts.Dirs)),
		queues:   make([][]string, len(opts.Dirs)),
		pending:  make(map[string]time.Time),
		seen:     make(map[string]bool),
		activity: time.Now(),
	}
	for i, dir := range opts.Dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			watcher.Close()
			return nil, err
		}
		if err := watcher.Add(abs); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		w.camera[abs] = i
		existing, err := fsutil.ListImages(abs)
		if err != nil {
			watcher.Close()
			return nil, err
		}
		for _, p := range existing {
			w.seen[p] = true
		}
		w.queues[i] = existing
		w.log.Info("Watching directory", "camera", i, "dir", abs, "existing", len(existing))
	}
	w.ticker = time.NewTicker(max(opts.Settle/2, 10*time.Millisecond))
	return w, nil
}

func (w *WatchSource) ready() bool {
	for _, q := range w.queues {
		if len(q) == 0 {
			return false
		}
	}
	return true
}

func (w *WatchSource) Next(ctx context.Context) (pipeline.FrameSet, error) {
	for !w.ready() {
		select {
		case <-ctx.Done():
			return pipeline.FrameSet{}, ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return pipeline.FrameSet{}, io.EOF
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsImageFile(event.Name) || w.seen[event.Name] {
				continue
			}
			w.pending[event.Name] = time.Now()
			w.activity = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return pipeline.FrameSet{}, io.EOF
			}
			w.log.Warn("Filesystem watcher error", "error", err)

		case now := <-w.ticker.C:
			w.promote(now)
			if w.opts.Idle > 0 && len(w.pending) == 0 && now.Sub(w.activity) > w.opts.Idle {
				w.log.Info("no new frames, ending watch", "idle", w.opts.Idle, "frames", w.index)
				return pipeline.FrameSet{}, io.EOF
			}
		}
	}

	paths := make([]string, len(w.queues))
	for i := range w.queues {
		paths[i] = w.queues[i][0]
		w.queues[i] = w.queues[i][1:]
	}
	frames, err := load(paths)
	if err != nil {
		return pipeline.FrameSet{}, err
	}
	fs := pipeline.FrameSet{Index: w.index, Frames: frames}
	w.index++
	return fs, nil
}

// promote queues the pending files that have settled, in frame order.
func (w *WatchSource) promote(now time.Time) {
	var settled []string
	for p, last := range w.pending {
		if now.Sub(last) >= w.opts.Settle {
			settled = append(settled, p)
		}
	}
	if len(settled) == 0 {
		return
	}
	fsutil.SortFrames(settled)
	for _, p := range settled {
		delete(w.pending, p)
		cam, ok := w.camera[filepath.Dir(p)]
		if !ok {
			continue
		}
		w.seen[p] = true
		w.queues[cam] = append(w.queues[cam], p)
		w.log.Debug("frame arrived", "camera", cam, "path", p)
	}
}

func (w *WatchSource) Close() error {
	w.ticker.Stop()
	return w.watcher.Close()
}
