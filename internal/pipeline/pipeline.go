// Package pipeline drives a stream of synchronized camera frames through
// registration, window selection, composition and output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"fisheyepano/internal/compose"
	"fisheyepano/internal/framestore"
	"fisheyepano/internal/logging"
	"fisheyepano/internal/metrics"
	"fisheyepano/internal/registration"
	"fisheyepano/internal/sink"
	"fisheyepano/internal/storage"
	"fisheyepano/internal/window"
)

var (
	// ErrOutOfOrder is returned when a frame set does not directly follow
	// the previous one.
	ErrOutOfOrder = errors.New("pipeline: frame set out of order")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pipeline: stopped")
	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("pipeline: not started")
)

// FrameSet is one synchronized capture: the front and back camera frames.
type FrameSet struct {
	Index  int
	Frames []*image.RGBA
}

// Status is the outcome of one output frame.
type Status string

const (
	StatusComposed Status = "composed"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// FrameResult is broadcast for every output frame.
type FrameResult struct {
	RunID    string        `json:"run_id"`
	Index    int           `json:"index"`
	Status   Status        `json:"status"`
	Score    float64       `json:"score"`
	Selected []int         `json:"selected,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Composer stitches one frame set, optionally from a seed, and runs the
// placeholder pass the window cache needs for region remapping.
type Composer interface {
	Compose(ctx context.Context, frames []*image.RGBA, seed registration.Group) (compose.Composite, error)
	DryRun(ctx context.Context, seed registration.Group) (registration.Group, error)
	Stages() int
}

// Options configures a Pipeline.
type Options struct {
	// RunID identifies the run in the ledger; a random one is used if empty.
	RunID string
	// Input and Output are recorded in the ledger only.
	Input  string
	Output string
	Policy string

	Engine   registration.Engine
	Composer Composer
	// Window is the number of neighbouring registrations a seed is built from.
	Window      int
	SelectCount int
	Criteria    registration.Criteria
	Scorer      window.Scorer

	// Frames holds ingested frames until they are composed; an in-memory
	// store is created when nil.
	Frames *framestore.Store
	// Sink receives composed panoramas; nil discards them.
	Sink *sink.Buffer

	Ledger    *storage.Store
	Metrics   *metrics.Metrics
	QueueSize int
	Logger    *slog.Logger
}

// Stats is a progress snapshot, safe to read from any goroutine.
type Stats struct {
	RunID     string  `json:"run_id"`
	Ingested  int     `json:"ingested"`
	Next      int     `json:"next"`
	Composed  int     `json:"composed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Written   int     `json:"written"`
	History   int     `json:"history"`
	Memory    int     `json:"memory"`
	Spilled   int     `json:"spilled"`
	Selection string  `json:"selection"`
	Score     float64 `json:"score"`
	Finished  bool    `json:"finished"`
}

// Pipeline is driven either directly through Process and Finish from one
// goroutine, or through Start, Submit and Stop.
type Pipeline struct {
	opts     Options
	log      *slog.Logger
	runID    string
	cache    *window.Cache
	frames   *framestore.Store
	out      *sink.Buffer
	ledger   *storage.Store
	metrics  *metrics.Metrics
	stages   int
	begun    bool
	ingested int
	next     int
	finished bool

	queue     chan FrameSet
	qmu       sync.RWMutex
	started   bool
	stopped   bool
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error

	mu        sync.Mutex
	stats     Stats
	subs      map[int]chan FrameResult
	nextSubID int
}

// New creates a pipeline. Engine and Composer are required.
func New(opts Options) (*Pipeline, error) {
	if opts.Engine == nil || opts.Composer == nil {
		return nil, errors.New("pipeline needs an engine and a composer")
	}
	if opts.Window < 1 {
		opts.Window = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	log := logging.OrDefault(opts.Logger).With("run", opts.RunID)
	frames := opts.Frames
	if frames == nil {
		frames = framestore.New(framestore.Options{
			MaxInMemory: 2 * opts.Window,
			Window:      opts.Window,
			EvictSlack:  opts.Window,
			Logger:      log,
		})
	}
	p := &Pipeline{
		opts:  opts,
		log:   log,
		runID: opts.RunID,
		cache: window.New(window.Options{
			SelectCount: opts.SelectCount,
			Criteria:    opts.Criteria,
			Engine:      opts.Engine,
			Composer:    opts.Composer,
			Scorer:      opts.Scorer,
			Logger:      log,
		}),
		frames:  frames,
		out:     opts.Sink,
		ledger:  opts.Ledger,
		metrics: opts.Metrics,
		stages:  opts.Composer.Stages(),
		queue:   make(chan FrameSet, opts.QueueSize),
		subs:    make(map[int]chan FrameResult),
	}
	p.stats.RunID = opts.RunID
	return p, nil
}

// RunID identifies this run.
func (p *Pipeline) RunID() string { return p.runID }

// Window returns the frame range [lo, hi) whose registrations seed frame f.
// The window is centred on f and shifted to stay inside [0, total).
func Window(f, size, total int) (lo, hi int) {
	lo = max(0, f-size/2)
	hi = min(total, lo+size)
	lo = max(0, min(lo, hi-size))
	return lo, hi
}

func (p *Pipeline) begin() {
	if p.begun {
		return
	}
	p.begun = true
	if err := p.ledger.RecordRunStart(storage.RunRecord{
		ID:         p.runID,
		InputPath:  p.opts.Input,
		OutputPath: p.opts.Output,
		Policy:     p.opts.Policy,
	}); err != nil {
		p.log.Warn("failed to record run start", "error", err)
	}
	p.log.Info("run started", "window", p.opts.Window, "select", p.opts.SelectCount, "stages", p.stages)
}

// Process ingests the next frame set: it is stored, stitched from scratch so
// its registration joins the history, and then every frame whose window is
// fully registered is composed with a merged seed.
func (p *Pipeline) Process(ctx context.Context, fs FrameSet) error {
	if p.finished {
		return ErrStopped
	}
	if fs.Index != p.ingested {
		return fmt.Errorf("got frame %d, want %d: %w", fs.Index, p.ingested, ErrOutOfOrder)
	}
	p.begin()
	if err := p.frames.Put(fs.Index, fs.Frames); err != nil {
		// the frame is reported as skipped when its turn comes
		p.log.Error("failed to store frame", "frame", fs.Index, "error", err)
	}
	p.ingested++

	start := time.Now()
	comp, err := p.opts.Composer.Compose(ctx, fs.Frames, nil)
	p.metrics.ObserveStitch("fresh", time.Since(start))
	g := p.pad(comp.Group)
	p.cache.RecordGroup(fs.Index, g)
	if err != nil {
		p.log.Debug("fresh registration failed", "frame", fs.Index, "cause", registration.CauseOf(err).String(), "error", err)
	} else {
		p.log.Debug("fresh registration", "frame", fs.Index, "score", comp.Score)
	}

	p.drain(ctx, math.MaxInt)
	p.snapshot()
	return nil
}

// pad extends a partial group with empty records so every history entry has
// one record per stage.
func (p *Pipeline) pad(g registration.Group) registration.Group {
	for len(g) < p.stages {
		g = append(g, &registration.Record{})
	}
	return g
}

func (p *Pipeline) drain(ctx context.Context, total int) {
	for p.next < p.ingested {
		lo, hi := Window(p.next, p.opts.Window, total)
		if !p.cache.Covers(lo, hi) {
			p.log.Debug("history does not cover window", "frame", p.next, "window_lo", lo, "window_hi", hi, "end", p.cache.EndIndex())
			return
		}
		p.composeFrame(ctx, p.next, lo, hi)
		p.next++
		p.cache.Prune(lo)
	}
}

func (p *Pipeline) composeFrame(ctx context.Context, index, lo, hi int) {
	start := time.Now()
	logging.LogFrameStart(p.log, p.runID, index, lo, hi)
	res := FrameResult{RunID: p.runID, Index: index}

	frames, err := p.frames.Get(index)
	if err != nil {
		res.Status, res.Err = StatusSkipped, err
		p.finishFrame(res, start)
		return
	}
	defer func() {
		if err := p.frames.Remove(index); err != nil {
			p.log.Warn("failed to release frame", "frame", index, "error", err)
		}
	}()

	seed, sel, err := p.cache.SelectAndMerge(ctx, lo, hi)
	res.Selected = sel
	if err != nil {
		// no window frame has ever registered
		res.Status, res.Err = StatusSkipped, err
		p.finishFrame(res, start)
		return
	}

	cstart := time.Now()
	comp, err := p.opts.Composer.Compose(ctx, frames, seed)
	p.metrics.ObserveStitch("seeded", time.Since(cstart))
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		p.finishFrame(res, start)
		return
	}
	res.Status, res.Score = StatusComposed, comp.Score
	if p.out != nil {
		before := p.out.Written()
		if err := p.out.Add(index, comp.Panorama, comp.Bounds); err != nil {
			p.log.Warn("output flush failed", "frame", index, "error", err)
		}
		p.metrics.FramesWritten(p.out.Written() - before)
	}
	p.finishFrame(res, start)
}

func (p *Pipeline) finishFrame(res FrameResult, start time.Time) {
	res.Duration = time.Since(start)
	if res.Err != nil {
		res.Error = res.Err.Error()
		logging.LogFrameError(p.log, p.runID, res.Index, res.Duration, res.Err)
	} else {
		logging.LogFrameComplete(p.log, p.runID, res.Index, res.Duration, res.Score, res.Selected)
	}

	if err := p.ledger.RecordFrame(storage.FrameRecord{
		RunID:    p.runID,
		Index:    res.Index,
		Status:   string(res.Status),
		Score:    res.Score,
		Selected: res.Selected,
		Error:    res.Error,
	}); err != nil {
		p.log.Warn("failed to record frame", "frame", res.Index, "error", err)
	}
	p.metrics.FrameDone(string(res.Status), res.Score)

	p.mu.Lock()
	switch res.Status {
	case StatusComposed:
		p.stats.Composed++
		p.stats.Score = res.Score
	case StatusFailed:
		p.stats.Failed++
	default:
		p.stats.Skipped++
	}
	p.mu.Unlock()
	p.broadcast(res)
}

func (p *Pipeline) snapshot() {
	st := p.frames.Stats()
	_, sel := p.cache.Seed()
	p.metrics.SetHistory(p.cache.Len())
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Ingested = p.ingested
	p.stats.Next = p.next
	p.stats.History = p.cache.Len()
	p.stats.Memory = st.Memory
	p.stats.Spilled = st.Spilled
	p.stats.Selection = sel.Key()
	p.stats.Finished = p.finished
	if p.out != nil {
		p.stats.Written = p.out.Written()
	}
}

// Finish composes every remaining frame now that the stream length is known,
// flushes the output and closes the run in the ledger.
func (p *Pipeline) Finish(ctx context.Context) error {
	if p.finished {
		return nil
	}
	p.begin()
	p.drain(ctx, p.ingested)
	p.finished = true

	var err error
	if p.out != nil {
		before := p.out.Written()
		err = p.out.Close()
		p.metrics.FramesWritten(p.out.Written() - before)
	}
	p.snapshot()

	st := p.Stats()
	status, msg := "completed", ""
	if err != nil {
		status, msg = "failed", err.Error()
	}
	if lerr := p.ledger.RecordRunResult(p.runID, status, st.Ingested, st.Failed+st.Skipped, msg); lerr != nil {
		p.log.Warn("failed to record run result", "error", lerr)
	}
	p.log.Info("run finished",
		"frames", st.Ingested,
		"composed", st.Composed,
		"failed", st.Failed,
		"skipped", st.Skipped,
		"written", st.Written,
	)
	return err
}

// Start runs Process for every submitted frame set on a worker goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.qmu.Lock()
		defer p.qmu.Unlock()
		if p.stopped {
			return
		}
		p.started = true
		p.wg.Add(1)
		go p.worker(ctx)
	})
}

// Submit queues a frame set, blocking while the queue is full.
func (p *Pipeline) Submit(fs FrameSet) error {
	p.qmu.RLock()
	defer p.qmu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	if !p.started {
		return ErrNotStarted
	}
	p.queue <- fs
	p.metrics.SetQueueDepth(len(p.queue))
	return nil
}

// Stop closes the queue, waits for queued frame sets and the final flush,
// then closes every subscription. It returns the flush error, if any.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.qmu.Lock()
		p.stopped = true
		close(p.queue)
		p.qmu.Unlock()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
	return p.stopErr
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for fs := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		if err := ctx.Err(); err != nil {
			p.log.Warn("dropping frame set after cancellation", "frame", fs.Index)
			continue
		}
		if err := p.Process(ctx, fs); err != nil {
			p.log.Error("frame set rejected", "frame", fs.Index, "error", err)
		}
	}
	p.stopErr = p.Finish(ctx)
}

// Stats returns a progress snapshot.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Subscribe returns a channel for receiving frame results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan FrameResult, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan FrameResult, 32)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res FrameResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "frame", res.Index)
		}
	}
}
