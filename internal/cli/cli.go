package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fisheyepano/internal/compose"
	"fisheyepano/internal/config"
	"fisheyepano/internal/engine/hugin"
	"fisheyepano/internal/framestore"
	"fisheyepano/internal/fsutil"
	"fisheyepano/internal/ingest"
	"fisheyepano/internal/metrics"
	"fisheyepano/internal/pipeline"
	"fisheyepano/internal/registration"
	"fisheyepano/internal/server"
	"fisheyepano/internal/sink"
	"fisheyepano/internal/storage"
)

type engineFactory func(cfg *config.Config, policy compose.Policy, log *slog.Logger) registration.Engine

type composerFactory func(cfg *config.Config, engine registration.Engine, policy compose.Policy, log *slog.Logger) pipeline.Composer

type toolChecker interface {
	GetToolStatus(ctx context.Context) map[string]fsutil.ToolStatus
}

type toolFactory func(*config.Config) toolChecker

// Root wires CLI commands to the stitching pipeline.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store

	engineFactory   engineFactory
	composerFactory composerFactory
	toolFactory     toolFactory
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:             cfg,
		log:             logger,
		store:           store,
		engineFactory:   huginEngine,
		composerFactory: compositor,
		toolFactory: func(cfg *config.Config) toolChecker {
			return fsutil.NewToolManager(cfg)
		},
	}
}

// runOptions are the per-invocation settings of run and watch.
type runOptions struct {
	Input  string
	Output string
	Policy string
	Start  int
	Limit  int
	Serve  bool
}

func huginEngine(cfg *config.Config, policy compose.Policy, log *slog.Logger) registration.Engine {
	s := cfg.Stitching
	// Only the double-side policy stitches crops of earlier panoramas from
	// its third stage on.
	derived := 1
	if policy == compose.DoubleSide {
		derived = 2
	}
	return hugin.New(hugin.Options{
		Runner:        hugin.ExecRunner{BinDir: cfg.Tools.HuginPath},
		WorkDir:       cfg.Processing.TempDir,
		Projection:    s.Projection,
		CameraLens:    hugin.LensCircularFisheye,
		CameraFOV:     s.CameraFOV,
		DerivedStage:  derived,
		Aggression:    s.Aggression,
		Interpolation: s.Interpolation,
		Logger:        log,
	})
}

func criteria(cfg *config.Config) registration.Criteria {
	return registration.Criteria{
		NonBlackFloor:      cfg.Stitching.NonBlackFloor,
		FocalEpsilon:       cfg.Stitching.FocalEpsilon,
		MaxFocalDivergence: cfg.Stitching.MaxFocalDivergence,
	}
}

func compositor(cfg *config.Config, engine registration.Engine, policy compose.Policy, log *slog.Logger) pipeline.Composer {
	s := cfg.Stitching
	opts := compose.DefaultOptions()
	opts.Policy = policy
	opts.OverlapRatio = s.OverlapRatio
	opts.SeamTolerance = s.SeamTolerance
	opts.FinalTolerance = s.FinalTolerance
	opts.MaskHeight = s.MaskHeight
	opts.BlendStrengths = s.BlendStrengths
	opts.ResizeWidths = s.ResizeWidths
	opts.Criteria = criteria(cfg)
	opts.Trim = compose.TrimOptions{
		Floor:           s.NonBlackFloor,
		BlackThreshold:  s.BlackThreshold,
		HeightTolerance: s.HeightTolerance,
	}
	opts.Parallel = cfg.Processing.ParallelStages
	opts.Logger = log
	return compose.New(engine, opts)
}

// newSink builds the output buffer, or nil when nothing is to be written.
func (r *Root) newSink(ctx context.Context, output string) *sink.Buffer {
	o := r.cfg.Output
	var writers sink.Multi
	if o.WriteImages {
		writers = append(writers, sink.ImageWriter{Dir: output, Quality: o.JPEGQuality, Logger: r.log})
	}
	if o.VideoPath != "" {
		path := o.VideoPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(output, path)
		}
		writers = append(writers, sink.NewVideoWriter(ctx, sink.VideoOptions{
			Path:   path,
			FFmpeg: r.cfg.Tools.FFmpeg,
			FPS:    o.FPS,
			Codec:  o.Codec,
			Logger: r.log,
		}))
	}
	if len(writers) == 0 {
		return nil
	}
	return sink.NewBuffer(sink.BufferOptions{
		Capacity: o.BufferSize,
		Refiner:  newRefiner(o),
		Writer:   writers,
		Logger:   r.log,
	})
}

// newRefiner sharpens through ImageMagick when a gain is set; otherwise
// frames are only resized.
func newRefiner(o config.Output) sink.Refiner {
	if o.UnsharpGain <= 0 {
		return sink.ScaleRefiner{Width: o.Width, Height: o.Height}
	}
	return sink.ImagickRefiner{
		Width:  o.Width,
		Height: o.Height,
		Sigma:  o.UnsharpSigma,
		Gain:   o.UnsharpGain,
	}
}

// session is one stitching run and the resources it owns.
type session struct {
	pipe     *pipeline.Pipeline
	metrics  *metrics.Metrics
	spill    *framestore.DiskSpill
	spillDir string
}

func (s *session) close() error {
	return errors.Join(s.spill.Close(), os.RemoveAll(s.spillDir))
}

// newSession builds a pipeline for opts. frameBytes sizes the frame store
// against available memory; zero keeps the configured size.
func (r *Root) newSession(ctx context.Context, opts runOptions, frameBytes uint64) (*session, error) {
	cfg := r.cfg
	if opts.Policy == "" {
		opts.Policy = cfg.Stitching.Policy
	}
	policy, err := compose.ParsePolicy(opts.Policy)
	if err != nil {
		return nil, err
	}
	if opts.Output == "" {
		opts.Output = cfg.Paths.DefaultOutput
	}

	runID := uuid.New().String()
	spillDir := filepath.Join(cfg.FrameStore.SpillDir, runID)
	spill, err := framestore.NewDiskSpill(spillDir, r.log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	frames := framestore.New(framestore.Options{
		MaxInMemory:   fsutil.SizeFrameStore(cfg.FrameStore.MaxInMemory, frameBytes, r.log),
		Window:        cfg.Stitching.WindowSize,
		EvictSlack:    cfg.FrameStore.EvictSlack,
		EvictLookback: cfg.FrameStore.EvictLookback,
		Spill:         spill,
		Observer:      m,
		Logger:        r.log,
	})

	engine := r.engineFactory(cfg, policy, r.log)
	pipe, err := pipeline.New(pipeline.Options{
		RunID:       runID,
		Input:       opts.Input,
		Output:      opts.Output,
		Policy:      policy.String(),
		Engine:      engine,
		Composer:    r.composerFactory(cfg, engine, policy, r.log),
		Window:      cfg.Stitching.WindowSize,
		SelectCount: cfg.Stitching.SelectCount,
		Criteria:    criteria(cfg),
		Frames:      frames,
		Sink:        r.newSink(ctx, opts.Output),
		Ledger:      r.store,
		Metrics:     m,
		QueueSize:   cfg.Processing.QueueSize,
		Logger:      r.log,
	})
	if err != nil {
		spill.Close()
		os.RemoveAll(spillDir)
		return nil, err
	}
	return &session{pipe: pipe, metrics: m, spill: spill, spillDir: spillDir}, nil
}

// execute runs feed, with the status endpoints up for its duration when serve
// is set.
func (r *Root) execute(ctx context.Context, s *session, serve bool, feed func(context.Context) error) error {
	if !serve {
		return feed(ctx)
	}
	serveCtx, stop := context.WithCancel(ctx)
	defer stop()

	health := server.NewHealth(r.cfg.Server.GRPCAddr, r.log)
	srv := server.NewServer(r.cfg.Server.HTTPAddr, r.store, s.pipe, s.metrics, r.log)
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return health.Start(gctx) })

	health.SetServing(true)
	err := feed(ctx)
	health.SetServing(false)
	stop()
	return errors.Join(err, g.Wait())
}

// Stitch composes every frame set of the camera directories under input.
func (r *Root) Stitch(ctx context.Context, opts runOptions) error {
	dirs, err := ingest.CameraDirs(opts.Input)
	if err != nil {
		return err
	}
	src, err := ingest.NewDirSource(ingest.DirOptions{
		Dirs:   dirs,
		Start:  opts.Start,
		Limit:  opts.Limit,
		Logger: r.log,
	})
	if err != nil {
		return err
	}
	defer src.Close()
	if src.Len() == 0 {
		return fmt.Errorf("no frames under %s", opts.Input)
	}
	frameBytes, err := src.FrameBytes()
	if err != nil {
		return err
	}

	s, err := r.newSession(ctx, opts, frameBytes)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			r.log.Warn("failed to clean up spill directory", "dir", s.spillDir, "error", err)
		}
	}()

	r.log.Info("stitching started",
		"run", s.pipe.RunID(),
		"input", opts.Input,
		"frames", src.Len(),
		"policy", opts.Policy,
	)
	return r.execute(ctx, s, opts.Serve, func(ctx context.Context) error {
		return ingest.Feed(ctx, src, s.pipe, r.log)
	})
}

// Watch composes frame sets as their images arrive. Cancelling ctx stops the
// watch; frame sets already queued are still composed.
func (r *Root) Watch(ctx context.Context, opts runOptions, watch ingest.WatchOptions) error {
	dirs, err := ingest.CameraDirs(opts.Input)
	if err != nil {
		return err
	}
	watch.Dirs = dirs
	watch.Logger = r.log
	src, err := ingest.NewWatchSource(watch)
	if err != nil {
		return err
	}
	defer src.Close()

	s, err := r.newSession(ctx, opts, 0)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			r.log.Warn("failed to clean up spill directory", "dir", s.spillDir, "error", err)
		}
	}()

	return r.execute(ctx, s, opts.Serve, func(ctx context.Context) error {
		return submitAll(ctx, src, s.pipe, r.log)
	})
}

type submitter interface {
	Start(ctx context.Context)
	Submit(fs pipeline.FrameSet) error
	Stop() error
}

// submitAll queues every frame set of src on the pipeline worker until src
// ends or ctx is cancelled, then waits for the run to finish.
func submitAll(ctx context.Context, src ingest.Source, p submitter, log *slog.Logger) error {
	p.Start(context.WithoutCancel(ctx))
	var srcErr error
	for {
		fs, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, context.Canceled) {
			log.Info("watch stopped, finishing queued frames")
			break
		}
		if err != nil {
			srcErr = fmt.Errorf("read frame set: %w", err)
			break
		}
		if err := p.Submit(fs); err != nil {
			srcErr = err
			break
		}
	}
	return errors.Join(srcErr, p.Stop())
}
