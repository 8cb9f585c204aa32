// Package compose assembles two opposed fisheye feeds into one panorama
// through a fixed sequence of registration stages, trimming the black border
// each stage leaves behind.
package compose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"fisheyepano/internal/logging"
	"fisheyepano/internal/registration"
)

// Options configures a Compositor.
type Options struct {
	Policy Policy
	// OverlapRatio is the expected overlap between the two feeds; it bounds
	// the width of the seam crops re-stitched by the third stage.
	OverlapRatio float64
	// OnceOverlap widens the front crops of the single stage policy.
	OnceOverlap float64
	// FrontMask is the overlap search mask of the first stitches.
	FrontMask registration.MaskRatio
	// SeamTolerance and FinalTolerance are the mask widths of the seam and
	// closing stitches; MaskHeight is their mask height.
	SeamTolerance  float64
	FinalTolerance float64
	MaskHeight     float64
	// BlendStrengths apply to the first two and the last two stages.
	BlendStrengths [2]int
	// ResizeWidths is the work width per stage; zero keeps native size.
	ResizeWidths [4]int
	Criteria     registration.Criteria
	Trim         TrimOptions
	// Parallel runs the forward and reverse stitches concurrently.
	Parallel bool
	Logger   *slog.Logger
}

// DefaultOptions returns the double-side settings used by the pipeline.
func DefaultOptions() Options {
	return Options{
		Policy:         DoubleSide,
		OverlapRatio:   0.2,
		OnceOverlap:    0.1,
		FrontMask:      registration.MaskRatio{Width: 0.5, Height: 1},
		SeamTolerance:  0.65,
		FinalTolerance: 0.7,
		MaskHeight:     0.9,
		BlendStrengths: [2]int{5, 1},
		ResizeWidths:   [4]int{1200, 1200, 1600, 1600},
		Criteria:       registration.DefaultCriteria(),
		Trim:           DefaultTrimOptions(),
	}
}

// onceMask is the search mask of the single stage policy.
var onceMask = registration.MaskRatio{Width: 1.0, Height: 0.7}

// Composite is one finished frame.
type Composite struct {
	// Panorama is the trimmed output of the last stage.
	Panorama *image.RGBA
	// Group holds one record per stage run. A failed composition holds the
	// records up to and including the failing stage.
	Group registration.Group
	// Bounds is the kept area of the last stage relative to its canvas.
	Bounds NormRect
	Score  float64
}

// StageError reports the stage at which a composition stopped.
type StageError struct {
	Stage int
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %d: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Compositor runs the stage sequence of a Policy on top of an Engine.
type Compositor struct {
	engine registration.Engine
	opts   Options
	log    *slog.Logger
}

// New creates a Compositor.
func New(engine registration.Engine, opts Options) *Compositor {
	return &Compositor{
		engine: engine,
		opts:   opts,
		log:    logging.OrDefault(opts.Logger),
	}
}

// Stages is the group length the configured policy produces.
func (c *Compositor) Stages() int { return c.opts.Policy.Stages() }

// Compose stitches the front and back frames. seed may be empty, in which
// case every stage registers from scratch; otherwise it must hold one record
// per stage. On failure the returned Composite still carries the partial
// group so the caller can record it.
func (c *Compositor) Compose(ctx context.Context, frames []*image.RGBA, seed registration.Group) (Composite, error) {
	if len(frames) != 2 || frames[0] == nil || frames[1] == nil {
		return Composite{}, fmt.Errorf("composition needs a front and a back frame, got %d", len(frames))
	}
	if len(seed) != 0 && len(seed) != c.Stages() {
		return Composite{}, fmt.Errorf("seed has %d stages, policy %s needs %d", len(seed), c.opts.Policy, c.Stages())
	}

	start := time.Now()
	g, last, err := c.run(ctx, frames, seed)
	out := Composite{Group: g}
	if err != nil {
		return out, err
	}
	out.Panorama = last.pano
	out.Bounds = last.bounds
	out.Score = c.opts.Criteria.GroupEvaluate(g)
	c.log.Debug("composition complete",
		"policy", c.opts.Policy.String(),
		"score", out.Score,
		"size", out.Panorama.Bounds().Size(),
		"duration", time.Since(start),
	)
	return out, nil
}

// DryRun composes neutral placeholder frames at the seed's work size and
// returns the resulting group, whose regions show where the seed places each
// source.
func (c *Compositor) DryRun(ctx context.Context, seed registration.Group) (registration.Group, error) {
	if len(seed) == 0 || seed[0].IsNull() {
		return nil, errors.New("dry run needs a seed")
	}
	size := seed[0].ResizeSize
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("seed has no work size")
	}
	comp, err := c.Compose(ctx, Placeholder(size, 2), seed)
	if err != nil {
		return nil, fmt.Errorf("dry run: %w", err)
	}
	return comp.Group, nil
}

type stage struct {
	index     int
	mask      registration.MaskRatio
	blend     int
	width     int
	multiband bool
}

type stageResult struct {
	pano   *image.RGBA
	rec    *registration.Record
	bounds NormRect
}

func (c *Compositor) stageSpec(i int) stage {
	o := c.opts
	switch {
	case o.Policy == DoubleSideOnce:
		return stage{index: i, mask: onceMask}
	case i < 2 && o.Policy == DoubleSide:
		return stage{index: i, mask: o.FrontMask, blend: o.BlendStrengths[0], width: o.ResizeWidths[0], multiband: true}
	case o.Policy == DoubleSideNoDirectionCorrection:
		width := o.ResizeWidths[0]
		if i > 0 {
			width = o.ResizeWidths[2]
		}
		return stage{index: i, mask: o.FrontMask, blend: o.BlendStrengths[0], width: width, multiband: true}
	case i == 2:
		return stage{index: i, mask: registration.MaskRatio{Width: o.SeamTolerance, Height: o.MaskHeight}, blend: o.BlendStrengths[1], width: o.ResizeWidths[2], multiband: true}
	default:
		return stage{index: i, mask: registration.MaskRatio{Width: o.FinalTolerance, Height: o.MaskHeight}, blend: o.BlendStrengths[1], width: o.ResizeWidths[3], multiband: true}
	}
}

func seedAt(seed registration.Group, i int) *registration.Record {
	if len(seed) == 0 {
		return nil
	}
	return seed[i]
}

func (c *Compositor) run(ctx context.Context, frames []*image.RGBA, seed registration.Group) (registration.Group, stageResult, error) {
	switch c.opts.Policy {
	case DoubleSideOnce:
		return c.once(ctx, frames, seed)
	case DoubleSideNoDirectionCorrection:
		return c.noDirectionCorrection(ctx, frames, seed)
	default:
		return c.doubleSide(ctx, frames, seed)
	}
}

func (c *Compositor) doubleSide(ctx context.Context, frames []*image.RGBA, seed registration.Group) (registration.Group, stageResult, error) {
	g := make(registration.Group, 0, 4)
	forward := []*image.RGBA{frames[0], frames[1]}
	reverse := []*image.RGBA{frames[1], frames[0]}

	var fb, bf stageResult
	if c.opts.Parallel {
		eg, gctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			var err error
			fb, err = c.stitch(gctx, c.stageSpec(0), forward, seedAt(seed, 0))
			return err
		})
		eg.Go(func() error {
			var err error
			bf, err = c.stitch(gctx, c.stageSpec(1), reverse, seedAt(seed, 1))
			return err
		})
		if err := eg.Wait(); err != nil {
			g = append(g, fb.rec)
			if stageOf(err) == 1 {
				g = append(g, bf.rec)
			}
			return g, stageResult{}, err
		}
		g = append(g, fb.rec, bf.rec)
	} else {
		var err error
		fb, err = c.stitch(ctx, c.stageSpec(0), forward, seedAt(seed, 0))
		g = append(g, fb.rec)
		if err != nil {
			return g, stageResult{}, err
		}
		bf, err = c.stitch(ctx, c.stageSpec(1), reverse, seedAt(seed, 1))
		g = append(g, bf.rec)
		if err != nil {
			return g, stageResult{}, err
		}
	}

	// Both seams, each widened into its neighbours, re-stitched as F-B-F.
	ratio := min(1.0, 1.2/(2*(1-c.opts.OverlapRatio)))
	seamF, err := seamCrop(fb, ratio)
	if err != nil {
		return append(g, &registration.Record{}), stageResult{}, &StageError{Stage: 2, Err: err}
	}
	seamB, err := seamCrop(bf, ratio)
	if err != nil {
		return append(g, &registration.Record{}), stageResult{}, &StageError{Stage: 2, Err: err}
	}
	fbf, err := c.stitch(ctx, c.stageSpec(2), []*image.RGBA{seamF, seamB}, seedAt(seed, 2))
	g = append(g, fbf.rec)
	if err != nil {
		return g, stageResult{}, err
	}

	halves, err := swapHalves(fbf)
	if err != nil {
		return append(g, &registration.Record{}), stageResult{}, &StageError{Stage: 3, Err: err}
	}
	final, err := c.stitch(ctx, c.stageSpec(3), halves, seedAt(seed, 3))
	g = append(g, final.rec)
	if err != nil {
		return g, stageResult{}, err
	}
	return g, final, nil
}

func (c *Compositor) noDirectionCorrection(ctx context.Context, frames []*image.RGBA, seed registration.Group) (registration.Group, stageResult, error) {
	g := make(registration.Group, 0, 2)
	fb, err := c.stitch(ctx, c.stageSpec(0), []*image.RGBA{frames[0], frames[1]}, seedAt(seed, 0))
	g = append(g, fb.rec)
	if err != nil {
		return g, stageResult{}, err
	}
	r := fb.rec.Ranges
	if len(r) < 2 {
		err := registration.Failf(registration.CauseInconsistentInputs, "need 2 column ranges, have %d", len(r))
		return append(g, &registration.Record{}), stageResult{}, &StageError{Stage: 1, Err: err}
	}
	w := fb.pano.Bounds().Dx()
	halves := []*image.RGBA{
		cropColumns(fb.pano, r[1].Start, w),
		cropColumns(fb.pano, 0, r[0].End),
	}
	final, err := c.stitch(ctx, c.stageSpec(1), halves, seedAt(seed, 1))
	g = append(g, final.rec)
	if err != nil {
		return g, stageResult{}, err
	}
	return g, final, nil
}

func (c *Compositor) once(ctx context.Context, frames []*image.RGBA, seed registration.Group) (registration.Group, stageResult, error) {
	front, back := frames[0], frames[1]
	fw, bw := front.Bounds().Dx(), back.Bounds().Dx()
	o := c.opts.OnceOverlap
	crops := []*image.RGBA{
		cropColumns(back, bw/2, bw),
		cropColumns(front, 0, int(float64(fw)*(0.5+o))),
		cropColumns(front, int(float64(fw)*(0.5-o)), fw),
		cropColumns(back, 0, bw/2),
	}
	res, err := c.stitch(ctx, c.stageSpec(0), crops, seedAt(seed, 0))
	g := registration.Group{res.rec}
	if err != nil {
		return g, stageResult{}, err
	}
	return g, res, nil
}

// stitch registers one stage and trims its panorama. The returned record is
// never nil; it is empty when the engine produced nothing.
func (c *Compositor) stitch(ctx context.Context, st stage, images []*image.RGBA, seed *registration.Record) (stageResult, error) {
	failed := stageResult{rec: &registration.Record{}}
	if err := ctx.Err(); err != nil {
		return failed, &StageError{Stage: st.index, Err: err}
	}
	req := registration.Request{
		Stage:         st.index,
		Images:        images,
		Seed:          seed,
		MaskRatio:     st.mask,
		ResizeSize:    workSize(st.width, images[0].Bounds()),
		BlendStrength: st.blend,
		Multiband:     st.multiband,
	}
	reg, err := c.engine.Register(ctx, req)
	if err != nil {
		logging.LogStage(c.log, st.index, "failed", map[string]any{"cause": registration.CauseOf(err).String()})
		return failed, &StageError{Stage: st.index, Err: err}
	}
	if reg.Record == nil || reg.Panorama == nil {
		err := registration.Failf(registration.CauseUnknown, "engine returned no panorama")
		return failed, &StageError{Stage: st.index, Err: err}
	}

	rec := reg.Record
	rec.MaskRatio = req.MaskRatio
	rec.ResizeSize = req.ResizeSize
	canvas := reg.Panorama.Bounds()
	trim := Trim(reg.Panorama, c.opts.Trim)
	rec.NonBlackFraction = trim.Fraction
	logging.LogStage(c.log, st.index, "trimmed", map[string]any{
		"method":     string(trim.Method),
		"fraction":   trim.Fraction,
		"kept":       trim.Rect.String(),
		"warp_scale": rec.WarpScale(),
	})
	if !trim.OK {
		err := registration.Failf(registration.CauseTrim, "%s trim kept %.1f%%", trim.Method, 100*trim.Fraction)
		return stageResult{rec: rec}, &StageError{Stage: st.index, Err: err}
	}
	kept := registration.Range{Start: trim.Rect.Min.X - canvas.Min.X, End: trim.Rect.Max.X - canvas.Min.X}
	if !rec.ClipRanges(kept) {
		c.log.Warn("trim cut into an outer source", "stage", st.index, "kept", trim.Rect.String(), "ranges", rec.Ranges)
	}
	if !c.opts.Criteria.Success(rec) {
		err := registration.Failf(registration.CauseDegenerateHomography, "camera focals out of range")
		return stageResult{rec: rec}, &StageError{Stage: st.index, Err: err}
	}
	// the warper renders at the median focal; a flat one collapses the canvas
	if scale := rec.WarpScale(); scale <= 0 {
		err := registration.Failf(registration.CauseDegenerateHomography, "warp scale %.3g", scale)
		return stageResult{rec: rec}, &StageError{Stage: st.index, Err: err}
	}
	return stageResult{
		pano:   crop(reg.Panorama, trim.Rect),
		rec:    rec,
		bounds: Normalize(trim.Rect, canvas),
	}, nil
}

// seamCrop cuts the columns around the seam between the first two sources,
// reaching ratio of each source's width to either side.
func seamCrop(s stageResult, ratio float64) (*image.RGBA, error) {
	r := s.rec.Ranges
	if len(r) < 2 {
		return nil, registration.Failf(registration.CauseInconsistentInputs, "need 2 column ranges, have %d", len(r))
	}
	w := s.pano.Bounds().Dx()
	x0 := max(0, int(float64(r[0].End)-ratio*float64(r[0].Size())))
	x1 := min(w, int(float64(r[1].Start)+ratio*float64(r[1].Size())))
	if x0 >= x1 {
		return nil, registration.Failf(registration.CauseInconsistentInputs, "empty seam crop [%d,%d)", x0, x1)
	}
	return cropColumns(s.pano, x0, x1), nil
}

// swapHalves returns the second source's columns followed by the first's.
func swapHalves(s stageResult) ([]*image.RGBA, error) {
	r := s.rec.Ranges
	if len(r) < 2 {
		return nil, registration.Failf(registration.CauseInconsistentInputs, "need 2 column ranges, have %d", len(r))
	}
	w := s.pano.Bounds().Dx()
	out := make([]*image.RGBA, 0, 2)
	for _, rg := range []registration.Range{r[1], r[0]} {
		x0, x1 := max(0, rg.Start), min(w, rg.End)
		if x0 >= x1 {
			return nil, registration.Failf(registration.CauseInconsistentInputs, "empty half [%d,%d)", rg.Start, rg.End)
		}
		out = append(out, cropColumns(s.pano, x0, x1))
	}
	return out, nil
}

func stageOf(err error) int {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return -1
}
