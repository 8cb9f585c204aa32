// Package window keeps a sliding window of per-frame registrations and
// blends the most typical of them into a seed for the next stitch.
package window

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"fisheyepano/internal/registration"
)

// Composer runs a content-free composition pass with a seed to obtain the
// region layout that seed produces.
type Composer interface {
	DryRun(ctx context.Context, seed registration.Group) (registration.Group, error)
}

// Scorer ranks candidate groups when there are more than the selection
// count. evaluate is the group's criteria score.
type Scorer func(g registration.Group, evaluate float64) float64

// FocalSpreadScore scores a four stage group as (f0+f1)*f2*f3 and a two stage
// group as f0*f1, where fi is the average focal length of stage i. Groups of
// any other size keep their evaluate score.
func FocalSpreadScore(g registration.Group, evaluate float64) float64 {
	switch len(g) {
	case 4:
		return (g[0].AverageFocal() + g[1].AverageFocal()) * g[2].AverageFocal() * g[3].AverageFocal()
	case 2:
		return g[0].AverageFocal() * g[1].AverageFocal()
	default:
		return evaluate
	}
}

// Options configures a Cache.
type Options struct {
	SelectCount int
	Criteria    registration.Criteria
	Engine      registration.Engine
	Composer    Composer
	Scorer      Scorer
	Logger      *slog.Logger
}

// Cache is the per-run registration history and seed state. It is owned by a
// single pipeline goroutine and is not safe for concurrent use.
type Cache struct {
	history  map[int]registration.Group
	criteria registration.Criteria
	k        int
	engine   registration.Engine
	composer Composer
	scorer   Scorer
	log      *slog.Logger

	seed    registration.Group
	base    Selection
	current Selection

	baseline table[registration.ResultRegion]
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.SelectCount < 1 {
		opts.SelectCount = 1
	}
	if opts.Scorer == nil {
		opts.Scorer = FocalSpreadScore
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		history:  make(map[int]registration.Group),
		criteria: opts.Criteria,
		k:        opts.SelectCount,
		engine:   opts.Engine,
		composer: opts.Composer,
		scorer:   opts.Scorer,
		log:      opts.Logger,
	}
}

// RecordGroup stores the registration group of a frame.
func (c *Cache) RecordGroup(frame int, g registration.Group) {
	c.history[frame] = g
}

// Covers reports whether every frame in [lo, hi) has a recorded group.
func (c *Cache) Covers(lo, hi int) bool {
	for i := lo; i < hi; i++ {
		if _, ok := c.history[i]; !ok {
			return false
		}
	}
	return true
}

// Len is the number of frames with recorded groups.
func (c *Cache) Len() int { return len(c.history) }

// EndIndex is one past the highest recorded frame, or 0 when empty.
func (c *Cache) EndIndex() int {
	end := 0
	for i := range c.history {
		end = max(end, i+1)
	}
	return end
}

// Prune forgets history below frame.
func (c *Cache) Prune(below int) {
	for i := range c.history {
		if i < below {
			delete(c.history, i)
		}
	}
}

// Seed returns the last accepted seed and the selection it was merged from.
func (c *Cache) Seed() (registration.Group, Selection) {
	return c.seed, c.current
}

type candidate struct {
	frame int
	score float64
}

// Select ranks the frames of [lo, hi) and returns the frames a merge would
// use, without merging.
func (c *Cache) Select(lo, hi int) Selection {
	cands := make([]candidate, 0, hi-lo)
	for i := lo; i < hi; i++ {
		g, ok := c.history[i]
		if !ok {
			continue
		}
		cands = append(cands, candidate{frame: i, score: c.criteria.GroupEvaluate(g)})
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		return cmp.Compare(b.score, a.score)
	})
	r := len(cands)
	for r > 0 && cands[r-1].score == 0 {
		r--
	}
	cands = cands[:r]

	if r > c.k {
		for i := range cands {
			cands[i].score = c.scorer(c.history[cands[i].frame], cands[i].score)
		}
		slices.SortStableFunc(cands, func(a, b candidate) int {
			return cmp.Compare(a.score, b.score)
		})
		from := max(0, r/2-(c.k+1)/2)
		to := min(r, r/2+c.k/2)
		cands = cands[from:to]
	}

	frames := make([]int, len(cands))
	for i, cd := range cands {
		frames[i] = cd.frame
	}
	return NewSelection(frames)
}

// SelectAndMerge returns a seed for frames whose window is [lo, hi). When the
// selection is empty or unchanged the previous seed is returned as is. When a
// fresh merge cannot be remapped onto the baseline layout the previous seed
// is kept. ErrNoHistory is returned only when no seed has ever been accepted.
func (c *Cache) SelectAndMerge(ctx context.Context, lo, hi int) (registration.Group, Selection, error) {
	sel := c.Select(lo, hi)

	if sel.Empty() || sel.Equal(c.current) {
		c.log.Debug("reusing seed", "window_lo", lo, "window_hi", hi, "selection", c.current.Key())
		return c.reuse()
	}

	groups := make([]registration.Group, len(sel))
	for i, f := range sel {
		groups[i] = c.history[f]
	}
	merged := registration.MergeGroups(ctx, c.engine, groups, c.log)

	if err := c.adjustRegions(ctx, merged, sel); err != nil {
		c.log.Warn("selection rejected, reusing previous seed",
			"selection", sel.Key(),
			"previous", c.current.Key(),
			"error", err,
		)
		return c.reuse()
	}

	c.seed = merged
	c.current = sel
	return c.seed, c.current, nil
}

func (c *Cache) reuse() (registration.Group, Selection, error) {
	if c.seed == nil {
		return nil, nil, registration.ErrNoHistory
	}
	return c.seed, c.current, nil
}

// adjustRegions fills the region transforms of merged so its layout can be
// remapped onto the baseline layout. The baseline is fixed by the first
// committed selection. Cache state changes only when it returns nil.
func (c *Cache) adjustRegions(ctx context.Context, merged registration.Group, sel Selection) error {
	if c.composer == nil {
		return fmt.Errorf("no composer for dry run")
	}

	dry, err := c.composer.DryRun(ctx, merged)
	if err != nil {
		return fmt.Errorf("dry run: %w", err)
	}
	if len(dry) != len(merged) {
		return fmt.Errorf("dry run produced %d stages, want %d", len(dry), len(merged))
	}
	for s := range merged {
		merged[s].Projection = dry[s].Projection
	}

	if c.baseline.empty() {
		var baseline table[registration.ResultRegion]
		for s := range dry {
			baseline.appendStage(dry[s].Regions)
			row := make([]registration.PlaneTransform, len(dry[s].Regions))
			for i := range row {
				row[i] = registration.IdentityTransform()
			}
			merged[s].Transforms = row
		}
		c.baseline = baseline
		c.base = sel
		c.log.Info("region baseline established", "selection", sel.Key(), "stages", len(dry))
		return nil
	}

	if c.baseline.stages() != len(dry) {
		return fmt.Errorf("baseline has %d stages, dry run %d", c.baseline.stages(), len(dry))
	}
	rows := make([][]registration.PlaneTransform, len(dry))
	for s := range dry {
		row, err := remapStage(c.baseline.row(s), dry[s].Regions, merged[s].ImageCount)
		if err != nil {
			return fmt.Errorf("stage %d: %w", s, err)
		}
		rows[s] = row
	}
	for s, row := range rows {
		merged[s].Transforms = row
	}
	c.log.Info("regions remapped onto baseline", "base", c.base.Key(), "selection", sel.Key())
	return nil
}

// remapStage builds one transform per region. Regions are bucketed by image
// and the n-th region of every image forms a slot; images are assumed to run
// left to right so a slot's extent is the bounding box across images.
func remapStage(base, cur []registration.ResultRegion, images int) ([]registration.PlaneTransform, error) {
	if len(base) != len(cur) {
		return nil, fmt.Errorf("region count changed from %d to %d", len(base), len(cur))
	}
	if images < 1 {
		return nil, fmt.Errorf("no images")
	}
	baseSlots, err := slots(base, images)
	if err != nil {
		return nil, err
	}
	curSlots, err := slots(cur, images)
	if err != nil {
		return nil, err
	}

	out := make([]registration.PlaneTransform, len(cur))
	for j := range curSlots[0] {
		var from, to registration.ResultRegion
		boxFrom, boxTo := base[baseSlots[0][j]].ROI, cur[curSlots[0][j]].ROI
		for img := 1; img < images; img++ {
			from, to = base[baseSlots[img][j]], cur[curSlots[img][j]]
			boxFrom = boxFrom.Union(from.ROI)
			boxTo = boxTo.Union(to.ROI)
		}
		t := registration.FitPlaneTransform(boxFrom, boxTo)
		for img := 0; img < images; img++ {
			out[curSlots[img][j]] = t
		}
	}
	return out, nil
}

// slots groups region positions by image index; every image must own the
// same number of regions.
func slots(regions []registration.ResultRegion, images int) ([][]int, error) {
	out := make([][]int, images)
	for i, r := range regions {
		if r.Image < 0 || r.Image >= images {
			return nil, fmt.Errorf("region %d names image %d of %d", i, r.Image, images)
		}
		out[r.Image] = append(out[r.Image], i)
	}
	for img := 1; img < images; img++ {
		if len(out[img]) != len(out[0]) {
			return nil, fmt.Errorf("image %d has %d regions, image 0 has %d", img, len(out[img]), len(out[0]))
		}
	}
	return out, nil
}
