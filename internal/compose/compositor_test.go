package compose

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fisheyepano/internal/registration"
)

// sideEngine lays its inputs out left to right with a black band of border
// rows above and below.
type sideEngine struct {
	mu       sync.Mutex
	border   int
	failAt   int
	borderAt map[int]int
	noFocal  bool
	requests map[int]registration.Request
}

func newSideEngine() *sideEngine {
	return &sideEngine{border: 2, failAt: -1, requests: make(map[int]registration.Request)}
}

func (e *sideEngine) Register(ctx context.Context, req registration.Request) (registration.Registration, error) {
	e.mu.Lock()
	e.requests[req.Stage] = req
	border := e.border
	if b, ok := e.borderAt[req.Stage]; ok {
		border = b
	}
	fail := req.Stage == e.failAt
	focal := 1000.0
	if e.noFocal {
		focal = 0
	}
	e.mu.Unlock()
	if fail {
		return registration.Registration{}, registration.Failf(registration.CauseInsufficientMatches, "3 matches")
	}

	var width, height int
	corners := make([]image.Point, len(req.Images))
	sizes := make([]image.Point, len(req.Images))
	rec := &registration.Record{ImageCount: len(req.Images)}
	for i, img := range req.Images {
		corners[i] = image.Pt(width, 0)
		sizes[i] = img.Bounds().Size()
		rec.Regions = append(rec.Regions, registration.ResultRegion{
			Image: i,
			ROI:   image.Rectangle{Min: corners[i], Max: corners[i].Add(sizes[i])},
		})
		rec.Cameras = append(rec.Cameras, registration.CameraParams{Focal: focal + 30*float64(i)*focal/1000})
		width += sizes[i].X
		height = max(height, sizes[i].Y)
	}
	rec.SetRanges(corners, sizes)

	pano := image.NewRGBA(image.Rect(0, 0, width, height+2*border))
	x := 0
	for _, img := range req.Images {
		b := img.Bounds()
		for yy := 0; yy < b.Dy(); yy++ {
			for xx := 0; xx < b.Dx(); xx++ {
				pano.SetRGBA(x+xx, border+yy, img.RGBAAt(b.Min.X+xx, b.Min.Y+yy))
			}
		}
		x += b.Dx()
	}
	return registration.Registration{Record: rec, Panorama: pano}, nil
}

func (e *sideEngine) MatchAndMerge(ctx context.Context, req registration.MergeRequest) (*registration.Record, error) {
	return nil, errors.New("not used")
}

func (e *sideEngine) request(stage int) registration.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[stage]
}

func gradientFrame(w, h int, tint color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := tint
			c.R = uint8(x + 1)
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func testOptions(p Policy) Options {
	opts := DefaultOptions()
	opts.Policy = p
	opts.ResizeWidths = [4]int{}
	return opts
}

func testFrames() (front, back *image.RGBA) {
	return gradientFrame(40, 20, color.RGBA{G: 200, A: 255}), gradientFrame(40, 20, color.RGBA{B: 200, A: 255})
}

func widths(req registration.Request) []int {
	out := make([]int, len(req.Images))
	for i, img := range req.Images {
		out[i] = img.Bounds().Dx()
	}
	return out
}

func TestComposeDoubleSide(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		eng := newSideEngine()
		opts := testOptions(DoubleSide)
		opts.Parallel = parallel
		c := New(eng, opts)
		front, back := testFrames()

		comp, err := c.Compose(context.Background(), []*image.RGBA{front, back}, nil)
		require.NoError(t, err, "parallel=%v", parallel)
		require.Len(t, comp.Group, 4)

		assert.Same(t, front, eng.request(0).Images[0])
		assert.Same(t, back, eng.request(1).Images[0])
		assert.Equal(t, []int{60, 60}, widths(eng.request(2)), "seam crops reach 0.75 of each source")
		assert.Equal(t, []int{60, 60}, widths(eng.request(3)))
		assert.Equal(t, back.RGBAAt(10, 0), eng.request(3).Images[0].RGBAAt(0, 0), "closing stitch starts with the back seam")

		assert.Equal(t, registration.MaskRatio{Width: 0.65, Height: 0.9}, eng.request(2).MaskRatio)
		assert.Equal(t, registration.MaskRatio{Width: 0.7, Height: 0.9}, eng.request(3).MaskRatio)
		assert.Equal(t, 5, eng.request(1).BlendStrength)
		assert.Equal(t, 1, eng.request(3).BlendStrength)

		assert.Equal(t, image.Pt(120, 20), comp.Panorama.Bounds().Size())
		assert.InDelta(t, 20.0/24.0, comp.Score, 1e-9)
		assert.InDelta(t, 2.0/24.0, comp.Bounds.MinY, 1e-9)
		assert.InDelta(t, 1.0, comp.Bounds.MaxX, 1e-9)
		for s, rec := range comp.Group {
			assert.Equal(t, []registration.Range{{Start: 0, End: rec.Ranges[0].End}, {Start: rec.Ranges[0].End, End: rec.Ranges[1].End}}, rec.Ranges, "stage %d", s)
			assert.InDelta(t, 20.0/24.0, rec.NonBlackFraction, 1e-9)
		}
	}
}

func TestComposePassesSeedPerStage(t *testing.T) {
	eng := newSideEngine()
	c := New(eng, testOptions(DoubleSide))
	front, back := testFrames()

	first, err := c.Compose(context.Background(), []*image.RGBA{front, back}, nil)
	require.NoError(t, err)
	_, err = c.Compose(context.Background(), []*image.RGBA{front, back}, first.Group)
	require.NoError(t, err)
	for s := 0; s < 4; s++ {
		assert.Same(t, first.Group[s], eng.request(s).Seed)
	}

	_, err = c.Compose(context.Background(), []*image.RGBA{front, back}, first.Group[:2])
	assert.Error(t, err, "seed of the wrong length")
}

func TestComposeStopsAtFailedStage(t *testing.T) {
	eng := newSideEngine()
	eng.failAt = 1
	c := New(eng, testOptions(DoubleSide))
	front, back := testFrames()

	comp, err := c.Compose(context.Background(), []*image.RGBA{front, back}, nil)
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Stage)
	assert.Equal(t, registration.CauseInsufficientMatches, registration.CauseOf(err))

	require.Len(t, comp.Group, 2)
	assert.True(t, comp.Group[1].IsNull())
	assert.Zero(t, registration.DefaultCriteria().GroupEvaluate(comp.Group))
	assert.Nil(t, comp.Panorama)
	_, ran := eng.requests[2]
	assert.False(t, ran)
}

func TestComposeTrimFailure(t *testing.T) {
	eng := newSideEngine()
	eng.borderAt = map[int]int{0: 40}
	c := New(eng, testOptions(DoubleSide))
	front, back := testFrames()

	comp, err := c.Compose(context.Background(), []*image.RGBA{front, back}, nil)
	require.Error(t, err)
	assert.Equal(t, registration.CauseTrim, registration.CauseOf(err))
	require.Len(t, comp.Group, 1)
	assert.InDelta(t, 0.2, comp.Group[0].NonBlackFraction, 1e-9)
}

func TestComposeNoDirectionCorrection(t *testing.T) {
	eng := newSideEngine()
	c := New(eng, testOptions(DoubleSideNoDirectionCorrection))
	front, back := testFrames()

	comp, err := c.Compose(context.Background(), []*image.RGBA{front, back}, nil)
	require.NoError(t, err)
	require.Len(t, comp.Group, 2)
	halves := eng.request(1).Images
	assert.Equal(t, back.RGBAAt(0, 0), halves[0].RGBAAt(0, 0))
	assert.Equal(t, front.RGBAAt(0, 0), halves[1].RGBAAt(0, 0))
	assert.Equal(t, image.Pt(80, 20), comp.Panorama.Bounds().Size())
}

func TestComposeOnce(t *testing.T) {
	eng := newSideEngine()
	c := New(eng, testOptions(DoubleSideOnce))
	front, back := testFrames()

	comp, err := c.Compose(context.Background(), []*image.RGBA{front, back}, nil)
	require.NoError(t, err)
	require.Len(t, comp.Group, 1)
	req := eng.request(0)
	assert.Equal(t, []int{20, 24, 24, 20}, widths(req))
	assert.Equal(t, onceMask, req.MaskRatio)
	assert.Equal(t, 4, comp.Group[0].ImageCount)
}

func TestComposeRejectsZeroWarpScale(t *testing.T) {
	eng := newSideEngine()
	eng.noFocal = true
	c := New(eng, testOptions(DoubleSideOnce))
	front, back := testFrames()

	comp, err := c.Compose(context.Background(), []*image.RGBA{front, back}, nil)
	require.Error(t, err)
	assert.Equal(t, registration.CauseDegenerateHomography, registration.CauseOf(err))
	require.Len(t, comp.Group, 1)
	assert.Zero(t, comp.Group[0].WarpScale())
}

func TestDryRun(t *testing.T) {
	eng := newSideEngine()
	c := New(eng, testOptions(DoubleSide))
	front, back := testFrames()
	comp, err := c.Compose(context.Background(), []*image.RGBA{front, back}, nil)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(40, 20), comp.Group[0].ResizeSize)

	dry, err := c.DryRun(context.Background(), comp.Group)
	require.NoError(t, err)
	require.Len(t, dry, 4)
	assert.Equal(t, placeholderGray, eng.request(0).Images[0].RGBAAt(3, 3))
	assert.Equal(t, comp.Group[3].Regions, dry[3].Regions)

	_, err = c.DryRun(context.Background(), nil)
	assert.Error(t, err)
	_, err = c.DryRun(context.Background(), registration.Group{{ImageCount: 2}})
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{DoubleSide, DoubleSideNoDirectionCorrection, DoubleSideOnce} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePolicy("triple")
	assert.Error(t, err)
	assert.Equal(t, 4, DoubleSide.Stages())
	assert.Equal(t, 2, DoubleSideNoDirectionCorrection.Stages())
	assert.Equal(t, 1, DoubleSideOnce.Stages())
}
