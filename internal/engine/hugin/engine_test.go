package hugin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fisheyepano/internal/registration"
)

// fakeHugin mimics the tools on small projects: images are laid out left to
// right on the canvas and autooptimiser turns the second camera around.
type fakeHugin struct {
	mu            sync.Mutex
	calls         []string
	args          map[string][]string
	fail          map[string]error
	controlPoints int
	masks         []Mask
	optimize      []string
	crop          image.Rectangle
}

func newFakeHugin() *fakeHugin {
	return &fakeHugin{args: make(map[string][]string), fail: make(map[string]error), controlPoints: 8}
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (f *fakeHugin) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.args[name] = args
	if err := f.fail[name]; err != nil {
		return []byte("boom"), err
	}

	out := argAfter(args, "-o")
	in := args[len(args)-1]
	switch name {
	case "pto_gen":
		lens, _ := strconv.Atoi(argAfter(args, "-p"))
		fov, _ := strconv.ParseFloat(argAfter(args, "-f"), 64)
		proj := &Project{Panorama: Panorama{Width: 100, Height: 50, HFOV: 360}}
		for _, path := range args[6:] {
			img, err := readTIFF(path)
			if err != nil {
				return nil, err
			}
			b := img.Bounds()
			proj.Images = append(proj.Images, Image{Width: b.Dx(), Height: b.Dy(), Lens: lens, HFOV: fov, Path: path})
		}
		return nil, WriteProjectFile(out, proj)
	case "nona":
		return nil, f.nona(out, in)
	case "enblend":
		return nil, enblend(out, args[2:])
	}

	proj, err := ReadProjectFile(in)
	if err != nil {
		return nil, err
	}
	switch name {
	case "cpfind":
		f.masks = proj.Masks
		for i := 0; i < f.controlPoints; i++ {
			x := float64(i)
			proj.ControlPoints = append(proj.ControlPoints, registration.ControlPoint{A: 0, B: 1, XA: 30 + x, YA: 5 + x, XB: 2 + x, YB: 5 + x})
		}
	case "autooptimiser":
		f.optimize = proj.Optimize
		if slices.Contains(args, "-a") {
			proj.Images[1].Yaw = 170
		}
	case "pano_modify":
		w, h := 0, 0
		for _, img := range proj.Images {
			w += img.Width
			h = max(h, img.Height)
		}
		proj.Panorama.Width, proj.Panorama.Height = w, h
	}
	return nil, WriteProjectFile(out, proj)
}

func (f *fakeHugin) nona(prefix, ptoFile string) error {
	proj, err := ReadProjectFile(ptoFile)
	if err != nil {
		return err
	}
	f.crop = proj.Panorama.Crop
	w, h := proj.Panorama.Width, proj.Panorama.Height
	x := 0
	for i, img := range proj.Images {
		layer := image.NewRGBA(image.Rect(0, 0, w, h))
		for yy := 0; yy < min(h, img.Height); yy++ {
			for xx := x; xx < min(w, x+img.Width); xx++ {
				layer.SetRGBA(xx, yy, color.RGBA{R: uint8(40 * (i + 1)), G: 90, B: 30, A: 255})
			}
		}
		x += img.Width
		if err := writeTIFF(fmt.Sprintf("%s%04d.tif", prefix, i), layer); err != nil {
			return err
		}
	}
	return nil
}

func enblend(out string, args []string) error {
	var pano *image.RGBA
	for _, a := range args {
		if strings.HasPrefix(a, "--") {
			continue
		}
		layer, err := readTIFF(a)
		if err != nil {
			return err
		}
		if pano == nil {
			pano = image.NewRGBA(layer.Bounds())
		}
		for i := 0; i < len(layer.Pix); i += 4 {
			if layer.Pix[i+3] != 0 {
				copy(pano.Pix[i:i+4], layer.Pix[i:i+4])
			}
		}
	}
	return writeTIFF(out, pano)
}

func (f *fakeHugin) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func testImages() []*image.RGBA {
	out := make([]*image.RGBA, 2)
	for i := range out {
		img := image.NewRGBA(image.Rect(0, 0, 40, 20))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = uint8(50*(i+1)), 100, uint8(p%200), 255
		}
		out[i] = img
	}
	return out
}

func testEngine(t *testing.T, fake *fakeHugin) (*Engine, string) {
	dir := t.TempDir()
	return New(Options{Runner: fake, WorkDir: dir, MinControlPoints: 4}), dir
}

func testRequest() registration.Request {
	return registration.Request{
		Images:        testImages(),
		MaskRatio:     registration.MaskRatio{Width: 0.5, Height: 1},
		ResizeSize:    image.Pt(40, 20),
		BlendStrength: 5,
		Multiband:     true,
	}
}

func TestRegisterFromScratch(t *testing.T) {
	fake := newFakeHugin()
	eng, workDir := testEngine(t, fake)

	reg, err := eng.Register(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{"pto_gen", "cpfind", "cpclean", "linefind", "autooptimiser", "pano_modify", "nona", "enblend"}, fake.calls)
	assert.Contains(t, fake.args["enblend"], "--levels=29")
	assert.Equal(t, "3", argAfter(fake.args["cpclean"], "--max-distance"))
	assert.Equal(t, []Mask{
		{Image: 0, Polygon: polygon(image.Rect(0, 0, 20, 20))},
		{Image: 1, Polygon: polygon(image.Rect(20, 0, 40, 20))},
	}, fake.masks)

	rec := reg.Record
	assert.Equal(t, 2, rec.ImageCount)
	assert.Equal(t, image.Pt(80, 20), reg.Panorama.Bounds().Size())
	assert.Equal(t, 1, rec.Projection.Kind)
	assert.Equal(t, 80, rec.Projection.Width)
	assert.Len(t, rec.Features.Points, 8)
	assert.Equal(t, []registration.ResultRegion{
		{Image: 0, ROI: image.Rect(0, 0, 40, 20)},
		{Image: 1, ROI: image.Rect(40, 0, 80, 20)},
	}, rec.Regions)
	assert.Equal(t, []registration.Range{{Start: 0, End: 40}, {Start: 40, End: 80}}, rec.Ranges)

	require.Len(t, rec.Cameras, 2)
	assert.InDelta(t, FocalFromHFOV(LensCircularFisheye, 40, 190), rec.Cameras[0].Focal, 1e-9)
	yaw, _, _ := YPRFromRotation(rec.Cameras[1].R)
	assert.InDelta(t, 170, yaw, 1e-9)

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "project directory removed")
}

func TestRegisterInsufficientMatches(t *testing.T) {
	fake := newFakeHugin()
	fake.controlPoints = 2
	eng, _ := testEngine(t, fake)

	_, err := eng.Register(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, registration.CauseInsufficientMatches, registration.CauseOf(err))
	assert.NotContains(t, fake.calls, "nona")
}

func TestRegisterOptimiserFailure(t *testing.T) {
	fake := newFakeHugin()
	fake.fail["autooptimiser"] = errors.New("exit status 1")
	eng, _ := testEngine(t, fake)

	_, err := eng.Register(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, registration.CauseDegenerateHomography, registration.CauseOf(err))
	n := 0
	for _, c := range fake.calls {
		if c == "autooptimiser" {
			n++
		}
	}
	assert.Equal(t, 2, n, "position-only optimisation tried after the full one")
}

func TestRegisterToolFailure(t *testing.T) {
	fake := newFakeHugin()
	fake.fail["nona"] = errors.New("exit status 2")
	eng, _ := testEngine(t, fake)

	_, err := eng.Register(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, registration.CauseTool, registration.CauseOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestRegisterSeeded(t *testing.T) {
	fake := newFakeHugin()
	eng, _ := testEngine(t, fake)
	ctx := context.Background()

	first, err := eng.Register(ctx, testRequest())
	require.NoError(t, err)
	seed := first.Record.Clone()
	seed.Transforms = []registration.PlaneTransform{
		registration.FitPlaneTransform(image.Rect(0, 0, 80, 20), image.Rect(0, 2, 80, 18)),
		registration.FitPlaneTransform(image.Rect(0, 0, 80, 20), image.Rect(0, 2, 80, 18)),
	}

	fake.reset()
	req := testRequest()
	req.Seed = seed
	reg, err := eng.Register(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, []string{"nona", "enblend"}, fake.calls, "no matching or optimisation")
	assert.Equal(t, image.Rect(0, 2, 80, 18), fake.crop, "canvas crop follows the remapped regions")
	require.Len(t, reg.Record.Cameras, 2)
	for k := range seed.Cameras {
		assert.InDelta(t, seed.Cameras[k].Focal, reg.Record.Cameras[k].Focal, 1e-9)
		for i := range seed.Cameras[k].R {
			assert.InDelta(t, seed.Cameras[k].R[i], reg.Record.Cameras[k].R[i], 1e-9)
		}
	}
	assert.Equal(t, seed.Transforms, reg.Record.Transforms)

	req.Images = append(req.Images, req.Images[0])
	_, err = eng.Register(ctx, req)
	assert.Equal(t, registration.CauseInconsistentInputs, registration.CauseOf(err))
}

func TestRegisterNeedsTwoImages(t *testing.T) {
	eng, _ := testEngine(t, newFakeHugin())
	req := testRequest()
	req.Images = req.Images[:1]
	_, err := eng.Register(context.Background(), req)
	assert.Equal(t, registration.CauseInconsistentInputs, registration.CauseOf(err))
}

func mergeRecord(focal1 float64, points int, nonBlack float64) *registration.Record {
	rec := &registration.Record{
		ImageCount: 2,
		Cameras: []registration.CameraParams{
			{Focal: 100, Aspect: 1, PPX: 20, PPY: 10, R: RotationFromYPR(0, 0, 0)},
			{Focal: focal1, Aspect: 1, PPX: 20, PPY: 10, R: RotationFromYPR(80, 0, 0)},
		},
		Projection:       registration.Projection{Kind: 1, Width: 80, Height: 20, HFOV: 360},
		NonBlackFraction: nonBlack,
		Ranges:           []registration.Range{{Start: 0, End: 40}, {Start: 40, End: 80}},
	}
	for i := 0; i < points; i++ {
		rec.Features.Points = append(rec.Features.Points, registration.ControlPoint{A: 0, B: 1, XA: float64(30 + i), XB: float64(i)})
	}
	return rec
}

func TestMatchAndMerge(t *testing.T) {
	fake := newFakeHugin()
	eng, _ := testEngine(t, fake)

	rot := [][9]float64{RotationFromYPR(0, 0, 0), RotationFromYPR(90, 0, 0)}
	rec, err := eng.MatchAndMerge(context.Background(), registration.MergeRequest{
		Records:   []*registration.Record{mergeRecord(110, 4, 0.8), mergeRecord(120, 4, 0.9)},
		Rotations: rot,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"autooptimiser", "pano_modify"}, fake.calls)
	assert.Contains(t, fake.args["autooptimiser"], "-n")
	assert.Contains(t, fake.args["pano_modify"], "--straighten")
	assert.Equal(t, []string{"v0", "v1", "y1", "p1", "r1"}, fake.optimize)

	require.Len(t, rec.Cameras, 2)
	assert.InDelta(t, 100, rec.Cameras[0].Focal, 1e-9)
	assert.InDelta(t, 115, rec.Cameras[1].Focal, 1e-9)
	yaw, _, _ := YPRFromRotation(rec.Cameras[1].R)
	assert.InDelta(t, 90, yaw, 1e-9)
	assert.Len(t, rec.Features.Points, 8)
	assert.InDelta(t, 0.85, rec.NonBlackFraction, 1e-12)
	assert.Equal(t, []registration.Range{{Start: 0, End: 40}, {Start: 40, End: 80}}, rec.Ranges)
}

func TestMatchAndMergeRejects(t *testing.T) {
	eng, _ := testEngine(t, newFakeHugin())
	ctx := context.Background()
	rot := [][9]float64{RotationFromYPR(0, 0, 0), RotationFromYPR(90, 0, 0)}

	_, err := eng.MatchAndMerge(ctx, registration.MergeRequest{})
	assert.Equal(t, registration.CauseInconsistentInputs, registration.CauseOf(err))

	_, err = eng.MatchAndMerge(ctx, registration.MergeRequest{
		Records:   []*registration.Record{mergeRecord(110, 4, 0.8)},
		Rotations: rot[:1],
	})
	assert.Equal(t, registration.CauseInconsistentInputs, registration.CauseOf(err))

	_, err = eng.MatchAndMerge(ctx, registration.MergeRequest{
		Records:   []*registration.Record{mergeRecord(110, 1, 0.8), mergeRecord(120, 1, 0.9)},
		Rotations: rot,
	})
	assert.Equal(t, registration.CauseInsufficientMatches, registration.CauseOf(err))
}
