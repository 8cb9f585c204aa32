// Package hugin registers and merges stitching stages with the Hugin command
// line tools. Every call works in its own temporary project directory.
package hugin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"fisheyepano/internal/logging"
	"fisheyepano/internal/registration"
)

// Options configures an Engine.
type Options struct {
	Runner  Runner
	WorkDir string
	// Projection names the panorama projection (cylindrical, spherical, ...).
	Projection string
	// CameraLens and CameraFOV describe the inputs of stages below
	// DerivedStage. CameraFOV is indexed by input and repeats when shorter.
	CameraLens int
	CameraFOV  []float64
	// Stages from DerivedStage on stitch crops of earlier panoramas; their
	// inputs are described with the panorama lens and SeamFOV.
	DerivedStage int
	SeamFOV      float64
	// Aggression selects cpclean's max distance: low, moderate or high.
	Aggression       string
	Interpolation    int
	MinControlPoints int
	Logger           *slog.Logger
}

// DefaultOptions returns settings for a pair of 190 degree circular fisheyes.
func DefaultOptions() Options {
	return Options{
		Runner:           ExecRunner{},
		Projection:       "cylindrical",
		CameraLens:       LensCircularFisheye,
		CameraFOV:        []float64{190},
		DerivedStage:     2,
		SeamFOV:          120,
		Aggression:       "moderate",
		Interpolation:    1,
		MinControlPoints: 6,
	}
}

// Engine implements registration.Engine.
type Engine struct {
	opts Options
	log  *slog.Logger
}

var _ registration.Engine = (*Engine)(nil)

// New creates an Engine; zero fields of opts take their defaults.
func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.Runner == nil {
		opts.Runner = def.Runner
	}
	if opts.Projection == "" {
		opts.Projection = def.Projection
	}
	if len(opts.CameraFOV) == 0 {
		opts.CameraFOV = def.CameraFOV
	}
	if opts.DerivedStage <= 0 {
		opts.DerivedStage = def.DerivedStage
	}
	if opts.SeamFOV <= 0 {
		opts.SeamFOV = def.SeamFOV
	}
	if opts.MinControlPoints <= 0 {
		opts.MinControlPoints = def.MinControlPoints
	}
	if opts.Aggression == "" {
		opts.Aggression = def.Aggression
	}
	return &Engine{opts: opts, log: logging.OrDefault(opts.Logger)}
}

// Register stitches the request's images. Without a seed, control points are
// found and the cameras optimised from scratch. With one, the seed's cameras
// and canvas are rendered directly.
func (e *Engine) Register(ctx context.Context, req registration.Request) (registration.Registration, error) {
	if len(req.Images) < 2 {
		return registration.Registration{}, registration.Failf(registration.CauseInconsistentInputs, "need at least 2 images, got %d", len(req.Images))
	}
	seeded := !req.Seed.IsNull()
	if seeded && len(req.Seed.Cameras) != len(req.Images) {
		return registration.Registration{}, registration.Failf(registration.CauseInconsistentInputs,
			"seed has %d cameras for %d images", len(req.Seed.Cameras), len(req.Images))
	}

	start := time.Now()
	dir, err := os.MkdirTemp(e.opts.WorkDir, "fisheyepano-hugin-*")
	if err != nil {
		return registration.Registration{}, toolFailure(fmt.Errorf("failed to create work directory: %w", err))
	}
	defer os.RemoveAll(dir)

	inputs, err := e.writeInputs(dir, req)
	if err != nil {
		return registration.Registration{}, toolFailure(err)
	}

	var proj *Project
	if seeded {
		proj = e.seededProject(req, inputs)
	} else {
		proj, err = e.estimate(ctx, dir, req, inputs)
		if err != nil {
			return registration.Registration{}, err
		}
	}

	finalPto := filepath.Join(dir, "final.pto")
	if err := WriteProjectFile(finalPto, proj); err != nil {
		return registration.Registration{}, toolFailure(err)
	}
	pano, layers, err := e.render(ctx, dir, finalPto, req, len(inputs))
	if err != nil {
		return registration.Registration{}, err
	}

	rec, err := e.record(proj, layers, req)
	if err != nil {
		return registration.Registration{}, err
	}
	e.log.Debug("stage registered",
		"stage", req.Stage,
		"seeded", seeded,
		"control_points", len(proj.ControlPoints),
		"canvas", fmt.Sprintf("%dx%d", pano.Bounds().Dx(), pano.Bounds().Dy()),
		"duration", time.Since(start),
	)
	return registration.Registration{Record: rec, Panorama: pano}, nil
}

type input struct {
	path string
	size image.Point
}

// writeInputs scales every image by the factor that brings the first one to
// the requested work size and writes them as TIFF.
func (e *Engine) writeInputs(dir string, req registration.Request) ([]input, error) {
	scale := 1.0
	if w := req.Images[0].Bounds().Dx(); req.ResizeSize.X > 0 && w > 0 {
		scale = float64(req.ResizeSize.X) / float64(w)
	}
	out := make([]input, len(req.Images))
	for i, img := range req.Images {
		b := img.Bounds().Size()
		size := image.Pt(int(math.Round(float64(b.X)*scale)), int(math.Round(float64(b.Y)*scale)))
		if size.X < 1 || size.Y < 1 {
			return nil, fmt.Errorf("image %d scales to %v", i, size)
		}
		path := filepath.Join(dir, fmt.Sprintf("input%02d.tif", i))
		if err := writeTIFF(path, scaleTo(img, size)); err != nil {
			return nil, err
		}
		out[i] = input{path: path, size: size}
	}
	return out, nil
}

func (e *Engine) lens(stage, idx int) (int, float64) {
	if stage >= e.opts.DerivedStage {
		return LensEquirectangular, e.opts.SeamFOV
	}
	fovs := e.opts.CameraFOV
	return e.opts.CameraLens, fovs[idx%len(fovs)]
}

// estimate builds a project from scratch: pto_gen, masked cpfind, cpclean,
// linefind, autooptimiser and pano_modify.
func (e *Engine) estimate(ctx context.Context, dir string, req registration.Request, inputs []input) (*Project, error) {
	ptoFile := filepath.Join(dir, "project.pto")
	lens, fov := e.lens(req.Stage, 0)
	args := []string{"-o", ptoFile, "-p", strconv.Itoa(lens), "-f", ff(fov)}
	for _, in := range inputs {
		args = append(args, in.path)
	}
	if err := e.run(ctx, "pto_gen", args...); err != nil {
		return nil, toolFailure(err)
	}

	proj, err := ReadProjectFile(ptoFile)
	if err != nil {
		return nil, toolFailure(err)
	}
	if len(proj.Images) != len(inputs) {
		return nil, registration.Failf(registration.CauseInconsistentInputs, "project has %d images, want %d", len(proj.Images), len(inputs))
	}
	for i := range proj.Images {
		proj.Images[i].Lens, proj.Images[i].HFOV = e.lens(req.Stage, i)
		for _, r := range excludeMasks(inputs[i].size, registration.MaskRegions(inputs[i].size, i, len(inputs), req.MaskRatio)) {
			proj.Masks = append(proj.Masks, Mask{Image: i, Type: 0, Polygon: polygon(r)})
		}
	}
	maskedFile := filepath.Join(dir, "project_masked.pto")
	if err := WriteProjectFile(maskedFile, proj); err != nil {
		return nil, toolFailure(err)
	}

	cpFile := filepath.Join(dir, "project_cp.pto")
	if err := e.run(ctx, "cpfind", "--multirow", "-o", cpFile, maskedFile); err != nil {
		return nil, &registration.Failure{Cause: registration.CauseInsufficientMatches, Detail: "cpfind", Err: err}
	}

	cleanedFile := filepath.Join(dir, "project_cleaned.pto")
	if err := e.run(ctx, "cpclean", "--max-distance", cleanDistance(e.opts.Aggression), "-o", cleanedFile, cpFile); err != nil {
		e.log.Warn("cpclean failed, using uncleaned control points", "stage", req.Stage, "error", err)
		cleanedFile = cpFile
	}
	cleaned, err := ReadProjectFile(cleanedFile)
	if err != nil {
		return nil, toolFailure(err)
	}
	if n := len(cleaned.ControlPoints); n < e.opts.MinControlPoints {
		return nil, registration.Failf(registration.CauseInsufficientMatches, "%d control points, need %d", n, e.opts.MinControlPoints)
	}

	lineFile := filepath.Join(dir, "project_lines.pto")
	if err := e.run(ctx, "linefind", "-o", lineFile, cleanedFile); err != nil {
		e.log.Warn("linefind failed, skipping line detection", "stage", req.Stage, "error", err)
		lineFile = cleanedFile
	}

	optimizedFile := filepath.Join(dir, "project_optimized.pto")
	if err := e.run(ctx, "autooptimiser", "-a", "-m", "-l", "-s", "-o", optimizedFile, lineFile); err != nil {
		e.log.Warn("full autooptimiser failed, trying position-only optimization", "stage", req.Stage, "error", err)
		if err := e.run(ctx, "autooptimiser", "-a", "-s", "-o", optimizedFile, lineFile); err != nil {
			return nil, &registration.Failure{Cause: registration.CauseDegenerateHomography, Detail: "autooptimiser", Err: err}
		}
	}
	optimized, err := ReadProjectFile(optimizedFile)
	if err != nil {
		return nil, toolFailure(err)
	}
	optimized.Panorama.Projection = ProjectionNumber(e.opts.Projection)
	if err := WriteProjectFile(optimizedFile, optimized); err != nil {
		return nil, toolFailure(err)
	}

	canvasFile := filepath.Join(dir, "project_canvas.pto")
	if err := e.run(ctx, "pano_modify", "--canvas=AUTO", "--crop=AUTO", "-o", canvasFile, optimizedFile); err != nil {
		e.log.Warn("pano_modify failed, using project without canvas optimization", "stage", req.Stage, "error", err)
		canvasFile = optimizedFile
	}
	return ReadProjectFile(canvasFile)
}

// seededProject renders the seed's cameras and canvas onto the new inputs.
// When the seed carries region transforms the canvas crop follows the
// remapped regions.
func (e *Engine) seededProject(req registration.Request, inputs []input) *Project {
	seed := req.Seed
	proj := &Project{
		Panorama: Panorama{
			Projection: seed.Projection.Kind,
			Width:      seed.Projection.Width,
			Height:     seed.Projection.Height,
			HFOV:       seed.Projection.HFOV,
			Crop:       seed.Projection.Crop,
		},
		ControlPoints: slices.Clone(seed.Features.Points),
	}
	for i, cam := range seed.Cameras {
		lens, _ := e.lens(req.Stage, i)
		if cam.PPX > 0 {
			cam.Focal *= float64(inputs[i].size.X) / (2 * cam.PPX)
		}
		cam.PPX = float64(inputs[i].size.X) / 2
		cam.PPY = float64(inputs[i].size.Y) / 2
		img := imageFromCamera(cam, lens, inputs[i].path)
		img.Width, img.Height = inputs[i].size.X, inputs[i].size.Y
		proj.Images = append(proj.Images, img)
	}

	if len(seed.Transforms) > 0 && len(seed.Transforms) == len(seed.Regions) {
		regions := make([]registration.ResultRegion, len(seed.Regions))
		for i, r := range seed.Regions {
			regions[i] = registration.ResultRegion{Image: r.Image, ROI: seed.Transforms[i].ApplyRect(r.ROI)}
		}
		canvas := image.Rect(0, 0, proj.Panorama.Width, proj.Panorama.Height)
		if crop := registration.BoundingBox(regions).Intersect(canvas); !crop.Empty() {
			proj.Panorama.Crop = crop
		}
	}
	return proj
}

// render warps every image with nona and blends the layers with enblend.
func (e *Engine) render(ctx context.Context, dir, ptoFile string, req registration.Request, images int) (*image.RGBA, map[int]*image.RGBA, error) {
	prefix := filepath.Join(dir, "layer")
	interp := strconv.Itoa(e.opts.Interpolation)
	if err := e.run(ctx, "nona", "-o", prefix, "-m", "TIFF_m", "-i", interp, ptoFile); err != nil {
		return nil, nil, toolFailure(err)
	}
	matches, err := filepath.Glob(prefix + "*.tif")
	if err != nil || len(matches) == 0 {
		return nil, nil, registration.Failf(registration.CauseDegenerateHomography, "nona rendered no layers")
	}
	slices.Sort(matches)

	layers := make(map[int]*image.RGBA, len(matches))
	for _, m := range matches {
		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "layer"), ".tif"))
		if err != nil || idx < 0 || idx >= images {
			e.log.Warn("ignoring unexpected nona output", "file", m)
			continue
		}
		layer, err := readTIFF(m)
		if err != nil {
			return nil, nil, toolFailure(err)
		}
		layers[idx] = layer
	}

	panoFile := filepath.Join(dir, "pano.tif")
	args := []string{"-o", panoFile}
	if req.Multiband {
		args = append(args, "--levels="+strconv.Itoa(blendLevels(req.BlendStrength)))
	} else {
		args = append(args, "--no-optimize")
	}
	args = append(args, matches...)
	if err := e.run(ctx, "enblend", args...); err != nil {
		return nil, nil, toolFailure(err)
	}
	pano, err := readTIFF(panoFile)
	if err != nil {
		return nil, nil, toolFailure(err)
	}
	return pano, layers, nil
}

// record converts the rendered project into a registration record. Regions
// and column ranges come from the opaque extent of each warped layer.
func (e *Engine) record(proj *Project, layers map[int]*image.RGBA, req registration.Request) (*registration.Record, error) {
	rec := &registration.Record{
		ImageCount: len(proj.Images),
		Projection: registration.Projection{
			Kind:   proj.Panorama.Projection,
			Width:  proj.Panorama.Width,
			Height: proj.Panorama.Height,
			HFOV:   proj.Panorama.HFOV,
			Crop:   proj.Panorama.Crop,
		},
		MaskRatio:  req.MaskRatio,
		ResizeSize: req.ResizeSize,
		Features:   registration.FeatureSet{Points: slices.Clone(proj.ControlPoints)},
	}
	if !req.Seed.IsNull() {
		rec.Transforms = slices.Clone(req.Seed.Transforms)
	}
	for _, img := range proj.Images {
		rec.Cameras = append(rec.Cameras, cameraFromImage(img))
	}

	corners := make([]image.Point, len(proj.Images))
	sizes := make([]image.Point, len(proj.Images))
	for i := range proj.Images {
		layer, ok := layers[i]
		if !ok {
			return nil, registration.Failf(registration.CauseDegenerateHomography, "image %d was not rendered", i)
		}
		roi := opaqueBounds(layer)
		if roi.Empty() {
			return nil, registration.Failf(registration.CauseDegenerateHomography, "image %d warped to nothing", i)
		}
		rec.Regions = append(rec.Regions, registration.ResultRegion{Image: i, ROI: roi})
		corners[i] = roi.Min
		sizes[i] = roi.Size()
	}
	if !rec.SetRanges(corners, sizes) {
		e.log.Warn("gap between warped images, seam likely visible", "stage", req.Stage, "ranges", rec.Ranges)
	}
	return rec, nil
}

// MatchAndMerge re-optimises the union of the records' control points with
// cameras starting from the given rotations and the mean focal lengths.
func (e *Engine) MatchAndMerge(ctx context.Context, req registration.MergeRequest) (*registration.Record, error) {
	if len(req.Records) == 0 || req.Records[0].IsNull() {
		return nil, registration.Failf(registration.CauseInconsistentInputs, "nothing to merge")
	}
	base := req.Records[0]
	n := len(base.Cameras)
	if len(req.Rotations) != n {
		return nil, registration.Failf(registration.CauseInconsistentInputs, "%d rotations for %d cameras", len(req.Rotations), n)
	}

	proj := &Project{Panorama: Panorama{
		Projection: base.Projection.Kind,
		Width:      base.Projection.Width,
		Height:     base.Projection.Height,
		HFOV:       base.Projection.HFOV,
	}}
	var nonBlack float64
	for _, r := range req.Records {
		if len(r.Cameras) != n {
			return nil, registration.Failf(registration.CauseInconsistentInputs, "record has %d cameras, want %d", len(r.Cameras), n)
		}
		proj.ControlPoints = append(proj.ControlPoints, r.Features.Points...)
		nonBlack += r.NonBlackFraction
	}
	if len(proj.ControlPoints) < e.opts.MinControlPoints {
		return nil, registration.Failf(registration.CauseInsufficientMatches, "%d control points across %d records", len(proj.ControlPoints), len(req.Records))
	}

	for k := 0; k < n; k++ {
		cam := base.Cameras[k]
		var focal float64
		for _, r := range req.Records {
			focal += r.Cameras[k].Focal
		}
		cam.Focal = focal / float64(len(req.Records))
		cam.R = req.Rotations[k]
		lens, _ := e.lens(req.Stage, k)
		proj.Images = append(proj.Images, imageFromCamera(cam, lens, fmt.Sprintf("image%02d.tif", k)))
		proj.Optimize = append(proj.Optimize, "v"+strconv.Itoa(k))
		if k > 0 {
			proj.Optimize = append(proj.Optimize, "y"+strconv.Itoa(k), "p"+strconv.Itoa(k), "r"+strconv.Itoa(k))
		}
	}

	dir, err := os.MkdirTemp(e.opts.WorkDir, "fisheyepano-merge-*")
	if err != nil {
		return nil, toolFailure(fmt.Errorf("failed to create work directory: %w", err))
	}
	defer os.RemoveAll(dir)

	mergedFile := filepath.Join(dir, "merged.pto")
	if err := WriteProjectFile(mergedFile, proj); err != nil {
		return nil, toolFailure(err)
	}
	optimizedFile := filepath.Join(dir, "merged_optimized.pto")
	if err := e.run(ctx, "autooptimiser", "-n", "-o", optimizedFile, mergedFile); err != nil {
		return nil, &registration.Failure{Cause: registration.CauseDegenerateHomography, Detail: "autooptimiser", Err: err}
	}
	finalFile := filepath.Join(dir, "merged_final.pto")
	if err := e.run(ctx, "pano_modify", "--straighten", "--canvas=AUTO", "--crop=AUTO", "-o", finalFile, optimizedFile); err != nil {
		e.log.Warn("pano_modify failed, keeping optimised canvas", "stage", req.Stage, "error", err)
		finalFile = optimizedFile
	}
	out, err := ReadProjectFile(finalFile)
	if err != nil {
		return nil, toolFailure(err)
	}
	if len(out.Images) != n {
		return nil, registration.Failf(registration.CauseInconsistentInputs, "optimised project has %d images, want %d", len(out.Images), n)
	}

	rec := base.Clone()
	for k, img := range out.Images {
		rec.Cameras[k] = cameraFromImage(img)
	}
	rec.Projection = registration.Projection{
		Kind:   out.Panorama.Projection,
		Width:  out.Panorama.Width,
		Height: out.Panorama.Height,
		HFOV:   out.Panorama.HFOV,
		Crop:   out.Panorama.Crop,
	}
	rec.Features.Points = proj.ControlPoints
	rec.NonBlackFraction = nonBlack / float64(len(req.Records))
	return rec, nil
}

func (e *Engine) run(ctx context.Context, name string, args ...string) error {
	e.log.Debug("executing hugin tool", "cmd", name, "args", args)
	out, err := e.opts.Runner.Run(ctx, name, args...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w, output: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func toolFailure(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &registration.Failure{Cause: registration.CauseTool, Err: err}
}

func cleanDistance(aggression string) string {
	switch aggression {
	case "low":
		return "4"
	case "high":
		return "2"
	default:
		return "3"
	}
}

// blendLevels maps a blend strength onto enblend's pyramid levels.
func blendLevels(strength int) int {
	return min(29, max(1, strength*6))
}

// excludeMasks returns the parts of an image outside the search rectangles.
// Search rectangles start at the top edge and share one height.
func excludeMasks(size image.Point, search []image.Rectangle) []image.Rectangle {
	if len(search) == 0 {
		return nil
	}
	h := 0
	for _, r := range search {
		h = max(h, r.Max.Y)
	}
	var out []image.Rectangle
	if h < size.Y {
		out = append(out, image.Rect(0, h, size.X, size.Y))
	}
	sorted := slices.Clone(search)
	slices.SortFunc(sorted, func(a, b image.Rectangle) int { return a.Min.X - b.Min.X })
	x := 0
	for _, r := range sorted {
		if r.Min.X > x {
			out = append(out, image.Rect(x, 0, r.Min.X, h))
		}
		x = max(x, r.Max.X)
	}
	if x < size.X {
		out = append(out, image.Rect(x, 0, size.X, h))
	}
	return out
}

func polygon(r image.Rectangle) []image.Point {
	return []image.Point{r.Min, {X: r.Max.X, Y: r.Min.Y}, r.Max, {X: r.Min.X, Y: r.Max.Y}}
}
