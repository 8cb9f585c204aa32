package sink

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fisheyepano/internal/compose"
)

type recordingWriter struct {
	indices []int
	sizes   []image.Point
	first   []color.RGBA
	failAt  int
	closed  bool
}

func (w *recordingWriter) WriteFrame(index int, img *image.RGBA) error {
	if index == w.failAt {
		return errors.New("disk full")
	}
	w.indices = append(w.indices, index)
	w.sizes = append(w.sizes, img.Bounds().Size())
	w.first = append(w.first, img.RGBAAt(img.Bounds().Min.X, img.Bounds().Min.Y))
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

// frame returns a w x h image whose pixel (x, y) encodes its coordinates.
func frame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	return img
}

func TestBufferFlushesWhenFullAndCropsToCommonRect(t *testing.T) {
	w := &recordingWriter{failAt: -1}
	buf := NewBuffer(BufferOptions{Capacity: 2, Writer: w})

	require.NoError(t, buf.Add(0, frame(100, 100), compose.NormRect{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}))
	assert.Equal(t, 1, buf.Buffered())
	assert.Empty(t, w.indices)

	// keeps the lower 90% of its canvas
	require.NoError(t, buf.Add(2, frame(100, 90), compose.NormRect{MinX: 0, MinY: 0.1, MaxX: 1, MaxY: 1}))
	assert.Zero(t, buf.Buffered())
	assert.Equal(t, []int{0, 2}, w.indices)
	assert.Equal(t, []image.Point{{100, 90}, {100, 90}}, w.sizes)
	assert.Equal(t, color.RGBA{R: 0, G: 10, B: 7, A: 255}, w.first[0], "first frame loses its top rows")
	assert.Equal(t, color.RGBA{R: 0, G: 0, B: 7, A: 255}, w.first[1])
	assert.Equal(t, compose.NormRect{MinX: 0, MinY: 0.1, MaxX: 1, MaxY: 1}, buf.Common())
	assert.Equal(t, 2, buf.Written())
}

func TestBufferRejectsOutOfOrder(t *testing.T) {
	buf := NewBuffer(BufferOptions{Capacity: 4, Writer: &recordingWriter{failAt: -1}})
	require.NoError(t, buf.Add(3, frame(10, 10), compose.FullRect()))
	err := buf.Add(3, frame(10, 10), compose.FullRect())
	assert.ErrorIs(t, err, ErrOutOfOrder)
	err = buf.Add(1, frame(10, 10), compose.FullRect())
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 1, buf.Buffered())
	assert.Error(t, buf.Add(4, nil, compose.FullRect()))
}

func TestBufferCloseFlushesRemainder(t *testing.T) {
	w := &recordingWriter{failAt: -1}
	buf := NewBuffer(BufferOptions{Capacity: 10, Writer: w, Refiner: ScaleRefiner{Width: 20}})
	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Add(i, frame(40, 20), compose.FullRect()))
	}
	assert.Empty(t, w.indices)
	require.NoError(t, buf.Close())
	assert.Equal(t, []int{0, 1, 2}, w.indices)
	assert.Equal(t, image.Pt(20, 10), w.sizes[0])
	assert.True(t, w.closed)
}

func TestBufferDropsFailedFrame(t *testing.T) {
	w := &recordingWriter{failAt: 1}
	buf := NewBuffer(BufferOptions{Capacity: 3, Writer: w})
	require.NoError(t, buf.Add(0, frame(10, 10), compose.FullRect()))
	require.NoError(t, buf.Add(1, frame(10, 10), compose.FullRect()))
	err := buf.Add(2, frame(10, 10), compose.FullRect())
	require.Error(t, err)
	assert.Equal(t, 1, buf.Buffered(), "frame after the failure stays held")
	require.NoError(t, buf.Flush())
	assert.Equal(t, []int{0, 2}, w.indices)
}

func TestBufferDisjointBoundsWriteWholeFrames(t *testing.T) {
	w := &recordingWriter{failAt: -1}
	buf := NewBuffer(BufferOptions{Capacity: 2, Writer: w})
	require.NoError(t, buf.Add(0, frame(50, 10), compose.NormRect{MaxX: 0.5, MaxY: 1}))
	require.NoError(t, buf.Add(1, frame(50, 10), compose.NormRect{MinX: 0.5, MaxX: 1, MaxY: 1}))
	assert.Equal(t, []image.Point{{50, 10}, {50, 10}}, w.sizes)
}

func TestMulti(t *testing.T) {
	a, b := &recordingWriter{failAt: -1}, &recordingWriter{failAt: 5}
	m := Multi{a, b}
	require.NoError(t, m.WriteFrame(1, frame(2, 2)))
	assert.Error(t, m.WriteFrame(5, frame(2, 2)))
	assert.Equal(t, []int{1, 5}, a.indices)
	assert.Equal(t, []int{1}, b.indices)
	require.NoError(t, m.Close())
	assert.True(t, a.closed && b.closed)
}

func TestOutputSize(t *testing.T) {
	src := image.Pt(400, 200)
	w, h := outputSize(src, 100, 0)
	assert.Equal(t, [2]int{100, 50}, [2]int{w, h})
	w, h = outputSize(src, 0, 100)
	assert.Equal(t, [2]int{200, 100}, [2]int{w, h})
	w, h = outputSize(src, 0, 0)
	assert.Equal(t, [2]int{400, 200}, [2]int{w, h})
	w, h = outputSize(src, 30, 40)
	assert.Equal(t, [2]int{30, 40}, [2]int{w, h})
}

func TestCompactSubImage(t *testing.T) {
	img := frame(10, 10)
	sub := img.SubImage(image.Rect(2, 3, 6, 5)).(*image.RGBA)
	c := compact(sub)
	assert.Equal(t, image.Rect(0, 0, 4, 2), c.Bounds())
	assert.Len(t, c.Pix, 4*4*2)
	assert.Equal(t, img.RGBAAt(2, 3), c.RGBAAt(0, 0))
	assert.Same(t, img, compact(img))
}

func TestVideoWriterPipesRawFrames(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell")
	}
	out := filepath.Join(t.TempDir(), "raw.rgba")
	var gotArgs []string
	v := NewVideoWriter(context.Background(), VideoOptions{
		Path: "out.mp4",
		FPS:  25,
		Command: func(ctx context.Context, name string, args ...string) *exec.Cmd {
			gotArgs = args
			return exec.CommandContext(ctx, "sh", "-c", "cat > "+out)
		},
	})
	require.NoError(t, v.WriteFrame(0, frame(8, 4)))
	require.NoError(t, v.WriteFrame(1, frame(8, 4)))
	assert.Error(t, v.WriteFrame(2, frame(4, 4)), "size change")
	require.NoError(t, v.Close())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Len(t, data, 2*8*4*4)
	assert.Contains(t, gotArgs, "8x4")
	assert.Contains(t, gotArgs, "25")
	assert.Equal(t, "out.mp4", gotArgs[len(gotArgs)-1])
}

func TestVideoWriterCloseWithoutFrames(t *testing.T) {
	v := NewVideoWriter(context.Background(), VideoOptions{Path: "unused.mp4"})
	assert.NoError(t, v.Close())
}

func TestVideoWriterCloseAfterEncoderFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell")
	}
	starts := 0
	v := NewVideoWriter(context.Background(), VideoOptions{
		Path: "out.mp4",
		Command: func(ctx context.Context, name string, args ...string) *exec.Cmd {
			starts++
			return exec.CommandContext(ctx, "sh", "-c", "cat > /dev/null; echo broken pipe >&2; exit 1")
		},
	})
	require.NoError(t, v.WriteFrame(0, frame(8, 4)))

	err := v.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.NoError(t, v.Close(), "the encoder is waited for once")
	assert.Equal(t, 1, starts)
}

func TestVideoWriterStartFailure(t *testing.T) {
	v := NewVideoWriter(context.Background(), VideoOptions{
		Path:   "out.mp4",
		FFmpeg: filepath.Join(t.TempDir(), "no-such-ffmpeg"),
	})
	assert.Error(t, v.WriteFrame(0, frame(8, 4)))
	assert.NoError(t, v.Close())
}
