package framestore

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(seed uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			img.SetRGBA(x, y, color.RGBA{R: seed + uint8(x), G: uint8(y), B: seed, A: 255})
		}
	}
	return img
}

type memSpill struct {
	frames  map[int][]*image.RGBA
	deletes int
}

func (m *memSpill) Write(index int, frames []*image.RGBA) error {
	if m.frames == nil {
		m.frames = make(map[int][]*image.RGBA)
	}
	m.frames[index] = frames
	return nil
}

func (m *memSpill) Read(index, count int) ([]*image.RGBA, error) {
	f, ok := m.frames[index]
	if !ok {
		return nil, os.ErrNotExist
	}
	return f[:count], nil
}

func (m *memSpill) Delete(index, count int) error {
	m.deletes++
	delete(m.frames, index)
	return nil
}

type countingObserver struct {
	spilled []int
	memory  int
}

func (o *countingObserver) FrameSpilled(index int)       { o.spilled = append(o.spilled, index) }
func (o *countingObserver) FramesResident(memory, _ int) { o.memory = memory }

func TestPutCopiesFrames(t *testing.T) {
	s := New(Options{MaxInMemory: 10, Window: 5})
	src := testFrame(1)
	require.NoError(t, s.Put(0, []*image.RGBA{src}))
	src.Pix[0] = 99

	got, err := s.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), got[0].Pix[0])
}

func TestPutSpillsWhenMemoryFull(t *testing.T) {
	spill := &memSpill{}
	obs := &countingObserver{}
	s := New(Options{MaxInMemory: 3, Window: 30, EvictSlack: 5, Spill: spill, Observer: obs})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(i, []*image.RGBA{testFrame(uint8(i)), testFrame(uint8(i + 100))}))
	}
	assert.Equal(t, Stats{Memory: 3, Spilled: 2}, s.Stats())
	assert.Equal(t, []int{3, 4}, obs.spilled)
	assert.Equal(t, 3, obs.memory)

	got, err := s.Get(4)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, testFrame(104).Pix, got[1].Pix)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, s.Indices())
}

type brokenSpill struct{ memSpill }

func (b *brokenSpill) Write(int, []*image.RGBA) error { return errors.New("disk full") }

func TestPutKeepsFrameWhenSpillFails(t *testing.T) {
	obs := &countingObserver{}
	s := New(Options{MaxInMemory: 1, Window: 10, Spill: &brokenSpill{}, Observer: obs})

	require.NoError(t, s.Put(0, []*image.RGBA{testFrame(0)}))
	require.NoError(t, s.Put(1, []*image.RGBA{testFrame(7)}))

	got, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), got[0].Pix[0])
	assert.Equal(t, Stats{Memory: 2}, s.Stats())
	assert.Empty(t, obs.spilled)
}

func TestPutEvictsBehindWindow(t *testing.T) {
	s := New(Options{MaxInMemory: 100, Window: 4, EvictSlack: 1, EvictLookback: 10})
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Put(i, []*image.RGBA{testFrame(0)}))
	}
	// six resident exceeds 4+1, so [5-14, 5-5] is dropped
	assert.Equal(t, []int{1, 2, 3, 4, 5}, s.Indices())

	for i := 6; i < 20; i++ {
		require.NoError(t, s.Put(i, []*image.RGBA{testFrame(0)}))
	}
	assert.Equal(t, []int{15, 16, 17, 18, 19}, s.Indices())
}

func TestRemoveIsIdempotent(t *testing.T) {
	spill := &memSpill{}
	s := New(Options{MaxInMemory: 1, Window: 10, Spill: spill})
	require.NoError(t, s.Put(0, []*image.RGBA{testFrame(0)}))
	require.NoError(t, s.Put(1, []*image.RGBA{testFrame(1)}))

	require.NoError(t, s.Remove(1))
	require.NoError(t, s.Remove(1))
	require.NoError(t, s.Remove(42))
	assert.Equal(t, 1, spill.deletes)
	assert.Equal(t, Stats{Memory: 1}, s.Stats())
}

func TestGetMissingFrame(t *testing.T) {
	s := New(Options{MaxInMemory: 2, Window: 2})
	_, err := s.Get(7)
	assert.ErrorIs(t, err, ErrMissingFrame)
}

func TestDiskSpillRoundTrip(t *testing.T) {
	dir := t.TempDir()
	spill, err := NewDiskSpill(dir, nil)
	require.NoError(t, err)
	defer spill.Close()

	s := New(Options{MaxInMemory: 0, Window: 10, Spill: spill})
	cams := []*image.RGBA{testFrame(3), testFrame(200)}
	require.NoError(t, s.Put(12, cams))
	assert.Equal(t, Stats{Spilled: 1}, s.Stats())

	_, err = os.Stat(filepath.Join(dir, "frame-00000012-1.cbor.zst"))
	require.NoError(t, err)

	got, err := s.Get(12)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range cams {
		assert.Equal(t, cams[i].Rect, got[i].Rect)
		assert.Equal(t, cams[i].Pix, got[i].Pix)
	}

	require.NoError(t, s.Remove(12))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskSpillSubImage(t *testing.T) {
	spill, err := NewDiskSpill(t.TempDir(), nil)
	require.NoError(t, err)
	defer spill.Close()

	sub := testFrame(9).SubImage(image.Rect(4, 2, 12, 6)).(*image.RGBA)
	require.NoError(t, spill.Write(0, []*image.RGBA{sub}))
	got, err := spill.Read(0, 1)
	require.NoError(t, err)
	assert.Equal(t, sub.Rect, got[0].Rect)
	assert.Equal(t, sub.RGBAAt(5, 3), got[0].RGBAAt(5, 3))
}

func TestDiskSpillReadMissing(t *testing.T) {
	spill, err := NewDiskSpill(t.TempDir(), nil)
	require.NoError(t, err)
	defer spill.Close()
	_, err = spill.Read(3, 1)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, spill.Delete(3, 2))
}

func TestDiskSpillRemovesPartialWrite(t *testing.T) {
	dir := t.TempDir()
	spill, err := NewDiskSpill(dir, nil)
	require.NoError(t, err)
	defer spill.Close()

	// camera 1 cannot be renamed into place
	blocked := filepath.Join(dir, "frame-00000005-1.cbor.zst")
	require.NoError(t, os.Mkdir(blocked, 0o755))

	err = spill.Write(5, []*image.RGBA{testFrame(1), testFrame(2)})
	require.ErrorContains(t, err, "camera 1")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(blocked), entries[0].Name())

	err = spill.Write(6, []*image.RGBA{testFrame(1), nil})
	require.ErrorContains(t, err, "nil frame")
	_, err = os.Stat(filepath.Join(dir, "frame-00000006-0.cbor.zst"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDiskSpillZeroHeight(t *testing.T) {
	spill, err := NewDiskSpill(t.TempDir(), nil)
	require.NoError(t, err)
	defer spill.Close()

	empty := image.NewRGBA(image.Rect(0, 0, 5, 0))
	require.NoError(t, spill.Write(0, []*image.RGBA{empty}))
	got, err := spill.Read(0, 1)
	require.NoError(t, err)
	assert.Equal(t, empty.Rect, got[0].Rect)
}
