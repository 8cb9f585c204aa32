// Package framestore holds raw per-camera frames between ingestion and
// composition, spilling to persistent storage once memory is full.
package framestore

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
)

// ErrMissingFrame means a frame is neither resident nor spilled. Under
// correct window sizing this cannot happen.
var ErrMissingFrame = errors.New("framestore: missing frame")

// Spill persists frame buffers keyed by frame index.
type Spill interface {
	Write(index int, frames []*image.RGBA) error
	Read(index, count int) ([]*image.RGBA, error)
	Delete(index, count int) error
}

// Observer receives residency updates. Methods are called on the owning
// goroutine.
type Observer interface {
	FrameSpilled(index int)
	FramesResident(memory, spilled int)
}

// Options configures a Store.
type Options struct {
	// MaxInMemory is the resident frame count at which new frames spill.
	MaxInMemory int
	// Window is the sliding window size of the consumer.
	Window int
	// EvictSlack is how far the resident count may exceed Window before
	// old frames are evicted.
	EvictSlack int
	// EvictLookback is the farthest offset below Window, counted back from
	// the newest frame, that eviction reaches.
	EvictLookback int
	Spill         Spill
	Observer      Observer
	Logger        *slog.Logger
}

// Stats is a residency snapshot.
type Stats struct {
	Memory  int `json:"memory"`
	Spilled int `json:"spilled"`
}

// Store is owned by one goroutine and is not safe for concurrent use.
type Store struct {
	opts    Options
	log     *slog.Logger
	memory  map[int][]*image.RGBA
	spilled map[int]int
}

// New creates a Store. A nil Spill keeps everything in memory.
func New(opts Options) *Store {
	if opts.EvictLookback <= 0 {
		opts.EvictLookback = 10
	}
	if opts.EvictSlack < 0 {
		opts.EvictSlack = 0
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		opts:    opts,
		log:     log,
		memory:  make(map[int][]*image.RGBA),
		spilled: make(map[int]int),
	}
}

// Put stores copies of frames under index. Once MaxInMemory frames are
// resident the new frame goes to the spill instead; if the spill write fails
// the frame stays resident. When the resident count exceeds
// Window+EvictSlack the frames in [index-(Window+EvictLookback),
// index-(Window+1)] are dropped.
func (s *Store) Put(index int, frames []*image.RGBA) error {
	clones := make([]*image.RGBA, len(frames))
	for i, f := range frames {
		clones[i] = cloneRGBA(f)
	}

	spilled := false
	if s.opts.Spill != nil && len(s.memory) >= s.opts.MaxInMemory {
		if err := s.opts.Spill.Write(index, clones); err != nil {
			s.log.Warn("spill failed, keeping frame in memory", "frame", index, "resident", len(s.memory), "error", err)
		} else {
			spilled = true
		}
	}
	if spilled {
		delete(s.memory, index)
		s.spilled[index] = len(clones)
		if s.opts.Observer != nil {
			s.opts.Observer.FrameSpilled(index)
		}
	} else {
		delete(s.spilled, index)
		s.memory[index] = clones
	}

	if len(s.memory) > s.opts.Window+s.opts.EvictSlack {
		before := len(s.memory) + len(s.spilled)
		for i := index - (s.opts.Window + s.opts.EvictLookback); i <= index-(s.opts.Window+1); i++ {
			if err := s.Remove(i); err != nil {
				s.log.Warn("evict frame", "frame", i, "error", err)
			}
		}
		s.log.Debug("evicted old frames", "frame", index, "before", before, "after", len(s.memory)+len(s.spilled))
	}

	s.observe()
	return nil
}

// Get returns the frames stored under index. Resident frames are returned
// without copying and must not be modified.
func (s *Store) Get(index int) ([]*image.RGBA, error) {
	if frames, ok := s.memory[index]; ok {
		return frames, nil
	}
	if count, ok := s.spilled[index]; ok {
		frames, err := s.opts.Spill.Read(index, count)
		if err != nil {
			return nil, fmt.Errorf("reload frame %d: %w", index, err)
		}
		return frames, nil
	}
	s.log.Error("frame not found", "frame", index)
	return nil, fmt.Errorf("frame %d: %w", index, ErrMissingFrame)
}

// Remove drops a resident frame or deletes a spilled one. Removing an
// unknown index is a no-op.
func (s *Store) Remove(index int) error {
	if _, ok := s.memory[index]; ok {
		delete(s.memory, index)
		s.observe()
		return nil
	}
	count, ok := s.spilled[index]
	if !ok {
		return nil
	}
	delete(s.spilled, index)
	s.observe()
	if err := s.opts.Spill.Delete(index, count); err != nil {
		return fmt.Errorf("delete spilled frame %d: %w", index, err)
	}
	return nil
}

// Stats returns the current resident and spilled frame counts.
func (s *Store) Stats() Stats {
	return Stats{Memory: len(s.memory), Spilled: len(s.spilled)}
}

// Indices lists every stored frame index in ascending order.
func (s *Store) Indices() []int {
	out := make([]int, 0, len(s.memory)+len(s.spilled))
	for i := range s.memory {
		out = append(out, i)
	}
	for i := range s.spilled {
		out = append(out, i)
	}
	slices.Sort(out)
	return out
}

func (s *Store) observe() {
	if s.opts.Observer != nil {
		s.opts.Observer.FramesResident(len(s.memory), len(s.spilled))
	}
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	if src == nil {
		return nil
	}
	dst := &image.RGBA{
		Pix:    slices.Clone(src.Pix),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	return dst
}
