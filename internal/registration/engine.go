package registration

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Cause classifies why a registration or merge could not be produced.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseInsufficientMatches
	CauseDegenerateHomography
	CauseInconsistentInputs
	CauseTrim
	CauseTool
)

func (c Cause) String() string {
	switch c {
	case CauseInsufficientMatches:
		return "insufficient matches"
	case CauseDegenerateHomography:
		return "degenerate homography"
	case CauseInconsistentInputs:
		return "inconsistent inputs"
	case CauseTrim:
		return "trim"
	case CauseTool:
		return "tool failure"
	default:
		return "unknown"
	}
}

// Failure is the error an Engine returns when it cannot register or merge.
type Failure struct {
	Cause  Cause
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	msg := f.Cause.String()
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Failf builds a *Failure with a formatted detail message.
func Failf(cause Cause, format string, args ...any) *Failure {
	return &Failure{Cause: cause, Detail: fmt.Sprintf(format, args...)}
}

// CauseOf extracts the failure cause from err, or CauseUnknown.
func CauseOf(err error) Cause {
	var f *Failure
	if errors.As(err, &f) {
		return f.Cause
	}
	return CauseUnknown
}

// ErrNoHistory is returned when no successful registration exists to seed from.
var ErrNoHistory = errors.New("registration: no successful history")

// Request asks the engine to stitch one stage.
type Request struct {
	Stage  int
	Images []*image.RGBA
	// Seed, when non-null, supplies camera parameters and canvas so that
	// matching and pose estimation are skipped. Seed transforms, if present,
	// remap the seed's region layout.
	Seed          *Record
	MaskRatio     MaskRatio
	ResizeSize    image.Point
	BlendStrength int
	Multiband     bool
}

// Registration is a stitched stage: the untrimmed panorama and its record.
// Record.NonBlackFraction is left for the caller to fill after trimming.
type Registration struct {
	Record   *Record
	Panorama *image.RGBA
}

// MergeRequest asks the engine to fuse the feature sets of several records of
// the same stage into one record whose cameras start from Rotations.
type MergeRequest struct {
	Stage     int
	Records   []*Record
	Rotations [][9]float64
}

// Engine is the external registration capability.
type Engine interface {
	Register(ctx context.Context, req Request) (Registration, error)
	MatchAndMerge(ctx context.Context, req MergeRequest) (*Record, error)
}
