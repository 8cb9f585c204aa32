package compose

import "fmt"

// Policy selects how two opposed fisheye feeds are assembled.
type Policy int

const (
	// DoubleSide stitches front-back and back-front, re-stitches the two
	// seam crops, then closes the circle from the seam halves. Four stages.
	DoubleSide Policy = iota
	// DoubleSideNoDirectionCorrection stitches front-back once and then
	// re-stitches its two halves swapped. Two stages.
	DoubleSideNoDirectionCorrection
	// DoubleSideOnce stitches four half-frame crops in a single stage.
	DoubleSideOnce
)

// ParsePolicy maps a configuration name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "double_side", "":
		return DoubleSide, nil
	case "no_direction_correction":
		return DoubleSideNoDirectionCorrection, nil
	case "once":
		return DoubleSideOnce, nil
	default:
		return 0, fmt.Errorf("unknown stitching policy %q", name)
	}
}

func (p Policy) String() string {
	switch p {
	case DoubleSide:
		return "double_side"
	case DoubleSideNoDirectionCorrection:
		return "no_direction_correction"
	case DoubleSideOnce:
		return "once"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Stages is the number of records a group produced under p holds.
func (p Policy) Stages() int {
	switch p {
	case DoubleSide:
		return 4
	case DoubleSideNoDirectionCorrection:
		return 2
	default:
		return 1
	}
}
