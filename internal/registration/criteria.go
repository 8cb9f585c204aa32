package registration

import "math"

// Criteria decides whether a stage registration is usable.
type Criteria struct {
	NonBlackFloor      float64
	FocalEpsilon       float64
	MaxFocalDivergence float64
}

// DefaultCriteria returns the thresholds used by the pipeline.
func DefaultCriteria() Criteria {
	return Criteria{
		NonBlackFloor:      0.7,
		FocalEpsilon:       1e-7,
		MaxFocalDivergence: 0.1,
	}
}

// Success reports whether r retained enough content and, for a two camera
// stage, whether the focal lengths are neither identical nor divergent.
func (c Criteria) Success(r *Record) bool {
	if r.IsNull() {
		return false
	}
	if r.NonBlackFraction < c.NonBlackFloor {
		return false
	}
	if len(r.Cameras) == 2 {
		f0, f1 := r.Cameras[0].Focal, r.Cameras[1].Focal
		if f0 == 0 {
			return false
		}
		rel := math.Abs(f1-f0) / f0
		return rel >= c.FocalEpsilon && rel < c.MaxFocalDivergence
	}
	return true
}

// Evaluate is the non-black fraction of a successful record, else 0.
func (c Criteria) Evaluate(r *Record) float64 {
	if !c.Success(r) {
		return 0
	}
	return r.NonBlackFraction
}

// GroupSuccess reports whether the group is non-empty and every member succeeds.
func (c Criteria) GroupSuccess(g Group) bool {
	if len(g) == 0 {
		return false
	}
	for _, r := range g {
		if !c.Success(r) {
			return false
		}
	}
	return true
}

// GroupEvaluate is the geometric mean of member evaluations, or 0 if any
// member fails.
func (c Criteria) GroupEvaluate(g Group) float64 {
	if !c.GroupSuccess(g) {
		return 0
	}
	logSum := 0.0
	for _, r := range g {
		logSum += math.Log(r.NonBlackFraction)
	}
	return math.Exp(logSum / float64(len(g)))
}
