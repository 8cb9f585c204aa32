package registration

import (
	"context"
	"log/slog"
)

// MergeGroups fuses the stage records of several frames into one group.
// A single group is returned as a copy. Groups that disagree on stage count,
// image count, camera count, mask ratio or resize size are not merged and
// the first group is returned instead, as is the case when the engine
// rejects a stage merge. MergeGroups never fails.
func MergeGroups(ctx context.Context, engine Engine, groups []Group, log *slog.Logger) Group {
	if len(groups) == 0 {
		return nil
	}
	if len(groups) == 1 {
		return groups[0].Clone()
	}
	if log == nil {
		log = slog.Default()
	}

	if stage, ok := consistent(groups); !ok {
		log.Error("inconsistent groups, skipping merge", "stage", stage, "groups", len(groups))
		return groups[0].Clone()
	}

	out := make(Group, len(groups[0]))
	for stage := range groups[0] {
		records := make([]*Record, len(groups))
		for i, g := range groups {
			records[i] = g[stage]
		}

		cams := len(records[0].Cameras)
		rotations := make([][9]float64, cams)
		for k := 0; k < cams; k++ {
			rs := make([][9]float64, len(records))
			for i, r := range records {
				rs[i] = r.Cameras[k].R
			}
			rotations[k] = AverageRotation(rs)
		}

		merged, err := engine.MatchAndMerge(ctx, MergeRequest{
			Stage:     stage,
			Records:   records,
			Rotations: rotations,
		})
		if err != nil || merged == nil {
			log.Error("stage merge failed, keeping first group", "stage", stage, "cause", CauseOf(err).String(), "error", err)
			return groups[0].Clone()
		}
		merged.ImageCount = records[0].ImageCount
		merged.MaskRatio = records[0].MaskRatio
		merged.ResizeSize = records[0].ResizeSize
		out[stage] = merged
	}
	return out
}

// consistent returns the first stage index at which the groups disagree.
func consistent(groups []Group) (int, bool) {
	n := len(groups[0])
	for _, g := range groups[1:] {
		if len(g) != n {
			return 0, false
		}
	}
	for stage := 0; stage < n; stage++ {
		ref := groups[0][stage]
		if ref == nil {
			return stage, false
		}
		for _, g := range groups[1:] {
			r := g[stage]
			if r == nil ||
				r.ImageCount != ref.ImageCount ||
				len(r.Cameras) != len(ref.Cameras) ||
				r.MaskRatio != ref.MaskRatio ||
				r.ResizeSize != ref.ResizeSize {
				return stage, false
			}
		}
	}
	return 0, true
}
