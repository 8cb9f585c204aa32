package window

// table is a flat per-stage store addressed by (stage, region).
type table[T any] struct {
	offsets []int
	cells   []T
}

func (t *table[T]) empty() bool { return len(t.offsets) == 0 }

func (t *table[T]) stages() int {
	if len(t.offsets) == 0 {
		return 0
	}
	return len(t.offsets) - 1
}

// appendStage adds the next stage's row.
func (t *table[T]) appendStage(row []T) {
	if len(t.offsets) == 0 {
		t.offsets = append(t.offsets, 0)
	}
	t.cells = append(t.cells, row...)
	t.offsets = append(t.offsets, len(t.cells))
}

func (t *table[T]) row(stage int) []T {
	return t.cells[t.offsets[stage]:t.offsets[stage+1]]
}

func (t *table[T]) at(stage, region int) T {
	return t.cells[t.offsets[stage]+region]
}
