package window

import (
	"slices"
	"strconv"
	"strings"
)

// Selection is a sorted, duplicate-free set of frame indices whose
// registrations were merged into a seed. It doubles as the cache key that
// decides whether a re-merge is needed.
type Selection []int

// NewSelection normalizes idx into a Selection.
func NewSelection(idx []int) Selection {
	s := slices.Clone(idx)
	slices.Sort(s)
	return Selection(slices.Compact(s))
}

// Key renders the selection as "i,j,k".
func (s Selection) Key() string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// Equal reports set equality.
func (s Selection) Equal(o Selection) bool {
	return slices.Equal(s, o)
}

// Empty reports whether no frame is selected.
func (s Selection) Empty() bool { return len(s) == 0 }
