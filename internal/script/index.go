package script

import (
	"fmt"
	"strconv"
	"strings"
)

// noIndex marks a path segment that carries no numeric prefix.
const noIndex int64 = -1

// Index is the multi-level index of a script: one entry per path segment
// (folders first, file name last). Segments without a numeric prefix hold
// noIndex.
type Index []int64

// ParseIndex parses a dotted revision such as "1.2.3". Empty input yields a
// nil index.
func ParseIndex(s string) (Index, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ".")
	out := make(Index, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid revision %q: segment %q is not a non-negative number", s, p)
		}
		out = append(out, v)
	}
	return out, nil
}

// HasIndex reports whether at least one segment carries an index.
func (i Index) HasIndex() bool {
	for _, v := range i {
		if v != noIndex {
			return true
		}
	}
	return false
}

// Values returns only the segments that carry an index, in path order.
func (i Index) Values() []int64 {
	out := make([]int64, 0, len(i))
	for _, v := range i {
		if v != noIndex {
			out = append(out, v)
		}
	}
	return out
}

// Compare orders two indexes segment by segment. An indexed segment sorts
// before an unindexed one, two unindexed segments are skipped, and when all
// compared segments tie the shorter index comes first.
func (i Index) Compare(o Index) int {
	n := min(len(i), len(o))
	for k := 0; k < n; k++ {
		a, b := i[k], o[k]
		switch {
		case a == noIndex && b == noIndex:
			continue
		case a == noIndex:
			return 1
		case b == noIndex:
			return -1
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	switch {
	case len(i) < len(o):
		return -1
	case len(i) > len(o):
		return 1
	}
	return 0
}

// Below reports whether the indexed segments of i are lower than revision.
func (i Index) Below(revision Index) bool {
	vals := i.Values()
	n := min(len(vals), len(revision))
	for k := 0; k < n; k++ {
		if vals[k] != revision[k] {
			return vals[k] < revision[k]
		}
	}
	return len(vals) < len(revision)
}

func (i Index) String() string {
	if len(i) == 0 {
		return ""
	}
	parts := make([]string, len(i))
	for k, v := range i {
		if v == noIndex {
			parts[k] = "x"
			continue
		}
		parts[k] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ".")
}
