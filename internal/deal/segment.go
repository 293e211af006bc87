package deal

import "strings"

// Pair binds one dimension to a level.
type Pair struct {
	Dimension Dimension `json:"dimension"`
	Value     string    `json:"value"`
}

// SegmentKey is an ordered tuple of dimension levels. The empty key stands for
// the whole population (global scope).
type SegmentKey []Pair

// KeyFor builds the segment key of d over dims, in the order given.
func KeyFor(d Deal, dims []Dimension) SegmentKey {
	if len(dims) == 0 {
		return nil
	}
	key := make(SegmentKey, 0, len(dims))
	for _, dim := range dims {
		key = append(key, Pair{Dimension: dim, Value: d.Value(dim)})
	}
	return key
}

// IsGlobal reports whether the key covers all deals.
func (k SegmentKey) IsGlobal() bool {
	return len(k) == 0
}

// String renders the key as "region=APAC|product_type=Enterprise".
func (k SegmentKey) String() string {
	if len(k) == 0 {
		return ""
	}
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = string(p.Dimension) + "=" + p.Value
	}
	return strings.Join(parts, "|")
}

// Label renders only the levels, e.g. "APAC/Enterprise".
func (k SegmentKey) Label() string {
	if len(k) == 0 {
		return "all"
	}
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = p.Value
	}
	return strings.Join(parts, "/")
}

// Equal compares keys pair by pair.
func (k SegmentKey) Equal(other SegmentKey) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// Grouping identifies a dimension set, e.g. "region+product_type". The empty
// grouping is the overall population.
func Grouping(dims []Dimension) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = string(d)
	}
	return strings.Join(parts, "+")
}
