package placement

// MapIterator is the concrete PrefilterIterator used by the built-in
// prefilter plugins: it keeps the underlying key order and, on Reset,
// rotates to start just after the given key — the cyclic round-robin
// fairness described in spec §4.4/§9 ("keep the underlying map and carry
// three iterators... next() wraps once when needed", collapsed here into a
// single rotation since Go slices make the three-iterator trick
// unnecessary).
type MapIterator struct {
	keys []string
}

// NewMapIterator builds an iterator over keys in the given order. The
// caller controls ordering (e.g. sorted, or registration order) since the
// cyclic-fairness guarantee only depends on a stable starting order, not on
// any particular one.
func NewMapIterator(keys []string) *MapIterator {
	cp := make([]string, len(keys))
	copy(cp, keys)
	return &MapIterator{keys: cp}
}

// Reset restarts iteration at the element after cur, wrapping back to the
// beginning and stopping at cur's original position. If cur is absent, the
// original order is returned unchanged.
func (m *MapIterator) Reset(cur string) []string {
	n := len(m.keys)
	if n == 0 {
		return nil
	}
	idx := -1
	for i, k := range m.keys {
		if k == cur {
			idx = i
			break
		}
	}
	if idx == -1 {
		out := make([]string, n)
		copy(out, m.keys)
		return out
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = m.keys[(idx+1+i)%n]
	}
	return out
}
