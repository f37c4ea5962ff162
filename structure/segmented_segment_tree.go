package structure

import "errors"

// SegmentedSegmentTree is a fixed-size range-sum tree over MaxSlots uint64 slots.
//
// Design:
// - Slots are sharded into SegmentCount segments of SegmentSize slots.
// - Every segment is an implicit binary partial-sum tree (1-indexed array).
// - A top tree of the same shape aggregates the segment subtotals.
// - Segments are allocated on first write, an untouched segment sums to zero.
//
// Update touches log2(SegmentSize) + log2(SegmentCount) nodes, Query touches at
// most two partial segments plus one top-tree range, Total is O(1).
//
// Sums are not overflow checked: callers must keep Total() within uint64.
const (
	MaxSlots     = 1 << 15
	SegmentSize  = 1 << 6
	SegmentCount = MaxSlots / SegmentSize
)

var (
	ErrSlotOutOfRange = errors.New("segment tree: slot out of range")
	ErrInvalidRange   = errors.New("segment tree: invalid range")
)

type segment [2 * SegmentSize]uint64

func (s *segment) update(i int, value uint64) {
	i += SegmentSize
	s[i] = value
	for i > 1 {
		i >>= 1
		s[i] = s[2*i] + s[2*i+1]
	}
}

// query sums [l, r) inside the segment.
func (s *segment) query(l, r int) uint64 {
	var sum uint64
	l += SegmentSize
	r += SegmentSize
	for l < r {
		if l&1 == 1 {
			sum += s[l]
			l++
		}
		if r&1 == 1 {
			r--
			sum += s[r]
		}
		l >>= 1
		r >>= 1
	}
	return sum
}

// SegmentedSegmentTree stores absolute slot values with cached partial sums.
type SegmentedSegmentTree struct {
	segments [SegmentCount]*segment
	top      [2 * SegmentCount]uint64
}

// NewSegmentedSegmentTree creates an empty tree with every slot set to zero.
func NewSegmentedSegmentTree() *SegmentedSegmentTree {
	return &SegmentedSegmentTree{}
}

// Update sets slot i to value.
func (t *SegmentedSegmentTree) Update(i int, value uint64) error {
	if i < 0 || i >= MaxSlots {
		return ErrSlotOutOfRange
	}

	idx := i / SegmentSize
	seg := t.segments[idx]
	if seg == nil {
		if value == 0 {
			return nil
		}
		seg = new(segment)
		t.segments[idx] = seg
	}
	seg.update(i%SegmentSize, value)

	// propagate the segment subtotal through the top tree
	j := idx + SegmentCount
	t.top[j] = seg[1]
	for j > 1 {
		j >>= 1
		t.top[j] = t.top[2*j] + t.top[2*j+1]
	}
	return nil
}

// Get returns the value stored at slot i.
func (t *SegmentedSegmentTree) Get(i int) (uint64, error) {
	if i < 0 || i >= MaxSlots {
		return 0, ErrSlotOutOfRange
	}
	seg := t.segments[i/SegmentSize]
	if seg == nil {
		return 0, nil
	}
	return seg[SegmentSize+i%SegmentSize], nil
}

// Query returns the sum of slots in [l, r).
func (t *SegmentedSegmentTree) Query(l, r int) (uint64, error) {
	if l < 0 || r > MaxSlots || l > r {
		return 0, ErrInvalidRange
	}
	if l == r {
		return 0, nil
	}

	ls, rs := l/SegmentSize, (r-1)/SegmentSize
	if ls == rs {
		return t.segmentQuery(ls, l%SegmentSize, (r-1)%SegmentSize+1), nil
	}

	sum := t.segmentQuery(ls, l%SegmentSize, SegmentSize)
	sum += t.topQuery(ls+1, rs)
	sum += t.segmentQuery(rs, 0, (r-1)%SegmentSize+1)
	return sum, nil
}

// Total returns the sum of all slots.
func (t *SegmentedSegmentTree) Total() uint64 {
	return t.top[1]
}

func (t *SegmentedSegmentTree) segmentQuery(idx, l, r int) uint64 {
	seg := t.segments[idx]
	if seg == nil {
		return 0
	}
	if l == 0 && r == SegmentSize {
		return seg[1]
	}
	return seg.query(l, r)
}

// topQuery sums whole segments [l, r).
func (t *SegmentedSegmentTree) topQuery(l, r int) uint64 {
	var sum uint64
	l += SegmentCount
	r += SegmentCount
	for l < r {
		if l&1 == 1 {
			sum += t.top[l]
			l++
		}
		if r&1 == 1 {
			r--
			sum += t.top[r]
		}
		l >>= 1
		r >>= 1
	}
	return sum
}

// Range calls fn for every non-zero slot in ascending slot order.
func (t *SegmentedSegmentTree) Range(fn func(slot int, value uint64) bool) {
	for idx, seg := range t.segments {
		if seg == nil || seg[1] == 0 {
			continue
		}
		for k := 0; k < SegmentSize; k++ {
			v := seg[SegmentSize+k]
			if v == 0 {
				continue
			}
			if !fn(idx*SegmentSize+k, v) {
				return
			}
		}
	}
}
