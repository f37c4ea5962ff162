package book

import "github.com/0x5487/tickbook/structure"

// tickQueue is the FIFO ledger of one tick. orders grows forever, the fill
// tree only has MaxOrders slots and order i lives in slot i % MaxOrders.
type tickQueue struct {
	tree   *structure.SegmentedSegmentTree
	orders []Order
}

func newTickQueue() *tickQueue {
	return &tickQueue{
		tree:   structure.NewSegmentedSegmentTree(),
		orders: make([]Order, 0, 8),
	}
}

// length returns the next order index.
func (q *tickQueue) length() uint64 {
	return uint64(len(q.orders))
}

func (q *tickQueue) has(index uint64) bool {
	return index < q.length()
}

func slotOf(index uint64) int {
	return int(index & maxOrdersMask)
}

// slotAmount returns the amount still backing the order that owns slot.
func (q *tickQueue) slotAmount(slot int) uint64 {
	v, _ := q.tree.Get(slot) // slot is always masked
	return v
}

// total returns the sum of every live slot.
func (q *tickQueue) total() uint64 {
	return q.tree.Total()
}

// claimRangeRight returns the cumulative amount from the oldest live slot
// through the slot of index, following the wrap of the circular window.
func (q *tickQueue) claimRangeRight(index uint64) uint64 {
	l := slotOf(q.length())
	r := slotOf(index + 1)
	if l < r {
		sum, _ := q.tree.Query(l, r)
		return sum
	}
	sum, _ := q.tree.Query(r, l)
	return q.tree.Total() - sum
}
