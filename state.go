package book

import (
	"fmt"
	"math/bits"

	"github.com/0x5487/tickbook/structure"
)

// State is the bookkeeping core of one market: a FIFO ledger per tick, the
// presence index over ticks and the per-tick claim counters.
//
// State is not safe for concurrent use. OrderBook serializes access to it.
// Every mutating method validates before it writes, a returned error means
// nothing changed.
type State struct {
	key       MarketKey
	marketID  MarketID
	queues    map[Tick]*tickQueue
	bitmap    *structure.TickBitmap
	claimable *totalClaimable
}

// Level is the depth resting at one tick.
type Level struct {
	Tick  Tick   `json:"tick"`
	Depth uint64 `json:"depth"`
}

// NewState creates an unopened book state.
func NewState() *State {
	return &State{
		queues:    make(map[Tick]*tickQueue),
		bitmap:    structure.NewTickBitmap(),
		claimable: newTotalClaimable(),
	}
}

// Open sets the market key. It can only succeed once.
func (s *State) Open(key MarketKey) error {
	if s.IsOpened() {
		return ErrAlreadyOpened
	}
	if err := key.Validate(); err != nil {
		return err
	}
	s.key = key
	s.marketID = key.ID()
	return nil
}

// IsOpened reports whether Open succeeded.
func (s *State) IsOpened() bool {
	return s.key.UnitSize != 0
}

// Key returns the market key, zero until opened.
func (s *State) Key() MarketKey {
	return s.key
}

// MarketID returns the id derived from the market key.
func (s *State) MarketID() MarketID {
	return s.marketID
}

// Make appends an order of amount raw units at tick and returns its index.
//
// Once a tick has seen MaxOrders orders the new order recycles the slot of the
// order MaxOrders positions earlier, which must be fully filled.
func (s *State) Make(tick Tick, amount uint64, provider Provider) (uint64, error) {
	if !s.IsOpened() {
		return 0, ErrNotOpened
	}
	if amount == 0 {
		return 0, ErrZeroAmount
	}
	if !tick.Valid() {
		return 0, ErrInvalidTick
	}

	q := s.queues[tick]
	if q == nil {
		q = newTickQueue()
	}

	index := q.length()
	if index > MaxOrderIndex {
		return 0, ErrOrderIndexOverflow
	}
	slot := slotOf(index)

	var stale uint64
	if index >= MaxOrders {
		staleIndex := index - MaxOrders
		stalePending := q.orders[staleIndex].Pending
		if stalePending > 0 && s.claimableAmount(q, tick, staleIndex) != stalePending {
			return 0, ErrSlotReuseConflict
		}
		// the stale order is fully taken, its amount leaves the claim pool
		stale = q.slotAmount(slot)
		if stale > s.claimable.get(tick) {
			return 0, ErrClaimableUnderflow
		}
	}

	if _, carry := bits.Add64(q.total()-stale, amount, 0); carry != 0 {
		return 0, ErrDepthOverflow
	}

	// commit
	if err := s.claimable.sub(tick, stale); err != nil {
		return 0, err
	}
	if err := q.tree.Update(slot, amount); err != nil {
		return 0, err
	}
	q.orders = append(q.orders, Order{Provider: provider, Pending: amount})
	s.queues[tick] = q
	if err := s.bitmap.Set(int32(tick)); err != nil {
		return 0, err
	}

	return index, nil
}

// Take fills up to maxAmount raw units at tick, oldest orders first, and
// returns the amount taken. A drained tick leaves the presence index.
func (s *State) Take(tick Tick, maxAmount uint64) (uint64, error) {
	if !s.IsOpened() {
		return 0, ErrNotOpened
	}

	depth := s.Depth(tick)
	taken := maxAmount
	if depth <= maxAmount {
		taken = depth
	}

	if err := s.claimable.add(tick, taken); err != nil {
		return 0, err
	}
	if taken == depth {
		s.bitmap.Clear(int32(tick))
	}
	return taken, nil
}

// Cancel shrinks the order so that minRemaining units stay unfilled next to
// whatever is already claimable. It returns the canceled amount and the new
// pending amount.
//
// When minRemaining is too large the error is a *CancelExceedsPendingError
// whose MaxCancelable is the largest minRemaining that would be accepted.
func (s *State) Cancel(id OrderID, minRemaining uint64) (canceled uint64, pending uint64, err error) {
	if !s.IsOpened() {
		return 0, 0, ErrNotOpened
	}
	if id.MarketID != s.marketID {
		return 0, 0, ErrMarketMismatch
	}

	q := s.queues[id.Tick]
	if q == nil || !q.has(id.Index) {
		return 0, 0, ErrOrderNotFound
	}

	order := &q.orders[id.Index]
	claimableNow := s.claimableAmount(q, id.Tick, id.Index)
	pending, carry := bits.Add64(minRemaining, claimableNow, 0)
	if carry != 0 || order.Pending < pending {
		return 0, 0, &CancelExceedsPendingError{MaxCancelable: order.Pending - claimableNow}
	}
	canceled = order.Pending - pending

	if canceled > 0 {
		slot := slotOf(id.Index)
		current := q.slotAmount(slot)
		if current < canceled {
			return 0, 0, fmt.Errorf("%w: slot %d holds %d, cancel %d", ErrUnderflow, slot, current, canceled)
		}
		if err := q.tree.Update(slot, current-canceled); err != nil {
			return 0, 0, err
		}
	}
	order.Pending = pending

	if s.Depth(id.Tick) == 0 {
		s.bitmap.Clear(int32(id.Tick))
	}
	return canceled, pending, nil
}

// Claim releases the filled part of an order and returns it.
func (s *State) Claim(tick Tick, index uint64) (uint64, error) {
	if !s.IsOpened() {
		return 0, ErrNotOpened
	}

	q := s.queues[tick]
	if q == nil || !q.has(index) {
		return 0, ErrOrderNotFound
	}

	claimed := s.claimableAmount(q, tick, index)
	q.orders[index].Pending -= claimed
	return claimed, nil
}

// Depth returns the amount still takeable at tick.
func (s *State) Depth(tick Tick) uint64 {
	q := s.queues[tick]
	if q == nil {
		return 0
	}
	total, claimed := q.total(), s.claimable.get(tick)
	if claimed > total {
		return 0
	}
	return total - claimed
}

// Highest returns the greatest tick with depth.
func (s *State) Highest() (Tick, error) {
	t, err := s.bitmap.Highest()
	return Tick(t), err
}

// MaxLessThan returns the greatest tick with depth strictly below tick.
func (s *State) MaxLessThan(tick Tick) (Tick, error) {
	t, err := s.bitmap.MaxLessThan(int32(tick))
	return Tick(t), err
}

// IsEmpty reports whether no tick has depth.
func (s *State) IsEmpty() bool {
	return s.bitmap.IsEmpty()
}

// Order returns the record at (tick, index).
func (s *State) Order(tick Tick, index uint64) (Order, error) {
	q := s.queues[tick]
	if q == nil || !q.has(index) {
		return Order{}, ErrOrderNotFound
	}
	return q.orders[index], nil
}

// OrderCount returns how many orders were ever made at tick.
func (s *State) OrderCount(tick Tick) uint64 {
	q := s.queues[tick]
	if q == nil {
		return 0
	}
	return q.length()
}

// ClaimableAmount returns how much of the order's pending amount is filled.
func (s *State) ClaimableAmount(tick Tick, index uint64) (uint64, error) {
	q := s.queues[tick]
	if q == nil || !q.has(index) {
		return 0, ErrOrderNotFound
	}
	return s.claimableAmount(q, tick, index), nil
}

// TotalClaimable returns the amount taken at tick and not yet retired by slot
// reuse.
func (s *State) TotalClaimable(tick Tick) uint64 {
	return s.claimable.get(tick)
}

// Levels walks active ticks from the highest downward and returns at most
// limit of them.
func (s *State) Levels(limit uint32) []Level {
	levels := make([]Level, 0, limit)
	tick, err := s.Highest()
	for err == nil && uint32(len(levels)) < limit {
		levels = append(levels, Level{Tick: tick, Depth: s.Depth(tick)})
		tick, err = s.MaxLessThan(tick)
	}
	return levels
}

// claimableAmount is the overlap between the filled prefix of the tick and
// the range the order occupies in it.
func (s *State) claimableAmount(q *tickQueue, tick Tick, index uint64) uint64 {
	orderAmount := q.orders[index].Pending

	// slots recycled more than a window ago were fully filled before reuse
	if index+MaxOrders < q.length() {
		return orderAmount
	}

	totalClaimable := s.claimable.get(tick)
	rangeRight := q.claimRangeRight(index)
	var rangeLeft uint64
	if rangeRight > orderAmount {
		rangeLeft = rangeRight - orderAmount
	}

	switch {
	case rangeLeft >= totalClaimable:
		return 0
	case rangeRight <= totalClaimable:
		return orderAmount
	default:
		return totalClaimable - rangeLeft
	}
}
