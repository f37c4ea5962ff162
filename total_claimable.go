package book

import "math/bits"

// totalClaimable maps a tick to the amount already taken at that tick but not
// yet attributed to a specific order. Four adjacent ticks share one cell,
// which only changes the footprint: every counter is an independent uint64.
type totalClaimable struct {
	cells map[int32]*[4]uint64
}

func newTotalClaimable() *totalClaimable {
	return &totalClaimable{cells: make(map[int32]*[4]uint64)}
}

func claimableSlot(tick Tick) (int32, int) {
	// arithmetic shift keeps negative ticks in their own cells
	return int32(tick) >> 2, int(int32(tick) & 3)
}

func (tc *totalClaimable) get(tick Tick) uint64 {
	key, i := claimableSlot(tick)
	cell := tc.cells[key]
	if cell == nil {
		return 0
	}
	return cell[i]
}

func (tc *totalClaimable) add(tick Tick, amount uint64) error {
	if amount == 0 {
		return nil
	}
	key, i := claimableSlot(tick)
	cell := tc.cells[key]
	if cell == nil {
		cell = new([4]uint64)
		tc.cells[key] = cell
	}
	sum, carry := bits.Add64(cell[i], amount, 0)
	if carry != 0 {
		return ErrClaimableOverflow
	}
	cell[i] = sum
	return nil
}

func (tc *totalClaimable) sub(tick Tick, amount uint64) error {
	if amount == 0 {
		return nil
	}
	key, i := claimableSlot(tick)
	cell := tc.cells[key]
	if cell == nil || cell[i] < amount {
		return ErrClaimableUnderflow
	}
	cell[i] -= amount
	if *cell == ([4]uint64{}) {
		delete(tc.cells, key)
	}
	return nil
}

// set overwrites the counter, used when restoring a snapshot.
func (tc *totalClaimable) set(tick Tick, amount uint64) {
	key, i := claimableSlot(tick)
	cell := tc.cells[key]
	if cell == nil {
		if amount == 0 {
			return
		}
		cell = new([4]uint64)
		tc.cells[key] = cell
	}
	cell[i] = amount
}
