package book

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = MarketKey{Base: "ETH", Quote: "USDC", UnitSize: 1}

func newTestState(t *testing.T) *State {
	t.Helper()
	s := NewState()
	require.NoError(t, s.Open(testKey))
	return s
}

func orderID(s *State, tick Tick, index uint64) OrderID {
	return OrderID{MarketID: s.MarketID(), Tick: tick, Index: index}
}

func TestStateOpen(t *testing.T) {
	s := NewState()
	assert.False(t, s.IsOpened())

	_, err := s.Make(0, 10, "p")
	assert.ErrorIs(t, err, ErrNotOpened)
	assert.ErrorIs(t, err, ErrStateConflict)
	_, err = s.Take(0, 10)
	assert.ErrorIs(t, err, ErrStateConflict)
	_, _, err = s.Cancel(OrderID{}, 0)
	assert.ErrorIs(t, err, ErrStateConflict)
	_, err = s.Claim(0, 0)
	assert.ErrorIs(t, err, ErrStateConflict)

	err = s.Open(MarketKey{Base: "ETH", Quote: "USDC"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.False(t, s.IsOpened())

	require.NoError(t, s.Open(testKey))
	assert.True(t, s.IsOpened())
	assert.Equal(t, testKey.ID(), s.MarketID())
	assert.Equal(t, testKey, s.Key())

	err = s.Open(testKey)
	assert.ErrorIs(t, err, ErrAlreadyOpened)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestStateMakeValidation(t *testing.T) {
	s := newTestState(t)

	_, err := s.Make(0, 0, "p")
	assert.ErrorIs(t, err, ErrZeroAmount)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.Make(MaxTick+1, 10, "p")
	assert.ErrorIs(t, err, ErrInvalidTick)
	_, err = s.Make(MinTick-1, 10, "p")
	assert.ErrorIs(t, err, ErrInvalidTick)

	_, err = s.Make(7, math.MaxUint64, "p")
	require.NoError(t, err)
	before := s.Snapshot()
	_, err = s.Make(7, 1, "p")
	assert.ErrorIs(t, err, ErrDepthOverflow)
	assert.Equal(t, before, s.Snapshot())

	assert.Equal(t, uint64(0), s.OrderCount(0))
	assert.Equal(t, uint64(1), s.OrderCount(7))
}

func TestStateFIFO(t *testing.T) {
	s := newTestState(t)

	for i, amount := range []uint64{10, 20, 30} {
		index, err := s.Make(0, amount, "p")
		require.NoError(t, err)
		assert.Equal(t, uint64(i), index)
	}
	assert.Equal(t, uint64(60), s.Depth(0))

	taken, err := s.Take(0, 15)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), taken)
	assert.Equal(t, uint64(45), s.Depth(0))
	assert.Equal(t, uint64(15), s.TotalClaimable(0))

	expected := []uint64{10, 5, 0}
	for i, want := range expected {
		got, err := s.ClaimableAmount(0, uint64(i))
		require.NoError(t, err)
		assert.Equal(t, want, got, "order %d", i)
	}

	taken, err = s.Take(0, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(45), taken)
	assert.Equal(t, uint64(0), s.Depth(0))
	assert.True(t, s.IsEmpty())

	taken, err = s.Take(0, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), taken)

	for i, want := range []uint64{10, 20, 30} {
		got, err := s.ClaimableAmount(0, uint64(i))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestStateTakeEmptyTick(t *testing.T) {
	s := newTestState(t)
	taken, err := s.Take(42, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), taken)
	assert.Equal(t, uint64(0), s.TotalClaimable(42))
}

func TestStateClaim(t *testing.T) {
	s := newTestState(t)
	_, _ = s.Make(3, 10, "a")
	_, _ = s.Make(3, 20, "b")
	_, err := s.Take(3, 15)
	require.NoError(t, err)

	claimed, err := s.Claim(3, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), claimed)
	order, err := s.Order(3, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), order.Pending)
	assert.Equal(t, Provider("a"), order.Provider)

	claimed, err = s.Claim(3, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), claimed)

	claimed, err = s.Claim(3, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), claimed)

	claimed, err = s.Claim(3, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), claimed)

	_, err = s.Take(3, 10)
	require.NoError(t, err)
	claimed, err = s.Claim(3, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), claimed)

	order, _ = s.Order(3, 1)
	assert.Equal(t, uint64(5), order.Pending)
	assert.Equal(t, uint64(5), s.Depth(3))

	_, err = s.Claim(3, 2)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = s.Claim(4, 0)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestStateCancel(t *testing.T) {
	t.Run("cancel rest of a partially filled order", func(t *testing.T) {
		s := newTestState(t)
		_, _ = s.Make(1, 100, "p")
		_, _ = s.Take(1, 30)

		canceled, pending, err := s.Cancel(orderID(s, 1, 0), 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(70), canceled)
		assert.Equal(t, uint64(30), pending)
		assert.Equal(t, uint64(0), s.Depth(1))
		assert.True(t, s.IsEmpty())

		claimed, err := s.Claim(1, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(30), claimed)
	})

	t.Run("quota exceeded then retry", func(t *testing.T) {
		s := newTestState(t)
		_, _ = s.Make(1, 100, "p")
		_, _ = s.Take(1, 30)
		before := s.Snapshot()

		_, _, err := s.Cancel(orderID(s, 1, 0), 80)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrQuotaExceeded)
		var quotaErr *CancelExceedsPendingError
		require.True(t, errors.As(err, &quotaErr))
		assert.Equal(t, uint64(70), quotaErr.MaxCancelable)
		assert.Equal(t, before, s.Snapshot())

		canceled, pending, err := s.Cancel(orderID(s, 1, 0), quotaErr.MaxCancelable)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), canceled)
		assert.Equal(t, uint64(100), pending)

		canceled, pending, err = s.Cancel(orderID(s, 1, 0), 20)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), canceled)
		assert.Equal(t, uint64(50), pending)
		assert.Equal(t, uint64(20), s.Depth(1))
	})

	t.Run("cancel in the middle keeps fifo", func(t *testing.T) {
		s := newTestState(t)
		_, _ = s.Make(2, 10, "a")
		_, _ = s.Make(2, 10, "b")
		_, _ = s.Make(2, 10, "c")

		canceled, _, err := s.Cancel(orderID(s, 2, 1), 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), canceled)
		assert.Equal(t, uint64(20), s.Depth(2))

		_, _ = s.Take(2, 15)
		a, _ := s.ClaimableAmount(2, 0)
		b, _ := s.ClaimableAmount(2, 1)
		c, _ := s.ClaimableAmount(2, 2)
		assert.Equal(t, []uint64{10, 0, 5}, []uint64{a, b, c})
	})

	t.Run("errors", func(t *testing.T) {
		s := newTestState(t)
		_, _ = s.Make(1, 100, "p")

		_, _, err := s.Cancel(orderID(s, 1, 1), 0)
		assert.ErrorIs(t, err, ErrOrderNotFound)
		_, _, err = s.Cancel(orderID(s, 2, 0), 0)
		assert.ErrorIs(t, err, ErrOrderNotFound)

		other := MarketKey{Base: "BTC", Quote: "USDC", UnitSize: 1}.ID()
		_, _, err = s.Cancel(OrderID{MarketID: other, Tick: 1}, 0)
		assert.ErrorIs(t, err, ErrMarketMismatch)

		_, _, err = s.Cancel(orderID(s, 1, 0), math.MaxUint64)
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	})
}

func fillTick(t *testing.T, s *State, tick Tick, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Make(tick, 1, "p")
		require.NoError(t, err)
	}
}

func TestStateSlotReuse(t *testing.T) {
	t.Run("unfilled oldest order blocks reuse", func(t *testing.T) {
		s := newTestState(t)
		fillTick(t, s, 9, MaxOrders)
		before := s.Snapshot()

		_, err := s.Make(9, 5, "p")
		assert.ErrorIs(t, err, ErrSlotReuseConflict)
		assert.ErrorIs(t, err, ErrCapacityConflict)
		assert.Equal(t, uint64(MaxOrders), s.OrderCount(9))
		assert.Equal(t, before, s.Snapshot())
	})

	t.Run("filled oldest order is recycled", func(t *testing.T) {
		s := newTestState(t)
		fillTick(t, s, 9, MaxOrders)

		taken, err := s.Take(9, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), taken)

		index, err := s.Make(9, 5, "q")
		require.NoError(t, err)
		assert.Equal(t, uint64(MaxOrders), index)
		assert.Equal(t, uint64(0), s.TotalClaimable(9))
		assert.Equal(t, uint64(MaxOrders-1+5), s.Depth(9))

		// the recycled order remains claimable
		claimable, err := s.ClaimableAmount(9, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), claimable)
		claimed, err := s.Claim(9, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), claimed)

		// the new order sits at the back of the queue
		_, err = s.Take(9, MaxOrders-1)
		require.NoError(t, err)
		claimable, err = s.ClaimableAmount(9, MaxOrders)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), claimable)
		_, err = s.Take(9, 2)
		require.NoError(t, err)
		claimable, err = s.ClaimableAmount(9, MaxOrders)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), claimable)
	})

	t.Run("claimed or canceled oldest order is recycled", func(t *testing.T) {
		s := newTestState(t)
		fillTick(t, s, 9, MaxOrders)

		_, _ = s.Take(9, 1)
		_, err := s.Claim(9, 0)
		require.NoError(t, err)
		_, err = s.Make(9, 5, "q")
		require.NoError(t, err)

		_, _, err = s.Cancel(orderID(s, 9, 1), 0)
		require.NoError(t, err)
		_, err = s.Make(9, 5, "q")
		require.NoError(t, err)
		assert.Equal(t, uint64(MaxOrders+2), s.OrderCount(9))
		assert.Equal(t, uint64(0), s.TotalClaimable(9))
	})
}

func TestStateLevels(t *testing.T) {
	s := newTestState(t)

	_, err := s.Highest()
	assert.Error(t, err)
	assert.Empty(t, s.Levels(10))

	for _, tick := range []Tick{-100, 5, 0, MaxTick, MinTick} {
		_, err := s.Make(tick, uint64(tick&0xff)+1, "p")
		require.NoError(t, err)
	}

	high, err := s.Highest()
	require.NoError(t, err)
	assert.Equal(t, MaxTick, high)

	next, err := s.MaxLessThan(5)
	require.NoError(t, err)
	assert.Equal(t, Tick(0), next)

	_, err = s.MaxLessThan(MinTick)
	assert.Error(t, err)

	levels := s.Levels(3)
	require.Len(t, levels, 3)
	assert.Equal(t, []Tick{MaxTick, 5, 0}, []Tick{levels[0].Tick, levels[1].Tick, levels[2].Tick})
	assert.Equal(t, s.Depth(5), levels[1].Depth)
	assert.Len(t, s.Levels(100), 5)

	_, _ = s.Take(5, math.MaxUint64)
	next, err = s.MaxLessThan(MaxTick)
	require.NoError(t, err)
	assert.Equal(t, Tick(0), next)
}

// TestStateInvariants drives random operations and checks after each one that
// claimable amounts and depth agree with the per-tick counters.
func TestStateInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := newTestState(t)
	ticks := []Tick{-3, 0, 7}
	claimed := make(map[Tick]map[uint64]uint64)
	for _, tick := range ticks {
		claimed[tick] = make(map[uint64]uint64)
	}

	check := func(step int) {
		for _, tick := range ticks {
			var sumClaimable, sumClaimed, sumResting uint64
			for i := uint64(0); i < s.OrderCount(tick); i++ {
				order, err := s.Order(tick, i)
				require.NoError(t, err)
				c, err := s.ClaimableAmount(tick, i)
				require.NoError(t, err)
				require.LessOrEqual(t, c, order.Pending)
				sumClaimable += c
				sumClaimed += claimed[tick][i]
				sumResting += order.Pending - c
			}
			require.Equal(t, s.TotalClaimable(tick), sumClaimable+sumClaimed, "step %d tick %d", step, tick)
			require.Equal(t, s.Depth(tick), sumResting, "step %d tick %d", step, tick)

			present := false
			for _, lvl := range s.Levels(uint32(len(ticks))) {
				present = present || lvl.Tick == tick
			}
			require.Equal(t, s.Depth(tick) > 0, present, "step %d tick %d", step, tick)
		}
	}

	for step := 0; step < 3000; step++ {
		tick := ticks[rng.Intn(len(ticks))]
		count := s.OrderCount(tick)

		switch op := rng.Intn(10); {
		case op < 4:
			_, err := s.Make(tick, uint64(rng.Intn(50)+1), "p")
			require.NoError(t, err)
		case op < 6:
			_, err := s.Take(tick, uint64(rng.Intn(80)))
			require.NoError(t, err)
		case op < 8 && count > 0:
			index := uint64(rng.Intn(int(count)))
			order, _ := s.Order(tick, index)
			minRemaining := uint64(rng.Intn(int(order.Pending) + 1))
			_, _, err := s.Cancel(orderID(s, tick, index), minRemaining)
			var quotaErr *CancelExceedsPendingError
			if errors.As(err, &quotaErr) {
				_, _, err = s.Cancel(orderID(s, tick, index), quotaErr.MaxCancelable)
			}
			require.NoError(t, err)
		case count > 0:
			index := uint64(rng.Intn(int(count)))
			c, err := s.Claim(tick, index)
			require.NoError(t, err)
			claimed[tick][index] += c
		}
		check(step)
	}
}

type fifoOrder struct {
	rest   uint64
	filled uint64
}

// fifoTick is a plain FIFO reference for one tick: every order keeps its
// unfilled and filled-but-unclaimed amounts explicitly.
type fifoTick struct {
	orders []fifoOrder
	head   int
	depth  uint64
}

func (m *fifoTick) add(amount uint64) {
	m.orders = append(m.orders, fifoOrder{rest: amount})
	m.depth += amount
}

func (m *fifoTick) take(maxAmount uint64) uint64 {
	var taken uint64
	for taken < maxAmount && m.head < len(m.orders) {
		o := &m.orders[m.head]
		fill := min(o.rest, maxAmount-taken)
		o.rest -= fill
		o.filled += fill
		taken += fill
		if o.rest == 0 {
			m.head++
		}
	}
	m.depth -= taken
	return taken
}

// TestStateMatchesFIFOAcrossSlotReuse runs one tick far past MaxOrders orders
// and compares every result with fifoTick, including cancels and claims of
// orders whose slot was recycled.
func TestStateMatchesFIFOAcrossSlotReuse(t *testing.T) {
	if testing.Short() {
		t.Skip("long randomized run")
	}

	const tick = Tick(-7)
	rng := rand.New(rand.NewSource(7))
	s := newTestState(t)
	model := &fifoTick{}

	pick := func() uint64 {
		count := len(model.orders)
		// favor the window boundary where slots get recycled
		if count > MaxOrders+16 && rng.Intn(2) == 0 {
			low := count - MaxOrders - 16
			return uint64(low + rng.Intn(32))
		}
		return uint64(rng.Intn(count))
	}

	checkOrder := func(step int, index uint64) {
		o := model.orders[index]
		order, err := s.Order(tick, index)
		require.NoError(t, err)
		require.Equal(t, o.rest+o.filled, order.Pending, "step %d order %d", step, index)
		c, err := s.ClaimableAmount(tick, index)
		require.NoError(t, err)
		require.Equal(t, o.filled, c, "step %d order %d", step, index)
	}

	for step := 0; step < 250000; step++ {
		switch op := rng.Intn(20); {
		case op < 9:
			amount := uint64(rng.Intn(10) + 1)
			index, err := s.Make(tick, amount, "p")
			next := len(model.orders)
			if next >= MaxOrders && model.orders[next-MaxOrders].rest > 0 {
				require.ErrorIs(t, err, ErrSlotReuseConflict, "step %d", step)
				continue
			}
			require.NoError(t, err, "step %d", step)
			require.Equal(t, uint64(next), index)
			model.add(amount)
		case op < 16:
			maxAmount := uint64(rng.Intn(21))
			taken, err := s.Take(tick, maxAmount)
			require.NoError(t, err)
			require.Equal(t, model.take(maxAmount), taken, "step %d", step)
		case op < 18 && len(model.orders) > 0:
			index := pick()
			o := &model.orders[index]
			minRemaining := uint64(rng.Intn(int(o.rest) + 2))
			canceled, pending, err := s.Cancel(orderID(s, tick, index), minRemaining)
			if minRemaining > o.rest {
				var quotaErr *CancelExceedsPendingError
				require.ErrorAs(t, err, &quotaErr, "step %d order %d", step, index)
				require.Equal(t, o.rest, quotaErr.MaxCancelable)
				break
			}
			require.NoError(t, err, "step %d order %d", step, index)
			require.Equal(t, o.rest-minRemaining, canceled)
			require.Equal(t, minRemaining+o.filled, pending)
			model.depth -= o.rest - minRemaining
			o.rest = minRemaining
		case len(model.orders) > 0:
			index := pick()
			claimed, err := s.Claim(tick, index)
			require.NoError(t, err)
			require.Equal(t, model.orders[index].filled, claimed, "step %d order %d", step, index)
			model.orders[index].filled = 0
		}

		require.Equal(t, model.depth, s.Depth(tick), "step %d", step)
		require.Equal(t, model.depth > 0, len(s.Levels(1)) == 1, "step %d", step)
		if len(model.orders) > 0 {
			checkOrder(step, pick())
		}
		if step%25000 == 0 {
			for i := range model.orders {
				checkOrder(step, uint64(i))
			}
		}
	}

	assert.Greater(t, s.OrderCount(tick), uint64(2*MaxOrders))
	for i := range model.orders {
		checkOrder(-1, uint64(i))
	}
}
