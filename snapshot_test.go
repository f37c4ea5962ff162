package book

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSnapshotRoundTrip(t *testing.T) {
	s := newTestState(t)
	_, _ = s.Make(4, 10, "a")
	_, _ = s.Make(4, 20, "b")
	_, _ = s.Make(-9, 5, "c")
	_, _ = s.Take(4, 12)
	_, _ = s.Claim(4, 0)
	_, _, _ = s.Cancel(orderID(s, -9, 0), 2)

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	var snap StateSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	restored, err := RestoreState(&snap)
	require.NoError(t, err)
	assert.Equal(t, s.MarketID(), restored.MarketID())
	assert.Equal(t, s.Levels(10), restored.Levels(10))

	// both states keep evolving identically
	for _, st := range []*State{s, restored} {
		_, err := st.Make(4, 7, "d")
		require.NoError(t, err)
		_, err = st.Take(4, 20)
		require.NoError(t, err)
	}
	for i := uint64(0); i < s.OrderCount(4); i++ {
		want, _ := s.ClaimableAmount(4, i)
		got, _ := restored.ClaimableAmount(4, i)
		assert.Equal(t, want, got, "order %d", i)
	}
	assert.Equal(t, s.TotalClaimable(4), restored.TotalClaimable(4))
	assert.Equal(t, s.Depth(-9), restored.Depth(-9))
}

func TestRestoreStateEmpty(t *testing.T) {
	s, err := RestoreState(nil)
	require.NoError(t, err)
	assert.False(t, s.IsOpened())

	s, err = RestoreState(&StateSnapshot{})
	require.NoError(t, err)
	assert.False(t, s.IsOpened())
	assert.True(t, s.IsEmpty())
}

func TestRestoreStateInvalid(t *testing.T) {
	orders := []Order{{Pending: 5}}
	cases := map[string]*StateSnapshot{
		"bad key": {Key: MarketKey{Base: "A", Quote: "A", UnitSize: 1}},
		"bad tick": {Key: testKey, Ticks: []TickSnapshot{
			{Tick: MaxTick + 1, Orders: orders},
		}},
		"duplicate tick": {Key: testKey, Ticks: []TickSnapshot{
			{Tick: 1, Orders: orders, Slots: []SlotValue{{Slot: 0, Amount: 5}}},
			{Tick: 1, Orders: orders, Slots: []SlotValue{{Slot: 0, Amount: 5}}},
		}},
		"slot past orders": {Key: testKey, Ticks: []TickSnapshot{
			{Tick: 1, Orders: orders, Slots: []SlotValue{{Slot: 1, Amount: 5}}},
		}},
		"negative slot": {Key: testKey, Ticks: []TickSnapshot{
			{Tick: 1, Orders: orders, Slots: []SlotValue{{Slot: -1, Amount: 5}}},
		}},
		"claimable above total": {Key: testKey, Ticks: []TickSnapshot{
			{Tick: 1, Claimable: 6, Orders: orders, Slots: []SlotValue{{Slot: 0, Amount: 5}}},
		}},
	}
	for name, snap := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := RestoreState(snap)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}
