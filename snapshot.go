package book

import (
	"fmt"
	"sort"

	"github.com/0x5487/tickbook/structure"
)

// OrderBookSnapshot contains the full state of a single OrderBook.
type OrderBookSnapshot struct {
	MarketID     string         `json:"market_id"`
	SeqID        uint64         `json:"seq_id"`          // Current OrderBookLog sequence ID
	LastCmdSeqID uint64         `json:"last_cmd_seq_id"` // Last processed command sequence ID from MQ
	State        *StateSnapshot `json:"state"`
}

// StateSnapshot is the serializable form of a State.
type StateSnapshot struct {
	Key   MarketKey      `json:"key"`
	Ticks []TickSnapshot `json:"ticks"` // Ascending by tick
}

// TickSnapshot holds one tick ledger. The presence index is not stored, it is
// rebuilt from depth on restore.
type TickSnapshot struct {
	Tick      Tick        `json:"tick"`
	Claimable uint64      `json:"claimable"`
	Orders    []Order     `json:"orders"`
	Slots     []SlotValue `json:"slots"` // Non-zero fill ledger slots only
}

// SlotValue is one non-zero fill ledger slot.
type SlotValue struct {
	Slot   int    `json:"slot"`
	Amount uint64 `json:"amount"`
}

// SnapshotMetadata holds the global metadata for a snapshot (stored in metadata.json).
type SnapshotMetadata struct {
	SchemaVersion      int    `json:"schema_version"`
	Timestamp          int64  `json:"timestamp"`              // Unix Nano
	GlobalLastCmdSeqID uint64 `json:"global_last_cmd_seq_id"` // Global MQ offset to resume from
	EngineVersion      string `json:"engine_version"`         // Engine version
	SnapshotChecksum   uint32 `json:"snapshot_checksum"`      // CRC32 of the entire snapshot.bin file
}

// SnapshotFileFooter is the footer structure stored at the end of snapshot.bin.
// Layout: [BinaryData...][FooterJSON][FooterLength(4 bytes)]
type SnapshotFileFooter struct {
	Markets []MarketSegment `json:"markets"` // Index of market data in this file
}

// MarketSegment contains metadata for a specific market's data within the snapshot binary file.
type MarketSegment struct {
	MarketID string `json:"market_id"`
	Offset   int64  `json:"offset"`   // Start offset in snapshot.bin (relative to file start)
	Length   int64  `json:"length"`   // Length in bytes
	Checksum uint32 `json:"checksum"` // CRC32 Checksum of this segment
}

// Snapshot captures the state. Ticks are sorted so equal states produce equal
// snapshots.
func (s *State) Snapshot() *StateSnapshot {
	snap := &StateSnapshot{
		Key:   s.key,
		Ticks: make([]TickSnapshot, 0, len(s.queues)),
	}

	for tick, q := range s.queues {
		ts := TickSnapshot{
			Tick:      tick,
			Claimable: s.claimable.get(tick),
			Orders:    make([]Order, len(q.orders)),
			Slots:     make([]SlotValue, 0),
		}
		copy(ts.Orders, q.orders)
		q.tree.Range(func(slot int, value uint64) bool {
			ts.Slots = append(ts.Slots, SlotValue{Slot: slot, Amount: value})
			return true
		})
		snap.Ticks = append(snap.Ticks, ts)
	}

	sort.Slice(snap.Ticks, func(i, j int) bool {
		return snap.Ticks[i].Tick < snap.Ticks[j].Tick
	})
	return snap
}

// RestoreState rebuilds a State from a snapshot, checking the ledger
// invariants on the way.
func RestoreState(snap *StateSnapshot) (*State, error) {
	s := NewState()
	if snap == nil {
		return s, nil
	}
	if snap.Key.UnitSize != 0 {
		if err := s.Open(snap.Key); err != nil {
			return nil, err
		}
	}

	for _, ts := range snap.Ticks {
		if !ts.Tick.Valid() {
			return nil, ErrInvalidTick
		}
		if _, dup := s.queues[ts.Tick]; dup {
			return nil, fmt.Errorf("%w: duplicate tick %d in snapshot", ErrInvalidInput, ts.Tick)
		}

		q := newTickQueue()
		q.orders = append(q.orders, ts.Orders...)
		for _, sv := range ts.Slots {
			if sv.Slot < 0 || sv.Slot >= structure.MaxSlots || uint64(sv.Slot) >= q.length() {
				return nil, fmt.Errorf("%w: slot %d at tick %d", ErrInvalidInput, sv.Slot, ts.Tick)
			}
			if err := q.tree.Update(sv.Slot, sv.Amount); err != nil {
				return nil, err
			}
		}
		if ts.Claimable > q.total() {
			return nil, fmt.Errorf("%w: claimable %d above ledger total %d at tick %d",
				ErrInvalidInput, ts.Claimable, q.total(), ts.Tick)
		}

		s.queues[ts.Tick] = q
		s.claimable.set(ts.Tick, ts.Claimable)
		if s.Depth(ts.Tick) > 0 {
			if err := s.bitmap.Set(int32(ts.Tick)); err != nil {
				return nil, err
			}
		}
	}

	return s, nil
}
