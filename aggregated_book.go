package book

import (
	"fmt"
	"sync"

	"github.com/huandu/skiplist"
)

// AggregatedBook maintains a simplified view of the order book,
// tracking only ticks and their aggregated depth.
// It is designed for downstream services that need to rebuild
// order book state from OrderBookLog events received via message queue.
type AggregatedBook struct {
	mu     sync.RWMutex
	seqID  uint64 // Last processed SequenceID for gap detection and deduplication
	levels *skiplist.SkipList
}

// NewAggregatedBook creates an empty AggregatedBook. Levels are ordered by
// tick, highest first.
func NewAggregatedBook() *AggregatedBook {
	return &AggregatedBook{
		levels: newLevelList(),
	}
}

func newLevelList() *skiplist.SkipList {
	return skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
		t1, _ := lhs.(Tick)
		t2, _ := rhs.(Tick)

		if t1 < t2 {
			return 1
		} else if t1 > t2 {
			return -1
		}

		return 0
	}))
}

// SequenceID returns the last processed sequence ID.
// Used for synchronization and gap detection during rebuild.
func (ab *AggregatedBook) SequenceID() uint64 {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return ab.seqID
}

// Replay applies an OrderBookLog event to update the aggregated book state.
// Events already seen are ignored. Reject events do not affect book state
// but still advance the sequence ID.
// Returns ErrSequenceGap when an event is missing.
func (ab *AggregatedBook) Replay(log *OrderBookLog) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if log.SequenceID <= ab.seqID {
		return nil
	}
	if log.SequenceID != ab.seqID+1 {
		return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, ab.seqID+1, log.SequenceID)
	}

	change := CalculateDepthChange(log)
	if change.Amount > 0 {
		var depth uint64
		if el := ab.levels.Get(change.Tick); el != nil {
			depth, _ = el.Value.(uint64)
		}

		if change.Increase {
			depth += change.Amount
		} else {
			if depth < change.Amount {
				return fmt.Errorf("%w: tick %d depth %d, remove %d", ErrUnderflow, change.Tick, depth, change.Amount)
			}
			depth -= change.Amount
		}

		if depth == 0 {
			ab.levels.Remove(change.Tick)
		} else {
			ab.levels.Set(change.Tick, depth)
		}
	}

	ab.seqID = log.SequenceID
	return nil
}

// OnRebuild resets the aggregated book from a snapshot.
// This should be called before replaying events from the message queue.
func (ab *AggregatedBook) OnRebuild(snap *OrderBookSnapshot) error {
	state, err := RestoreState(snap.State)
	if err != nil {
		return err
	}

	levels := newLevelList()
	for _, lvl := range state.Levels(uint32(state.bitmap.Len())) {
		levels.Set(lvl.Tick, lvl.Depth)
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.levels = levels
	ab.seqID = snap.SeqID
	return nil
}

// Depth returns the aggregated depth at tick, zero if the tick is empty.
func (ab *AggregatedBook) Depth(tick Tick) uint64 {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	el := ab.levels.Get(tick)
	if el == nil {
		return 0
	}
	depth, _ := el.Value.(uint64)
	return depth
}

// Levels returns up to limit levels, highest tick first.
func (ab *AggregatedBook) Levels(limit uint32) []Level {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	levels := make([]Level, 0, min(int(limit), ab.levels.Len()))
	for el := ab.levels.Front(); el != nil && uint32(len(levels)) < limit; el = el.Next() {
		depth, _ := el.Value.(uint64)
		levels = append(levels, Level{Tick: el.Key().(Tick), Depth: depth})
	}
	return levels
}
