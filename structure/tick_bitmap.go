package structure

import (
	"errors"
	"math/bits"
)

// TickBitmap records which ticks hold liquidity.
//
// The signed domain [BitmapMinTick, BitmapMaxTick] is shifted to 2^20
// unsigned positions. Level 0 keeps one bit per position in 64-bit words,
// every higher level keeps one bit per non-empty word of the level below,
// so the root is a single word. Highest and MaxLessThan touch at most two
// words per level no matter how many ticks are set.
const (
	bitmapDomainBits = 20
	bitmapWordBits   = 6
	bitmapLevels     = 4 // ceil(bitmapDomainBits / bitmapWordBits)

	BitmapMinTick = -(1 << (bitmapDomainBits - 1))
	BitmapMaxTick = 1<<(bitmapDomainBits-1) - 1
)

var (
	ErrEmptyBitmap     = errors.New("tick bitmap: empty")
	ErrTickOutOfDomain = errors.New("tick bitmap: tick out of domain")
)

// TickBitmap is a sparse hierarchical bitmap. The zero value is not usable,
// use NewTickBitmap.
type TickBitmap struct {
	levels [bitmapLevels]map[uint32]uint64
}

// NewTickBitmap creates an empty bitmap.
func NewTickBitmap() *TickBitmap {
	b := &TickBitmap{}
	for i := range b.levels {
		b.levels[i] = make(map[uint32]uint64)
	}
	return b
}

func toPosition(tick int32) (uint32, bool) {
	if tick < BitmapMinTick || tick > BitmapMaxTick {
		return 0, false
	}
	return uint32(tick - BitmapMinTick), true
}

func fromPosition(pos uint32) int32 {
	return int32(pos) + BitmapMinTick
}

func highestBit(word uint64) uint32 {
	return uint32(63 - bits.LeadingZeros64(word))
}

// Has reports whether tick is set.
func (b *TickBitmap) Has(tick int32) bool {
	pos, ok := toPosition(tick)
	if !ok {
		return false
	}
	return b.levels[0][pos>>bitmapWordBits]&(1<<(pos&63)) != 0
}

// Set marks tick as present.
func (b *TickBitmap) Set(tick int32) error {
	pos, ok := toPosition(tick)
	if !ok {
		return ErrTickOutOfDomain
	}

	for lvl := 0; lvl < bitmapLevels; lvl++ {
		w := pos >> bitmapWordBits
		old := b.levels[lvl][w]
		b.levels[lvl][w] = old | 1<<(pos&63)
		if old != 0 {
			// the parent bit is already set
			return nil
		}
		pos = w
	}
	return nil
}

// Clear marks tick as absent. Clearing an absent tick is a no-op.
func (b *TickBitmap) Clear(tick int32) {
	pos, ok := toPosition(tick)
	if !ok {
		return
	}

	for lvl := 0; lvl < bitmapLevels; lvl++ {
		w := pos >> bitmapWordBits
		old := b.levels[lvl][w]
		bit := uint64(1) << (pos & 63)
		if old&bit == 0 {
			return
		}
		word := old &^ bit
		if word != 0 {
			b.levels[lvl][w] = word
			return
		}
		delete(b.levels[lvl], w)
		pos = w
	}
}

// IsEmpty reports whether no tick is set.
func (b *TickBitmap) IsEmpty() bool {
	return b.levels[bitmapLevels-1][0] == 0
}

// Highest returns the greatest set tick.
func (b *TickBitmap) Highest() (int32, error) {
	root := b.levels[bitmapLevels-1][0]
	if root == 0 {
		return 0, ErrEmptyBitmap
	}
	return fromPosition(b.descend(highestBit(root), bitmapLevels-2)), nil
}

// MaxLessThan returns the greatest set tick strictly below tick.
func (b *TickBitmap) MaxLessThan(tick int32) (int32, error) {
	if tick <= BitmapMinTick {
		return 0, ErrEmptyBitmap
	}
	if tick > BitmapMaxTick {
		return b.Highest()
	}

	pos, _ := toPosition(tick)
	for lvl := 0; lvl < bitmapLevels; lvl++ {
		w := pos >> bitmapWordBits
		masked := b.levels[lvl][w] & (uint64(1)<<(pos&63) - 1)
		if masked != 0 {
			found := w<<bitmapWordBits | highestBit(masked)
			return fromPosition(b.descend(found, lvl-1)), nil
		}
		pos = w
	}
	return 0, ErrEmptyBitmap
}

// descend follows the highest set bit from level lvl down to level 0.
func (b *TickBitmap) descend(pos uint32, lvl int) uint32 {
	for ; lvl >= 0; lvl-- {
		pos = pos<<bitmapWordBits | highestBit(b.levels[lvl][pos])
	}
	return pos
}

// Len returns the number of set ticks.
func (b *TickBitmap) Len() int {
	n := 0
	for _, word := range b.levels[0] {
		n += bits.OnesCount64(word)
	}
	return n
}
