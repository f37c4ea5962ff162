package book

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

// Provider identifies the maker that owns an order.
type Provider string

// Order is the per-slot record of a maker order.
// Pending covers both the resting part and the filled but unclaimed part.
type Order struct {
	Provider Provider `json:"provider"`
	Pending  uint64   `json:"pending"`
}

// MarketKey is the immutable configuration of a book. Fees and hooks are
// carried for the settlement and hook layers, the book never applies them.
type MarketKey struct {
	Base     string          `json:"base" yaml:"base"`
	Quote    string          `json:"quote" yaml:"quote"`
	UnitSize uint64          `json:"unit_size" yaml:"unit_size"` // quote atoms per raw unit
	MakerFee decimal.Decimal `json:"maker_fee" yaml:"maker_fee"`
	TakerFee decimal.Decimal `json:"taker_fee" yaml:"taker_fee"`
	Hooks    string          `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

// Validate checks the key can open a book.
func (k MarketKey) Validate() error {
	if k.UnitSize == 0 || len(k.Base) == 0 || len(k.Quote) == 0 || k.Base == k.Quote {
		return ErrInvalidMarketKey
	}
	return nil
}

// ID derives the market id from the key: the first 24 bytes of the
// Keccak-256 digest of the canonical encoding.
func (k MarketKey) ID() MarketID {
	h := sha3.NewLegacyKeccak256()
	writeField := func(s string) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		h.Write(l[:])
		h.Write([]byte(s))
	}
	writeField(k.Base)
	writeField(k.Quote)
	var unit [8]byte
	binary.BigEndian.PutUint64(unit[:], k.UnitSize)
	h.Write(unit[:])
	writeField(k.MakerFee.String())
	writeField(k.TakerFee.String())
	writeField(k.Hooks)

	var id MarketID
	copy(id[:], h.Sum(nil))
	return id
}

// QuoteAmount converts raw units to quote atoms.
func (k MarketKey) QuoteAmount(units uint64) decimal.Decimal {
	return decimal.NewFromUint64(units).Mul(decimal.NewFromUint64(k.UnitSize))
}

// BaseAmount converts raw units resting at tick to base atoms, rounded down.
func (k MarketKey) BaseAmount(units uint64, tick Tick) decimal.Decimal {
	return k.QuoteAmount(units).Div(tick.Price()).Floor()
}

// MarketID is the 24-byte identity of a market.
type MarketID [24]byte

func (id MarketID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseMarketID decodes the hex form produced by MarketID.String.
func ParseMarketID(s string) (MarketID, error) {
	var id MarketID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("%w: market id %q", ErrInvalidInput, s)
	}
	copy(id[:], b)
	return id, nil
}

// OrderID addresses one order: the market, its tick and the 40-bit index of
// the order inside that tick.
type OrderID struct {
	MarketID MarketID
	Tick     Tick
	Index    uint64
}

// Bytes packs the id as marketID(24) | tick(3, int24) | index(5), big endian.
func (id OrderID) Bytes() [32]byte {
	var b [32]byte
	copy(b[:24], id.MarketID[:])
	t := uint32(id.Tick) & 0xffffff
	b[24] = byte(t >> 16)
	b[25] = byte(t >> 8)
	b[26] = byte(t)
	for i := 0; i < 5; i++ {
		b[31-i] = byte(id.Index >> (8 * i))
	}
	return b
}

func (id OrderID) String() string {
	b := id.Bytes()
	return hex.EncodeToString(b[:])
}

// ParseOrderID decodes the hex form produced by OrderID.String.
func ParseOrderID(s string) (OrderID, error) {
	var id OrderID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return id, fmt.Errorf("%w: order id %q", ErrInvalidInput, s)
	}

	copy(id.MarketID[:], b[:24])
	t := int32(b[24])<<16 | int32(b[25])<<8 | int32(b[26])
	if t&0x800000 != 0 {
		t -= 1 << 24
	}
	id.Tick = Tick(t)
	for i := 27; i < 32; i++ {
		id.Index = id.Index<<8 | uint64(b[i])
	}
	return id, nil
}
