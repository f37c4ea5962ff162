package book

import (
	"errors"
	"sync"
	"time"

	"github.com/0x5487/tickbook/protocol"
	"github.com/rs/xid"
)

type LogType = protocol.LogType

const (
	LogTypeOpen   LogType = protocol.LogTypeOpen
	LogTypeMake   LogType = protocol.LogTypeMake
	LogTypeTake   LogType = protocol.LogTypeTake
	LogTypeCancel LogType = protocol.LogTypeCancel
	LogTypeClaim  LogType = protocol.LogTypeClaim
	LogTypeReject LogType = protocol.LogTypeReject
)

type RejectReason = protocol.RejectReason

// OrderBookLog represents an event in the order book.
// SequenceID is a per-book increasing ID for every event, used for ordering,
// deduplication, and rebuild synchronization in downstream systems.
// EventID is a globally unique id assigned when the event is produced.
// Use LogType to determine if the event affects order book state:
// - Open, Make, Take, Cancel, Claim: affect order book state
// - Reject: does not affect order book state
type OrderBookLog struct {
	SequenceID   uint64               `json:"seq_id"`
	EventID      string               `json:"event_id"`
	Type         LogType              `json:"type"`
	MarketID     string               `json:"market_id"`
	Command      protocol.CommandType `json:"command,omitempty"` // Only set for Reject events
	Tick         Tick                 `json:"tick"`
	OrderID      string               `json:"order_id,omitempty"`
	OrderIndex   uint64               `json:"order_index"`
	Provider     Provider             `json:"provider,omitempty"`
	Amount       uint64               `json:"amount"`                  // make: placed, take: taken, cancel: canceled, claim: claimed
	Pending      uint64               `json:"pending"`                 // Order pending after the event
	Depth        uint64               `json:"depth"`                   // Tick depth after the event
	RejectReason RejectReason         `json:"reject_reason,omitempty"` // Reason for rejection, only set for Reject events
	Error        string               `json:"error,omitempty"`
	HookData     []byte               `json:"hook_data,omitempty"` // Passed through untouched
	CreatedAt    time.Time            `json:"created_at"`
}

var bookLogPool = sync.Pool{
	New: func() any {
		return new(OrderBookLog)
	},
}

func acquireBookLog() *OrderBookLog {
	log := bookLogPool.Get().(*OrderBookLog)
	log.EventID = xid.New().String()
	log.CreatedAt = time.Now().UTC()
	return log
}

func releaseBookLog(log *OrderBookLog) {
	*log = OrderBookLog{}
	bookLogPool.Put(log)
}

func NewOpenLog(seqID uint64, marketID string) *OrderBookLog {
	log := acquireBookLog()
	log.SequenceID = seqID
	log.Type = LogTypeOpen
	log.MarketID = marketID
	return log
}

func NewMakeLog(seqID uint64, id OrderID, provider Provider, amount uint64, depth uint64, hookData []byte) *OrderBookLog {
	log := acquireBookLog()
	log.SequenceID = seqID
	log.Type = LogTypeMake
	log.MarketID = id.MarketID.String()
	log.Tick = id.Tick
	log.OrderID = id.String()
	log.OrderIndex = id.Index
	log.Provider = provider
	log.Amount = amount
	log.Pending = amount
	log.Depth = depth
	log.HookData = hookData
	return log
}

func NewTakeLog(seqID uint64, marketID string, tick Tick, taken uint64, depth uint64, hookData []byte) *OrderBookLog {
	log := acquireBookLog()
	log.SequenceID = seqID
	log.Type = LogTypeTake
	log.MarketID = marketID
	log.Tick = tick
	log.Amount = taken
	log.Depth = depth
	log.HookData = hookData
	return log
}

func NewCancelLog(seqID uint64, id OrderID, provider Provider, canceled uint64, pending uint64, depth uint64, hookData []byte) *OrderBookLog {
	log := acquireBookLog()
	log.SequenceID = seqID
	log.Type = LogTypeCancel
	log.MarketID = id.MarketID.String()
	log.Tick = id.Tick
	log.OrderID = id.String()
	log.OrderIndex = id.Index
	log.Provider = provider
	log.Amount = canceled
	log.Pending = pending
	log.Depth = depth
	log.HookData = hookData
	return log
}

func NewClaimLog(seqID uint64, id OrderID, provider Provider, claimed uint64, pending uint64, depth uint64, hookData []byte) *OrderBookLog {
	log := acquireBookLog()
	log.SequenceID = seqID
	log.Type = LogTypeClaim
	log.MarketID = id.MarketID.String()
	log.Tick = id.Tick
	log.OrderID = id.String()
	log.OrderIndex = id.Index
	log.Provider = provider
	log.Amount = claimed
	log.Pending = pending
	log.Depth = depth
	log.HookData = hookData
	return log
}

func NewRejectLog(seqID uint64, marketID string, cmdType protocol.CommandType, err error) *OrderBookLog {
	log := acquireBookLog()
	log.SequenceID = seqID
	log.Type = LogTypeReject
	log.MarketID = marketID
	log.Command = cmdType
	log.RejectReason = RejectReasonOf(err)
	log.Error = err.Error()
	return log
}

// RejectReasonOf maps an error returned by the book to its reject reason.
func RejectReasonOf(err error) RejectReason {
	switch {
	case err == nil:
		return protocol.RejectReasonNone
	case errors.Is(err, ErrInvalidInput):
		return protocol.RejectReasonInvalidInput
	case errors.Is(err, ErrStateConflict):
		return protocol.RejectReasonStateConflict
	case errors.Is(err, ErrCapacityConflict):
		return protocol.RejectReasonCapacityConflict
	case errors.Is(err, ErrQuotaExceeded):
		return protocol.RejectReasonQuotaExceeded
	case errors.Is(err, ErrUnknownCommand):
		return protocol.RejectReasonUnknownCommand
	case errors.Is(err, ErrInvalidParam):
		return protocol.RejectReasonInvalidPayload
	default:
		return protocol.RejectReasonInternal
	}
}
