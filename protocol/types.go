package protocol

// MakeResponse is returned for a successful CmdMake.
type MakeResponse struct {
	OrderID string `json:"order_id"`
	Index   uint64 `json:"index"`
}

// TakeResponse is returned for CmdTake.
type TakeResponse struct {
	Taken uint64 `json:"taken"`
}

// CancelResponse is returned for a successful CmdCancel.
type CancelResponse struct {
	Canceled uint64 `json:"canceled"`
	Pending  uint64 `json:"pending"`
}

// ClaimResponse is returned for CmdClaim.
type ClaimResponse struct {
	Claimed uint64 `json:"claimed"`
}

type DepthItem struct {
	Tick  int32  `json:"tick"`
	Price string `json:"price"`
	Depth uint64 `json:"depth"`
}

// GetDepthResponse represents the active levels of the book, highest tick first.
type GetDepthResponse struct {
	UpdateID uint64       `json:"update_id"`
	Levels   []*DepthItem `json:"levels"`
}

// GetStatsResponse contains statistics about the book.
type GetStatsResponse struct {
	ActiveTicks int64  `json:"active_ticks"`
	TotalTicks  int64  `json:"total_ticks"`
	OrderCount  uint64 `json:"order_count"`
}

// LogType represents the type of event log.
type LogType string

const (
	LogTypeOpen   LogType = "open"
	LogTypeMake   LogType = "make"
	LogTypeTake   LogType = "take"
	LogTypeCancel LogType = "cancel"
	LogTypeClaim  LogType = "claim"
	LogTypeReject LogType = "reject"
)

// RejectReason represents the reason why a command was rejected.
type RejectReason string

const (
	RejectReasonNone             RejectReason = ""
	RejectReasonInvalidInput     RejectReason = "invalid_input"     // Zero amount, bad tick or malformed id
	RejectReasonStateConflict    RejectReason = "state_conflict"    // Book opened twice or not opened
	RejectReasonCapacityConflict RejectReason = "capacity_conflict" // Slot still holds an unresolved order
	RejectReasonQuotaExceeded    RejectReason = "quota_exceeded"    // Cancel keeps more than available
	RejectReasonInternal         RejectReason = "internal"          // Ledger invariant violation
	RejectReasonInvalidPayload   RejectReason = "invalid_payload"
	RejectReasonUnknownCommand   RejectReason = "unknown_command"
)
