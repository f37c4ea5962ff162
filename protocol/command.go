package protocol

// CommandType defines the type of the command (using uint8 for memory alignment and performance)
type CommandType uint8

// Command Type Numbering Strategy:
// - 0-50:  OrderBook Management Commands (internal, low-frequency admin operations)
// - 51+:   Trading Commands (external, high-frequency hot path)
const (
	// OrderBook Management Commands (0-50, internal use)
	CmdUnknown    CommandType = 0
	CmdOpenMarket CommandType = 1

	// Trading Commands (51+, external use)
	CmdMake   CommandType = 51
	CmdTake   CommandType = 52
	CmdCancel CommandType = 53
	CmdClaim  CommandType = 54
)

func (t CommandType) String() string {
	switch t {
	case CmdOpenMarket:
		return "open_market"
	case CmdMake:
		return "make"
	case CmdTake:
		return "take"
	case CmdCancel:
		return "cancel"
	case CmdClaim:
		return "claim"
	default:
		return "unknown"
	}
}

// Command is the standard carrier for commands entering the book engine.
// It is designed to be efficient for serialization and compatible with Event Sourcing.
type Command struct {
	// Version is the protocol version for backward compatibility.
	Version uint8 `json:"version"`

	// MarketID is the target market for this command (Routing Header).
	// Empty for CmdOpenMarket, the id is derived from the market key.
	MarketID string `json:"market_id"`

	// SeqID is used for global ordering and deduplication.
	SeqID uint64 `json:"seq_id"`

	// Type identifies the payload type for fast routing.
	Type CommandType `json:"type"`

	// Payload contains the serialized business data (e.g., JSON bytes of MakeCommand).
	// We use lazy deserialization to optimize routing performance.
	Payload []byte `json:"payload"`

	// Metadata stores non-business context (e.g., Tracing ID, Source IP).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OpenMarketCommand is the payload for opening a new book.
type OpenMarketCommand struct {
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	UnitSize uint64 `json:"unit_size"`
	MakerFee string `json:"maker_fee,omitempty"` // Decimal string, e.g. "0.001"
	TakerFee string `json:"taker_fee,omitempty"`
	Hooks    string `json:"hooks,omitempty"`
}

// MakeCommand is the payload for resting an order at a tick.
type MakeCommand struct {
	Tick     int32  `json:"tick"`
	Amount   uint64 `json:"amount"` // Raw units
	Provider string `json:"provider"`
	HookData []byte `json:"hook_data,omitempty"`
}

// TakeCommand is the payload for consuming liquidity at a tick.
type TakeCommand struct {
	Tick      int32  `json:"tick"`
	MaxAmount uint64 `json:"max_amount"`
	HookData  []byte `json:"hook_data,omitempty"`
}

// CancelCommand is the payload for shrinking an order.
type CancelCommand struct {
	OrderID      string `json:"order_id"`
	MinRemaining uint64 `json:"min_remaining"`
	HookData     []byte `json:"hook_data,omitempty"`
}

// ClaimCommand is the payload for withdrawing the filled part of an order.
type ClaimCommand struct {
	Tick     int32  `json:"tick"`
	Index    uint64 `json:"index"`
	HookData []byte `json:"hook_data,omitempty"`
}

// GetDepthRequest is the payload for querying active levels from the highest tick downward.
// This is used for synchronous queries, separate from the async Command stream.
type GetDepthRequest struct {
	MarketID string `json:"market_id"`
	Limit    uint32 `json:"limit"`
}

// GetStatsRequest is the payload for querying order book statistics.
type GetStatsRequest struct {
	MarketID string `json:"market_id"`
}
