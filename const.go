package book

import "github.com/0x5487/tickbook/structure"

const (
	// EngineVersion is the current version of the book engine
	EngineVersion = "v1.0.0"

	// SnapshotSchemaVersion is the current version of the snapshot schema
	// Increment this when the snapshot format changes in a backward-incompatible way
	SnapshotSchemaVersion = 1

	// MaxOrders is the number of live slots per tick. Order indexes wrap modulo
	// MaxOrders onto the fill ledger.
	MaxOrders = structure.MaxSlots

	maxOrdersMask = MaxOrders - 1

	// MaxOrderIndex bounds the 40-bit per-tick order sequence.
	MaxOrderIndex = 1<<40 - 1
)
