package book

import (
	"hash/crc32"
	"io"
	"os"
)

// DepthChange is the effect of one log on the depth of a tick.
type DepthChange struct {
	Tick     Tick
	Increase bool
	Amount   uint64
}

// CalculateDepthChange calculates the depth change based on the book log.
// Makes add depth, takes and cancels remove it. Claims, opens and rejects
// leave depth unchanged and return a zero DepthChange.
func CalculateDepthChange(log *OrderBookLog) DepthChange {
	switch log.Type {
	case LogTypeMake:
		return DepthChange{Tick: log.Tick, Increase: true, Amount: log.Amount}
	case LogTypeTake, LogTypeCancel:
		return DepthChange{Tick: log.Tick, Amount: log.Amount}
	}
	return DepthChange{}
}

// calculateFileCRC32 calculates the CRC32 checksum of a file.
func calculateFileCRC32(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
