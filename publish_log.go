package book

import (
	"context"
	"sync"
)

// PublishLog is an interface for publishing order book logs (makes, takes, cancels, claims).
//
// IMPORTANT: Implementations must either:
//  1. Process logs synchronously before returning, OR
//  2. Clone the OrderBookLog data before returning
//
// The caller recycles OrderBookLog objects to a sync.Pool after Publish returns,
// so any asynchronous processing must work with cloned data.
type PublishLog interface {
	Publish(...*OrderBookLog)
}

// MemoryPublishLog stores logs in memory, useful for testing.
type MemoryPublishLog struct {
	mu      sync.RWMutex
	entries []*OrderBookLog
}

// NewMemoryPublishLog creates a new MemoryPublishLog.
func NewMemoryPublishLog() *MemoryPublishLog {
	return &MemoryPublishLog{
		entries: make([]*OrderBookLog, 0),
	}
}

// Publish appends copies of logs to the in-memory slice.
func (m *MemoryPublishLog) Publish(logs ...*OrderBookLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, log := range logs {
		cpy := new(OrderBookLog)
		*cpy = *log
		m.entries = append(m.entries, cpy)
	}
}

// Count returns the number of logs stored.
func (m *MemoryPublishLog) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Get returns the log at the specified index.
func (m *MemoryPublishLog) Get(index int) *OrderBookLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[index]
}

// Logs returns a copy of all logs stored.
func (m *MemoryPublishLog) Logs() []*OrderBookLog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := make([]*OrderBookLog, len(m.entries))
	copy(logs, m.entries)
	return logs
}

// LogsOf returns the stored logs of one type, in publish order.
func (m *MemoryPublishLog) LogsOf(logType LogType) []*OrderBookLog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := make([]*OrderBookLog, 0)
	for _, log := range m.entries {
		if log.Type == logType {
			logs = append(logs, log)
		}
	}
	return logs
}

// DiscardPublishLog discards all logs, useful for benchmarking.
type DiscardPublishLog struct {
}

// NewDiscardPublishLog creates a new DiscardPublishLog.
func NewDiscardPublishLog() *DiscardPublishLog {
	return &DiscardPublishLog{}
}

// Publish does nothing.
func (p *DiscardPublishLog) Publish(logs ...*OrderBookLog) {

}

// AsyncPublishLog hands logs to another PublishLog on a separate goroutine
// through a RingBuffer, so a slow sink does not stall the book loop.
// Logs are copied on Publish.
type AsyncPublishLog struct {
	ring *RingBuffer[*OrderBookLog]
	next PublishLog
}

// NewAsyncPublishLog creates an async wrapper around next. capacity must be
// a power of two. Call Start before publishing.
func NewAsyncPublishLog(next PublishLog, capacity int64) *AsyncPublishLog {
	p := &AsyncPublishLog{next: next}
	p.ring = NewRingBuffer[*OrderBookLog](capacity, p)
	return p
}

// Start runs the goroutine that forwards logs to the wrapped PublishLog.
func (p *AsyncPublishLog) Start() {
	p.ring.Start()
}

// Publish copies logs into the ring. Logs published after Shutdown are dropped.
func (p *AsyncPublishLog) Publish(logs ...*OrderBookLog) {
	for _, log := range logs {
		cpy := new(OrderBookLog)
		*cpy = *log
		if !p.ring.Publish(cpy) {
			logger.Warn("async publish log is shut down, log dropped", "seq_id", log.SequenceID, "market_id", log.MarketID)
		}
	}
}

// OnEvent forwards one log to the wrapped PublishLog.
func (p *AsyncPublishLog) OnEvent(log *OrderBookLog) {
	p.next.Publish(log)
}

// Shutdown flushes queued logs to the wrapped PublishLog.
func (p *AsyncPublishLog) Shutdown(ctx context.Context) error {
	return p.ring.Shutdown(ctx)
}
