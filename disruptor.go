package book

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrDisruptorTimeout is returned when shutdown times out
var ErrDisruptorTimeout = errors.New("disruptor: shutdown timeout")

// EventHandler consumes the events of a RingBuffer, one at a time and in
// publish order.
type EventHandler[T any] interface {
	OnEvent(event T)
}

// RingBuffer is a multi-producer single-consumer ring. Producers claim a
// sequence with CAS, write the slot and mark it published; the consumer
// goroutine walks sequences in order.
type RingBuffer[T any] struct {
	// padding keeps the two cursors on separate cache lines
	_                [56]byte
	producerSequence atomic.Int64
	_                [56]byte
	consumerSequence atomic.Int64
	_                [56]byte

	buffer     []T
	bufferMask int64
	capacity   int64

	// published[i] holds the sequence last written to slot i
	published []int64

	handler    EventHandler[T]
	isShutdown atomic.Bool
	stopped    chan struct{}
}

// NewRingBuffer creates a ring of capacity slots. capacity must be a power of two.
func NewRingBuffer[T any](capacity int64, handler EventHandler[T]) *RingBuffer[T] {
	if capacity <= 0 || (capacity&(capacity-1)) != 0 {
		panic("size must be a power of 2")
	}

	rb := &RingBuffer[T]{
		buffer:     make([]T, capacity),
		published:  make([]int64, capacity),
		capacity:   capacity,
		bufferMask: capacity - 1,
		handler:    handler,
		stopped:    make(chan struct{}),
	}

	rb.producerSequence.Store(-1)
	rb.consumerSequence.Store(-1)
	for i := range rb.published {
		atomic.StoreInt64(&rb.published[i], -1)
	}

	return rb
}

// Publish appends event, waiting while the ring is full. It is safe for
// concurrent producers and returns false once the ring is shut down.
func (rb *RingBuffer[T]) Publish(event T) bool {
	if rb.isShutdown.Load() {
		return false
	}

	var nextSeq int64
	for {
		current := rb.producerSequence.Load()
		nextSeq = current + 1

		// a producer may not lap the consumer
		if nextSeq-rb.capacity > rb.consumerSequence.Load() {
			runtime.Gosched()
			continue
		}

		if rb.producerSequence.CompareAndSwap(current, nextSeq) {
			break
		}
		runtime.Gosched()
	}

	index := nextSeq & rb.bufferMask
	rb.buffer[index] = event
	atomic.StoreInt64(&rb.published[index], nextSeq)
	return true
}

// Start runs the consumer on its own goroutine.
func (rb *RingBuffer[T]) Start() {
	go rb.consumerLoop()
}

// Shutdown stops accepting events and waits until every claimed event has
// been handled.
func (rb *RingBuffer[T]) Shutdown(ctx context.Context) error {
	rb.isShutdown.Store(true)

	select {
	case <-rb.stopped:
		return nil
	case <-ctx.Done():
		return ErrDisruptorTimeout
	}
}

func (rb *RingBuffer[T]) consumerLoop() {
	defer close(rb.stopped)
	next := rb.consumerSequence.Load() + 1

	for {
		// read the flag first so a final pass sees every claimed sequence
		shutdown := rb.isShutdown.Load()
		available := rb.producerSequence.Load()

		processed := next <= available
		next = rb.consume(next, available)

		if shutdown {
			return
		}
		if !processed {
			runtime.Gosched()
		}
	}
}

// consume handles sequences [next, available] and returns the next one.
func (rb *RingBuffer[T]) consume(next, available int64) int64 {
	for ; next <= available; next++ {
		index := next & rb.bufferMask

		// the slot is claimed but the producer may not have written it yet
		for atomic.LoadInt64(&rb.published[index]) != next {
			runtime.Gosched()
		}

		event := rb.buffer[index]
		var zero T
		rb.buffer[index] = zero
		rb.handler.OnEvent(event)
		rb.consumerSequence.Store(next)
	}
	return next
}

// ConsumerSequence returns the last handled sequence.
func (rb *RingBuffer[T]) ConsumerSequence() int64 {
	return rb.consumerSequence.Load()
}

// ProducerSequence returns the last claimed sequence.
func (rb *RingBuffer[T]) ProducerSequence() int64 {
	return rb.producerSequence.Load()
}

// GetPendingEvents returns how many claimed events are not handled yet.
func (rb *RingBuffer[T]) GetPendingEvents() int64 {
	return rb.producerSequence.Load() - rb.consumerSequence.Load()
}
