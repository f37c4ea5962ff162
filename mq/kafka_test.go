package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	book "github.com/0x5487/tickbook"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublishLog(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublishLog{writer: w, timeout: time.Second}

	p.Publish(
		&book.OrderBookLog{SequenceID: 1, Type: book.LogTypeMake, MarketID: "m1", Tick: 5, Amount: 10},
		&book.OrderBookLog{SequenceID: 2, Type: book.LogTypeTake, MarketID: "m1", Tick: 5, Amount: 4},
	)

	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte("m1"), w.msgs[0].Key)

	var decoded book.OrderBookLog
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	assert.Equal(t, uint64(2), decoded.SequenceID)
	assert.Equal(t, book.LogTypeTake, decoded.Type)
	assert.Equal(t, uint64(4), decoded.Amount)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublishLogWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := &KafkaPublishLog{writer: w, timeout: time.Second}

	assert.NotPanics(t, func() {
		p.Publish(&book.OrderBookLog{SequenceID: 1, Type: book.LogTypeOpen, MarketID: "m1"})
	})
	assert.Empty(t, w.msgs)
}

func TestKafkaPublishLogWithOrderBook(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := &fakeWriter{}
	p := &KafkaPublishLog{writer: w, timeout: time.Second}

	ob := book.NewOrderBook(book.WithPublishLog(p))
	go func() { _ = ob.Start() }()
	defer func() { _ = ob.Shutdown(ctx) }()

	require.NoError(t, ob.Open(ctx, book.MarketKey{Base: "BTC", Quote: "USDT", UnitSize: 1}))

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte(ob.MarketID()), w.msgs[0].Key)
}
