// Package mq publishes order book logs to Kafka.
package mq

import (
	"context"
	"encoding/json"
	"time"

	book "github.com/0x5487/tickbook"
	"github.com/segmentio/kafka-go"
)

// DefaultWriteTimeout bounds a single Publish call.
const DefaultWriteTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublishLog is a book.PublishLog that writes every log as a JSON
// message keyed by market id, so one market keeps its order within a
// partition.
//
// Publish encodes synchronously, so pooled logs are never retained.
type KafkaPublishLog struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaPublishLog creates a publisher writing to topic on brokers.
func NewKafkaPublishLog(brokers []string, topic string) *KafkaPublishLog {
	return &KafkaPublishLog{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		timeout: DefaultWriteTimeout,
	}
}

// Publish implements book.PublishLog. Failures are logged, the book never
// blocks on the broker beyond the write timeout.
func (p *KafkaPublishLog) Publish(logs ...*book.OrderBookLog) {
	msgs := make([]kafka.Message, 0, len(logs))
	for _, log := range logs {
		value, err := json.Marshal(log)
		if err != nil {
			book.Logger().Error("failed to encode order book log", "seq_id", log.SequenceID, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(log.MarketID),
			Value: value,
		})
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		book.Logger().Error("failed to publish order book logs", "count", len(msgs), "error", err)
	}
}

func (p *KafkaPublishLog) Close() error {
	return p.writer.Close()
}
