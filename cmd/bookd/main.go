// Command bookd runs a tick book engine fed by JSON-line commands on stdin.
//
// Each line is {"market_id": "...", "seq_id": 1, "type": "make", "payload": {...}}.
// Logs are published to Kafka when brokers are configured and the engine is
// checkpointed to pebble on an interval and on shutdown.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	book "github.com/0x5487/tickbook"
	"github.com/0x5487/tickbook/mq"
	"github.com/0x5487/tickbook/protocol"
	"github.com/0x5487/tickbook/store"
	"gopkg.in/natefinch/lumberjack.v2"
)

// publishRingSize is the capacity of the ring between the books and Kafka.
const publishRingSize = 1 << 16

func main() {
	configPath := flag.String("config", "bookd.yaml", "path to the config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	book.SetLogger(logger)

	if err := run(cfg, os.Stdin, logger); err != nil {
		logger.Error("bookd stopped", "error", err)
		os.Exit(1)
	}
}

// newLogger creates a slog.Logger writing JSON to stdout and, when a file is
// configured, to a rotated log file.
func newLogger(cfg *Config) *slog.Logger {
	var writer io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}
		writer = io.MultiWriter(os.Stdout, fileLogger)
	}

	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})).With("component", "bookd")
}

func run(cfg *Config, input io.Reader, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	var publisher book.PublishLog = book.NewDiscardPublishLog()
	var async *book.AsyncPublishLog
	var kafkaLog *mq.KafkaPublishLog
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaLog = mq.NewKafkaPublishLog(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		async = book.NewAsyncPublishLog(kafkaLog, publishRingSize)
		async.Start()
		publisher = async
	}

	engine := book.NewMatchingEngine(publisher, book.WithCommandBuffer(cfg.Engine.CommandBuffer))
	if err := startEngine(ctx, engine, db, cfg.Markets, logger); err != nil {
		return err
	}

	lines := make(chan error, 1)
	go func() {
		lines <- feed(engine, input, logger)
	}()

	var tick <-chan time.Time
	if cfg.Store.CheckpointIntervalSec > 0 {
		ticker := time.NewTicker(time.Duration(cfg.Store.CheckpointIntervalSec) * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("signal received, shutting down")
			break loop
		case err := <-lines:
			runErr = err
			break loop
		case <-tick:
			if _, err := engine.Checkpoint(ctx, db); err != nil {
				logger.Error("checkpoint failed", "error", err)
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := stopEngine(shutdownCtx, engine, db, logger); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if async != nil {
		if err := async.Shutdown(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, err)
		}
		if err := kafkaLog.Close(); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	return runErr
}

// startEngine recovers the last checkpoint and opens configured markets that
// were not recovered.
func startEngine(ctx context.Context, engine *book.MatchingEngine, db book.SnapshotStore, markets []MarketConfig, logger *slog.Logger) error {
	meta, err := engine.Recover(db)
	switch {
	case errors.Is(err, book.ErrNotFound):
		logger.Info("no checkpoint found, starting empty")
	case err != nil:
		return fmt.Errorf("recover: %w", err)
	default:
		logger.Info("recovered from checkpoint", "global_last_cmd_seq_id", meta.GlobalLastCmdSeqID)
	}

	for _, m := range markets {
		key, err := m.Key()
		if err != nil {
			return err
		}
		marketID, err := engine.OpenMarket(ctx, key)
		if errors.Is(err, book.ErrAlreadyOpened) {
			continue
		}
		if err != nil {
			return fmt.Errorf("open market %s/%s: %w", m.Base, m.Quote, err)
		}
		logger.Info("market ready", "market_id", marketID, "base", m.Base, "quote", m.Quote)
	}
	return nil
}

// stopEngine closes intake before the final checkpoint so that every command
// the books applied is in it, then drains the books.
func stopEngine(ctx context.Context, engine *book.MatchingEngine, db book.SnapshotStore, logger *slog.Logger) error {
	var errs []error
	if err := engine.StopAccepting(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := engine.Checkpoint(ctx, db); err != nil {
		logger.Error("final checkpoint failed", "error", err)
		errs = append(errs, err)
	}
	if err := engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// commandLine is the stdin form of protocol.Command. Payload stays plain JSON.
type commandLine struct {
	MarketID string            `json:"market_id"`
	SeqID    uint64            `json:"seq_id"`
	Type     string            `json:"type"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var commandTypes = map[string]protocol.CommandType{
	protocol.CmdOpenMarket.String(): protocol.CmdOpenMarket,
	protocol.CmdMake.String():       protocol.CmdMake,
	protocol.CmdTake.String():       protocol.CmdTake,
	protocol.CmdCancel.String():     protocol.CmdCancel,
	protocol.CmdClaim.String():      protocol.CmdClaim,
}

func parseCommandLine(line []byte) (*protocol.Command, error) {
	var cl commandLine
	if err := json.Unmarshal(line, &cl); err != nil {
		return nil, err
	}
	cmdType, ok := commandTypes[cl.Type]
	if !ok {
		return nil, fmt.Errorf("unknown command type %q", cl.Type)
	}
	return &protocol.Command{
		Version:  1,
		MarketID: cl.MarketID,
		SeqID:    cl.SeqID,
		Type:     cmdType,
		Payload:  cl.Payload,
		Metadata: cl.Metadata,
	}, nil
}

// feed enqueues every stdin line until EOF. Bad lines are logged and skipped.
func feed(engine *book.MatchingEngine, input io.Reader, logger *slog.Logger) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cmd, err := parseCommandLine(line)
		if err != nil {
			logger.Warn("skip malformed command", "error", err)
			continue
		}
		if err := engine.EnqueueCommand(cmd); err != nil {
			logger.Warn("command not enqueued", "market_id", cmd.MarketID, "type", cmd.Type.String(), "seq_id", cmd.SeqID, "error", err)
		}
	}
	return scanner.Err()
}
