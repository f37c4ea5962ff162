package book

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0x5487/tickbook/protocol"
)

// SnapshotStore persists engine checkpoints. store.PebbleStore is the
// production implementation.
type SnapshotStore interface {
	// SaveCheckpoint atomically replaces the stored markets and metadata.
	SaveCheckpoint(snaps []*OrderBookSnapshot, meta *SnapshotMetadata) error
	LoadMarkets() ([]*OrderBookSnapshot, error)
	LoadMetadata() (*SnapshotMetadata, error)
}

// MatchingEngine manages one order book per market.
type MatchingEngine struct {
	isShutdown    atomic.Bool
	openMu        sync.Mutex
	orderbooks    sync.Map
	publishTrader PublishLog
	serializer    protocol.Serializer
	bookOpts      []OrderBookOption
}

// NewMatchingEngine creates a new matching engine instance. opts are applied
// to every order book the engine creates.
func NewMatchingEngine(publishTrader PublishLog, opts ...OrderBookOption) *MatchingEngine {
	return &MatchingEngine{
		orderbooks:    sync.Map{},
		publishTrader: publishTrader,
		serializer:    &protocol.DefaultJSONSerializer{},
		bookOpts:      opts,
	}
}

// OpenMarket creates, starts and opens the order book of key and returns its
// market id.
func (engine *MatchingEngine) OpenMarket(ctx context.Context, key MarketKey) (string, error) {
	if engine.isShutdown.Load() {
		return "", ErrShutdown
	}
	if err := key.Validate(); err != nil {
		return "", err
	}

	book, err := engine.createBook(key)
	if err != nil {
		return "", err
	}
	if err := book.Open(ctx, key); err != nil {
		engine.orderbooks.Delete(key.ID().String())
		_ = book.Shutdown(ctx)
		return "", err
	}
	return book.MarketID(), nil
}

// createBook registers and starts an unopened book for key.
func (engine *MatchingEngine) createBook(key MarketKey) (*OrderBook, error) {
	engine.openMu.Lock()
	defer engine.openMu.Unlock()

	if engine.isShutdown.Load() {
		return nil, ErrShutdown
	}
	marketID := key.ID().String()
	if _, exists := engine.orderbooks.Load(marketID); exists {
		return nil, ErrAlreadyOpened
	}

	opts := append([]OrderBookOption{WithPublishLog(engine.publishTrader)}, engine.bookOpts...)
	newbook := NewOrderBook(opts...)
	engine.orderbooks.Store(marketID, newbook)

	go func() {
		_ = newbook.Start()
	}()

	return newbook, nil
}

// EnqueueCommand routes the command to the correct OrderBook based on the MarketID.
// Open commands create the book first.
func (engine *MatchingEngine) EnqueueCommand(cmd *protocol.Command) error {
	if engine.isShutdown.Load() {
		return ErrShutdown
	}

	if cmd.Type == protocol.CmdOpenMarket {
		return engine.handleOpenMarket(cmd)
	}

	if len(cmd.MarketID) == 0 {
		return ErrNotFound
	}

	orderbook := engine.OrderBook(cmd.MarketID)
	if orderbook == nil {
		return ErrNotFound
	}

	return orderbook.EnqueueCommand(cmd)
}

// Make places an order in the market.
func (engine *MatchingEngine) Make(ctx context.Context, marketID string, cmd *protocol.MakeCommand) (*protocol.MakeResponse, error) {
	orderbook, err := engine.book(marketID)
	if err != nil {
		return nil, err
	}
	return orderbook.Make(ctx, cmd)
}

// Take consumes liquidity at one tick of the market.
func (engine *MatchingEngine) Take(ctx context.Context, marketID string, cmd *protocol.TakeCommand) (*protocol.TakeResponse, error) {
	orderbook, err := engine.book(marketID)
	if err != nil {
		return nil, err
	}
	return orderbook.Take(ctx, cmd)
}

// Cancel shrinks an order. The market is taken from the order id.
func (engine *MatchingEngine) Cancel(ctx context.Context, cmd *protocol.CancelCommand) (*protocol.CancelResponse, error) {
	id, err := ParseOrderID(cmd.OrderID)
	if err != nil {
		return nil, err
	}
	orderbook, err := engine.book(id.MarketID.String())
	if err != nil {
		return nil, err
	}
	return orderbook.Cancel(ctx, cmd)
}

// Claim withdraws the filled part of an order.
func (engine *MatchingEngine) Claim(ctx context.Context, marketID string, cmd *protocol.ClaimCommand) (*protocol.ClaimResponse, error) {
	orderbook, err := engine.book(marketID)
	if err != nil {
		return nil, err
	}
	return orderbook.Claim(ctx, cmd)
}

// Depth returns the top levels of the market.
func (engine *MatchingEngine) Depth(ctx context.Context, marketID string, limit uint32) (*protocol.GetDepthResponse, error) {
	orderbook, err := engine.book(marketID)
	if err != nil {
		return nil, err
	}
	return orderbook.Depth(ctx, limit)
}

// OrderBook retrieves the order book for a specific market ID.
// Returns nil if the market does not exist.
func (engine *MatchingEngine) OrderBook(marketID string) *OrderBook {
	book, found := engine.orderbooks.Load(marketID)
	if !found {
		return nil
	}

	orderbook, _ := book.(*OrderBook)
	return orderbook
}

// MarketIDs returns the ids of every registered market.
func (engine *MatchingEngine) MarketIDs() []string {
	ids := make([]string, 0)
	engine.orderbooks.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

func (engine *MatchingEngine) book(marketID string) (*OrderBook, error) {
	if engine.isShutdown.Load() {
		return nil, ErrShutdown
	}
	orderbook := engine.OrderBook(marketID)
	if orderbook == nil {
		return nil, ErrNotFound
	}
	return orderbook, nil
}

// StopAccepting stops routing commands and opening markets, then closes the
// intake of every book. Snapshots and checkpoints keep working, so a
// Checkpoint taken afterwards holds every command the engine applied.
func (engine *MatchingEngine) StopAccepting(ctx context.Context) error {
	engine.openMu.Lock()
	engine.isShutdown.Store(true)
	books := make(map[string]*OrderBook)
	engine.orderbooks.Range(func(key, value any) bool {
		books[key.(string)] = value.(*OrderBook)
		return true
	})
	engine.openMu.Unlock()

	var errs []error
	for marketID, book := range books {
		if err := book.StopAccepting(ctx); err != nil {
			errs = append(errs, fmt.Errorf("market %s: %w", marketID, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown gracefully shuts down all order books in the engine.
// It blocks until all order books have completed their shutdown or the context is cancelled.
// Returns nil if all order books shut down successfully, or an aggregated error otherwise.
func (engine *MatchingEngine) Shutdown(ctx context.Context) error {
	// Set shutdown flag to prevent new commands and new markets
	engine.isShutdown.Store(true)

	var wg sync.WaitGroup
	var errs []error
	var errMu sync.Mutex

	engine.orderbooks.Range(func(key, value any) bool {
		wg.Add(1)
		go func(marketID string, book *OrderBook) {
			defer wg.Done()
			if err := book.Shutdown(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("market %s: %w", marketID, err))
				errMu.Unlock()
			}
		}(key.(string), value.(*OrderBook))
		return true
	})

	wg.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// snapshotResult wraps a snapshot result with potential error
type snapshotResult struct {
	snap *OrderBookSnapshot
	err  error
}

// takeSnapshot orchestrates the snapshot process across all order books.
// It returns a channel that streams snapshot results (including errors).
func (engine *MatchingEngine) takeSnapshot(ctx context.Context) chan snapshotResult {
	ch := make(chan snapshotResult)

	go func() {
		defer close(ch)
		var wg sync.WaitGroup

		engine.orderbooks.Range(func(key, value any) bool {
			book := value.(*OrderBook)
			wg.Add(1)
			go func(b *OrderBook, marketID string) {
				defer wg.Done()
				snap, err := b.TakeSnapshot(ctx)
				if err != nil {
					ch <- snapshotResult{err: fmt.Errorf("snapshot failed for market %s: %w", marketID, err)}
					return
				}
				ch <- snapshotResult{snap: snap}
			}(book, key.(string))
			return true
		})

		wg.Wait()
	}()

	return ch
}

// collectSnapshots drains takeSnapshot into a slice.
func (engine *MatchingEngine) collectSnapshots(ctx context.Context) ([]*OrderBookSnapshot, error) {
	snaps := make([]*OrderBookSnapshot, 0)
	var errs []error
	for result := range engine.takeSnapshot(ctx) {
		if result.err != nil {
			errs = append(errs, result.err)
			continue
		}
		snaps = append(snaps, result.snap)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return snaps, nil
}

// TakeSnapshot captures a consistent snapshot of all order books and writes them to the specified directory.
// It generates two files: `snapshot.bin` (binary data) and `metadata.json` (metadata).
// Returns the metadata object or an error.
func (engine *MatchingEngine) TakeSnapshot(ctx context.Context, outputDir string) (*SnapshotMetadata, error) {
	snaps, err := engine.collectSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	// Use a temporary directory for atomic writes
	tmpDir := outputDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, err
	}

	binPath := filepath.Join(tmpDir, "snapshot.bin")
	globalSeqID, err := writeSnapshotFile(binPath, snaps)
	if err != nil {
		return nil, err
	}

	snapshotChecksum, err := calculateFileCRC32(binPath)
	if err != nil {
		return nil, err
	}

	meta := &SnapshotMetadata{
		SchemaVersion:      SnapshotSchemaVersion,
		Timestamp:          time.Now().UnixNano(),
		GlobalLastCmdSeqID: globalSeqID,
		EngineVersion:      EngineVersion,
		SnapshotChecksum:   snapshotChecksum,
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}

	metaPath := filepath.Join(tmpDir, "metadata.json")
	if err := os.WriteFile(metaPath, metaBytes, 0600); err != nil {
		return nil, err
	}

	// Atomic rename: remove old dir and rename temp to final
	if err := os.RemoveAll(outputDir); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpDir, outputDir); err != nil {
		return nil, err
	}

	logger.Info("snapshot written", "dir", outputDir, "markets", len(snaps), "global_last_cmd_seq_id", globalSeqID)
	return meta, nil
}

// writeSnapshotFile writes the market segments followed by the footer.
// Layout: [Segment...][FooterJSON][FooterLength(4 bytes, big endian)]
func writeSnapshotFile(path string, snaps []*OrderBookSnapshot) (uint64, error) {
	binFile, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer binFile.Close()

	var globalSeqID uint64
	markets := make([]MarketSegment, 0, len(snaps))
	currentOffset := int64(0)

	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			return 0, err
		}

		n, err := binFile.Write(data)
		if err != nil {
			return 0, err
		}

		length := int64(n)
		markets = append(markets, MarketSegment{
			MarketID: snap.MarketID,
			Offset:   currentOffset,
			Length:   length,
			Checksum: crc32.ChecksumIEEE(data),
		})
		currentOffset += length

		if snap.LastCmdSeqID > globalSeqID {
			globalSeqID = snap.LastCmdSeqID
		}
	}

	footerData, err := json.Marshal(SnapshotFileFooter{Markets: markets})
	if err != nil {
		return 0, err
	}
	if _, err := binFile.Write(footerData); err != nil {
		return 0, err
	}

	if len(footerData) > 4294967295 {
		return 0, errors.New("footer too large")
	}
	//nolint:gosec // Verified length above
	footerLen := uint32(len(footerData))
	if err := binary.Write(binFile, binary.BigEndian, footerLen); err != nil {
		return 0, err
	}

	// Sync to ensure data is flushed to disk before checksum calculation
	if err := binFile.Sync(); err != nil {
		return 0, err
	}
	return globalSeqID, binFile.Close()
}

// RestoreFromSnapshot restores the entire matching engine state from a snapshot in the specified directory.
// Returns the metadata from the snapshot for MQ replay positioning.
func (engine *MatchingEngine) RestoreFromSnapshot(inputDir string) (*SnapshotMetadata, error) {
	metaBytes, err := os.ReadFile(filepath.Join(inputDir, "metadata.json"))
	if err != nil {
		return nil, err
	}

	var meta SnapshotMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, err
	}
	if meta.SchemaVersion != SnapshotSchemaVersion {
		return nil, fmt.Errorf("unsupported snapshot schema version %d", meta.SchemaVersion)
	}

	binPath := filepath.Join(inputDir, "snapshot.bin")
	fileChecksum, err := calculateFileCRC32(binPath)
	if err != nil {
		return nil, err
	}
	if fileChecksum != meta.SnapshotChecksum {
		return nil, errors.New("snapshot.bin checksum mismatch")
	}

	snaps, err := readSnapshotFile(binPath)
	if err != nil {
		return nil, err
	}
	if err := engine.restoreBooks(snaps); err != nil {
		return nil, err
	}

	return &meta, nil
}

func readSnapshotFile(path string) ([]*OrderBookSnapshot, error) {
	binFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer binFile.Close()

	stat, err := binFile.Stat()
	if err != nil {
		return nil, err
	}
	fileSize := stat.Size()
	if fileSize < 4 {
		return nil, errors.New("snapshot.bin too short")
	}

	footerLenBytes := make([]byte, 4)
	if _, err := binFile.ReadAt(footerLenBytes, fileSize-4); err != nil {
		return nil, err
	}
	footerLen := binary.BigEndian.Uint32(footerLenBytes)

	footerOffset := fileSize - 4 - int64(footerLen)
	if footerOffset < 0 {
		return nil, errors.New("snapshot.bin footer out of range")
	}
	footerBytes := make([]byte, footerLen)
	if _, err := binFile.ReadAt(footerBytes, footerOffset); err != nil {
		return nil, err
	}

	var footer SnapshotFileFooter
	if err := json.Unmarshal(footerBytes, &footer); err != nil {
		return nil, err
	}

	snaps := make([]*OrderBookSnapshot, 0, len(footer.Markets))
	for _, segment := range footer.Markets {
		if segment.Offset < 0 || segment.Length < 0 || segment.Offset+segment.Length > footerOffset {
			return nil, errors.New("segment out of range for market " + segment.MarketID)
		}
		segmentData := make([]byte, segment.Length)
		if _, err := binFile.ReadAt(segmentData, segment.Offset); err != nil {
			return nil, err
		}

		if crc32.ChecksumIEEE(segmentData) != segment.Checksum {
			return nil, errors.New("checksum mismatch for market " + segment.MarketID)
		}

		snap := &OrderBookSnapshot{}
		if err := json.Unmarshal(segmentData, snap); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// restoreBooks rebuilds every book before registering any of them, so a bad
// snapshot leaves the engine untouched.
func (engine *MatchingEngine) restoreBooks(snaps []*OrderBookSnapshot) error {
	engine.openMu.Lock()
	defer engine.openMu.Unlock()

	books := make([]*OrderBook, 0, len(snaps))
	for _, snap := range snaps {
		if _, exists := engine.orderbooks.Load(snap.MarketID); exists {
			return fmt.Errorf("%w: market %s", ErrAlreadyOpened, snap.MarketID)
		}

		opts := append([]OrderBookOption{WithPublishLog(engine.publishTrader)}, engine.bookOpts...)
		book := NewOrderBook(opts...)
		if err := book.Restore(snap); err != nil {
			return fmt.Errorf("restore market %s: %w", snap.MarketID, err)
		}
		if book.MarketID() == "" {
			return fmt.Errorf("%w: market %s was never opened", ErrInvalidInput, snap.MarketID)
		}
		books = append(books, book)
	}

	for _, book := range books {
		engine.orderbooks.Store(book.MarketID(), book)
		go func(b *OrderBook) {
			_ = b.Start()
		}(book)
	}
	return nil
}

// Checkpoint writes every market and the metadata to store.
func (engine *MatchingEngine) Checkpoint(ctx context.Context, store SnapshotStore) (*SnapshotMetadata, error) {
	snaps, err := engine.collectSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	var globalSeqID uint64
	for _, snap := range snaps {
		if snap.LastCmdSeqID > globalSeqID {
			globalSeqID = snap.LastCmdSeqID
		}
	}

	meta := &SnapshotMetadata{
		SchemaVersion:      SnapshotSchemaVersion,
		Timestamp:          time.Now().UnixNano(),
		GlobalLastCmdSeqID: globalSeqID,
		EngineVersion:      EngineVersion,
	}
	if err := store.SaveCheckpoint(snaps, meta); err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	logger.Info("checkpoint saved", "markets", len(snaps), "global_last_cmd_seq_id", globalSeqID)
	return meta, nil
}

// Recover restores every market found in store. A store without metadata
// yields ErrNotFound.
func (engine *MatchingEngine) Recover(store SnapshotStore) (*SnapshotMetadata, error) {
	meta, err := store.LoadMetadata()
	if err != nil {
		return nil, err
	}
	if meta.SchemaVersion != SnapshotSchemaVersion {
		return nil, fmt.Errorf("unsupported snapshot schema version %d", meta.SchemaVersion)
	}

	snaps, err := store.LoadMarkets()
	if err != nil {
		return nil, err
	}
	if err := engine.restoreBooks(snaps); err != nil {
		return nil, err
	}

	logger.Info("engine recovered", "markets", len(snaps), "global_last_cmd_seq_id", meta.GlobalLastCmdSeqID)
	return meta, nil
}

// handleOpenMarket creates the book for an open command and forwards the
// command so the open is logged in order.
func (engine *MatchingEngine) handleOpenMarket(cmd *protocol.Command) error {
	payload := &protocol.OpenMarketCommand{}
	if err := engine.serializer.Unmarshal(cmd.Payload, payload); err != nil {
		logger.Error("failed to unmarshal OpenMarket command", "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}

	key, err := MarketKeyFromCommand(payload)
	if err != nil {
		return err
	}

	book, err := engine.createBook(key)
	if err != nil {
		logger.Warn("market already exists", "market_id", key.ID().String())
		return err
	}
	return book.EnqueueCommand(cmd)
}
