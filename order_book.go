package book

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/0x5487/tickbook/protocol"
	"github.com/shopspring/decimal"
)

// DefaultCommandBuffer is the default capacity of the order book input channel.
const DefaultCommandBuffer = 32768

// Response carries the outcome of an InputEvent back to its caller.
type Response struct {
	Error error
	Data  any
}

// InputEvent is the internal wrapper for all events entering the OrderBook Actor.
type InputEvent struct {
	// Cmd is the external command carrier.
	Cmd *protocol.Command

	// Internal Query fields (Read Path)
	Query any // e.g. *protocol.GetDepthRequest
	Resp  chan any
}

// snapshotQuery asks the book loop for a consistent snapshot.
type snapshotQuery struct{}

// stopIntakeQuery closes command intake inside the book loop.
type stopIntakeQuery struct{}

// OrderBookOption configures an OrderBook.
type OrderBookOption func(*OrderBook)

// WithPublishLog sets where the book publishes its logs.
func WithPublishLog(publishTrader PublishLog) OrderBookOption {
	return func(book *OrderBook) {
		book.publishTrader = publishTrader
	}
}

// WithCommandBuffer sets the capacity of the input channel.
func WithCommandBuffer(size int) OrderBookOption {
	return func(book *OrderBook) {
		if size > 0 {
			book.cmdChan = make(chan InputEvent, size)
		}
	}
}

// WithSerializer sets the payload serializer for commands.
func WithSerializer(serializer protocol.Serializer) OrderBookOption {
	return func(book *OrderBook) {
		book.serializer = serializer
	}
}

// OrderBook runs one State on a dedicated goroutine. Commands are applied
// strictly in arrival order, which is what makes every State operation
// atomic with respect to the others.
type OrderBook struct {
	marketID         atomic.Pointer[string]
	seqID            atomic.Uint64 // Increasing sequence ID for OrderBookLog production
	lastCmdSeqID     atomic.Uint64 // Last sequence ID of the command
	isShutdown       atomic.Bool
	stopping         atomic.Bool // intake stop requested, queries still served
	intakeClosed     bool        // owned by the book loop
	state            *State
	serializer       protocol.Serializer
	cmdChan          chan InputEvent
	done             chan struct{}
	shutdownComplete chan struct{}
	publishTrader    PublishLog
}

// NewOrderBook creates an unopened order book. Call Start to run it.
func NewOrderBook(opts ...OrderBookOption) *OrderBook {
	book := &OrderBook{
		state:            NewState(),
		serializer:       &protocol.DefaultJSONSerializer{},
		cmdChan:          make(chan InputEvent, DefaultCommandBuffer),
		done:             make(chan struct{}),
		shutdownComplete: make(chan struct{}),
		publishTrader:    NewDiscardPublishLog(),
	}
	for _, opt := range opts {
		opt(book)
	}
	return book
}

// MarketID returns the hex market id, empty until the book is opened.
func (book *OrderBook) MarketID() string {
	if id := book.marketID.Load(); id != nil {
		return *id
	}
	return ""
}

// LastCmdSeqID returns the sequence ID of the last processed command.
// This is used for snapshot recovery to know where to resume consuming from MQ.
func (book *OrderBook) LastCmdSeqID() uint64 {
	return book.lastCmdSeqID.Load()
}

// EnqueueCommand submits a command without waiting for its result. The
// outcome is only visible through the published logs.
func (book *OrderBook) EnqueueCommand(cmd *protocol.Command) error {
	if book.isShutdown.Load() || book.stopping.Load() {
		return ErrShutdown
	}
	select {
	case book.cmdChan <- InputEvent{Cmd: cmd}:
		return nil
	default:
		return ErrTimeout
	}
}

// Open opens the book with key.
func (book *OrderBook) Open(ctx context.Context, key MarketKey) error {
	payload := &protocol.OpenMarketCommand{
		Base:     key.Base,
		Quote:    key.Quote,
		UnitSize: key.UnitSize,
		MakerFee: key.MakerFee.String(),
		TakerFee: key.TakerFee.String(),
		Hooks:    key.Hooks,
	}
	_, err := book.execute(ctx, protocol.CmdOpenMarket, payload)
	return err
}

// Make rests an order and returns its id.
func (book *OrderBook) Make(ctx context.Context, cmd *protocol.MakeCommand) (*protocol.MakeResponse, error) {
	data, err := book.execute(ctx, protocol.CmdMake, cmd)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.MakeResponse), nil
}

// Take consumes liquidity at one tick.
func (book *OrderBook) Take(ctx context.Context, cmd *protocol.TakeCommand) (*protocol.TakeResponse, error) {
	data, err := book.execute(ctx, protocol.CmdTake, cmd)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.TakeResponse), nil
}

// Cancel shrinks an order.
func (book *OrderBook) Cancel(ctx context.Context, cmd *protocol.CancelCommand) (*protocol.CancelResponse, error) {
	data, err := book.execute(ctx, protocol.CmdCancel, cmd)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.CancelResponse), nil
}

// Claim withdraws the filled part of an order.
func (book *OrderBook) Claim(ctx context.Context, cmd *protocol.ClaimCommand) (*protocol.ClaimResponse, error) {
	data, err := book.execute(ctx, protocol.CmdClaim, cmd)
	if err != nil {
		return nil, err
	}
	return data.(*protocol.ClaimResponse), nil
}

// Depth returns up to limit active levels, highest tick first.
func (book *OrderBook) Depth(ctx context.Context, limit uint32) (*protocol.GetDepthResponse, error) {
	if limit == 0 {
		return nil, ErrInvalidParam
	}
	data, err := book.query(ctx, &protocol.GetDepthRequest{MarketID: book.MarketID(), Limit: limit})
	if err != nil {
		return nil, err
	}
	return data.(*protocol.GetDepthResponse), nil
}

// GetStats returns usage statistics for the order book.
func (book *OrderBook) GetStats(ctx context.Context) (*protocol.GetStatsResponse, error) {
	data, err := book.query(ctx, &protocol.GetStatsRequest{MarketID: book.MarketID()})
	if err != nil {
		return nil, err
	}
	return data.(*protocol.GetStatsResponse), nil
}

// Read runs fn against the state on the book goroutine. fn must not retain s.
func (book *OrderBook) Read(ctx context.Context, fn func(s *State)) error {
	_, err := book.query(ctx, fn)
	return err
}

// TakeSnapshot captures the current state of the order book.
// It is thread-safe and interacts with the order book loop via a channel.
func (book *OrderBook) TakeSnapshot(ctx context.Context) (*OrderBookSnapshot, error) {
	data, err := book.query(ctx, snapshotQuery{})
	if err != nil {
		return nil, err
	}
	return data.(*OrderBookSnapshot), nil
}

// StopAccepting closes command intake. Commands that reach the loop after it
// are rejected with ErrShutdown without touching the state, while queries and
// snapshots keep working until Shutdown.
func (book *OrderBook) StopAccepting(ctx context.Context) error {
	book.stopping.Store(true)
	_, err := book.query(ctx, stopIntakeQuery{})
	return err
}

// Restore replaces the book state with a snapshot. It must be called before Start.
func (book *OrderBook) Restore(snap *OrderBookSnapshot) error {
	state, err := RestoreState(snap.State)
	if err != nil {
		return err
	}
	if state.IsOpened() && state.MarketID().String() != snap.MarketID {
		return fmt.Errorf("%w: snapshot market %s does not match its key", ErrInvalidInput, snap.MarketID)
	}

	book.state = state
	book.seqID.Store(snap.SeqID)
	book.lastCmdSeqID.Store(snap.LastCmdSeqID)
	if state.IsOpened() {
		id := state.MarketID().String()
		book.marketID.Store(&id)
	}
	return nil
}

// Start starts the order book loop.
// Returns nil when Shutdown() is called and all pending commands are drained.
func (book *OrderBook) Start() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-book.done:
			return book.drain()
		case ev := <-book.cmdChan:
			book.handle(ev)
		}
	}
}

// Shutdown signals the order book to stop accepting new commands and waits for all pending commands to be processed.
// The method blocks until all commands are drained or the context is cancelled/timed out.
func (book *OrderBook) Shutdown(ctx context.Context) error {
	if book.isShutdown.CompareAndSwap(false, true) {
		close(book.done)
	}

	select {
	case <-book.shutdownComplete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain processes all remaining commands before returning.
func (book *OrderBook) drain() error {
	defer close(book.shutdownComplete)

	for {
		select {
		case ev := <-book.cmdChan:
			book.handle(ev)
		default:
			return nil
		}
	}
}

func (book *OrderBook) execute(ctx context.Context, cmdType protocol.CommandType, payload any) (any, error) {
	if book.stopping.Load() {
		return nil, ErrShutdown
	}
	bytes, err := book.serializer.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	cmd := &protocol.Command{
		MarketID: book.MarketID(),
		Type:     cmdType,
		Payload:  bytes,
	}
	return book.submit(ctx, InputEvent{Cmd: cmd})
}

func (book *OrderBook) query(ctx context.Context, q any) (any, error) {
	return book.submit(ctx, InputEvent{Query: q})
}

// submit hands ev to the loop and waits for the response.
func (book *OrderBook) submit(ctx context.Context, ev InputEvent) (any, error) {
	if book.isShutdown.Load() {
		return nil, ErrShutdown
	}

	resp := make(chan any, 1)
	ev.Resp = resp

	select {
	case book.cmdChan <- ev:
	case <-book.done:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ErrTimeout
	}

	select {
	case res := <-resp:
		r := res.(*Response)
		return r.Data, r.Error
	case <-book.shutdownComplete:
		// the event may have been handled while draining
		select {
		case res := <-resp:
			r := res.(*Response)
			return r.Data, r.Error
		default:
			return nil, ErrShutdown
		}
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

func (book *OrderBook) handle(ev InputEvent) {
	var data any
	var err error

	switch {
	case ev.Cmd != nil && book.intakeClosed:
		err = ErrShutdown
		logger.Warn("command dropped, intake closed", "market_id", book.MarketID(), "command", ev.Cmd.Type.String(), "seq_id", ev.Cmd.SeqID)
	case ev.Cmd != nil:
		data, err = book.processCommand(ev.Cmd)
		if ev.Cmd.SeqID > 0 {
			book.lastCmdSeqID.Store(ev.Cmd.SeqID)
		}
	default:
		data, err = book.processQuery(ev.Query)
	}

	if ev.Resp != nil {
		select {
		case ev.Resp <- &Response{Data: data, Error: err}:
		default:
			// Non-blocking send, if no one is listening, just drop it
		}
	}
}

func (book *OrderBook) processQuery(q any) (any, error) {
	switch query := q.(type) {
	case *protocol.GetDepthRequest:
		return book.depth(query.Limit), nil
	case *protocol.GetStatsRequest:
		return book.stats(), nil
	case snapshotQuery:
		return book.createSnapshot(), nil
	case stopIntakeQuery:
		book.intakeClosed = true
		return nil, nil
	case func(*State):
		query(book.state)
		return nil, nil
	default:
		return nil, ErrInvalidParam
	}
}

// processCommand applies one command to the state and publishes exactly one log.
func (book *OrderBook) processCommand(cmd *protocol.Command) (any, error) {
	var (
		data any
		log  *OrderBookLog
		err  error
	)

	switch cmd.Type {
	case protocol.CmdOpenMarket:
		log, err = book.handleOpen(cmd)
	case protocol.CmdMake:
		data, log, err = book.handleMake(cmd)
	case protocol.CmdTake:
		data, log, err = book.handleTake(cmd)
	case protocol.CmdCancel:
		data, log, err = book.handleCancel(cmd)
	case protocol.CmdClaim:
		data, log, err = book.handleClaim(cmd)
	default:
		err = fmt.Errorf("%w: type %d", ErrUnknownCommand, cmd.Type)
	}

	if err != nil {
		if errors.Is(err, ErrUnderflow) {
			logger.Error("book invariant violated", "market_id", book.MarketID(), "command", cmd.Type.String(), "error", err)
		} else {
			logger.Debug("command rejected", "market_id", book.MarketID(), "command", cmd.Type.String(), "error", err)
		}
		log = NewRejectLog(book.seqID.Add(1), book.MarketID(), cmd.Type, err)
	}

	book.publishTrader.Publish(log)
	releaseBookLog(log)
	return data, err
}

func (book *OrderBook) handleOpen(cmd *protocol.Command) (*OrderBookLog, error) {
	payload := &protocol.OpenMarketCommand{}
	if err := book.unmarshal(cmd, payload); err != nil {
		return nil, err
	}
	key, err := MarketKeyFromCommand(payload)
	if err != nil {
		return nil, err
	}
	if err := book.state.Open(key); err != nil {
		return nil, err
	}

	id := book.state.MarketID().String()
	book.marketID.Store(&id)
	logger.Info("market opened", "market_id", id, "base", key.Base, "quote", key.Quote, "unit_size", key.UnitSize)
	return NewOpenLog(book.seqID.Add(1), id), nil
}

func (book *OrderBook) handleMake(cmd *protocol.Command) (any, *OrderBookLog, error) {
	payload := &protocol.MakeCommand{}
	if err := book.unmarshal(cmd, payload); err != nil {
		return nil, nil, err
	}

	tick := Tick(payload.Tick)
	provider := Provider(payload.Provider)
	index, err := book.state.Make(tick, payload.Amount, provider)
	if err != nil {
		return nil, nil, err
	}

	id := OrderID{MarketID: book.state.MarketID(), Tick: tick, Index: index}
	log := NewMakeLog(book.seqID.Add(1), id, provider, payload.Amount, book.state.Depth(tick), payload.HookData)
	return &protocol.MakeResponse{OrderID: id.String(), Index: index}, log, nil
}

func (book *OrderBook) handleTake(cmd *protocol.Command) (any, *OrderBookLog, error) {
	payload := &protocol.TakeCommand{}
	if err := book.unmarshal(cmd, payload); err != nil {
		return nil, nil, err
	}

	tick := Tick(payload.Tick)
	taken, err := book.state.Take(tick, payload.MaxAmount)
	if err != nil {
		return nil, nil, err
	}

	log := NewTakeLog(book.seqID.Add(1), book.MarketID(), tick, taken, book.state.Depth(tick), payload.HookData)
	return &protocol.TakeResponse{Taken: taken}, log, nil
}

func (book *OrderBook) handleCancel(cmd *protocol.Command) (any, *OrderBookLog, error) {
	payload := &protocol.CancelCommand{}
	if err := book.unmarshal(cmd, payload); err != nil {
		return nil, nil, err
	}
	id, err := ParseOrderID(payload.OrderID)
	if err != nil {
		return nil, nil, err
	}

	canceled, pending, err := book.state.Cancel(id, payload.MinRemaining)
	if err != nil {
		return nil, nil, err
	}

	order, _ := book.state.Order(id.Tick, id.Index)
	log := NewCancelLog(book.seqID.Add(1), id, order.Provider, canceled, pending, book.state.Depth(id.Tick), payload.HookData)
	return &protocol.CancelResponse{Canceled: canceled, Pending: pending}, log, nil
}

func (book *OrderBook) handleClaim(cmd *protocol.Command) (any, *OrderBookLog, error) {
	payload := &protocol.ClaimCommand{}
	if err := book.unmarshal(cmd, payload); err != nil {
		return nil, nil, err
	}

	tick := Tick(payload.Tick)
	claimed, err := book.state.Claim(tick, payload.Index)
	if err != nil {
		return nil, nil, err
	}

	order, _ := book.state.Order(tick, payload.Index)
	id := OrderID{MarketID: book.state.MarketID(), Tick: tick, Index: payload.Index}
	log := NewClaimLog(book.seqID.Add(1), id, order.Provider, claimed, order.Pending, book.state.Depth(tick), payload.HookData)
	return &protocol.ClaimResponse{Claimed: claimed}, log, nil
}

func (book *OrderBook) unmarshal(cmd *protocol.Command, v any) error {
	if err := book.serializer.Unmarshal(cmd.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	return nil
}

// depth returns the highest levels of the book.
func (book *OrderBook) depth(limit uint32) *protocol.GetDepthResponse {
	levels := book.state.Levels(limit)
	resp := &protocol.GetDepthResponse{
		UpdateID: book.seqID.Load(),
		Levels:   make([]*protocol.DepthItem, 0, len(levels)),
	}
	for _, lvl := range levels {
		resp.Levels = append(resp.Levels, &protocol.DepthItem{
			Tick:  int32(lvl.Tick),
			Price: lvl.Tick.Price().String(),
			Depth: lvl.Depth,
		})
	}
	return resp
}

func (book *OrderBook) stats() *protocol.GetStatsResponse {
	stats := &protocol.GetStatsResponse{
		ActiveTicks: int64(book.state.bitmap.Len()),
		TotalTicks:  int64(len(book.state.queues)),
	}
	for _, q := range book.state.queues {
		stats.OrderCount += q.length()
	}
	return stats
}

// createSnapshot creates a snapshot of the current order book state.
// This method is called from the order book loop, so it's thread-safe with respect to command processing.
func (book *OrderBook) createSnapshot() *OrderBookSnapshot {
	return &OrderBookSnapshot{
		MarketID:     book.MarketID(),
		SeqID:        book.seqID.Load(),
		LastCmdSeqID: book.lastCmdSeqID.Load(),
		State:        book.state.Snapshot(),
	}
}

// MarketKeyFromCommand builds a market key from its wire form.
func MarketKeyFromCommand(cmd *protocol.OpenMarketCommand) (MarketKey, error) {
	key := MarketKey{
		Base:     cmd.Base,
		Quote:    cmd.Quote,
		UnitSize: cmd.UnitSize,
		Hooks:    cmd.Hooks,
	}

	var err error
	if key.MakerFee, err = parseFee(cmd.MakerFee); err != nil {
		return MarketKey{}, err
	}
	if key.TakerFee, err = parseFee(cmd.TakerFee); err != nil {
		return MarketKey{}, err
	}
	return key, key.Validate()
}

func parseFee(s string) (decimal.Decimal, error) {
	if len(s) == 0 {
		return decimal.Zero, nil
	}
	fee, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: fee %q", ErrInvalidMarketKey, s)
	}
	return fee, nil
}
