// Package engine is the Core Façade: the single wiring struct that
// owns the store, lifecycle manager, chunk payment engine, settlement
// builder, scheduler, event bus, and chain RPC client, exposing the
// narrow method surface the external HTTP/stream layer calls. Start
// and Shutdown follow server.go's idiom exactly: an atomic started/shutdown
// guard, a fan-out to each owned subsystem's own Start/Stop, a quit
// channel, and a WaitGroup joined before returning.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"

	"github.com/tokenmeter/paychand/internal/chainrpc"
	"github.com/tokenmeter/paychand/internal/chancrypto"
	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/chunkpay"
	"github.com/tokenmeter/paychand/internal/errs"
	"github.com/tokenmeter/paychand/internal/events"
	"github.com/tokenmeter/paychand/internal/lifecycle"
	"github.com/tokenmeter/paychand/internal/scheduler"
	"github.com/tokenmeter/paychand/internal/settlement"
)

var log btclog.Logger = btclog.Disabled

// UseLogger assigns the package-level logger.
func UseLogger(l btclog.Logger) { log = l }

// Config collects everything Engine needs to construct its subsystems.
type Config struct {
	Store     channeldb.Store
	Chain     chainrpc.Client
	Scheduler *scheduler.Scheduler
	SellerKey *btcec.PrivateKey
}

// Engine is the Core Façade.
type Engine struct {
	started int32
	shutdown int32

	store     channeldb.Store
	chain     chainrpc.Client
	lifecycle *lifecycle.Manager
	chunks    *chunkpay.Engine
	settle    *settlement.Builder
	sched     *scheduler.Scheduler
	bus       *events.Bus

	quit chan struct{}
	wg   sync.WaitGroup
}

// New wires every subsystem. The scheduler is constructed by the
// caller (it needs a clock.Clock choice) and handed in already built.
func New(cfg Config) *Engine {
	return &Engine{
		store:     cfg.Store,
		chain:     cfg.Chain,
		lifecycle: lifecycle.NewManager(cfg.Store, cfg.Chain),
		chunks:    chunkpay.NewEngine(cfg.Store),
		settle:    settlement.NewBuilder(cfg.Store, cfg.Chain, cfg.SellerKey),
		sched:     cfg.Scheduler,
		bus:       events.NewBus(),
		quit:      make(chan struct{}),
	}
}

// Start brings up the scheduler and marks the engine ready to serve
// requests.
func (e *Engine) Start() error {
	if !atomic.CompareAndSwapInt32(&e.started, 0, 1) {
		return nil
	}
	if err := e.sched.Start(); err != nil {
		return errs.New("engine.Start", errs.Internal, err)
	}
	log.Infof("engine started")
	return nil
}

// Shutdown stops the scheduler and event bus, and waits for any
// in-flight work this package itself launched to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.shutdown, 0, 1) {
		return nil
	}

	close(e.quit)
	if err := e.sched.Stop(); err != nil {
		log.Errorf("engine: scheduler stop: %v", err)
	}
	e.bus.Shutdown()
	e.wg.Wait()

	log.Infof("engine shut down")
	return nil
}

// Login returns the User for publicKey, registering one on first sight
// — spec.md §3's "created on first successful public-key login".
func (e *Engine) Login(ctx context.Context, publicKey []byte, username string) (*channeldb.User, error) {
	u, err := e.store.UserByPublicKey(ctx, publicKey)
	if err == nil {
		return u, nil
	}
	if errs.KindOf(err) != errs.NotFound {
		return nil, err
	}
	return e.store.CreateUser(ctx, username, publicKey)
}

// OpenChannel delegates to the lifecycle manager.
func (e *Engine) OpenChannel(ctx context.Context, userID int64, amountBaseUnits, durationSeconds int64,
	codeHash [32]byte, hashType byte, buyerPubKeyHash, sellerPubKeyHash chancrypto.PubKeyHash,
	sellerPriv *btcec.PrivateKey, refundTxHash chancrypto.Hash, refundSince [8]byte) (*lifecycle.ChannelOffer, error) {

	return e.lifecycle.Open(ctx, userID, amountBaseUnits, durationSeconds,
		codeHash, hashType, buyerPubKeyHash, sellerPubKeyHash, sellerPriv, refundTxHash, refundSince)
}

// ConfirmFunding delegates to the lifecycle manager.
func (e *Engine) ConfirmFunding(ctx context.Context, channelID, fundingTxHash string) error {
	return e.lifecycle.ConfirmFunding(ctx, channelID, fundingTxHash)
}

// StreamChunk creates a chunk payment for the next tokensCount tokens
// of sessionID's stream and publishes the resulting event to any
// subscriber of that session, returning the event for the caller (the
// composer loop) to also act on synchronously.
func (e *Engine) StreamChunk(ctx context.Context, userID int64, sessionID string, tokensCount int64) (*chunkpay.ChunkEvent, error) {
	ev, err := e.chunks.CreateChunk(ctx, userID, sessionID, tokensCount)
	if err != nil {
		return nil, err
	}
	chunksCreated.Inc()
	e.bus.Publish(sessionID, *ev)
	return ev, nil
}

// PayChunk delegates to the chunk payment engine and publishes a paid
// ChunkEvent on success.
func (e *Engine) PayChunk(ctx context.Context, sessionID, chunkID string,
	buyerSignature [chancrypto.SigSize]byte, buyerPubKeyHash chancrypto.PubKeyHash) (*chunkpay.PaidState, error) {

	state, err := e.chunks.Pay(ctx, chunkID, buyerSignature, buyerPubKeyHash)
	if err != nil {
		return nil, err
	}
	chunksPaid.Inc()
	e.bus.Publish(sessionID, chunkpay.ChunkEvent{
		ChunkID:           state.ChunkID,
		SessionID:         sessionID,
		IsPaid:            true,
		CumulativePayment: state.CumulativePayment,
		RemainingBalance:  state.RemainingBalance,
	})
	return state, nil
}

// Bus exposes the event bus so the HTTP layer can wire its SSE handler.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Settle exposes the settlement builder for admin-triggered manual
// settlement (the paychanctl "settle" command).
func (e *Engine) Settle(ctx context.Context, channelID string) (*settlement.Result, error) {
	res, err := e.settle.BuildAndBroadcast(ctx, channelID)
	if err != nil {
		return nil, err
	}
	settlementsBuilt.Inc()
	return res, nil
}
