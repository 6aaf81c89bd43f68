// Package scheduler runs the engine's two periodic tasks
// (auto-settle-expiring, check-expired-channels) on independent timer
// loops, following the teacher's subsystem idiom: atomic started/stopped
// flags, a quit channel, and a sync.WaitGroup joined on Stop, the same
// shape breacharbiter.go and htlcswitch.Switch use for their own
// background loops. Ticks come from lnd/ticker wall-clock tickers that
// New builds itself; tests run a task by calling runAutoSettle or
// runCheckExpired directly instead of waiting for a tick, and
// lnd/clock.Clock stands in for time.Now() so "now" is swappable in
// tests.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tokenmeter/paychand/internal/channeldb"
	"github.com/tokenmeter/paychand/internal/errs"
	"github.com/tokenmeter/paychand/internal/settlement"
)

var log btclog.Logger = btclog.Disabled

// UseLogger assigns the package-level logger.
func UseLogger(l btclog.Logger) { log = l }

const (
	// AutoSettleInterval is how often auto-settle-expiring runs.
	AutoSettleInterval = time.Minute
	// CheckExpiredInterval is how often check-expired-channels runs.
	CheckExpiredInterval = 10 * time.Minute
	// SettleWindow is how close to its deadline a channel must be
	// before auto-settle-expiring picks it up.
	SettleWindow = 15 * time.Minute

	// MaxSettleRetries bounds the per-channel settlement attempts
	// before a run records failure for that channel.
	MaxSettleRetries = 3
	// SettleBaseBackoff is the first retry's backoff; it doubles on
	// each subsequent attempt, the healthcheck module's
	// backoff-observation pattern.
	SettleBaseBackoff = 500 * time.Millisecond

	// settlementConcurrency bounds how many channels a single
	// auto-settle-expiring run processes in parallel.
	settlementConcurrency = 4
	// chainCallsPerSecond caps outbound chain RPC calls the scheduler
	// issues while settling a batch.
	chainCallsPerSecond = 10
)

// channelOutcome is one channel's result within a task's result_data.
type channelOutcome struct {
	ChannelID string `json:"channel_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Scheduler runs the two background tasks.
type Scheduler struct {
	started int32
	stopped int32

	store   channeldb.Store
	builder *settlement.Builder
	clock   clock.Clock

	settleTicker *ticker.Ticker
	expireTicker *ticker.Ticker

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a Scheduler. clk lets tests substitute a deterministic
// clock; pass clock.NewDefaultClock() in production.
func New(store channeldb.Store, builder *settlement.Builder, clk clock.Clock) *Scheduler {
	return &Scheduler{
		store:        store,
		builder:      builder,
		clock:        clk,
		settleTicker: ticker.New(AutoSettleInterval),
		expireTicker: ticker.New(CheckExpiredInterval),
		quit:         make(chan struct{}),
	}
}

// Start launches both task loops.
func (s *Scheduler) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	s.settleTicker.Resume()
	s.expireTicker.Resume()

	s.wg.Add(2)
	go s.autoSettleLoop()
	go s.checkExpiredLoop()

	log.Infof("scheduler started")
	return nil
}

// Stop requests cancellation and waits for in-flight task iterations to
// finish; no new task iteration is started after this returns.
func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}

	close(s.quit)
	s.settleTicker.Stop()
	s.expireTicker.Stop()
	s.wg.Wait()

	log.Infof("scheduler stopped")
	return nil
}

func (s *Scheduler) autoSettleLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.settleTicker.Ticks():
			s.runAutoSettle(context.Background())
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) checkExpiredLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.expireTicker.Ticks():
			s.runCheckExpired(context.Background())
		case <-s.quit:
			return
		}
	}
}

// runAutoSettle is one execution of auto-settle-expiring: select
// channels nearing their deadline in ascending order, attempt
// settlement on each with bounded concurrency and a rate-limited chain
// client, making up to MaxSettleRetries attempts per channel with
// exponential backoff between them.
func (s *Scheduler) runAutoSettle(ctx context.Context) {
	const taskName, taskType = "auto-settle-expiring", "settlement"

	now := s.clock.Now()
	logID, err := s.store.StartTaskLog(ctx, taskName, taskType, now)
	if err != nil {
		log.Errorf("%s: failed to start task log: %v", taskName, err)
		return
	}
	start := now

	channels, err := s.store.ChannelsNearingDeadline(ctx, now, SettleWindow)
	if err != nil {
		s.finishTask(ctx, logID, channeldb.TaskFailed, start, nil, err.Error(), 0, 0)
		return
	}

	limiter := rate.NewLimiter(rate.Limit(chainCallsPerSecond), chainCallsPerSecond)
	outcomes := make([]channelOutcome, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(settlementConcurrency)

	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			select {
			case <-s.quit:
				outcomes[i] = channelOutcome{ChannelID: ch.ChannelID, Success: false, Error: "cancelled"}
				return nil
			default:
			}

			if err := limiter.Wait(gctx); err != nil {
				outcomes[i] = channelOutcome{ChannelID: ch.ChannelID, Success: false, Error: err.Error()}
				return nil
			}

			err := s.settleWithRetry(gctx, ch.ChannelID)
			if err != nil {
				outcomes[i] = channelOutcome{ChannelID: ch.ChannelID, Success: false, Error: err.Error()}
			} else {
				outcomes[i] = channelOutcome{ChannelID: ch.ChannelID, Success: true}
			}
			return nil
		})
	}
	_ = g.Wait()

	settled := 0
	for _, o := range outcomes {
		if o.Success {
			settled++
		}
	}

	result, _ := json.Marshal(outcomes)
	status := channeldb.TaskSuccess
	s.finishTask(ctx, logID, status, start, result, "", settled, len(channels))
}

func (s *Scheduler) settleWithRetry(ctx context.Context, channelID string) error {
	var lastErr error
	backoff := SettleBaseBackoff
	for attempt := 0; attempt < MaxSettleRetries; attempt++ {
		select {
		case <-s.quit:
			return fmt.Errorf("scheduler stopping")
		default:
		}

		_, err := s.builder.BuildAndBroadcast(ctx, channelID)
		if err == nil {
			return nil
		}
		if errs.Is(err, errs.StateConflict) {
			// Not retryable: e.g. no paid chunks yet.
			return err
		}
		lastErr = err

		select {
		case <-time.After(backoff):
		case <-s.quit:
			return lastErr
		}
		backoff *= 2
	}
	return lastErr
}

// runCheckExpired is one execution of check-expired-channels.
func (s *Scheduler) runCheckExpired(ctx context.Context) {
	const taskName, taskType = "check-expired-channels", "expiry"

	now := s.clock.Now()
	logID, err := s.store.StartTaskLog(ctx, taskName, taskType, now)
	if err != nil {
		log.Errorf("%s: failed to start task log: %v", taskName, err)
		return
	}

	expired, err := s.store.ExpireChannels(ctx, now)
	if err != nil {
		s.finishTask(ctx, logID, channeldb.TaskFailed, now, nil, err.Error(), 0, 0)
		return
	}

	result, _ := json.Marshal(expired)
	s.finishTask(ctx, logID, channeldb.TaskSuccess, now, result, "", len(expired), len(expired))
}

func (s *Scheduler) finishTask(ctx context.Context, logID int64, status channeldb.ExecutionStatus,
	start time.Time, resultData []byte, errMsg string, settled, checked int) {

	completedAt := s.clock.Now()
	durationMs := completedAt.Sub(start).Milliseconds()
	if err := s.store.CompleteTaskLog(ctx, logID, status, completedAt, durationMs, resultData, errMsg, settled, checked); err != nil {
		log.Errorf("failed to complete task log %d: %v", logID, err)
	}
}
