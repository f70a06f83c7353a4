package iothub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thejuampi/iothub-client-go/iothub/internal/clock"
)

// RefreshPolicy controls background token renewal.
type RefreshPolicy struct {
	// RefreshBuffer is how long before expiry a renewal is attempted.
	RefreshBuffer time.Duration
	// RetryInterval is the fixed wait after a failed renewal. It is not
	// shortened as expiry approaches, so a renewal that keeps failing can
	// leave the session on an expired token for up to one interval.
	RetryInterval time.Duration
	// RefreshTimeout bounds a single renewal attempt.
	RefreshTimeout time.Duration
}

// DefaultRefreshPolicy renews five minutes early and retries every 30s.
func DefaultRefreshPolicy() RefreshPolicy {
	return RefreshPolicy{
		RefreshBuffer:  5 * time.Minute,
		RetryInterval:  30 * time.Second,
		RefreshTimeout: time.Minute,
	}
}

type refreshState int32

const (
	refreshIdle refreshState = iota
	refreshScheduled
	refreshRefreshing
)

// tokenRefreshScheduler re-authenticates one session before its
// credential expires. It owns a single goroutine and its cancel handle;
// a replaced session stops the old scheduler before starting a new one.
type tokenRefreshScheduler struct {
	clock   clock.Clock
	policy  RefreshPolicy
	refresh func(ctx context.Context) (Credential, error)
	logger  zerolog.Logger
	metrics Metrics

	state    atomic.Int32
	attempts atomic.Uint64

	lock   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newTokenRefreshScheduler(clk clock.Clock, policy RefreshPolicy, refresh func(ctx context.Context) (Credential, error), logger zerolog.Logger, metrics Metrics) *tokenRefreshScheduler {
	if policy.RetryInterval <= 0 {
		policy.RetryInterval = DefaultRefreshPolicy().RetryInterval
	}
	if policy.RefreshTimeout <= 0 {
		policy.RefreshTimeout = DefaultRefreshPolicy().RefreshTimeout
	}
	if metrics == nil {
		metrics = NoopMetrics()
	}
	return &tokenRefreshScheduler{
		clock:   clk,
		policy:  policy,
		refresh: refresh,
		logger:  logger,
		metrics: metrics,
	}
}

// start schedules the first renewal for initial. An infinite credential
// schedules nothing.
func (scheduler *tokenRefreshScheduler) start(initial Credential) {
	if initial.Infinite() {
		return
	}
	scheduler.lock.Lock()
	defer scheduler.lock.Unlock()
	if scheduler.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	scheduler.cancel = cancel
	scheduler.done = make(chan struct{})
	scheduler.state.Store(int32(refreshScheduled))
	go scheduler.run(ctx, initial.Expiry)
}

// stop cancels the goroutine and waits for it to exit. Safe to call more
// than once or on a scheduler that never started.
func (scheduler *tokenRefreshScheduler) stop() {
	if scheduler == nil {
		return
	}
	scheduler.lock.Lock()
	cancel := scheduler.cancel
	done := scheduler.done
	scheduler.cancel = nil
	scheduler.lock.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	scheduler.state.Store(int32(refreshIdle))
}

func (scheduler *tokenRefreshScheduler) currentState() refreshState {
	return refreshState(scheduler.state.Load())
}

// delayUntilRefresh returns how long to wait before renewing a credential
// expiring at expiry. A credential already inside its buffer waits one
// retry interval rather than spinning.
func (scheduler *tokenRefreshScheduler) delayUntilRefresh(expiry time.Time) time.Duration {
	delay := expiry.Sub(scheduler.clock.Now()) - scheduler.policy.RefreshBuffer
	if delay <= 0 {
		return scheduler.policy.RetryInterval
	}
	return delay
}

func (scheduler *tokenRefreshScheduler) run(ctx context.Context, expiry time.Time) {
	defer close(scheduler.done)

	wait := scheduler.delayUntilRefresh(expiry)
	for {
		scheduler.state.Store(int32(refreshScheduled))
		select {
		case <-ctx.Done():
			return
		case <-scheduler.clock.After(wait):
		}

		scheduler.state.Store(int32(refreshRefreshing))
		scheduler.attempts.Add(1)
		credential, err := scheduler.refreshOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			scheduler.metrics.TokenRefreshed(false)
			scheduler.logger.Warn().Err(err).Dur("retry_in", scheduler.policy.RetryInterval).Msg("token refresh failed")
			wait = scheduler.policy.RetryInterval
			continue
		}

		scheduler.metrics.TokenRefreshed(true)
		if credential.Infinite() {
			scheduler.logger.Debug().Msg("token refreshed; new credential does not expire")
			scheduler.state.Store(int32(refreshIdle))
			return
		}
		scheduler.logger.Debug().Time("expiry", credential.Expiry).Msg("token refreshed")
		wait = scheduler.delayUntilRefresh(credential.Expiry)
	}
}

func (scheduler *tokenRefreshScheduler) refreshOnce(ctx context.Context) (Credential, error) {
	refreshCtx, cancel := context.WithTimeout(ctx, scheduler.policy.RefreshTimeout)
	defer cancel()
	return scheduler.refresh(refreshCtx)
}
