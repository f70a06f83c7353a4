package iothub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Thejuampi/iothub-client-go/iothub/internal/clock"
)

type refreshRecorder struct {
	lock    sync.Mutex
	clock   *clock.FakeClock
	calls   []time.Time
	results []refreshResult
	ttl     time.Duration
	signal  chan struct{}
}

type refreshResult struct {
	credential Credential
	err        error
}

func newRefreshRecorder(fake *clock.FakeClock, ttl time.Duration) *refreshRecorder {
	return &refreshRecorder{clock: fake, ttl: ttl, signal: make(chan struct{}, 16)}
}

// fail queues failures for the next n refreshes.
func (recorder *refreshRecorder) fail(n int) {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	for index := 0; index < n; index++ {
		recorder.results = append(recorder.results, refreshResult{err: NewError(CommunicationError, "cbs unavailable")})
	}
}

func (recorder *refreshRecorder) refresh(ctx context.Context) (Credential, error) {
	recorder.lock.Lock()
	now := recorder.clock.Now()
	recorder.calls = append(recorder.calls, now)
	var result refreshResult
	if len(recorder.results) > 0 {
		result = recorder.results[0]
		recorder.results = recorder.results[1:]
	} else {
		result = refreshResult{credential: Credential{Token: "renewed", Expiry: now.Add(recorder.ttl)}}
	}
	recorder.lock.Unlock()
	recorder.signal <- struct{}{}
	return result.credential, result.err
}

func (recorder *refreshRecorder) callTimes() []time.Time {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	return append([]time.Time(nil), recorder.calls...)
}

func (recorder *refreshRecorder) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-recorder.signal:
	case <-time.After(time.Second):
		t.Fatalf("refresh was not invoked")
	}
}

type countingMetrics struct {
	noopMetrics
	lock      sync.Mutex
	refreshOK int
	refreshKO int
	opened    []TransportProtocol
	closed    int
	attaches  map[string]int
}

func (metrics *countingMetrics) TokenRefreshed(ok bool) {
	metrics.lock.Lock()
	defer metrics.lock.Unlock()
	if ok {
		metrics.refreshOK++
	} else {
		metrics.refreshKO++
	}
}

func (metrics *countingMetrics) SessionOpened(transport TransportProtocol) {
	metrics.lock.Lock()
	defer metrics.lock.Unlock()
	metrics.opened = append(metrics.opened, transport)
}

func (metrics *countingMetrics) SessionClosed() {
	metrics.lock.Lock()
	defer metrics.lock.Unlock()
	metrics.closed++
}

func (metrics *countingMetrics) LinkAttached(kind LinkKind, ok bool) {
	metrics.lock.Lock()
	defer metrics.lock.Unlock()
	if metrics.attaches == nil {
		metrics.attaches = make(map[string]int)
	}
	metrics.attaches[kind.String()+"/"+resultLabel(ok)]++
}

func (metrics *countingMetrics) refreshCounts() (int, int) {
	metrics.lock.Lock()
	defer metrics.lock.Unlock()
	return metrics.refreshOK, metrics.refreshKO
}

func TestTokenRefreshScheduledBeforeExpiry(t *testing.T) {
	fake := clock.Fake(epoch)
	recorder := newRefreshRecorder(fake, time.Hour)
	policy := RefreshPolicy{RefreshBuffer: 5 * time.Minute, RetryInterval: 30 * time.Second}
	scheduler := newTokenRefreshScheduler(fake, policy, recorder.refresh, zerolog.Nop(), nil)
	defer scheduler.stop()

	scheduler.start(Credential{Token: "initial", Expiry: epoch.Add(time.Hour)})
	fake.WaitForTimers(1)
	require.Equal(t, refreshScheduled, scheduler.currentState())

	fake.Advance(55*time.Minute - time.Second)
	require.Empty(t, recorder.callTimes(), "refresh ran before expiry minus buffer")

	fake.Advance(time.Second)
	recorder.waitCall(t)
	require.Equal(t, []time.Time{epoch.Add(55 * time.Minute)}, recorder.callTimes())

	// The renewed credential expires an hour after the refresh, so the
	// next refresh is due 55 minutes later.
	fake.WaitForTimers(1)
	fake.Advance(55 * time.Minute)
	recorder.waitCall(t)
	calls := recorder.callTimes()
	require.Len(t, calls, 2)
	require.Equal(t, epoch.Add(110*time.Minute), calls[1])
}

func TestTokenRefreshFailureRetriesAfterInterval(t *testing.T) {
	fake := clock.Fake(epoch)
	recorder := newRefreshRecorder(fake, time.Hour)
	recorder.fail(2)
	metrics := &countingMetrics{}
	policy := RefreshPolicy{RefreshBuffer: 5 * time.Minute, RetryInterval: 30 * time.Second}
	scheduler := newTokenRefreshScheduler(fake, policy, recorder.refresh, zerolog.Nop(), metrics)
	defer scheduler.stop()

	scheduler.start(Credential{Token: "initial", Expiry: epoch.Add(time.Hour)})
	fake.WaitForTimers(1)
	fake.Advance(55 * time.Minute)
	recorder.waitCall(t)

	fake.WaitForTimers(1)
	fake.Advance(30 * time.Second)
	recorder.waitCall(t)

	fake.WaitForTimers(1)
	fake.Advance(30 * time.Second)
	recorder.waitCall(t)

	calls := recorder.callTimes()
	require.Equal(t, []time.Time{
		epoch.Add(55 * time.Minute),
		epoch.Add(55*time.Minute + 30*time.Second),
		epoch.Add(56 * time.Minute),
	}, calls)

	// Third attempt succeeded: next refresh is 55 minutes after it.
	fake.WaitForTimers(1)
	require.Equal(t, refreshScheduled, scheduler.currentState())
	ok, failed := metrics.refreshCounts()
	require.Equal(t, 1, ok)
	require.Equal(t, 2, failed)
}

func TestTokenRefreshRetryIntervalLongerThanRemainingLifetime(t *testing.T) {
	// A retry interval longer than what is left of the token is accepted:
	// the next attempt lands after expiry rather than being shortened.
	fake := clock.Fake(epoch)
	recorder := newRefreshRecorder(fake, time.Minute)
	recorder.fail(1)
	policy := RefreshPolicy{RefreshBuffer: 10 * time.Second, RetryInterval: 2 * time.Minute}
	scheduler := newTokenRefreshScheduler(fake, policy, recorder.refresh, zerolog.Nop(), nil)
	defer scheduler.stop()

	expiry := epoch.Add(time.Minute)
	scheduler.start(Credential{Token: "initial", Expiry: expiry})
	fake.WaitForTimers(1)
	fake.Advance(50 * time.Second)
	recorder.waitCall(t)

	fake.WaitForTimers(1)
	fake.Advance(2 * time.Minute)
	recorder.waitCall(t)

	calls := recorder.callTimes()
	require.Len(t, calls, 2)
	require.True(t, calls[1].After(expiry), "second attempt at %v should be after expiry %v", calls[1], expiry)
	require.Equal(t, epoch.Add(170*time.Second), calls[1])
}

func TestTokenRefreshInsideBufferWaitsRetryInterval(t *testing.T) {
	fake := clock.Fake(epoch)
	recorder := newRefreshRecorder(fake, time.Hour)
	policy := RefreshPolicy{RefreshBuffer: 5 * time.Minute, RetryInterval: 30 * time.Second}
	scheduler := newTokenRefreshScheduler(fake, policy, recorder.refresh, zerolog.Nop(), nil)
	defer scheduler.stop()

	scheduler.start(Credential{Token: "short", Expiry: epoch.Add(time.Minute)})
	fake.WaitForTimers(1)
	fake.Advance(29 * time.Second)
	require.Empty(t, recorder.callTimes())
	fake.Advance(time.Second)
	recorder.waitCall(t)
}

func TestTokenRefreshInfiniteCredentialNeverSchedules(t *testing.T) {
	fake := clock.Fake(epoch)
	recorder := newRefreshRecorder(fake, time.Hour)
	scheduler := newTokenRefreshScheduler(fake, DefaultRefreshPolicy(), recorder.refresh, zerolog.Nop(), nil)

	scheduler.start(Credential{Token: "static"})
	require.Equal(t, 0, fake.PendingCount())
	require.Equal(t, refreshIdle, scheduler.currentState())
	scheduler.stop()
}

func TestTokenRefreshStopCancelsPendingRefresh(t *testing.T) {
	fake := clock.Fake(epoch)
	recorder := newRefreshRecorder(fake, time.Hour)
	scheduler := newTokenRefreshScheduler(fake, DefaultRefreshPolicy(), recorder.refresh, zerolog.Nop(), nil)

	scheduler.start(Credential{Token: "initial", Expiry: epoch.Add(time.Hour)})
	fake.WaitForTimers(1)
	scheduler.stop()
	scheduler.stop()

	fake.Advance(2 * time.Hour)
	require.Empty(t, recorder.callTimes())
	require.Equal(t, refreshIdle, scheduler.currentState())
}

func TestTokenRefreshStopDuringRefreshCancelsContext(t *testing.T) {
	fake := clock.Fake(epoch)
	entered := make(chan struct{})
	var observed error
	refresh := func(ctx context.Context) (Credential, error) {
		close(entered)
		<-ctx.Done()
		observed = ctx.Err()
		return Credential{}, ctx.Err()
	}
	scheduler := newTokenRefreshScheduler(fake, DefaultRefreshPolicy(), refresh, zerolog.Nop(), nil)

	scheduler.start(Credential{Token: "initial", Expiry: epoch.Add(time.Hour)})
	fake.WaitForTimers(1)
	fake.Advance(time.Hour)
	<-entered
	scheduler.stop()
	require.True(t, errors.Is(observed, context.Canceled))
}

func TestDefaultRefreshPolicy(t *testing.T) {
	policy := DefaultRefreshPolicy()
	require.Equal(t, 5*time.Minute, policy.RefreshBuffer)
	require.Equal(t, 30*time.Second, policy.RetryInterval)
}
