package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/guido-cesarano/txqueue/pkg/handler"
	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/lock"
	"github.com/guido-cesarano/txqueue/pkg/notify"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
	"github.com/guido-cesarano/txqueue/pkg/queue"
	"github.com/guido-cesarano/txqueue/pkg/ratelimit"
	"github.com/guido-cesarano/txqueue/pkg/store"
)

var epoch = time.UnixMilli(1_700_000_000_000)

// scripted is a handler whose behaviour the test swaps at will.
type scripted struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, p *item.Payload) (item.Result, error)
}

func (s *scripted) Handle(ctx context.Context, p *item.Payload) (item.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, p.Type)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return item.Result{Success: true}, nil
	}
	return fn(ctx, p)
}

func (s *scripted) set(fn func(ctx context.Context, p *item.Payload) (item.Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scripted) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func failWith(msg string) func(context.Context, *item.Payload) (item.Result, error) {
	return func(context.Context, *item.Payload) (item.Result, error) {
		return item.Result{}, errors.New(msg)
	}
}

type testEnv struct {
	s       *miniredis.Miniredis
	store   *store.Redis
	clock   *testclock.FakeClock
	handler *scripted
	m       *Manager
}

func setupTestManager(t *testing.T, opts Options) *testEnv {
	t.Helper()
	s := miniredis.RunT(t)
	r, err := store.NewRedis(context.Background(), store.RedisConfig{Addr: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	clk := testclock.NewFakeClock(epoch)
	h := &scripted{}
	opts.Clock = clk
	if opts.Handler == nil {
		opts.Handler = h
	}
	if opts.Name == "" {
		opts.Name = "app"
	}
	if opts.Lock.RetryDelay == 0 {
		opts.Lock = lock.Options{RetryDelay: 5 * time.Millisecond}
	}
	m := New(r, opts)
	t.Cleanup(m.Shutdown)
	return &testEnv{s: s, store: r, clock: clk, handler: h, m: m}
}

func (e *testEnv) queue(t *testing.T, txType, userID string, p item.Priority, opts ...QueueOption) string {
	t.Helper()
	id, err := e.m.QueueTransaction(context.Background(),
		item.Payload{Type: txType, Data: json.RawMessage(`{"amount":100}`)},
		item.Metadata{UserID: userID, Fields: map[string]string{"source": "test"}},
		p, opts...)
	require.NoError(t, err)
	return id
}

func (e *testEnv) get(t *testing.T, id string) *item.WorkItem {
	t.Helper()
	w, err := e.m.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return w
}

func (e *testEnv) list(t *testing.T, key string) []string {
	t.Helper()
	ids, err := e.store.LRange(context.Background(), key, 0, -1)
	require.NoError(t, err)
	return ids
}

func (e *testEnv) process(t *testing.T) {
	t.Helper()
	require.NoError(t, e.m.ProcessQueue(context.Background()))
}

func TestQueueTransaction(t *testing.T) {
	env := setupTestManager(t, Options{})
	id := env.queue(t, "token_deploy", "user-1", "")

	w := env.get(t, id)
	assert.Equal(t, item.StatusQueued, w.Status)
	assert.Equal(t, item.PriorityMedium, w.Priority)
	assert.Equal(t, epoch.UnixMilli(), w.CreatedAt)
	assert.Equal(t, 0, w.RetryCount)
	assert.Equal(t, "user-1", w.Metadata.UserID)

	keys := env.m.Keys()
	assert.Equal(t, []string{id}, env.list(t, keys.Pending(item.PriorityMedium)))
	assert.Equal(t, []string{id}, env.list(t, keys.User("user-1")))
	assert.Equal(t, "1", env.s.HGet(keys.StatusStats(), "queued"))
	assert.Equal(t, "1", env.s.HGet(keys.TypeStats(), "token_deploy"))
	assert.False(t, env.s.Exists("app:lock"), "lock released")
}

func TestQueueTransactionRequiresType(t *testing.T) {
	env := setupTestManager(t, Options{})

	_, err := env.m.QueueTransaction(context.Background(), item.Payload{Data: json.RawMessage(`{}`)}, item.Metadata{UserID: "user-1"}, item.PriorityHigh)
	require.Error(t, err)
	assert.True(t, qerrors.IsValidation(err))
	assert.Empty(t, env.s.Keys(), "no list or hash written")
}

func TestQueueTransactionRejectsUnknownPriority(t *testing.T) {
	env := setupTestManager(t, Options{})

	_, err := env.m.QueueTransaction(context.Background(), item.Payload{Type: "x"}, item.Metadata{}, item.Priority("urgent"))
	assert.True(t, qerrors.IsValidation(err))
	assert.Empty(t, env.s.Keys())
}

func TestQueueTransactionCapacity(t *testing.T) {
	env := setupTestManager(t, Options{Limits: queue.Limits{MaxQueueSize: 2, MaxPerPriority: 1}})
	ctx := context.Background()
	env.queue(t, "a", "u", item.PriorityHigh)

	_, err := env.m.QueueTransaction(ctx, item.Payload{Type: "a"}, item.Metadata{UserID: "u"}, item.PriorityHigh)
	require.Error(t, err)
	assert.True(t, qerrors.IsCapacity(err))
	assert.Len(t, env.list(t, env.m.Keys().Pending(item.PriorityHigh)), 1)
	assert.Len(t, env.list(t, env.m.Keys().User("u")), 1)

	env.queue(t, "a", "u", item.PriorityLow)
	_, err = env.m.QueueTransaction(ctx, item.Payload{Type: "a"}, item.Metadata{UserID: "u"}, item.PriorityMedium)
	assert.True(t, qerrors.IsCapacity(err))
}

func TestProcessQueueOnEmptyQueues(t *testing.T) {
	env := setupTestManager(t, Options{})
	processed, err := env.m.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Zero(t, env.handler.callCount())
}

func TestProcessQueueToleratesStoreErrors(t *testing.T) {
	env := setupTestManager(t, Options{})
	env.s.SetError("connection lost")
	defer env.s.SetError("")
	assert.NoError(t, env.m.ProcessQueue(context.Background()))
}

func TestProcessQueuePriorityOrder(t *testing.T) {
	env := setupTestManager(t, Options{})
	env.queue(t, "low", "u", item.PriorityLow)
	env.queue(t, "high", "u", item.PriorityHigh)
	env.queue(t, "medium", "u", item.PriorityMedium)

	for i := 0; i < 3; i++ {
		env.process(t)
	}
	assert.Equal(t, []string{"high", "medium", "low"}, env.handler.types())
}

func TestProcessSuccess(t *testing.T) {
	env := setupTestManager(t, Options{})
	ctx := context.Background()
	env.handler.set(func(_ context.Context, p *item.Payload) (item.Result, error) {
		assert.JSONEq(t, `{"amount":100}`, string(p.Data))
		p.Data = json.RawMessage(`{"tampered":true}`)
		return item.Result{Success: true, Data: json.RawMessage(`{"txHash":"0xabc"}`)}, nil
	})
	id := env.queue(t, "token_deploy", "user-1", item.PriorityHigh)

	var mu sync.Mutex
	var events []notify.Event
	unsub, err := env.m.SubscribeToTransaction(ctx, id, func(ev notify.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	require.NoError(t, err)
	defer unsub()

	env.clock.Step(time.Second)
	env.process(t)

	w := env.get(t, id)
	assert.Equal(t, item.StatusCompleted, w.Status)
	assert.JSONEq(t, `{"txHash":"0xabc"}`, string(w.Result))
	assert.Equal(t, epoch.Add(time.Second).UnixMilli(), w.CompletedAt)
	assert.JSONEq(t, `{"amount":100}`, string(w.Payload.Data), "handler gets a copy")
	assert.Equal(t, []string{id}, env.list(t, env.m.Keys().Completed()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, item.StatusProcessing, events[0].Status)
	assert.Equal(t, item.StatusCompleted, events[1].Status)
	mu.Unlock()
}

func TestRetryThenExhaust(t *testing.T) {
	env := setupTestManager(t, Options{Retry: queue.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}})
	ctx := context.Background()
	env.handler.set(failWith("Network timeout"))
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)
	keys := env.m.Keys()

	// Simulate two earlier failed attempts, the last one long ago.
	require.NoError(t, env.store.HSet(ctx, keys.Transaction(id), map[string]string{
		item.FieldRetryCount:  "2",
		item.FieldLastRetryAt: "1",
	}))

	env.process(t)
	w := env.get(t, id)
	assert.Equal(t, 3, w.RetryCount)
	assert.Equal(t, item.StatusQueued, w.Status)
	assert.Equal(t, "Network timeout", w.LastError)
	assert.Equal(t, []string{id}, env.list(t, keys.Pending(item.PriorityMedium)))
	assert.Empty(t, env.list(t, keys.DeadLetter()))

	// retryCount equals the budget now, so there is no backoff wait.
	env.process(t)
	w = env.get(t, id)
	assert.Equal(t, item.StatusFailed, w.Status)
	assert.True(t, strings.HasPrefix(w.Error, "Max retries exceeded:"), w.Error)
	assert.NotZero(t, w.CompletedAt)
	assert.Empty(t, env.list(t, keys.Pending(item.PriorityMedium)))
	assert.Equal(t, []string{id}, env.list(t, keys.DeadLetter()))
	assert.Equal(t, 2, env.handler.callCount())
}

func TestRetryBudgetIsExact(t *testing.T) {
	env := setupTestManager(t, Options{Retry: queue.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second}})
	env.handler.set(failWith("upstream unavailable"))
	id := env.queue(t, "token_deploy", "user-1", item.PriorityLow)

	var statuses []item.Status
	for i := 0; i < 10; i++ {
		env.clock.Step(time.Minute)
		env.process(t)
		w := env.get(t, id)
		statuses = append(statuses, w.Status)
		if w.Status.Terminal() {
			break
		}
	}

	assert.Equal(t, []item.Status{item.StatusQueued, item.StatusQueued, item.StatusQueued, item.StatusFailed}, statuses)
	assert.Equal(t, 4, env.handler.callCount(), "one attempt plus three retries")
	assert.Equal(t, "1", env.s.HGet(env.m.Keys().StatusStats(), "failed"))
	assert.Equal(t, "0", env.s.HGet(env.m.Keys().StatusStats(), "queued"))
}

func TestBackoffDefersProcessing(t *testing.T) {
	env := setupTestManager(t, Options{Retry: queue.RetryPolicy{MaxRetries: 3, BaseDelay: 5 * time.Second}})
	env.handler.set(failWith("Network timeout"))
	id := env.queue(t, "token_deploy", "user-1", item.PriorityHigh)

	env.process(t)
	require.Equal(t, 1, env.handler.callCount())
	failedAt := env.clock.Now().UnixMilli()

	// retryCount is 1, so the wait is 5s * 2^1.
	env.clock.Step(9 * time.Second)
	env.process(t)
	assert.Equal(t, 1, env.handler.callCount(), "handler not invoked during backoff")
	w := env.get(t, id)
	assert.Equal(t, item.StatusQueued, w.Status)
	assert.Equal(t, failedAt+10_000, w.NextRetryAt)
	assert.Equal(t, []string{id}, env.list(t, env.m.Keys().Pending(item.PriorityHigh)))

	env.clock.Step(time.Second)
	env.process(t)
	assert.Equal(t, 2, env.handler.callCount())
}

func TestNonRetryableFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"message marker", errors.New("Validation Failed: amount must be positive")},
		{"missing field", errors.New("missing required field: symbol")},
		{"explicit kind", qerrors.Permanent(errors.New("contract rejected"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestManager(t, Options{})
			env.handler.set(func(context.Context, *item.Payload) (item.Result, error) { return item.Result{}, tt.err })
			id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)

			env.process(t)
			w := env.get(t, id)
			assert.Equal(t, item.StatusFailed, w.Status)
			assert.Equal(t, tt.err.Error(), w.Error)
			assert.Equal(t, 0, w.RetryCount)
			assert.Empty(t, env.list(t, env.m.Keys().Pending(item.PriorityMedium)))
			assert.Empty(t, env.list(t, env.m.Keys().DeadLetter()), "only exhausted items are dead-lettered")
		})
	}
}

func TestTransientKindOverridesMarkers(t *testing.T) {
	env := setupTestManager(t, Options{})
	env.handler.set(func(context.Context, *item.Payload) (item.Result, error) {
		return item.Result{}, qerrors.Transient(errors.New("validation failed upstream, try again"))
	})
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)

	env.process(t)
	assert.Equal(t, item.StatusQueued, env.get(t, id).Status)
}

func TestReportedFailureIsRetried(t *testing.T) {
	env := setupTestManager(t, Options{})
	env.handler.set(func(context.Context, *item.Payload) (item.Result, error) { return item.Result{Success: false}, nil })
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)

	env.process(t)
	w := env.get(t, id)
	assert.Equal(t, item.StatusQueued, w.Status)
	assert.Equal(t, 1, w.RetryCount)
	assert.Equal(t, errReportedFailure.Error(), w.LastError)
}

func TestHandlerPanicIsRetried(t *testing.T) {
	env := setupTestManager(t, Options{})
	env.handler.set(func(context.Context, *item.Payload) (item.Result, error) { panic("nil map") })
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)

	env.process(t)
	w := env.get(t, id)
	assert.Equal(t, item.StatusQueued, w.Status)
	assert.Contains(t, w.LastError, "nil map")
}

func TestRegistryHandler(t *testing.T) {
	type deploy struct {
		Amount int `json:"amount"`
	}
	reg := handler.NewRegistry()
	var got deploy
	handler.Register(reg, "token_deploy", func(_ context.Context, d deploy) (item.Result, error) {
		got = d
		return item.Result{Success: true}, nil
	})
	env := setupTestManager(t, Options{Handler: reg})

	deployID := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)
	otherID := env.queue(t, "unknown", "user-1", item.PriorityMedium)
	env.process(t)
	env.process(t)

	assert.Equal(t, deploy{Amount: 100}, got)
	assert.Equal(t, item.StatusCompleted, env.get(t, deployID).Status)
	assert.Equal(t, item.StatusFailed, env.get(t, otherID).Status, "unknown types are not retried")
}

func TestSkipsClaimedTransactions(t *testing.T) {
	env := setupTestManager(t, Options{})
	ctx := context.Background()
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)
	keys := env.m.Keys()

	require.NoError(t, env.store.HSet(ctx, keys.Transaction(id), map[string]string{item.FieldStatus: "processing"}))
	env.process(t)

	assert.Zero(t, env.handler.callCount())
	assert.Equal(t, item.StatusProcessing, env.get(t, id).Status)
	assert.Empty(t, env.list(t, keys.Pending(item.PriorityMedium)))
}

func TestMalformedRecordIsDropped(t *testing.T) {
	env := setupTestManager(t, Options{})
	keys := env.m.Keys()
	bad := env.queue(t, "token_deploy", "user-1", item.PriorityHigh)
	good := env.queue(t, "token_deploy", "user-1", item.PriorityLow)
	env.s.HSet(keys.Transaction(bad), item.FieldCreatedAt, "not-a-number")

	env.process(t)
	assert.Zero(t, env.handler.callCount())
	assert.Empty(t, env.list(t, keys.Pending(item.PriorityHigh)), "the malformed id is not put back")

	env.process(t)
	assert.Equal(t, 1, env.handler.callCount())
	assert.Equal(t, item.StatusCompleted, env.get(t, good).Status)
}

type lockBreakingLimiter struct {
	s   *miniredis.Miniredis
	key string
}

// Allow replaces the held lock with a hash so that releasing it fails.
func (l *lockBreakingLimiter) Allow(context.Context, string, ratelimit.Limit) (bool, error) {
	l.s.Del(l.key)
	l.s.HSet(l.key, "holder", "someone-else")
	return false, nil
}

func TestThrottledIDIsNotDuplicatedWhenReleaseFails(t *testing.T) {
	env := setupTestManager(t, Options{RateLimits: map[string]ratelimit.Limit{"email": {Rate: 1, Burst: 1}}})
	env.m.opts.Limiter = &lockBreakingLimiter{s: env.s, key: "app:lock"}
	id := env.queue(t, "email", "user-1", item.PriorityMedium)

	err := env.m.ProcessQueue(context.Background())
	require.Error(t, err, "the failed release is reported")
	assert.Equal(t, []string{id}, env.list(t, env.m.Keys().Pending(item.PriorityMedium)))
	assert.Zero(t, env.handler.callCount())
}

func TestCancelTransaction(t *testing.T) {
	env := setupTestManager(t, Options{})
	ctx := context.Background()
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)

	events, stop, err := env.m.WatchTransaction(ctx, id, 4)
	require.NoError(t, err)
	defer stop()

	env.clock.Step(time.Second)
	ok, err := env.m.CancelTransaction(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	w := env.get(t, id)
	assert.Equal(t, item.StatusCancelled, w.Status)
	assert.Equal(t, epoch.Add(time.Second).UnixMilli(), w.CancelledAt)
	assert.Empty(t, env.list(t, env.m.Keys().Pending(item.PriorityMedium)))

	select {
	case ev := <-events:
		assert.Equal(t, item.StatusCancelled, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no cancelled event")
	}

	env.process(t)
	assert.Zero(t, env.handler.callCount(), "cancelled transactions are unreachable")

	ok, err = env.m.CancelTransaction(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "already cancelled")

	_, err = env.m.CancelTransaction(ctx, "missing")
	assert.True(t, qerrors.IsNotFound(err))
}

func TestCancelLeavesSettledTransactionsAlone(t *testing.T) {
	env := setupTestManager(t, Options{})
	ctx := context.Background()
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)
	env.process(t)
	before := env.get(t, id)
	require.Equal(t, item.StatusCompleted, before.Status)

	ok, err := env.m.CancelTransaction(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, env.get(t, id))
}

func TestCancelProcessingTransaction(t *testing.T) {
	env := setupTestManager(t, Options{})
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)

	env.handler.set(func(ctx context.Context, _ *item.Payload) (item.Result, error) {
		ok, err := env.m.CancelTransaction(ctx, id)
		assert.NoError(t, err)
		assert.False(t, ok, "in-flight transactions cannot be cancelled")
		return item.Result{Success: true}, nil
	})
	env.process(t)
	assert.Equal(t, item.StatusCompleted, env.get(t, id).Status)
}

func TestOutcomeRecordedWhenLockIsUnavailable(t *testing.T) {
	env := setupTestManager(t, Options{
		Retry: queue.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second},
		Lock:  lock.Options{Timeout: 100 * time.Millisecond, RetryDelay: 5 * time.Millisecond},
	})
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)

	env.handler.set(func(context.Context, *item.Payload) (item.Result, error) {
		require.NoError(t, env.s.Set("app:lock", "another-worker"))
		return item.Result{}, errors.New("Network timeout")
	})
	env.process(t)

	w := env.get(t, id)
	assert.Equal(t, item.StatusQueued, w.Status, "not stuck in processing")
	assert.Equal(t, 1, w.RetryCount)
	assert.Equal(t, []string{id}, env.list(t, env.m.Keys().Pending(item.PriorityMedium)))
}

func TestOutcomeRecordedAfterCallerCancels(t *testing.T) {
	env := setupTestManager(t, Options{})
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.handler.set(func(context.Context, *item.Payload) (item.Result, error) {
		cancel()
		return item.Result{Success: true}, nil
	})
	_, err := env.m.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, item.StatusCompleted, env.get(t, id).Status)
}

func TestUserHistorySkipsMalformedRecords(t *testing.T) {
	env := setupTestManager(t, Options{})
	first := env.queue(t, "token_deploy", "user-1", item.PriorityLow)
	second := env.queue(t, "transfer", "user-1", item.PriorityLow)
	env.s.HSet(env.m.Keys().Transaction(first), item.FieldCreatedAt, "not-a-number")

	history, err := env.m.GetUserTransactionHistory(context.Background(), "user-1", HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, second, history[0].ID)

	_, err = env.m.GetTransaction(context.Background(), first)
	assert.True(t, qerrors.IsMalformed(err))
}

func TestUserHistory(t *testing.T) {
	env := setupTestManager(t, Options{})
	ctx := context.Background()
	first := env.queue(t, "token_deploy", "user-1", item.PriorityLow)
	env.clock.Step(time.Millisecond)
	second := env.queue(t, "transfer", "user-1", item.PriorityHigh, WithTimeout(time.Minute))
	env.clock.Step(time.Millisecond)
	third := env.queue(t, "token_deploy", "user-1", item.PriorityMedium)
	env.queue(t, "token_deploy", "user-2", item.PriorityMedium)

	history, err := env.m.GetUserTransactionHistory(ctx, "user-1", HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{third, second, first}, []string{history[0].ID, history[1].ID, history[2].ID})

	h := history[1]
	assert.Equal(t, "transfer", h.Type)
	assert.Equal(t, item.PriorityHigh, h.Priority)
	assert.Equal(t, `{"amount":100}`, string(h.Payload.Data))
	assert.Equal(t, item.Metadata{UserID: "user-1", Fields: map[string]string{"source": "test"}}, h.Metadata)
	assert.Equal(t, int64(60_000), h.Timeout)
	assert.Equal(t, epoch.Add(time.Millisecond).UnixMilli(), h.CreatedAt)

	raw, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"transfer"`)

	byType, err := env.m.GetUserTransactionHistory(ctx, "user-1", HistoryFilter{Type: "token_deploy"})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	page, err := env.m.GetUserTransactionHistory(ctx, "user-1", HistoryFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, second, page[0].ID)

	env.process(t) // completes second (high)
	completed, err := env.m.GetUserTransactionHistory(ctx, "user-1", HistoryFilter{Status: item.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, second, completed[0].ID)

	none, err := env.m.GetUserTransactionHistory(ctx, "nobody", HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetTransactionTimeout(t *testing.T) {
	env := setupTestManager(t, Options{})
	ctx := context.Background()
	id := env.queue(t, "token_deploy", "user-1", item.PriorityMedium, WithTimeout(time.Second))

	env.handler.set(func(context.Context, *item.Payload) (item.Result, error) {
		env.clock.Step(2 * time.Second)
		w, err := env.m.GetTransaction(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, item.StatusFailed, w.Status)
		assert.Equal(t, "Transaction timeout after 1000ms", w.Error)
		return item.Result{Success: true}, nil
	})
	env.process(t)

	w := env.get(t, id)
	assert.Equal(t, item.StatusFailed, w.Status, "late success does not override the timeout")
	assert.Equal(t, "Transaction timeout after 1000ms", w.Error)
	assert.Empty(t, env.list(t, env.m.Keys().Completed()))
	assert.Equal(t, "1", env.s.HGet(env.m.Keys().StatusStats(), "failed"))
	assert.Equal(t, "0", env.s.HGet(env.m.Keys().StatusStats(), "processing"))

	_, err := env.m.GetTransaction(ctx, "missing")
	assert.True(t, qerrors.IsNotFound(err))
}

func TestBulkOperations(t *testing.T) {
	env := setupTestManager(t, Options{})
	ctx := context.Background()

	results := env.m.BulkQueueTransactions(ctx, []BulkRequest{
		{Payload: item.Payload{Type: "a"}, Metadata: item.Metadata{UserID: "u"}},
		{Payload: item.Payload{}, Metadata: item.Metadata{UserID: "u"}},
		{Payload: item.Payload{Type: "b"}, Metadata: item.Metadata{UserID: "u"}, Priority: item.PriorityHigh, TimeoutMs: 500},
	})
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.NotEmpty(t, results[1].Error)
	assert.True(t, results[2].Success)
	assert.Equal(t, int64(500), env.get(t, results[2].ID).Timeout)

	env.process(t) // completes b
	cancels := env.m.BulkCancelTransactions(ctx, []string{results[0].ID, results[2].ID, "missing"})
	assert.Equal(t, BulkResult{ID: results[0].ID, Success: true, Cancelled: true}, cancels[0])
	assert.Equal(t, BulkResult{ID: results[2].ID, Success: true}, cancels[1])
	assert.False(t, cancels[2].Success)
	assert.NotEmpty(t, cancels[2].Error)
}

func TestMetricsAndStats(t *testing.T) {
	env := setupTestManager(t, Options{})
	ctx := context.Background()
	env.queue(t, "a", "u", item.PriorityHigh)
	env.queue(t, "a", "u", item.PriorityLow)
	cancelID := env.queue(t, "b", "u", item.PriorityLow)
	env.process(t)
	_, err := env.m.CancelTransaction(ctx, cancelID)
	require.NoError(t, err)

	m, err := env.m.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.TotalQueued)
	assert.Equal(t, int64(1), m.Queued[item.PriorityLow])
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(1), m.ByStatus[item.StatusCompleted])
	assert.Equal(t, int64(1), m.ByStatus[item.StatusCancelled])
	assert.Equal(t, int64(1), m.ByStatus[item.StatusQueued])

	stats, err := env.m.GetTransactionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 2, "b": 1}, stats.ByType)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(0), stats.ByStatus[item.StatusProcessing])
}

func TestAutoProcessing(t *testing.T) {
	env := setupTestManager(t, Options{})
	a := env.queue(t, "a", "u", item.PriorityMedium)
	b := env.queue(t, "b", "u", item.PriorityMedium)

	env.m.StartAutoProcessing(10 * time.Millisecond)
	env.m.StartAutoProcessing(5 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return env.get(t, a).Status == item.StatusCompleted && env.get(t, b).Status == item.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	env.m.StopAutoProcessing()
	env.m.StopAutoProcessing()

	c := env.queue(t, "c", "u", item.PriorityMedium)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, item.StatusQueued, env.get(t, c).Status, "loop stopped")
}

func TestCleanupOldTransactions(t *testing.T) {
	env := setupTestManager(t, Options{Retention: 7 * 24 * time.Hour})
	ctx := context.Background()
	keys := env.m.Keys()

	old := env.queue(t, "a", "user-1", item.PriorityMedium)
	env.process(t)
	env.clock.Step(6 * 24 * time.Hour)
	recent := env.queue(t, "a", "user-1", item.PriorityMedium)
	env.process(t)
	pending := env.queue(t, "a", "user-1", item.PriorityLow)
	env.clock.Step(2 * 24 * time.Hour)

	assert.Equal(t, 1, env.m.CleanupOldTransactions(ctx))

	_, err := env.m.GetTransaction(ctx, old)
	assert.True(t, qerrors.IsNotFound(err))
	assert.Equal(t, []string{recent}, env.list(t, keys.Completed()))
	assert.Equal(t, []string{pending, recent}, env.list(t, keys.User("user-1")))
	assert.Equal(t, "1", env.s.HGet(keys.StatusStats(), "completed"))

	assert.Equal(t, 0, env.m.CleanupOldTransactions(ctx))
}

func TestCleanupToleratesStoreErrors(t *testing.T) {
	env := setupTestManager(t, Options{})
	env.s.SetError("connection lost")
	defer env.s.SetError("")
	assert.Equal(t, 0, env.m.CleanupOldTransactions(context.Background()))
}

func TestReprocessDeadLetter(t *testing.T) {
	env := setupTestManager(t, Options{Retry: queue.RetryPolicy{MaxRetries: 1, BaseDelay: time.Second}})
	ctx := context.Background()
	keys := env.m.Keys()

	_, err := env.m.ReprocessDeadLetter(ctx)
	assert.ErrorIs(t, err, qerrors.ErrNoItem)

	env.handler.set(failWith("rpc unavailable"))
	id := env.queue(t, "token_deploy", "user-1", item.PriorityHigh)
	env.process(t)
	env.clock.Step(time.Minute)
	env.process(t)
	require.Equal(t, []string{id}, env.list(t, keys.DeadLetter()))

	dead, err := env.m.DeadLetterTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)

	w, err := env.m.ReprocessDeadLetter(ctx)
	require.NoError(t, err)
	assert.Equal(t, item.StatusQueued, w.Status)
	assert.Equal(t, 2, w.RetryCount)
	assert.Empty(t, w.Error)
	assert.Zero(t, w.CompletedAt)
	assert.Empty(t, env.list(t, keys.DeadLetter()))
	assert.Equal(t, []string{id}, env.list(t, keys.Pending(item.PriorityHigh)))

	env.handler.set(nil)
	env.process(t)
	assert.Equal(t, item.StatusCompleted, env.get(t, id).Status)
}

func TestReprocessDeadLetterDropsMalformedRecord(t *testing.T) {
	env := setupTestManager(t, Options{})
	ctx := context.Background()
	keys := env.m.Keys()
	id := env.queue(t, "token_deploy", "user-1", item.PriorityLow)
	env.s.HSet(keys.Transaction(id), item.FieldRetryCount, "many")
	env.s.RPush(keys.DeadLetter(), id)

	_, err := env.m.ReprocessDeadLetter(ctx)
	assert.True(t, qerrors.IsMalformed(err))
	assert.Empty(t, env.list(t, keys.DeadLetter()))

	_, err = env.m.ReprocessDeadLetter(ctx)
	assert.ErrorIs(t, err, qerrors.ErrNoItem)
}

type fakeLimiter struct {
	mu      sync.Mutex
	allowed []bool
}

func (f *fakeLimiter) Allow(context.Context, string, ratelimit.Limit) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.allowed) == 0 {
		return true, nil
	}
	ok := f.allowed[0]
	f.allowed = f.allowed[1:]
	return ok, nil
}

func TestRateLimitedTransactionsKeepTheirRetries(t *testing.T) {
	limiter := &fakeLimiter{allowed: []bool{false}}
	env := setupTestManager(t, Options{
		Limiter:    limiter,
		RateLimits: map[string]ratelimit.Limit{"email": {Rate: 1, Burst: 1}},
	})
	id := env.queue(t, "email", "user-1", item.PriorityMedium)
	other := env.queue(t, "sms", "user-1", item.PriorityMedium)

	env.process(t)
	assert.Zero(t, env.handler.callCount(), "throttled")
	w := env.get(t, id)
	assert.Equal(t, item.StatusQueued, w.Status)
	assert.Equal(t, 0, w.RetryCount)
	assert.Equal(t, []string{other, id}, env.list(t, env.m.Keys().Pending(item.PriorityMedium)))

	env.process(t)
	env.process(t)
	assert.Equal(t, []string{"sms", "email"}, env.handler.types())
}

func TestScheduleTransaction(t *testing.T) {
	env := setupTestManager(t, Options{})

	_, err := env.m.ScheduleTransaction("@every 1s", item.Payload{}, item.Metadata{}, item.PriorityLow)
	assert.True(t, qerrors.IsValidation(err))

	_, err = env.m.ScheduleCleanup("not a schedule")
	assert.Error(t, err)

	_, err = env.m.ScheduleTransaction("@every 1s", item.Payload{Type: "report"}, item.Metadata{UserID: "cron"}, item.PriorityLow)
	require.NoError(t, err)
	env.m.StartScheduler()

	assert.Eventually(t, func() bool {
		return len(env.list(t, env.m.Keys().Pending(item.PriorityLow))) >= 1
	}, 3*time.Second, 50*time.Millisecond)
	env.m.StopScheduler()
}
