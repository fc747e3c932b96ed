package anchor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Aegis-Evaluator/internal/errors"
	"Aegis-Evaluator/internal/observability/alerting"
)

type fakeSink struct {
	mu      sync.Mutex
	calls   []Summary
	err     error
	latency time.Duration
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Anchor(ctx context.Context, s Summary) (*Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &Result{TxID: "0xabc"}, nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type statusEntry struct {
	status, txID, detail string
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries map[string][]statusEntry
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{entries: make(map[string][]statusEntry)}
}

func (r *fakeRecorder) RecordAnchor(_ context.Context, id, status, txID, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = append(r.entries[id], statusEntry{status, txID, detail})
	return nil
}

func (r *fakeRecorder) get(id string) []statusEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]statusEntry(nil), r.entries[id]...)
}

func summary(id string) Summary {
	return Summary{
		EvaluationID: id,
		QuestID:      1,
		AgentID:      2,
		Confidence:   90,
		Success:      true,
		MerkleRoot:   "aa",
		FeaturesHash: "bb",
	}
}

func startDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestDispatcherAnchorsAndRecords(t *testing.T) {
	sink := &fakeSink{}
	recorder := newFakeRecorder()
	d := NewDispatcher(sink, NewMemoryQueue(16), WithWorkerCount(4), WithStatusRecorder(recorder))
	startDispatcher(t, d)

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, d.Dispatch(context.Background(), summary(id)))
	}

	require.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(recorder.get("e3")) == 1 }, 2*time.Second, 10*time.Millisecond)
	entry := recorder.get("e3")[0]
	assert.Equal(t, StatusAnchored, entry.status)
	assert.Equal(t, "0xabc", entry.txID)
}

func TestDispatcherSingleAttemptOnFailure(t *testing.T) {
	sink := &fakeSink{err: errors.New("ledger unreachable")}
	recorder := newFakeRecorder()
	d := NewDispatcher(sink, NewMemoryQueue(4), WithStatusRecorder(recorder))
	startDispatcher(t, d)

	require.NoError(t, d.Dispatch(context.Background(), summary("e1")))
	require.Eventually(t, func() bool { return len(recorder.get("e1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count(), "failed anchors must not be retried")
	entry := recorder.get("e1")[0]
	assert.Equal(t, StatusFailed, entry.status)
	assert.Contains(t, entry.detail, "ledger unreachable")
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *fakeAlerter) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAlerter) get() []alerting.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alerting.Event(nil), a.events...)
}

func TestDispatcherAlertsOnFailure(t *testing.T) {
	alerter := &fakeAlerter{}
	failing := NewDispatcher(&fakeSink{err: errors.New("rpc down")}, NewMemoryQueue(4), WithAlerter(alerter))
	startDispatcher(t, failing)

	require.NoError(t, failing.Dispatch(context.Background(), summary("e1")))
	require.Eventually(t, func() bool { return len(alerter.get()) == 1 }, 2*time.Second, 10*time.Millisecond)
	event := alerter.get()[0]
	assert.Equal(t, CodeAnchorSinkFailure, event.Code)
	assert.Equal(t, "e1", event.EvaluationID)
	assert.Equal(t, "fake", event.Sink)
	assert.Equal(t, StatusFailed, event.Metadata["outcome"])

	quiet := &fakeAlerter{}
	sink := &fakeSink{}
	ok := NewDispatcher(sink, NewMemoryQueue(4), WithAlerter(quiet))
	startDispatcher(t, ok)
	require.NoError(t, ok.Dispatch(context.Background(), summary("e2")))
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, quiet.get())
}

func TestDispatcherSinkTimeout(t *testing.T) {
	sink := &fakeSink{latency: time.Second}
	recorder := newFakeRecorder()
	d := NewDispatcher(sink, NewMemoryQueue(4), WithSinkTimeout(30*time.Millisecond), WithStatusRecorder(recorder))
	startDispatcher(t, d)

	start := time.Now()
	require.NoError(t, d.Dispatch(context.Background(), summary("slow")))
	assert.Less(t, time.Since(start), 100*time.Millisecond, "dispatch must not wait for the sink")

	require.Eventually(t, func() bool { return len(recorder.get("slow")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusFailed, recorder.get("slow")[0].status)
}

func TestDispatchIgnoresCallerCancellation(t *testing.T) {
	sink := &fakeSink{}
	d := NewDispatcher(sink, NewMemoryQueue(4))
	startDispatcher(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Dispatch(ctx, summary("e1")))
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchFullQueue(t *testing.T) {
	recorder := newFakeRecorder()
	queue := NewMemoryQueue(1)
	d := NewDispatcher(&fakeSink{}, queue, WithPublishTimeout(5*time.Second), WithStatusRecorder(recorder))

	require.NoError(t, d.Dispatch(context.Background(), summary("first")))
	assert.Equal(t, 1, queue.Len())

	start := time.Now()
	err := d.Dispatch(context.Background(), summary("second"))
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.Less(t, elapsed, time.Second, "full in-process queue must not wait for publish timeout")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
	assert.Equal(t, StatusFailed, recorder.get("second")[0].status)
}

// blockingQueue 只提供阻塞的 Publish，用于覆盖 publishTimeout 路径。
type blockingQueue struct{}

func (blockingQueue) Publish(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingQueue) Consume(ctx context.Context, _ int, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingQueue) Close() error { return nil }

func TestDispatchPublishTimeout(t *testing.T) {
	recorder := newFakeRecorder()
	d := NewDispatcher(&fakeSink{}, blockingQueue{}, WithPublishTimeout(20*time.Millisecond), WithStatusRecorder(recorder))

	err := d.Dispatch(context.Background(), summary("stuck"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, recorder.get("stuck")[0].status)
}

func TestNoopSinkIsSkipped(t *testing.T) {
	recorder := newFakeRecorder()
	d := NewDispatcher(nil, NewMemoryQueue(4), WithStatusRecorder(recorder))
	assert.Equal(t, "none", d.SinkName())
	startDispatcher(t, d)

	require.NoError(t, d.Dispatch(context.Background(), summary("e1")))
	require.Eventually(t, func() bool { return len(recorder.get("e1")) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusSkipped, recorder.get("e1")[0].status)
}

func TestSummaryArgsOrder(t *testing.T) {
	s := Summary{QuestID: 7, AgentID: 8, Confidence: 40, Success: false, MerkleRoot: "root", FeaturesHash: "feat"}
	assert.Equal(t, []string{"7", "8", "40", "false", "root", "feat"}, s.Args())
}
