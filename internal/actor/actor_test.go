package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMessage struct {
	ID string
}

func (m testMessage) Type() string { return "test" }

type panicMessage struct{}

func (panicMessage) Type() string { return "panic" }

type recordingActor struct {
	mu       sync.Mutex
	received []string
	delay    time.Duration
	started  atomic.Bool
	stopped  atomic.Bool
}

func (a *recordingActor) ID() string { return "recorder" }

func (a *recordingActor) Start(ctx context.Context) error {
	a.started.Store(true)
	return nil
}

func (a *recordingActor) Stop(ctx context.Context) error {
	a.stopped.Store(true)
	return nil
}

func (a *recordingActor) Receive(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case panicMessage:
		panic("boom")
	case testMessage:
		if a.delay > 0 {
			time.Sleep(a.delay)
		}
		a.mu.Lock()
		a.received = append(a.received, m.ID)
		a.mu.Unlock()
		return nil
	}
	return errors.New("unexpected message")
}

func (a *recordingActor) ids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.received...)
}

func TestActorRefDeliversInOrder(t *testing.T) {
	a := &recordingActor{}
	ref := NewActorRef("r", a, 16)
	require.NoError(t, ref.Start(context.Background()))
	assert.True(t, a.started.Load())

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, ref.Send(testMessage{ID: id}))
	}

	require.Eventually(t, func() bool { return len(a.ids()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, a.ids())

	require.NoError(t, ref.Stop(context.Background()))
	assert.True(t, a.stopped.Load())
	assert.ErrorIs(t, ref.Send(testMessage{ID: "late"}), ErrStopped)
}

func TestActorRefMailboxFull(t *testing.T) {
	a := &recordingActor{delay: 50 * time.Millisecond}
	ref := NewActorRef("slow", a, 1)
	require.NoError(t, ref.Start(context.Background()))
	defer ref.Stop(context.Background())

	var full bool
	for i := 0; i < 10; i++ {
		if err := ref.Send(testMessage{ID: "x"}); errors.Is(err, ErrMailboxFull) {
			full = true
			break
		}
	}
	assert.True(t, full, "expected mailbox to fill up")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, ref.SendContext(ctx, testMessage{ID: "waited"}))
}

func TestSendContextBlocksUntilStopOrDeadline(t *testing.T) {
	ref := NewActorRef("idle", &recordingActor{}, 1)
	require.NoError(t, ref.Send(testMessage{ID: "fills"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ref.SendContext(ctx, testMessage{ID: "late"}), context.DeadlineExceeded)

	blocked := make(chan error, 1)
	go func() { blocked <- ref.SendContext(context.Background(), testMessage{ID: "waiting"}) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ref.Stop(context.Background()))

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("SendContext stayed blocked after Stop")
	}
}

func TestActorRefDrainOnStop(t *testing.T) {
	a := &recordingActor{delay: 5 * time.Millisecond}
	ref := NewActorRef("drain", a, 32, WithDrainOnStop())
	require.NoError(t, ref.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, ref.Send(testMessage{ID: "m"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ref.Stop(ctx))
	assert.Len(t, a.ids(), 10, "queued messages must be delivered before stop")
}

func TestActorRefSurvivesPanic(t *testing.T) {
	a := &recordingActor{}
	ref := NewActorRef("panicky", a, 8)
	require.NoError(t, ref.Start(context.Background()))
	defer ref.Stop(context.Background())

	require.NoError(t, ref.Send(panicMessage{}))
	require.NoError(t, ref.Send(testMessage{ID: "after"}))

	require.Eventually(t, func() bool { return len(a.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), ref.Health().GetHealthMetrics().ErrorCount)
}

func TestHealthCheckThroughMailbox(t *testing.T) {
	ref := NewActorRef("h", &recordingActor{}, 4)
	require.NoError(t, ref.Start(context.Background()))
	defer ref.Stop(context.Background())

	resp := make(chan HealthCheckResponse, 1)
	require.NoError(t, ref.Send(HealthCheckRequest{ResponseChan: resp}))

	select {
	case r := <-resp:
		assert.Equal(t, "h", r.Report.ActorID)
		assert.Equal(t, HealthStatusHealthy, r.Report.Status)
	case <-time.After(time.Second):
		t.Fatal("no health response")
	}
}

func TestHealthReportDegrades(t *testing.T) {
	h := NewHealthCheckable("x", make(chan Message, 10))
	assert.Equal(t, HealthStatusHealthy, h.GenerateHealthReport().Status)

	h.RecordError(errors.New("socket closed"))
	assert.Equal(t, HealthStatusDegraded, h.GenerateHealthReport().Status)

	h.RecordRestart()
	report := h.GenerateHealthReport()
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Equal(t, int64(1), report.Metrics.Restarts)
	assert.Equal(t, "socket closed", report.Metrics.LastErrorMsg)
}

func TestSystemSpawnAndStopAll(t *testing.T) {
	sys := NewSystem()
	ctx := context.Background()

	a, b := &recordingActor{}, &recordingActor{}
	_, err := sys.Spawn(ctx, "a", a, 4)
	require.NoError(t, err)
	_, err = sys.Spawn(ctx, "b", b, 4)
	require.NoError(t, err)

	_, err = sys.Spawn(ctx, "a", &recordingActor{}, 4)
	assert.Error(t, err, "duplicate ids are rejected")

	ref, ok := sys.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b", ref.ID())
	assert.Len(t, sys.HealthCheck(), 2)

	require.NoError(t, sys.StopAll(ctx))
	assert.True(t, a.stopped.Load())
	assert.True(t, b.stopped.Load())
	_, ok = sys.Get("a")
	assert.False(t, ok)
	assert.Error(t, sys.Stop(ctx, "a"))
}
