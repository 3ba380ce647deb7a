package heartbeat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michalspano/appointdent/protocol"
	"github.com/michalspano/appointdent/testutil"
)

// captureHandler counts log records per message for transition assertions.
type captureHandler struct {
	mu       sync.Mutex
	messages map[string]int
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{messages: make(map[string]int)}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[r.Message]++
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) count(message string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messages[message]
}

type fakeClock struct {
	mu     sync.Mutex
	base   time.Time
	offset time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base.Add(c.offset)
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

func beat(t *testing.T, bus *testutil.MockBusClient, name string) {
	t.Helper()
	frame, err := protocol.EncodeHeartbeat(name)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), protocol.SubjectHeartbeat, frame))
}

func TestMonitorBaselineAllAlive(t *testing.T) {
	bus := testutil.NewMockBusClient()
	m := NewMonitor([]string{"svc1", "svc2"}, bus,
		WithMonitorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Equal(t, map[string]bool{"svc1": true, "svc2": true}, m.Snapshot())
	assert.True(t, m.Alive("svc1"))
	assert.False(t, m.Alive("unknown"))
}

func TestMonitorDeadTransition(t *testing.T) {
	clock := &fakeClock{base: time.Now()}
	capture := newCaptureHandler()
	bus := testutil.NewMockBusClient()

	m := NewMonitor([]string{"svc1", "svc2"}, bus,
		WithMonitorClock(clock.now),
		WithPanicThreshold(10*time.Second),
		WithMonitorLogger(slog.New(capture)))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// svc1 keeps beating, svc2 never does after the startup baseline.
	clock.advance(9 * time.Second)
	beat(t, bus, "svc1")
	m.inspectOnce()
	assert.Equal(t, map[string]bool{"svc1": true, "svc2": true}, m.Snapshot())

	clock.advance(1500 * time.Millisecond)
	m.inspectOnce()
	assert.True(t, m.Alive("svc1"))
	assert.False(t, m.Alive("svc2"))
	assert.Equal(t, 1, capture.count("service flatlined"))

	// Further ticks while dead must not log again.
	m.inspectOnce()
	m.inspectOnce()
	assert.Equal(t, 1, capture.count("service flatlined"))
}

func TestMonitorRecovery(t *testing.T) {
	clock := &fakeClock{base: time.Now()}
	capture := newCaptureHandler()
	bus := testutil.NewMockBusClient()

	m := NewMonitor([]string{"svc1"}, bus,
		WithMonitorClock(clock.now),
		WithPanicThreshold(time.Second),
		WithMonitorLogger(slog.New(capture)))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	clock.advance(2 * time.Second)
	m.inspectOnce()
	require.False(t, m.Alive("svc1"))

	beat(t, bus, "svc1")
	m.inspectOnce()
	assert.True(t, m.Alive("svc1"))
	assert.Equal(t, 1, capture.count("service flatlined"))
	assert.Equal(t, 1, capture.count("service recovered"))
}

func TestMonitorIgnoresUntrackedAndMalformed(t *testing.T) {
	bus := testutil.NewMockBusClient()
	m := NewMonitor([]string{"svc1"}, bus,
		WithMonitorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	beat(t, bus, "ghost")
	require.NoError(t, bus.Publish(context.Background(), protocol.SubjectHeartbeat, []byte("no-sentinel")))

	assert.Equal(t, map[string]bool{"svc1": true}, m.Snapshot())
}

func TestMonitorStartTwiceFails(t *testing.T) {
	bus := testutil.NewMockBusClient()
	m := NewMonitor([]string{"svc1"}, bus,
		WithMonitorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Error(t, m.Start(context.Background()))
}

func TestPublisherAnnounces(t *testing.T) {
	bus := testutil.NewMockBusClient()
	p := NewPublisher("sessions", bus,
		WithPublishInterval(10*time.Millisecond),
		WithPublisherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	require.NoError(t, p.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(bus.Published(protocol.SubjectHeartbeat)) >= 3
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	n := len(bus.Published(protocol.SubjectHeartbeat))
	require.GreaterOrEqual(t, n, 3)
	assert.Equal(t, "sessions/*", string(bus.Published(protocol.SubjectHeartbeat)[0]))

	// No further announcements after Stop.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(bus.Published(protocol.SubjectHeartbeat)))
}
