package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/michalspano/appointdent/busclient"
	"github.com/michalspano/appointdent/errors"
	"github.com/michalspano/appointdent/metric"
	"github.com/michalspano/appointdent/protocol"
)

// DefaultInspectInterval is the cadence the monitor recomputes liveness at,
// independent of heartbeat arrival.
const DefaultInspectInterval = 500 * time.Millisecond

// DefaultPanicThreshold is how long a service may go unheard before it is
// declared dead.
const DefaultPanicThreshold = 10 * time.Second

// Bus is the slice of the bus client the heartbeat layer needs.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (*busclient.Subscription, error)
}

type record struct {
	lastSeen time.Time
	alive    bool
}

// Monitor tracks last-seen times for a fixed set of service names and
// derives an alive flag per service on an inspection tick. Records are
// created once at startup and never removed.
type Monitor struct {
	bus       Bus
	logger    *slog.Logger
	metrics   *metric.Metrics
	inspect   time.Duration
	threshold time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	records map[string]*record

	lifecycle sync.Mutex
	sub       *busclient.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInspectInterval overrides the liveness recomputation cadence.
func WithInspectInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.inspect = d
		}
	}
}

// WithPanicThreshold overrides how long silence is tolerated before a
// service is declared dead.
func WithPanicThreshold(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMonitorMetrics attaches the core platform metrics.
func WithMonitorMetrics(metrics *metric.Metrics) MonitorOption {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithMonitorClock overrides the time source (tests).
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a monitor tracking the given service names. Every
// service starts out alive with a last-seen baseline of now.
func NewMonitor(services []string, bus Bus, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		bus:       bus,
		logger:    slog.Default(),
		inspect:   DefaultInspectInterval,
		threshold: DefaultPanicThreshold,
		now:       time.Now,
		records:   make(map[string]*record, len(services)),
	}
	for _, opt := range opts {
		opt(m)
	}

	baseline := m.now()
	for _, name := range services {
		m.records[name] = &record{lastSeen: baseline, alive: true}
	}

	return m
}

// Start subscribes to the heartbeat subject and begins the inspection loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Monitor", "Start", "start heartbeat monitor")
	}

	sub, err := m.bus.Subscribe(ctx, protocol.SubjectHeartbeat, m.handleHeartbeat)
	if err != nil {
		return errors.WrapTransient(err, "Monitor", "Start", "subscribe heartbeat subject")
	}
	m.sub = sub

	for name := range m.records {
		m.setAliveGauge(name, true)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.inspectLoop(ctx)

	m.logger.Info("heartbeat monitor started",
		"services", len(m.records),
		"inspect_interval", m.inspect,
		"panic_threshold", m.threshold)

	return nil
}

// Stop halts inspection and removes the heartbeat subscription.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.started {
		return
	}

	m.cancel()
	<-m.done
	if err := m.sub.Unsubscribe(); err != nil {
		m.logger.Warn("heartbeat unsubscribe failed", "error", err)
	}
	m.started = false
}

// Snapshot returns a copy of the current alive flag per tracked service.
func (m *Monitor) Snapshot() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]bool, len(m.records))
	for name, rec := range m.records {
		snap[name] = rec.alive
	}
	return snap
}

// Alive reports the current flag for one service; unknown names are false.
func (m *Monitor) Alive(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[name]
	return ok && rec.alive
}

func (m *Monitor) handleHeartbeat(_ context.Context, data []byte) {
	name, err := protocol.ParseHeartbeat(data)
	if err != nil {
		m.logger.Warn("dropping malformed heartbeat", "error", err)
		if m.metrics != nil {
			m.metrics.MessagesDropped.WithLabelValues(protocol.SubjectHeartbeat).Inc()
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		// Only statically registered services are tracked.
		m.logger.Debug("heartbeat from untracked service", "service", name)
		return
	}
	rec.lastSeen = m.now()
}

func (m *Monitor) inspectLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.inspect)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.inspectOnce()
		}
	}
}

// inspectOnce recomputes every alive flag. A transition to dead is logged
// exactly once per death, not on every tick while dead.
func (m *Monitor) inspectOnce() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for name, rec := range m.records {
		alive := now.Sub(rec.lastSeen) <= m.threshold
		if alive == rec.alive {
			continue
		}
		rec.alive = alive
		m.setAliveGauge(name, alive)
		if alive {
			m.logger.Info("service recovered", "service", name)
		} else {
			m.logger.Error("service flatlined",
				"service", name,
				"last_seen", rec.lastSeen,
				"panic_threshold", m.threshold)
		}
	}
}

func (m *Monitor) setAliveGauge(name string, alive bool) {
	if m.metrics == nil {
		return
	}
	v := 0.0
	if alive {
		v = 1.0
	}
	m.metrics.ServiceAlive.WithLabelValues(name).Set(v)
}
