// Package heartbeat implements service liveness: every managed process
// announces its own name on the bus at a fixed cadence, and the gateway-side
// monitor tracks last-seen times and derives an alive flag per service on an
// inspection tick.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/michalspano/appointdent/errors"
	"github.com/michalspano/appointdent/protocol"
)

// DefaultPublishInterval is the cadence a service announces itself at.
const DefaultPublishInterval = time.Second

// Publisher announces one service's name on the heartbeat subject for as
// long as its context lives. No acknowledgement is expected.
type Publisher struct {
	name     string
	bus      Bus
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublishInterval overrides the announcement cadence.
func WithPublishInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a heartbeat publisher for the named service.
func NewPublisher(name string, bus Bus, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		name:     name,
		bus:      bus,
		interval: DefaultPublishInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins announcing. The first announcement goes out immediately, then
// one per interval until Stop or context cancellation.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Publisher", "Start", "start heartbeat publisher")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go p.loop(ctx)

	return nil
}

// Stop halts announcements and waits for the publish loop to exit.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.started = false
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *Publisher) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.announce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.announce(ctx)
		}
	}
}

func (p *Publisher) announce(ctx context.Context) {
	frame, err := protocol.EncodeHeartbeat(p.name)
	if err != nil {
		p.logger.Error("encode heartbeat failed", "service", p.name, "error", err)
		return
	}
	// A failed publish is expected during bus outages; the monitor's panic
	// threshold absorbs short gaps.
	if err := p.bus.Publish(ctx, protocol.SubjectHeartbeat, frame); err != nil {
		p.logger.Debug("heartbeat publish failed", "service", p.name, "error", err)
	}
}
