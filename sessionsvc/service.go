package sessionsvc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/michalspano/appointdent/busclient"
	"github.com/michalspano/appointdent/errors"
	"github.com/michalspano/appointdent/metric"
	"github.com/michalspano/appointdent/protocol"
	"github.com/michalspano/appointdent/sessiondir"
)

// DefaultSessionTTL is the sliding session lifetime used when the config
// does not override it.
const DefaultSessionTTL = time.Hour

// tokenAttempts bounds the collision-retry loop of session token generation.
const tokenAttempts = 5

// Bus is the slice of the bus client the service needs.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (*busclient.Subscription, error)
}

// Option configures a Service.
type Option func(*Service)

// WithSessionTTL overrides the sliding session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches the core platform metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service answers the session protocol subjects against one session
// directory.
type Service struct {
	store   *sessiondir.Store
	bus     Bus
	logger  *slog.Logger
	metrics *metric.Metrics
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	subs    []*busclient.Subscription
	started bool
}

// NewService creates the session protocol service.
func NewService(store *sessiondir.Store, bus Bus, opts ...Option) *Service {
	s := &Service{
		store:  store,
		bus:    bus,
		logger: slog.Default(),
		ttl:    DefaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes every session protocol subject. The context bounds the
// subscriptions' lifetime for per-message processing deadlines.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Service", "Start", "start session service")
	}

	subjects := []struct {
		subject string
		handler func(context.Context, []byte)
	}{
		{protocol.SubjectInsertUser, s.handleInsertUser},
		{protocol.SubjectCreateSession, s.handleCreateSession},
		{protocol.SubjectAuthRequest, s.handleAuthenticate},
		{protocol.SubjectWhois, s.handleWhois},
		{protocol.SubjectDeleteUser, s.handleDeleteUser},
		{protocol.SubjectLogout, s.handleLogout},
	}

	for _, sh := range subjects {
		sub, err := s.bus.Subscribe(ctx, sh.subject, sh.handler)
		if err != nil {
			s.unsubscribeLocked()
			return errors.WrapTransient(err, "Service", "Start", "subscribe "+sh.subject)
		}
		s.subs = append(s.subs, sub)
	}

	s.started = true
	s.logger.Info("session service listening", "subjects", len(subjects), "session_ttl", s.ttl)

	return nil
}

// Stop removes all subscriptions. Stopping a service that is not running
// reports ErrNotStarted.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return errors.WrapFatal(errors.ErrNotStarted, "Service", "Stop", "stop session service")
	}

	s.unsubscribeLocked()
	s.started = false
	return nil
}

func (s *Service) unsubscribeLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	s.subs = nil
}

// reply publishes a response frame, logging (not propagating) failures: a
// reply we cannot send just becomes a caller-side timeout.
func (s *Service) reply(ctx context.Context, subject string, frame []byte, err error) {
	if err != nil {
		s.logger.Error("encode reply failed", "subject", subject, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, subject, frame); err != nil {
		s.logger.Error("publish reply failed", "subject", subject, "error", err)
	}
}

// drop records a malformed inbound frame. No reply is sent; the caller's
// correlated call will time out and fail closed.
func (s *Service) drop(subject string, err error) {
	s.logger.Warn("dropping malformed frame", "subject", subject, "error", err)
	if s.metrics != nil {
		s.metrics.MessagesDropped.WithLabelValues(subject).Inc()
	}
}

func (s *Service) record(operation, result string) {
	if s.metrics != nil {
		s.metrics.SessionOps.WithLabelValues(operation, result).Inc()
	}
}
