package correlate

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/michalspano/appointdent/busclient"
	"github.com/michalspano/appointdent/errors"
	"github.com/michalspano/appointdent/protocol"
)

// DefaultTimeout is the per-call deadline used when the request does not
// specify one.
const DefaultTimeout = 10 * time.Second

// Bus is the slice of the bus client a correlated call needs.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (*busclient.Subscription, error)
}

// Request describes one correlated call.
type Request struct {
	// Subject the request frame is published on.
	Subject string
	// ResponseSubject carries the reply; it may be shared by concurrent
	// callers, disambiguated by the correlation id.
	ResponseSubject string
	// CorrelationID becomes the first segment of the request frame. Leave
	// empty to have Call generate one.
	CorrelationID string
	// Fields are the request payload segments after the correlation id.
	Fields []string
	// Timeout bounds the wait for a matching reply. Zero means DefaultTimeout.
	Timeout time.Duration
}

// NewCorrelationID returns a fresh caller-local correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Call publishes a correlated request and waits for the first matching reply.
// The returned payload is the reply frame minus the leading correlation id
// ("1/*", "a@x.com/patient/*", ...). On deadline expiry it returns
// errors.ErrCallTimeout and the caller must fail closed.
func Call(ctx context.Context, bus Bus, req Request) ([]byte, error) {
	if req.Subject == "" || req.ResponseSubject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"correlate", "Call", "validate request subjects")
	}

	corrID := req.CorrelationID
	if corrID == "" {
		corrID = NewCorrelationID()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	frame, err := protocol.EncodeFrame(append([]string{corrID}, req.Fields...)...)
	if err != nil {
		return nil, err
	}

	// First matching reply wins; anything after the ticket resolves is
	// dropped, including bus redeliveries of the same reply.
	var resolved atomic.Bool
	replyCh := make(chan []byte, 1)

	sub, err := bus.Subscribe(ctx, req.ResponseSubject, func(_ context.Context, data []byte) {
		id, ok := protocol.CorrelationID(data)
		if !ok || id != corrID {
			return
		}
		if !resolved.CompareAndSwap(false, true) {
			return
		}
		replyCh <- data[len(corrID)+1:]
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "correlate", "Call", "subscribe response subject")
	}
	// The reply subscription must not outlive the call, whatever the exit.
	defer sub.Unsubscribe() //nolint:errcheck

	if err := bus.Publish(ctx, req.Subject, frame); err != nil {
		return nil, errors.WrapTransient(err, "correlate", "Call", "publish request")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, errors.WrapTransient(errors.ErrCallTimeout,
			"correlate", "Call", "await reply on "+req.ResponseSubject)
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "correlate", "Call", "await reply")
	}
}

// CallStatus performs a correlated call whose reply is the binary
// reqId/{0,1}/* form and maps it onto the three-way verification outcome.
// Timeouts and transport failures map to OutcomeUnavailable, never to a
// plain denial, so callers can distinguish "no" from "could not ask".
func CallStatus(ctx context.Context, bus Bus, req Request) (errors.Outcome, error) {
	reply, err := Call(ctx, bus, req)
	if err != nil {
		return errors.OutcomeUnavailable, err
	}

	fields := strings.Split(string(reply), "/")
	if len(fields) != 2 || fields[1] != protocol.Sentinel {
		return errors.OutcomeUnavailable, errors.WrapInvalid(errors.ErrMalformedFrame,
			"correlate", "CallStatus", "parse status reply")
	}

	switch fields[0] {
	case protocol.StatusOK:
		return errors.OutcomeSuccess, nil
	case protocol.StatusFailed:
		return errors.OutcomeDenied, nil
	default:
		return errors.OutcomeUnavailable, errors.WrapInvalid(errors.ErrMalformedFrame,
			"correlate", "CallStatus", "unknown status value")
	}
}
