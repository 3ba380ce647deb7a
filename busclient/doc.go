// Package busclient wraps the NATS connection every AppointDent process holds.
//
// The bus is the only way services talk to each other: fire-and-forget
// publish/subscribe with at-least-once delivery and no cross-subject ordering.
// The client adds connection status tracking, a circuit breaker around connect
// attempts, and guarded Publish/Subscribe operations that return
// ErrNotConnected instead of panicking when the broker is away (reconnects and
// backoff are delegated to the underlying NATS library).
//
// Subscribe returns a *Subscription handle; the correlation layer relies on
// it to guarantee unsubscribe-on-every-exit for its pending calls.
package busclient
