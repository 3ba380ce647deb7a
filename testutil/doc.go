// Package testutil provides test helpers shared across AppointDent packages.
//
// MockBusClient is an in-memory stand-in for busclient.Client: synchronous
// publish/subscribe on exact subject matches, with subscription handles that
// really detach their handlers. It lets the correlation protocol, the session
// handlers and the heartbeat monitor be tested without a running broker.
package testutil
