// Package appointdent is the coordination core of the AppointDent dental
// clinic backend: independent services that never call each other directly,
// coordinating instead over a shared publish/subscribe bus behind a
// supervising gateway.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│           Gateway                   │  reverse proxy, admission queue,
//	│  (cmd/appointdent)                  │  orchestration, heartbeat monitor
//	└─────────────────────────────────────┘
//	           ↓ spawns / proxies to
//	┌─────────────────────────────────────┐
//	│        Backend services             │  sessions (cmd/sessiond),
//	│                                     │  patients, dentists, ...
//	└─────────────────────────────────────┘
//	           ↕ correlated frames over
//	┌─────────────────────────────────────┐
//	│          Message bus                │  busclient + correlate
//	└─────────────────────────────────────┘
//
// Services exchange slash-delimited text frames ending in a literal "*"
// sentinel. A caller needing an identity fact publishes a correlated request
// on a well-known subject and awaits the matching reply; the correlate
// package turns that round trip into a synchronous-looking call with a
// deadline that fails closed.
//
// The session service (sessionsvc over sessiondir) is the only holder of
// credentials and session tokens. Every other service verifies tokens by
// asking it over the bus, receiving one of three outcomes: success, denied,
// or unavailable.
//
// Liveness flows one way: every service announces its name on the HEARTBEAT
// subject, and the gateway's monitor derives an alive flag per service that
// it exposes on its /heartbeat endpoint.
package appointdent
