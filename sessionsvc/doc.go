// Package sessionsvc implements the bus-driven session protocol: user
// registration, session creation, verification, reverse lookup, logout and
// user deletion.
//
// Every operation is a stateless request/response transformation. A request
// frame arrives on its well-known subject, is parsed into its typed form at
// the boundary, executed against the session directory, and answered with a
// correlated reply frame. Malformed frames are logged and dropped without a
// reply, so the caller's correlated call times out and fails closed instead
// of receiving an ambiguous error.
//
// Session semantics: one live session per user (creation replaces the
// previous session, logging out other devices), sliding expiry (every
// successful authentication pushes the expiry forward by the TTL), lazy
// expiry collection (an expired session is deleted at verification time).
package sessionsvc
