// Package correlate turns the fire-and-forget bus into synchronous-looking
// calls.
//
// A call publishes a request frame whose first segment is a caller-chosen
// correlation id and waits for the first frame on the response subject that
// echoes the same id. The pending call resolves exactly once, on the first
// matching reply, even if the bus redelivers; later duplicates are ignored.
// A call that sees no matching reply before its deadline fails with
// errors.ErrCallTimeout, and callers must treat that as "cannot verify" and
// fail closed.
//
// Correlation ids are generated independently per call site from a UUID
// space; collisions between concurrent callers sharing a response subject
// are an accepted (negligible) risk rather than a coordinated allocation.
// The subscription opened for the reply is released on every exit path:
// success, timeout, or cancellation.
package correlate
