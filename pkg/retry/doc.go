// Package retry provides simple exponential backoff retry logic for transient failures.
//
// It is used for operations that are expected to fail briefly during startup or
// broker restarts: connecting the bus client, waiting for a service port to bind,
// opening the session store while another process releases its lock.
//
//   - Do: execute a function with retry and exponential backoff
//   - DoWithResult: same, returning both result and error
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (process startup)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources, e.g. the bus broker)
//
// Example, connecting to the message bus at startup:
//
//	err := retry.Do(ctx, retry.Persistent(), func() error {
//	    return bus.Connect(ctx)
//	})
//
// All operations respect context cancellation, both during execution and during
// backoff delay. Errors wrapped with NonRetryable fail immediately. The jitter
// mechanism uses a thread-safe random source.
package retry
