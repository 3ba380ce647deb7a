// Package sessiondir is the durable store behind the session service:
// credentials keyed by email and sessions keyed by token hash, kept in a
// local bbolt database.
//
// bbolt serializes writes internally (single-writer journaling), so handlers
// never coordinate locks themselves; every operation here is one transaction.
// The invariants the store maintains:
//
//   - at most one live session per credential: UpsertSession replaces the
//     user's previous session row, it never adds a second one
//   - a credential's session_hash, when non-empty, names exactly one session
//     row; a session row no credential points at is orphaned and reads as
//     not found (and is garbage-collected on that read)
//
// Tokens are stored only as SHA-256 hashes; the plaintext token exists
// nowhere but the one CREATESESSION reply that carries it to the client.
// Passwords are stored as bcrypt hashes.
package sessiondir
