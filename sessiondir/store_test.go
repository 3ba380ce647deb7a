package sessiondir

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/michalspano/appointdent/errors"
	"github.com/michalspano/appointdent/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenUnusablePath(t *testing.T) {
	// A directory can never back the database file.
	_, err := Open(t.TempDir(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
}

func TestInsertCredential(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.InsertCredential("a@x.com", "secret", protocol.UserTypePatient))

	cred, err := store.FindCredential("a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", cred.Email)
	assert.Equal(t, protocol.UserTypePatient, cred.Type)
	assert.Empty(t, cred.SessionHash)
	assert.True(t, VerifyPassword(cred, "secret"))
	assert.False(t, VerifyPassword(cred, "wrong"))
}

func TestInsertCredential_DuplicateEmail(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.InsertCredential("a@x.com", "secret", protocol.UserTypeDentist))
	err := store.InsertCredential("a@x.com", "other", protocol.UserTypePatient)
	assert.ErrorIs(t, err, errors.ErrDuplicateEmail)
}

func TestInsertCredential_RejectsUnknownType(t *testing.T) {
	store := openTestStore(t)

	err := store.InsertCredential("a@x.com", "secret", protocol.UserType("wizard"))
	assert.Error(t, err)

	_, err = store.FindCredential("a@x.com")
	assert.ErrorIs(t, err, errors.ErrCredentialNotFound)
}

func TestFindCredential_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.FindCredential("nobody@x.com")
	assert.ErrorIs(t, err, errors.ErrCredentialNotFound)
}

func TestUpsertSession_ReplacesPreviousSession(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.InsertCredential("a@x.com", "secret", protocol.UserTypePatient))

	expiry := time.Now().Add(time.Hour)
	first := HashToken("token-one")
	second := HashToken("token-two")

	require.NoError(t, store.UpsertSession("a@x.com", first, expiry))
	require.NoError(t, store.UpsertSession("a@x.com", second, expiry))

	// Exactly one live session: the first token no longer resolves.
	_, err := store.FindSessionByHash(first)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)

	session, err := store.FindSessionByHash(second)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", session.Email)

	cred, err := store.FindCredential("a@x.com")
	require.NoError(t, err)
	assert.Equal(t, second, cred.SessionHash)
}

func TestUpsertSession_NoCredential(t *testing.T) {
	store := openTestStore(t)

	err := store.UpsertSession("ghost@x.com", HashToken("t"), time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, errors.ErrCredentialNotFound)
}

func TestFindSessionByHash_OrphanIsCollected(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.InsertCredential("a@x.com", "secret", protocol.UserTypePatient))

	hash := HashToken("token")
	require.NoError(t, store.UpsertSession("a@x.com", hash, time.Now().Add(time.Hour)))

	// Orphan the row: remove the credential behind the store's back, leaving
	// the session row with no owner pointing at it.
	require.NoError(t, store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte("a@x.com"))
	}))

	_, err := store.FindSessionByHash(hash)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)

	// The orphan was garbage-collected on that read.
	exists, err := store.SessionExists(hash)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTouchSession_SlidesExpiry(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.InsertCredential("a@x.com", "secret", protocol.UserTypePatient))

	hash := HashToken("token")
	start := time.Now().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, store.UpsertSession("a@x.com", hash, start))

	extended := start.Add(time.Hour)
	require.NoError(t, store.TouchSession(hash, extended))

	session, err := store.FindSessionByHash(hash)
	require.NoError(t, err)
	assert.Equal(t, extended.Unix(), session.ExpiryUnix)
}

func TestTouchSession_MissingRow(t *testing.T) {
	store := openTestStore(t)

	err := store.TouchSession(HashToken("absent"), time.Now())
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestClearSession(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.InsertCredential("a@x.com", "secret", protocol.UserTypePatient))

	hash := HashToken("token")
	require.NoError(t, store.UpsertSession("a@x.com", hash, time.Now().Add(time.Hour)))
	require.NoError(t, store.ClearSession("a@x.com"))

	cred, err := store.FindCredential("a@x.com")
	require.NoError(t, err)
	assert.Empty(t, cred.SessionHash)

	_, err = store.FindSessionByHash(hash)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)

	// Clearing again is fine: no live session is not an error.
	assert.NoError(t, store.ClearSession("a@x.com"))
}

func TestDeleteUserAndSession(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.InsertCredential("a@x.com", "secret", protocol.UserTypePatient))

	hash := HashToken("token")
	require.NoError(t, store.UpsertSession("a@x.com", hash, time.Now().Add(time.Hour)))

	require.NoError(t, store.DeleteUserAndSession("a@x.com"))

	_, err := store.FindCredential("a@x.com")
	assert.ErrorIs(t, err, errors.ErrCredentialNotFound)
	_, err = store.FindSessionByHash(hash)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestSessionExists(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.InsertCredential("a@x.com", "secret", protocol.UserTypePatient))

	hash := HashToken("token")
	exists, err := store.SessionExists(hash)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.UpsertSession("a@x.com", hash, time.Now().Add(time.Hour)))

	exists, err = store.SessionExists(hash)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeleteSessionByHash_ClearsOwnerPointer(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.InsertCredential("a@x.com", "secret", protocol.UserTypePatient))

	hash := HashToken("token")
	require.NoError(t, store.UpsertSession("a@x.com", hash, time.Now().Add(time.Hour)))
	require.NoError(t, store.DeleteSessionByHash(hash))

	cred, err := store.FindCredential("a@x.com")
	require.NoError(t, err)
	assert.Empty(t, cred.SessionHash)

	// Deleting an absent row is a no-op.
	assert.NoError(t, store.DeleteSessionByHash(hash))
}

func TestHashToken_Deterministic(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()
	live := Session{ExpiryUnix: now.Add(time.Minute).Unix()}
	dead := Session{ExpiryUnix: now.Add(-time.Minute).Unix()}

	assert.False(t, live.Expired(now))
	assert.True(t, dead.Expired(now))
}
