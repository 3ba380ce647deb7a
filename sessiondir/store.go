package sessiondir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/michalspano/appointdent/errors"
	"github.com/michalspano/appointdent/protocol"
)

var (
	bucketCredentials = []byte("credentials")
	bucketSessions    = []byte("sessions")
)

// Credential is a stored user record. SessionHash is empty when the user has
// no live session.
type Credential struct {
	Email        string            `json:"email"`
	PasswordHash []byte            `json:"password_hash"`
	SessionHash  string            `json:"session_hash,omitempty"`
	Type         protocol.UserType `json:"type"`
}

// Session is a stored session row, keyed in its bucket by the token hash.
type Session struct {
	Email      string `json:"email"`
	ExpiryUnix int64  `json:"expiry_unix"`
}

// Expiry returns the session's expiry instant.
func (s Session) Expiry() time.Time {
	return time.Unix(s.ExpiryUnix, 0)
}

// Expired reports whether the session has passed its expiry at the given
// instant.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.Expiry())
}

// HashToken derives the storage key for a session token. Deterministic so
// lookups by token need no stored plaintext.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Store wraps the bbolt database holding credentials and sessions.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the session directory at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"Store", "Open", "open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCredentials); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "create buckets")
	}

	logger.Debug("session directory opened", "path", path)

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertCredential registers a new user with a bcrypt-hashed password.
func (s *Store) InsertCredential(email, password string, userType protocol.UserType) error {
	if !userType.Valid() {
		return errors.WrapInvalid(fmt.Errorf("unknown user type %q", userType),
			"Store", "InsertCredential", "validate user type")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "InsertCredential", "hash password")
	}

	cred := Credential{
		Email:        email,
		PasswordHash: passwordHash,
		Type:         userType,
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		if creds.Get([]byte(email)) != nil {
			return errors.ErrDuplicateEmail
		}
		return putJSON(creds, []byte(email), cred)
	})
	if err != nil {
		return errors.Wrap(err, "Store", "InsertCredential", "store credential")
	}

	return nil
}

// FindCredential looks up a credential by email.
func (s *Store) FindCredential(email string) (Credential, error) {
	var cred Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(email))
		if data == nil {
			return errors.ErrCredentialNotFound
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return Credential{}, errors.Wrap(err, "Store", "FindCredential", "load credential")
	}
	return cred, nil
}

// VerifyPassword checks a plaintext password against a stored credential.
func VerifyPassword(cred Credential, password string) bool {
	return bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(password)) == nil
}

// UpsertSession installs a new session for the user, deleting the user's
// previous session row first. This is a replace, not an add: a duplicate or
// reordered create cannot leave two live sessions for one user.
func (s *Store) UpsertSession(email, tokenHash string, expiry time.Time) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		sessions := tx.Bucket(bucketSessions)

		data := creds.Get([]byte(email))
		if data == nil {
			return errors.ErrCredentialNotFound
		}
		var cred Credential
		if err := json.Unmarshal(data, &cred); err != nil {
			return err
		}

		if cred.SessionHash != "" {
			if err := sessions.Delete([]byte(cred.SessionHash)); err != nil {
				return err
			}
		}

		session := Session{Email: email, ExpiryUnix: expiry.Unix()}
		if err := putJSON(sessions, []byte(tokenHash), session); err != nil {
			return err
		}

		cred.SessionHash = tokenHash
		return putJSON(creds, []byte(email), cred)
	})
	if err != nil {
		return errors.Wrap(err, "Store", "UpsertSession", "replace session")
	}
	return nil
}

// FindSessionByHash looks up a session row and enforces the orphan rule: a
// row whose owning credential no longer points at it is invalid, removed,
// and reported as not found.
func (s *Store) FindSessionByHash(tokenHash string) (Session, error) {
	var session Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		data := sessions.Get([]byte(tokenHash))
		if data == nil {
			return errors.ErrSessionNotFound
		}
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}

		credData := tx.Bucket(bucketCredentials).Get([]byte(session.Email))
		if credData == nil {
			// Orphaned session, collect it.
			return deleteAnd(sessions, tokenHash, errors.ErrSessionNotFound)
		}
		var cred Credential
		if err := json.Unmarshal(credData, &cred); err != nil {
			return err
		}
		if cred.SessionHash != tokenHash {
			return deleteAnd(sessions, tokenHash, errors.ErrSessionNotFound)
		}
		return nil
	})
	if err != nil {
		return Session{}, errors.Wrap(err, "Store", "FindSessionByHash", "load session")
	}
	return session, nil
}

// SessionExists reports whether any session row uses the hash. Used by token
// generation to retry on the (unlikely) collision.
func (s *Store) SessionExists(tokenHash string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketSessions).Get([]byte(tokenHash)) != nil
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "Store", "SessionExists", "probe session")
	}
	return exists, nil
}

// TouchSession slides a session's expiry forward. The row must exist.
func (s *Store) TouchSession(tokenHash string, newExpiry time.Time) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		data := sessions.Get([]byte(tokenHash))
		if data == nil {
			return errors.ErrSessionNotFound
		}
		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		session.ExpiryUnix = newExpiry.Unix()
		return putJSON(sessions, []byte(tokenHash), session)
	})
	if err != nil {
		return errors.Wrap(err, "Store", "TouchSession", "slide expiry")
	}
	return nil
}

// ClearSession revokes the user's live session (logout): removes the session
// row and empties the credential's session_hash.
func (s *Store) ClearSession(email string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		data := creds.Get([]byte(email))
		if data == nil {
			return errors.ErrCredentialNotFound
		}
		var cred Credential
		if err := json.Unmarshal(data, &cred); err != nil {
			return err
		}

		if cred.SessionHash != "" {
			if err := tx.Bucket(bucketSessions).Delete([]byte(cred.SessionHash)); err != nil {
				return err
			}
			cred.SessionHash = ""
		}
		return putJSON(creds, []byte(email), cred)
	})
	if err != nil {
		return errors.Wrap(err, "Store", "ClearSession", "revoke session")
	}
	return nil
}

// DeleteUserAndSession removes a credential and its owned session in one
// transaction.
func (s *Store) DeleteUserAndSession(email string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		data := creds.Get([]byte(email))
		if data == nil {
			return errors.ErrCredentialNotFound
		}
		var cred Credential
		if err := json.Unmarshal(data, &cred); err != nil {
			return err
		}

		if cred.SessionHash != "" {
			if err := tx.Bucket(bucketSessions).Delete([]byte(cred.SessionHash)); err != nil {
				return err
			}
		}
		return creds.Delete([]byte(email))
	})
	if err != nil {
		return errors.Wrap(err, "Store", "DeleteUserAndSession", "delete user")
	}
	return nil
}

// DeleteSessionByHash removes a single expired session row. Used by the
// lazy expiry sweep at verification time.
func (s *Store) DeleteSessionByHash(tokenHash string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		data := sessions.Get([]byte(tokenHash))
		if data == nil {
			return nil
		}
		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}

		creds := tx.Bucket(bucketCredentials)
		if credData := creds.Get([]byte(session.Email)); credData != nil {
			var cred Credential
			if err := json.Unmarshal(credData, &cred); err != nil {
				return err
			}
			if cred.SessionHash == tokenHash {
				cred.SessionHash = ""
				if err := putJSON(creds, []byte(session.Email), cred); err != nil {
					return err
				}
			}
		}
		return sessions.Delete([]byte(tokenHash))
	})
	if err != nil {
		return errors.Wrap(err, "Store", "DeleteSessionByHash", "delete session")
	}
	return nil
}

func putJSON(bucket *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put(key, data)
}

func deleteAnd(bucket *bolt.Bucket, key string, result error) error {
	if err := bucket.Delete([]byte(key)); err != nil {
		return err
	}
	return result
}
