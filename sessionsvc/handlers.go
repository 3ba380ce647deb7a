package sessionsvc

import (
	"context"
	stderrors "errors"

	"github.com/nats-io/nuid"

	"github.com/michalspano/appointdent/errors"
	"github.com/michalspano/appointdent/protocol"
	"github.com/michalspano/appointdent/sessiondir"
)

// handleInsertUser registers a credential.
// Request: reqId/email/password/type/*  Reply: reqId/{0,1}/*
func (s *Service) handleInsertUser(ctx context.Context, data []byte) {
	req, err := protocol.ParseInsertUser(data)
	if err != nil {
		s.drop(protocol.SubjectInsertUser, err)
		return
	}

	ok := true
	if err := s.store.InsertCredential(req.Email, req.Password, req.Type); err != nil {
		// Duplicate email, bad type and store failure all collapse to the
		// protocol's failure frame; the distinction stays in the log.
		s.logger.Warn("insert user rejected", "email", req.Email, "error", err)
		ok = false
	}

	s.record("insert_user", resultLabel(ok))
	frame, err := protocol.EncodeStatus(req.ReqID, ok)
	s.reply(ctx, protocol.SubjectInsertUserRes, frame, err)
}

// handleCreateSession authenticates a password and installs a fresh session,
// replacing any session the user already holds.
// Request: reqId/email/password/*  Reply: reqId/<token>/* or reqId/0/*
func (s *Service) handleCreateSession(ctx context.Context, data []byte) {
	req, err := protocol.ParseCreateSession(data)
	if err != nil {
		s.drop(protocol.SubjectCreateSession, err)
		return
	}

	token, ok := s.createSession(req.Email, req.Password)
	s.record("create_session", resultLabel(ok))

	if !ok {
		frame, err := protocol.EncodeStatus(req.ReqID, false)
		s.reply(ctx, protocol.SubjectSession, frame, err)
		return
	}

	// The only frame the plaintext token ever crosses the bus in.
	frame, err := protocol.EncodeSessionReply(req.ReqID, token)
	s.reply(ctx, protocol.SubjectSession, frame, err)
}

func (s *Service) createSession(email, password string) (string, bool) {
	cred, err := s.store.FindCredential(email)
	if err != nil {
		s.logger.Warn("create session: unknown credential", "email", email)
		return "", false
	}
	if !sessiondir.VerifyPassword(cred, password) {
		s.logger.Warn("create session: password mismatch", "email", email)
		return "", false
	}

	token, tokenHash, err := s.generateToken()
	if err != nil {
		s.logger.Error("create session: token generation failed", "email", email, "error", err)
		return "", false
	}

	expiry := s.now().Add(s.ttl)
	if err := s.store.UpsertSession(email, tokenHash, expiry); err != nil {
		s.logger.Error("create session: store write failed", "email", email, "error", err)
		return "", false
	}

	return token, true
}

// generateToken draws a random token, retrying until its hash collides with
// no existing session row.
func (s *Service) generateToken() (token, tokenHash string, err error) {
	for i := 0; i < tokenAttempts; i++ {
		token = nuid.Next()
		tokenHash = sessiondir.HashToken(token)

		exists, err := s.store.SessionExists(tokenHash)
		if err != nil {
			return "", "", err
		}
		if !exists {
			return token, tokenHash, nil
		}
	}
	return "", "", errors.WrapTransient(
		stderrors.New("token space exhausted"),
		"Service", "generateToken", "generate unique token")
}

// handleAuthenticate verifies an email/token pair and slides the session
// expiry on success.
// Request: reqId/email/token/*  Reply: reqId/{0,1}/*
func (s *Service) handleAuthenticate(ctx context.Context, data []byte) {
	req, err := protocol.ParseAuth(data)
	if err != nil {
		s.drop(protocol.SubjectAuthRequest, err)
		return
	}

	vErr := s.verifySession(req.Email, req.Token, true)
	ok := vErr == nil
	if !ok {
		s.logger.Debug("authentication denied", "email", req.Email, "reason", vErr)
	}
	s.record("authenticate", resultLabel(ok))

	frame, err := protocol.EncodeStatus(req.ReqID, ok)
	s.reply(ctx, protocol.SubjectAuthResponse, frame, err)
}

// verifySession runs the full session validity check shared by
// authenticate, delete-user and logout: credential exists, the token hash is
// the credential's live session, and the session has not expired. When slide
// is set, a successful check pushes the expiry forward by the TTL. A nil
// return means the session is valid; the error says why it is not.
func (s *Service) verifySession(email, token string, slide bool) error {
	cred, err := s.store.FindCredential(email)
	if err != nil {
		return err
	}

	tokenHash := sessiondir.HashToken(token)
	if cred.SessionHash == "" || cred.SessionHash != tokenHash {
		return errors.ErrSessionNotFound
	}

	session, err := s.store.FindSessionByHash(tokenHash)
	if err != nil {
		return err
	}

	now := s.now()
	if session.Expired(now) {
		// Lazy collection: the expired row dies at verification time.
		if err := s.store.DeleteSessionByHash(tokenHash); err != nil {
			s.logger.Warn("expired session cleanup failed", "email", email, "error", err)
		}
		return errors.ErrSessionExpired
	}

	if slide {
		if err := s.store.TouchSession(tokenHash, now.Add(s.ttl)); err != nil {
			s.logger.Warn("expiry slide failed", "email", email, "error", err)
			// The session remains valid until its current expiry; the check
			// itself still passes.
		}
	}

	return nil
}

// handleWhois resolves a bare token to its owner's email and type.
// Request: reqId/token/*  Reply: reqId/email/type/* or reqId/0/*
func (s *Service) handleWhois(ctx context.Context, data []byte) {
	req, err := protocol.ParseWhois(data)
	if err != nil {
		s.drop(protocol.SubjectWhois, err)
		return
	}

	email, userType, ok := s.whois(req.Token)
	s.record("whois", resultLabel(ok))

	if !ok {
		frame, err := protocol.EncodeStatus(req.ReqID, false)
		s.reply(ctx, protocol.SubjectWhoisRes, frame, err)
		return
	}

	frame, err := protocol.EncodeWhoisReply(req.ReqID, email, userType)
	s.reply(ctx, protocol.SubjectWhoisRes, frame, err)
}

func (s *Service) whois(token string) (string, protocol.UserType, bool) {
	tokenHash := sessiondir.HashToken(token)

	session, err := s.store.FindSessionByHash(tokenHash)
	if err != nil {
		return "", "", false
	}
	if session.Expired(s.now()) {
		if err := s.store.DeleteSessionByHash(tokenHash); err != nil {
			s.logger.Warn("expired session cleanup failed", "error", err)
		}
		return "", "", false
	}

	cred, err := s.store.FindCredential(session.Email)
	if err != nil {
		return "", "", false
	}

	return cred.Email, cred.Type, true
}

// handleDeleteUser removes a credential and its session after the same
// validity checks as authenticate.
// Request: reqId/email/token/*  Reply: reqId/{0,1}/*
func (s *Service) handleDeleteUser(ctx context.Context, data []byte) {
	req, err := protocol.ParseDeleteUser(data)
	if err != nil {
		s.drop(protocol.SubjectDeleteUser, err)
		return
	}

	ok := s.verifySession(req.Email, req.Token, false) == nil
	if ok {
		if err := s.store.DeleteUserAndSession(req.Email); err != nil {
			s.logger.Error("delete user failed", "email", req.Email, "error", err)
			ok = false
		}
	}

	s.record("delete_user", resultLabel(ok))
	frame, err := protocol.EncodeStatus(req.ReqID, ok)
	s.reply(ctx, protocol.SubjectDeleteUserRes, frame, err)
}

// handleLogout revokes the caller's live session, leaving the credential in
// place.
// Request: reqId/email/token/*  Reply: reqId/{0,1}/*
func (s *Service) handleLogout(ctx context.Context, data []byte) {
	req, err := protocol.ParseLogout(data)
	if err != nil {
		s.drop(protocol.SubjectLogout, err)
		return
	}

	ok := s.verifySession(req.Email, req.Token, false) == nil
	if ok {
		if err := s.store.ClearSession(req.Email); err != nil {
			s.logger.Error("logout failed", "email", req.Email, "error", err)
			ok = false
		}
	}

	s.record("logout", resultLabel(ok))
	frame, err := protocol.EncodeStatus(req.ReqID, ok)
	s.reply(ctx, protocol.SubjectLogoutRes, frame, err)
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
