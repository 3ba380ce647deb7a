package protocol

import (
	"fmt"
	"strings"

	"github.com/michalspano/appointdent/errors"
)

// Sentinel is the literal trailing segment every frame must carry.
const Sentinel = "*"

// Bus subjects for session protocol requests and replies, and heartbeats.
const (
	SubjectInsertUser    = "INSERTUSER"
	SubjectInsertUserRes = "INSERTUSERRES"
	SubjectCreateSession = "CREATESESSION"
	SubjectSession       = "SESSION"
	SubjectAuthRequest   = "AUTHREQ"
	SubjectAuthResponse  = "AUTHRES"
	SubjectWhois         = "WHOIS"
	SubjectWhoisRes      = "WHOISRES"
	SubjectDeleteUser    = "DELUSER"
	SubjectDeleteUserRes = "DELUSERRES"
	SubjectLogout        = "LOGOUT"
	SubjectLogoutRes     = "LOGOUTRES"
	SubjectHeartbeat     = "HEARTBEAT"
)

// Reply status values used by the binary success/failure responses.
const (
	StatusOK     = "1"
	StatusFailed = "0"
)

// EncodeFrame builds a slash-delimited frame from fields and appends the
// sentinel. Fields must not contain the delimiter or the sentinel; a field
// that does would silently shift every later position for the consumer.
func EncodeFrame(fields ...string) ([]byte, error) {
	if len(fields) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMalformedFrame,
			"protocol", "EncodeFrame", "encode empty frame")
	}
	for i, f := range fields {
		if strings.ContainsAny(f, "/*") {
			return nil, errors.WrapInvalid(
				fmt.Errorf("field %d contains reserved character: %q", i, f),
				"protocol", "EncodeFrame", "validate fields")
		}
	}
	return []byte(strings.Join(fields, "/") + "/" + Sentinel), nil
}

// ParseFrame splits a frame into its fields, verifying the trailing sentinel
// and the expected field count (excluding the sentinel itself).
func ParseFrame(data []byte, wantFields int) ([]string, error) {
	segments := strings.Split(string(data), "/")
	if len(segments) < 2 || segments[len(segments)-1] != Sentinel {
		return nil, errors.WrapInvalid(errors.ErrMalformedFrame,
			"protocol", "ParseFrame", "verify sentinel")
	}

	fields := segments[:len(segments)-1]
	if len(fields) != wantFields {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: got %d fields, want %d", errors.ErrMalformedFrame, len(fields), wantFields),
			"protocol", "ParseFrame", "verify field count")
	}

	for _, f := range fields {
		if f == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: empty field", errors.ErrMalformedFrame),
				"protocol", "ParseFrame", "verify fields")
		}
	}

	return fields, nil
}

// CorrelationID extracts the first segment of a frame without validating the
// rest. Used by the correlation layer to match replies before full parsing.
func CorrelationID(data []byte) (string, bool) {
	s := string(data)
	idx := strings.IndexByte(s, '/')
	if idx <= 0 {
		return "", false
	}
	return s[:idx], true
}
