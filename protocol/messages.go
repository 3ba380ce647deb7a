package protocol

// UserType is the role a credential was registered with.
type UserType string

// Known user types. Anything else is rejected at insert time.
const (
	UserTypeDentist UserType = "dentist"
	UserTypePatient UserType = "patient"
	UserTypeAdmin   UserType = "admin"
)

// Valid reports whether the user type is one of the known roles.
func (t UserType) Valid() bool {
	switch t {
	case UserTypeDentist, UserTypePatient, UserTypeAdmin:
		return true
	}
	return false
}

// InsertUserRequest asks the session service to register a new credential.
// Wire: reqId/email/password/type/*
type InsertUserRequest struct {
	ReqID    string
	Email    string
	Password string
	Type     UserType
}

// CreateSessionRequest asks for a fresh session token, replacing any live
// session the user already has.
// Wire: reqId/email/password/*
type CreateSessionRequest struct {
	ReqID    string
	Email    string
	Password string
}

// AuthRequest verifies a session token and slides its expiry on success.
// Wire: reqId/email/token/*
type AuthRequest struct {
	ReqID string
	Email string
	Token string
}

// WhoisRequest resolves a session token back to its owner.
// Wire: reqId/token/*
type WhoisRequest struct {
	ReqID string
	Token string
}

// DeleteUserRequest removes a credential and its session after an
// authenticate-equivalent check.
// Wire: reqId/email/token/*
type DeleteUserRequest struct {
	ReqID string
	Email string
	Token string
}

// LogoutRequest revokes the caller's live session without deleting the
// credential.
// Wire: reqId/email/token/*
type LogoutRequest struct {
	ReqID string
	Email string
	Token string
}

// ParseInsertUser parses an INSERTUSER frame into its typed form.
func ParseInsertUser(data []byte) (InsertUserRequest, error) {
	fields, err := ParseFrame(data, 4)
	if err != nil {
		return InsertUserRequest{}, err
	}
	// An unknown user type is still a well-formed frame; rejecting it is
	// the session service's job, so the caller gets a failure reply rather
	// than a timeout.
	return InsertUserRequest{
		ReqID:    fields[0],
		Email:    fields[1],
		Password: fields[2],
		Type:     UserType(fields[3]),
	}, nil
}

// ParseCreateSession parses a CREATESESSION frame.
func ParseCreateSession(data []byte) (CreateSessionRequest, error) {
	fields, err := ParseFrame(data, 3)
	if err != nil {
		return CreateSessionRequest{}, err
	}
	return CreateSessionRequest{ReqID: fields[0], Email: fields[1], Password: fields[2]}, nil
}

// ParseAuth parses an AUTHREQ frame.
func ParseAuth(data []byte) (AuthRequest, error) {
	fields, err := ParseFrame(data, 3)
	if err != nil {
		return AuthRequest{}, err
	}
	return AuthRequest{ReqID: fields[0], Email: fields[1], Token: fields[2]}, nil
}

// ParseWhois parses a WHOIS frame.
func ParseWhois(data []byte) (WhoisRequest, error) {
	fields, err := ParseFrame(data, 2)
	if err != nil {
		return WhoisRequest{}, err
	}
	return WhoisRequest{ReqID: fields[0], Token: fields[1]}, nil
}

// ParseDeleteUser parses a DELUSER frame.
func ParseDeleteUser(data []byte) (DeleteUserRequest, error) {
	fields, err := ParseFrame(data, 3)
	if err != nil {
		return DeleteUserRequest{}, err
	}
	return DeleteUserRequest{ReqID: fields[0], Email: fields[1], Token: fields[2]}, nil
}

// ParseLogout parses a LOGOUT frame.
func ParseLogout(data []byte) (LogoutRequest, error) {
	fields, err := ParseFrame(data, 3)
	if err != nil {
		return LogoutRequest{}, err
	}
	return LogoutRequest{ReqID: fields[0], Email: fields[1], Token: fields[2]}, nil
}

// ParseHeartbeat parses a HEARTBEAT frame and returns the announced service
// name. Heartbeats carry no correlation id.
// Wire: serviceName/*
func ParseHeartbeat(data []byte) (string, error) {
	fields, err := ParseFrame(data, 1)
	if err != nil {
		return "", err
	}
	return fields[0], nil
}

// EncodeStatus builds the binary reqId/{0,1}/* reply shared by most
// responses.
func EncodeStatus(reqID string, ok bool) ([]byte, error) {
	status := StatusFailed
	if ok {
		status = StatusOK
	}
	return EncodeFrame(reqID, status)
}

// EncodeSessionReply builds the CREATESESSION success reply carrying the
// plaintext token. This is the only frame the token ever appears in.
func EncodeSessionReply(reqID, token string) ([]byte, error) {
	return EncodeFrame(reqID, token)
}

// EncodeWhoisReply builds the WHOIS success reply: reqId/email/type/*.
func EncodeWhoisReply(reqID, email string, userType UserType) ([]byte, error) {
	return EncodeFrame(reqID, email, string(userType))
}

// EncodeHeartbeat builds the liveness announcement frame for a service.
func EncodeHeartbeat(serviceName string) ([]byte, error) {
	return EncodeFrame(serviceName)
}
