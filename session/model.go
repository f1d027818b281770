package session

// Session is one live login. The identity provider treats a session as
// valid only while its record exists in Redis and belongs to the token's
// user.
type Session struct {
	SessionID string
	UserID    string
	Email     string

	// IPHash and UserAgentHash bind the session to the client that created
	// it. They are stored for audit and never compared on the hot path.
	IPHash        [32]byte
	UserAgentHash [32]byte

	CreatedAt int64
	ExpiresAt int64
}
