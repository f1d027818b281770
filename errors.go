package gatekeeper

import (
	"errors"
	"net/http"
	"time"
)

// Kind sentinels. Every error returned by a Gateway operation matches
// exactly one of them with errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrAuthentication = errors.New("authentication error")
	ErrAuthorization  = errors.New("authorization error")
	ErrRateLimited    = errors.New("rate limited")
	ErrUpstream       = errors.New("upstream error")
	ErrServer         = errors.New("server error")
)

// Collaborator sentinels. Stores and identity providers return these so
// the Gateway can tell "absent" and "rejected" apart from an outage.
var (
	// ErrNotFound is returned by a store when the requested record does not
	// exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredential is returned by an IdentityProvider when the
	// credential is malformed, expired or unknown.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrConflict is returned by a store write that would duplicate an
	// existing record.
	ErrConflict = errors.New("already exists")
)

// ErrorKind is the closed error taxonomy.
type ErrorKind uint8

const (
	KindServer ErrorKind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindRateLimit
	KindUpstream
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindRateLimit:
		return "rate_limit"
	case KindUpstream:
		return "upstream"
	default:
		return "server"
	}
}

// Status returns the HTTP status code for k.
func (k ErrorKind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindAuthentication:
		return ErrAuthentication
	case KindAuthorization:
		return ErrAuthorization
	case KindRateLimit:
		return ErrRateLimited
	case KindUpstream:
		return ErrUpstream
	default:
		return ErrServer
	}
}

// Public messages. These are the only strings a client ever sees.
const (
	msgInvalidRequest          = "invalid request"
	msgInvalidInvitation       = "invalid token"
	msgArtistExists            = "an artist account already exists for this email"
	msgRegistrationUnavailable = "registration temporarily unavailable"
	msgMultipleInvitations     = "multiple invitations detected, contact support"
	msgAuthentication          = "authentication required"
	msgForbidden               = "forbidden"
	msgRateLimited             = "too many requests"
	msgUpstream                = "service temporarily unavailable"
	msgServer                  = "internal server error"
	msgFileMissing             = "file is required"
	msgFileTooLarge            = "file too large"
	msgFileType                = "unsupported file type"
	msgFileMismatch            = "file content does not match declared type"
	msgFileInvalid             = "invalid image"
	msgFileRejected            = "file rejected"
)

// Error is the single typed error every Gateway operation returns.
//
// Message is safe to show to clients. Err holds the internal cause and is
// only ever logged, after redaction.
type Error struct {
	Kind       ErrorKind
	Message    string
	Reason     string
	Code       string
	RetryAfter time.Duration
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.String() + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the kind sentinel, so errors.Is(err, ErrAuthorization) works
// without unwrapping to the cause.
func (e *Error) Is(target error) bool {
	return e != nil && target == e.Kind.sentinel()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Status returns the HTTP status code for the error kind.
func (e *Error) Status() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	return e.Kind.Status()
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 for a
// rate-limit error.
func (e *Error) RetryAfterSeconds() int {
	if e == nil || e.Kind != KindRateLimit {
		return 0
	}
	return ceilSeconds(e.RetryAfter)
}

// AsError returns err as an *Error. Untyped errors become ServerErrors so
// nothing escapes the taxonomy.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindServer, Message: msgServer, Err: err}
}

func validationError(code, message string, cause error) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Err: cause}
}

func authenticationError(cause error) *Error {
	return &Error{Kind: KindAuthentication, Message: msgAuthentication, Err: cause}
}

func authorizationError(reason string) *Error {
	return &Error{Kind: KindAuthorization, Message: msgForbidden, Reason: reason}
}

func rateLimitError(policy string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    msgRateLimited,
		RetryAfter: retryAfter,
		Details:    map[string]any{"policy": policy},
	}
}

// InvalidInvitation returns the generic invalid-token error, for callers
// that reject an invitation on grounds the Gateway cannot see.
func InvalidInvitation() *Error {
	return validationError(CodeInvitationInvalid, msgInvalidInvitation, nil)
}

func upstreamError(cause error) *Error {
	return &Error{Kind: KindUpstream, Message: msgUpstream, Err: cause}
}

func serverError(cause error) *Error {
	return &Error{Kind: KindServer, Message: msgServer, Err: cause}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
