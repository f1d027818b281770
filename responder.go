package gatekeeper

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/canvasmarket/gatekeeper/internal/security"
)

// ErrorBody is the JSON envelope written for every failed request.
type ErrorBody struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// Responder renders Gateway errors into HTTP responses. Only the public
// message and whitelisted details reach the client; the cause is logged
// after redaction.
type Responder struct {
	logger *zap.Logger
}

// NewResponder returns a Responder logging to logger. A nil logger
// disables logging.
func NewResponder(logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{logger: logger.Named("responder")}
}

// Write renders err. Errors outside the taxonomy are rendered as server
// errors.
func (rs *Responder) Write(w http.ResponseWriter, r *http.Request, err error) {
	if rs == nil {
		rs = NewResponder(nil)
	}
	ge := AsError(err)
	if ge == nil {
		ge = serverError(errors.New("responder called without an error"))
	}
	status := ge.Status()

	body := ErrorBody{Error: ge.Message, Details: publicDetails(ge)}
	if body.Error == "" {
		body.Error = http.StatusText(status)
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	if ge.Kind == KindRateLimit {
		h.Set("Retry-After", strconv.Itoa(ge.RetryAfterSeconds()))
	}
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		rs.logger.Debug("write error body failed", zap.Error(encErr))
	}

	rs.log(r, ge, status)
}

// WriteRateLimit renders a deny for d without going through an *Error.
func (rs *Responder) WriteRateLimit(w http.ResponseWriter, r *http.Request, d Decision) {
	rs.Write(w, r, rateLimitError(d.Policy, d.RetryAfter))
}

func publicDetails(ge *Error) map[string]any {
	details := make(map[string]any, len(ge.Details)+3)
	for k, v := range ge.Details {
		details[k] = v
	}
	if ge.Reason != "" {
		details["reason"] = ge.Reason
	}
	if ge.Code != "" {
		details["code"] = ge.Code
	}
	if ge.Kind == KindRateLimit {
		details["retryAfterSeconds"] = ge.RetryAfterSeconds()
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

func (rs *Responder) log(r *http.Request, ge *Error, status int) {
	level := zapcore.InfoLevel
	switch {
	case status >= http.StatusInternalServerError:
		level = zapcore.ErrorLevel
	case ge.Kind == KindAuthorization, ge.Kind == KindRateLimit:
		level = zapcore.WarnLevel
	}
	ce := rs.logger.Check(level, "request failed")
	if ce == nil {
		return
	}

	fields := []zap.Field{
		zap.String("kind", ge.Kind.String()),
		zap.Int("status", status),
	}
	if r != nil {
		fields = append(fields,
			zap.String("method", r.Method),
			zap.String("path", security.Redact(r.URL.Path)),
		)
		if ip := clientIPFromContext(r.Context()); ip != "" {
			fields = append(fields, zap.String("client_ip", ip))
		}
	}
	if ge.Reason != "" {
		fields = append(fields, zap.String("reason", ge.Reason))
	}
	if ge.Code != "" {
		fields = append(fields, zap.String("code", ge.Code))
	}
	if ge.Err != nil {
		fields = append(fields, zap.String("cause", security.Redact(ge.Err.Error())))
	}
	ce.Write(fields...)
}
