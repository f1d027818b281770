package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canvasmarket/gatekeeper"
	"github.com/canvasmarket/gatekeeper/identity"
	"github.com/canvasmarket/gatekeeper/internal/flows"
	"github.com/canvasmarket/gatekeeper/middleware"
)

const maxJSONBody = 1 << 16

// Directory is the persistence the HTTP surface needs beyond what the
// Gateway reads: the write side of users, invitations and artists.
type Directory interface {
	gatekeeper.RoleStore
	gatekeeper.InvitationStore
	gatekeeper.ArtistStore
	CreateUser(ctx context.Context, userID, email string, role gatekeeper.RoleRecord) error
	CreateInvitation(ctx context.Context, token, email string) error
	// RegisterArtist marks token used and records the artist atomically.
	// It reports false when the token was already used.
	RegisterArtist(ctx context.Context, token, id, userID, email string) (bool, error)
}

// SessionRevoker ends every session of a user.
type SessionRevoker interface {
	DeleteAllForUser(ctx context.Context, userID string) (int, error)
}

// Server wires the Gateway guards in front of the marketplace endpoints.
type Server struct {
	gw        *gatekeeper.Gateway
	provider  *identity.JWTProvider
	sessions  SessionRevoker
	directory Directory
	metrics   http.Handler
	logger    *zap.Logger
	devLogin  bool
	newID     func() string
}

// ServerDeps are the collaborators of a Server. Metrics may be nil.
type ServerDeps struct {
	Gateway   *gatekeeper.Gateway
	Provider  *identity.JWTProvider
	Sessions  SessionRevoker
	Directory Directory
	Metrics   http.Handler
	DevLogin  bool
}

// NewServer validates deps.
func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Gateway == nil || deps.Provider == nil || deps.Sessions == nil || deps.Directory == nil {
		return nil, errors.New("daemon: gateway, provider, sessions and directory are required")
	}
	return &Server{
		gw:        deps.Gateway,
		provider:  deps.Provider,
		sessions:  deps.Sessions,
		directory: deps.Directory,
		metrics:   deps.Metrics,
		logger:    deps.Gateway.Logger().Named("http"),
		devLogin:  deps.DevLogin,
		newID:     uuid.NewString,
	}, nil
}

// Routes builds the router. Health and metrics sit outside the general
// rate limit so health checks and scrapes never consume client budget.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.RateLimit(s.gw, "general"))

		if s.devLogin {
			api.With(middleware.RateLimit(s.gw, "auth")).Post("/sessions", s.handleDevLogin)
		}
		api.With(middleware.RequireAuth(s.gw)).Delete("/sessions/current", s.handleLogout)

		api.With(middleware.RateLimit(s.gw, "auth")).Post("/invitations/verify", s.handleVerifyInvitation)
		api.With(
			middleware.RateLimit(s.gw, "registration"),
			middleware.RequireAuth(s.gw),
		).Post("/artists/register", s.handleRegisterArtist)

		api.Group(func(up chi.Router) {
			up.Use(middleware.RequireAuth(s.gw))
			up.Use(middleware.RateLimit(s.gw, "upload"))
			up.Post("/uploads", s.handleUpload(false))
			up.Post("/profile/picture", s.handleUpload(true))
		})

		api.With(
			middleware.RequireAuth(s.gw),
			middleware.RateLimit(s.gw, "deleteAccount"),
		).Delete("/account", s.handleDeleteAccount)

		api.With(middleware.RateLimit(s.gw, "email")).Post("/contact", s.handleContact)

		api.With(middleware.RequireOwner(s.gw, func(r *http.Request) (string, error) {
			return chi.URLParam(r, "owner"), nil
		})).Get("/artworks/{owner}", s.handleListArtworks)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(middleware.RequireAdmin(s.gw))
			admin.Get("/security", s.handleSecurityReport)
			admin.Post("/invitations", s.handleCreateInvitation)
		})
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type loginResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (s *Server) handleDevLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		s.gw.Responder().Write(w, r, invalidRequest("user_id_required"))
		return
	}

	err := s.directory.CreateUser(r.Context(), req.UserID, req.Email, gatekeeper.RoleRecord{})
	if err != nil && !isConflict(err) {
		s.gw.Responder().Write(w, r, upstream(err))
		return
	}

	info := s.gw.RequestInfo(r)
	issued, err := s.provider.Issue(r.Context(), req.UserID, req.Email, info.IP, r.UserAgent())
	if err != nil {
		s.gw.Responder().Write(w, r, upstream(err))
		return
	}
	writeJSON(w, http.StatusCreated, loginResponse{AccessToken: issued.AccessToken, ExpiresAt: issued.ExpiresAt})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	cred := gatekeeper.CredentialFromRequest(r, s.gw.Config().Auth.CookieName)
	if err := s.provider.Revoke(r.Context(), cred); err != nil {
		s.gw.Responder().Write(w, r, upstream(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type invitationRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

func (s *Server) handleVerifyInvitation(w http.ResponseWriter, r *http.Request) {
	var req invitationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.gw.VerifyInvitationOwnership(r.Context(), req.Email, req.Token); err != nil {
		s.gw.Responder().Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

type artistResponse struct {
	ArtistID string `json:"artistId"`
	UserID   string `json:"userId"`
}

// handleRegisterArtist verifies the invitation, then consumes it in the
// same write that records the artist, so a failed insert leaves the token
// usable. The invitation must be addressed to the caller's own email.
func (s *Server) handleRegisterArtist(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromRequest(r)
	var req invitationRequest
	if !s.decode(w, r, &req) {
		return
	}
	email := flows.NormalizeEmail(req.Email)
	if email == "" || email != flows.NormalizeEmail(p.Email) {
		s.logger.Info("artist registration email differs from principal", zap.String("user_id", p.ID))
		s.gw.Responder().Write(w, r, gatekeeper.InvalidInvitation())
		return
	}

	ctx := r.Context()
	if err := s.gw.VerifyInvitationOwnership(ctx, req.Email, req.Token); err != nil {
		s.gw.Responder().Write(w, r, err)
		return
	}

	id := s.newID()
	err := s.gw.CompleteInvitation(ctx, req.Token, func(ctx context.Context, token string) (bool, error) {
		return s.directory.RegisterArtist(ctx, token, id, p.ID, strings.TrimSpace(req.Email))
	})
	if err != nil {
		s.gw.Responder().Write(w, r, err)
		return
	}
	s.logger.Info("artist registered", zap.String("user_id", p.ID), zap.String("artist_id", id))
	writeJSON(w, http.StatusCreated, artistResponse{ArtistID: id, UserID: p.ID})
}

type uploadResponse struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	MIME        string   `json:"mime"`
	Size        int64    `json:"size"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	Flags       []string `json:"flags,omitempty"`
}

// handleUpload reads the "file" part of a multipart form. The body is
// capped one MiB above the largest ceiling so the Gateway, not the
// transport, reports oversize files.
func (s *Server) handleUpload(profile bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := middleware.PrincipalFromRequest(r)
		cfg := s.gw.Config().Upload
		limit := cfg.MaxArtworkBytes
		if profile {
			limit = cfg.MaxProfileBytes
		}

		r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.gw.Responder().Write(w, r, &gatekeeper.Error{
					Kind:    gatekeeper.KindValidation,
					Code:    "file_too_large",
					Message: "file too large",
					Details: map[string]any{"maxBytes": limit},
				})
				return
			}
			s.gw.Responder().Write(w, r, &gatekeeper.Error{
				Kind:    gatekeeper.KindValidation,
				Code:    "file_missing",
				Message: "file is required",
			})
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, limit+1))
		if err != nil {
			s.gw.Responder().Write(w, r, invalidRequest("unreadable_file"))
			return
		}

		res, err := s.gw.ProcessSecureUpload(r.Context(), gatekeeper.UploadCandidate{
			Data:         data,
			DeclaredMIME: header.Header.Get("Content-Type"),
			Filename:     header.Filename,
		}, p.ID, profile)
		if err != nil {
			s.gw.Responder().Write(w, r, err)
			return
		}

		f := res.File
		flags := make([]string, 0, len(f.Flags))
		for _, fl := range f.Flags {
			flags = append(flags, string(fl))
		}
		writeJSON(w, http.StatusCreated, uploadResponse{
			Name:        f.CanonicalName,
			DisplayName: f.DisplayName,
			MIME:        f.VerifiedMIME,
			Size:        f.Size,
			Width:       f.Width,
			Height:      f.Height,
			Flags:       flags,
		})
	}
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromRequest(r)
	n, err := s.sessions.DeleteAllForUser(context.WithoutCancel(r.Context()), p.ID)
	if err != nil {
		s.gw.Responder().Write(w, r, upstream(err))
		return
	}
	s.logger.Info("account deletion requested", zap.String("user_id", p.ID), zap.Int("sessions_revoked", n))
	w.WriteHeader(http.StatusNoContent)
}

type contactRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !strings.Contains(req.Email, "@") || strings.TrimSpace(req.Message) == "" {
		s.gw.Responder().Write(w, r, invalidRequest("invalid_contact"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleListArtworks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":    chi.URLParam(r, "owner"),
		"artworks": []string{},
	})
}

type policyView struct {
	Name          string `json:"name"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"windowSeconds"`
	Key           string `json:"key"`
	FailMode      string `json:"failMode"`
}

type securityView struct {
	RateLimitBackend       string       `json:"rateLimitBackend"`
	Policies               []policyView `json:"policies"`
	FailClosedPolicies     []string     `json:"failClosedPolicies"`
	TrustedProxyCount      int          `json:"trustedProxyCount"`
	BreakersActive         bool         `json:"breakersActive"`
	InvitationMaxAgeHours  float64      `json:"invitationMaxAgeHours"`
	AbuseBlocking          bool         `json:"abuseBlocking"`
	MaxRecentRegistrations int          `json:"maxRecentRegistrations"`
	MaxInvitationsPerEmail int          `json:"maxInvitationsPerEmail"`
	UploadAllowedMIME      []string     `json:"uploadAllowedMime"`
	MaxProfileBytes        int64        `json:"maxProfileBytes"`
	MaxArtworkBytes        int64        `json:"maxArtworkBytes"`
	RejectSuspicious       bool         `json:"rejectSuspicious"`
	AuditEnabled           bool         `json:"auditEnabled"`
	MetricsEnabled         bool         `json:"metricsEnabled"`
	AuditDropped           uint64       `json:"auditDropped"`
}

func (s *Server) handleSecurityReport(w http.ResponseWriter, _ *http.Request) {
	rep := s.gw.SecurityReport()
	policies := make([]policyView, 0, len(rep.Policies))
	for _, p := range rep.Policies {
		policies = append(policies, policyView{
			Name:          p.Name,
			Limit:         p.Limit,
			WindowSeconds: int64(p.Window / time.Second),
			Key:           p.KeyStrategy,
			FailMode:      p.FailMode,
		})
	}
	writeJSON(w, http.StatusOK, securityView{
		RateLimitBackend:       rep.RateLimitBackend,
		Policies:               policies,
		FailClosedPolicies:     rep.FailClosedPolicies,
		TrustedProxyCount:      rep.TrustedProxyCount,
		BreakersActive:         rep.IdentityBreakerActive && rep.RoleBreakerActive,
		InvitationMaxAgeHours:  rep.InvitationMaxAge.Hours(),
		AbuseBlocking:          rep.AbuseBlocking,
		MaxRecentRegistrations: rep.MaxRecentRegistrations,
		MaxInvitationsPerEmail: rep.MaxInvitationsPerEmail,
		UploadAllowedMIME:      rep.UploadAllowedMIME,
		MaxProfileBytes:        rep.MaxProfileBytes,
		MaxArtworkBytes:        rep.MaxArtworkBytes,
		RejectSuspicious:       rep.RejectSuspicious,
		AuditEnabled:           rep.AuditEnabled,
		MetricsEnabled:         rep.MetricsEnabled,
		AuditDropped:           s.gw.AuditDropped(),
	})
}

func (s *Server) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req invitationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !strings.Contains(req.Email, "@") {
		s.gw.Responder().Write(w, r, invalidRequest("invalid_email"))
		return
	}
	token := s.newID()
	if err := s.directory.CreateInvitation(r.Context(), token, req.Email); err != nil {
		s.gw.Responder().Write(w, r, upstream(err))
		return
	}
	writeJSON(w, http.StatusCreated, invitationRequest{Email: req.Email, Token: token})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.gw.Responder().Write(w, r, invalidRequest("malformed_body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func invalidRequest(code string) *gatekeeper.Error {
	return &gatekeeper.Error{Kind: gatekeeper.KindValidation, Code: code, Message: "invalid request"}
}

func upstream(err error) *gatekeeper.Error {
	return &gatekeeper.Error{Kind: gatekeeper.KindUpstream, Message: "service temporarily unavailable", Err: err}
}

func isConflict(err error) bool {
	return errors.Is(err, gatekeeper.ErrConflict)
}
