// Package adminapi exposes an operator-facing HTTP API for the running
// bot: usage stats, admin roster, blacklist management, and the
// observability endpoints.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Keys map to operator names for the audit log
//   - TLS expected via reverse proxy (not handled here)
package adminapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hikl/hiklqqbot/internal/admin"
	"github.com/hikl/hiklqqbot/internal/blacklist"
	"github.com/hikl/hiklqqbot/internal/config"
	"github.com/hikl/hiklqqbot/internal/observability"
	"github.com/hikl/hiklqqbot/internal/stats"
	"github.com/hikl/hiklqqbot/internal/store"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Server is the operator API.
type Server struct {
	cfg     *config.AdminAPIConfig
	admins  *admin.Manager
	blocked *blacklist.Manager
	stats   *stats.Recorder
	obs     *observability.Observability
	logger  *slog.Logger

	okapi  *okapi.Okapi
	server *http.Server
}

// NewServer creates the operator API server.
func NewServer(cfg *config.AdminAPIConfig, admins *admin.Manager, blocked *blacklist.Manager, rec *stats.Recorder, obs *observability.Observability, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		admins:  admins,
		blocked: blocked,
		stats:   rec,
		obs:     obs,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (s *Server) Start(ctx context.Context) error {
	group := s.okapi.Group("/v1", s.authenticate)

	group.Get("/stats", s.handleStats,
		okapi.DocSummary("Command usage statistics"),
		okapi.DocTags("Stats"),
		okapi.DocResponse(stats.Summary{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	group.Get("/admins", s.handleAdminList,
		okapi.DocSummary("List administrator user IDs"),
		okapi.DocTags("Admins"),
		okapi.DocResponse(AdminListResponse{}),
	)
	group.Post("/admins", s.handleAdminAdd,
		okapi.DocSummary("Add an administrator"),
		okapi.DocTags("Admins"),
		okapi.DocRequestBody(AdminRequest{}),
		okapi.DocResponse(http.StatusCreated, AdminListResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	group.Delete("/admins/{id}", s.handleAdminRemove,
		okapi.DocSummary("Remove an administrator"),
		okapi.DocTags("Admins"),
		okapi.DocPathParam("id", "string", "User ID"),
		okapi.DocResponse(AdminListResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	group.Get("/blacklist", s.handleBlacklistList,
		okapi.DocSummary("List blocked users and groups"),
		okapi.DocTags("Blacklist"),
		okapi.DocResponse([]BlacklistEntry{}),
	)
	group.Post("/blacklist", s.handleBlacklistAdd,
		okapi.DocSummary("Block a user or group"),
		okapi.DocTags("Blacklist"),
		okapi.DocRequestBody(BlacklistRequest{}),
		okapi.DocResponse(http.StatusCreated, map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	group.Delete("/blacklist/{scope}/{id}", s.handleBlacklistRemove,
		okapi.DocSummary("Unblock a user or group"),
		okapi.DocTags("Blacklist"),
		okapi.DocPathParam("scope", "string", "\"user\" or \"group\""),
		okapi.DocPathParam("id", "string", "Target ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	group.Post("/maintenance", s.handleMaintenance,
		okapi.DocSummary("Toggle maintenance mode"),
		okapi.DocTags("Maintenance"),
		okapi.DocRequestBody(MaintenanceRequest{}),
		okapi.DocResponse(MaintenanceResponse{}),
	)

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleHealth)
	if m := s.obs.MetricsOrNil(); m != nil {
		s.okapi.HandleStd("GET", "/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.cfg.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "hiklqqbot admin API",
			Version: "v1",
		})
	}

	s.server = &http.Server{
		Addr:              s.cfg.Addr(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("admin api starting", slog.String("addr", s.cfg.Addr()))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("admin api stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		operator := ""
		for key, name := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				operator = name
			}
		}
		if operator == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("operator", operator)
		return next(c)
	}
}

// --- Handlers ---

func (s *Server) handleStats(c *okapi.Context) error {
	summary, err := s.stats.Summarize(c.Context(), 10)
	if err != nil {
		s.logger.Error("stats summary failed", slog.Any("error", err))
		return c.AbortInternalServerError("stats unavailable")
	}
	return c.OK(summary)
}

// AdminRequest is the JSON body for POST /v1/admins.
type AdminRequest struct {
	UserID string `json:"user_id"`
}

// AdminListResponse is the admin roster.
type AdminListResponse struct {
	Admins []string `json:"admins"`
}

func (s *Server) handleAdminList(c *okapi.Context) error {
	return c.OK(AdminListResponse{Admins: s.admins.List()})
}

func (s *Server) handleAdminAdd(c *okapi.Context) error {
	var req AdminRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return c.AbortBadRequest("user_id is required")
	}

	operator := c.GetString("operator")
	added, err := s.admins.Add(c.Context(), req.UserID, "api:"+operator)
	if err != nil {
		s.logger.Error("admin add failed", slog.Any("error", err))
		return c.AbortInternalServerError("adding admin failed")
	}
	s.logger.Info("admin added via api",
		slog.String("user_id", req.UserID),
		slog.String("operator", operator),
		slog.Bool("new", added),
	)
	return c.JSON(http.StatusCreated, AdminListResponse{Admins: s.admins.List()})
}

func (s *Server) handleAdminRemove(c *okapi.Context) error {
	userID := c.Param("id")
	removed, err := s.admins.Remove(c.Context(), userID)
	if err != nil {
		s.logger.Error("admin remove failed", slog.Any("error", err))
		return c.AbortInternalServerError("removing admin failed")
	}
	if !removed {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "not an admin"})
	}
	s.logger.Info("admin removed via api",
		slog.String("user_id", userID),
		slog.String("operator", c.GetString("operator")),
	)
	return c.OK(AdminListResponse{Admins: s.admins.List()})
}

// BlacklistRequest is the JSON body for POST /v1/blacklist.
type BlacklistRequest struct {
	TargetID string `json:"target_id"`
	Scope    string `json:"scope"` // "user" or "group"
	Reason   string `json:"reason,omitempty"`
}

// BlacklistEntry mirrors a persisted block entry.
type BlacklistEntry struct {
	TargetID  string    `json:"target_id"`
	Scope     string    `json:"scope"`
	Reason    string    `json:"reason,omitempty"`
	AddedBy   string    `json:"added_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleBlacklistList(c *okapi.Context) error {
	entries, err := s.blocked.List(c.Context())
	if err != nil {
		s.logger.Error("blacklist list failed", slog.Any("error", err))
		return c.AbortInternalServerError("blacklist unavailable")
	}
	out := make([]BlacklistEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, BlacklistEntry{
			TargetID:  e.TargetID,
			Scope:     e.Scope,
			Reason:    e.Reason,
			AddedBy:   e.AddedBy,
			CreatedAt: e.CreatedAt,
		})
	}
	return c.OK(out)
}

func (s *Server) handleBlacklistAdd(c *okapi.Context) error {
	var req BlacklistRequest
	if err := c.Bind(&req); err != nil || req.TargetID == "" {
		return c.AbortBadRequest("target_id is required")
	}
	if req.Scope == "" {
		req.Scope = store.ScopeUser
	}

	operator := c.GetString("operator")
	if err := s.blocked.Block(c.Context(), req.TargetID, req.Scope, req.Reason, "api:"+operator); err != nil {
		return c.AbortBadRequest(err.Error())
	}
	s.logger.Info("target blocked via api",
		slog.String("target_id", req.TargetID),
		slog.String("scope", req.Scope),
		slog.String("operator", operator),
	)
	return c.JSON(http.StatusCreated, okapi.M{"status": "blocked"})
}

func (s *Server) handleBlacklistRemove(c *okapi.Context) error {
	scope := c.Param("scope")
	targetID := c.Param("id")

	removed, err := s.blocked.Unblock(c.Context(), targetID, scope)
	if err != nil {
		s.logger.Error("blacklist remove failed", slog.Any("error", err))
		return c.AbortInternalServerError("unblocking failed")
	}
	if !removed {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "not blocked"})
	}
	return c.OK(okapi.M{"status": "unblocked"})
}

// MaintenanceRequest toggles maintenance mode.
type MaintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// MaintenanceResponse reports the resulting mode.
type MaintenanceResponse struct {
	Maintenance bool `json:"maintenance"`
}

func (s *Server) handleMaintenance(c *okapi.Context) error {
	var req MaintenanceRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	s.admins.SetMaintenance(req.Enabled)
	s.logger.Info("maintenance toggled via api",
		slog.Bool("enabled", req.Enabled),
		slog.String("operator", c.GetString("operator")),
	)
	return c.OK(MaintenanceResponse{Maintenance: req.Enabled})
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}
