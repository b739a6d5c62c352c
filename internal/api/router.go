package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/telemyapp/aegis-broker/internal/auth"
	"github.com/telemyapp/aegis-broker/internal/broker"
	"github.com/telemyapp/aegis-broker/internal/config"
	"github.com/telemyapp/aegis-broker/internal/keystate"
	"github.com/telemyapp/aegis-broker/internal/lease"
	"github.com/telemyapp/aegis-broker/internal/metrics"
	"github.com/telemyapp/aegis-broker/internal/model"
)

// Service is the broker surface the HTTP layer translates to and from.
type Service interface {
	ResolveAndLease(ctx context.Context, name, node string) (broker.Lease, error)
	Heartbeat(ctx context.Context, req broker.HeartbeatRequest) (broker.HeartbeatResult, error)
	ReportTraffic(ctx context.Context, usage map[string]float64) map[string]broker.KeyMeta
	ReleaseSession(ctx context.Context, name, node, display string) (int, error)

	ListKeys(ctx context.Context) ([]broker.KeyView, error)
	GetKey(ctx context.Context, name string) (broker.KeyView, error)
	CreateKey(ctx context.Context, k model.Key) error
	UpdateKey(ctx context.Context, name string, patch model.KeyPatch) error
	DeleteKey(ctx context.Context, name string) error
	RenameKey(ctx context.Context, oldName, newName string) error
	SetEnabled(ctx context.Context, name string, enable bool) (keystate.State, error)
	LinkAlias(ctx context.Context, a model.Alias) error
	UnlinkAlias(ctx context.Context, name string) error
	MapNodePort(ctx context.Context, m model.NodePortMapping) error
	UnmapNodePort(ctx context.Context, key, node string) error
	Sessions(ctx context.Context, name string) ([]lease.SessionInfo, error)
	ReleaseKeySessions(ctx context.Context, name string) int
	ReloadNodes(ctx context.Context) error
	LeaseStats() lease.Stats
	AuthorizedNodes() int
	NodeList() map[string]string
}

type Server struct {
	cfg config.Config
	svc Service
	log *slog.Logger
}

func NewRouter(cfg config.Config, svc Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, svc: svc, log: logger.With("component", "api")}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "nodes": svc.AuthorizedNodes()})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Route("/relay", func(relay chi.Router) {
			relay.Use(s.relaySharedAuth)
			relay.Post("/fetch", s.handleFetch)
			relay.Post("/heartbeat", s.handleHeartbeat)
			relay.Post("/sync", s.handleSync)
			relay.Post("/release", s.handleRelease)
		})

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.Middleware(cfg.JWTSecret))
			admin.Get("/keys", s.handleListKeys)
			admin.Post("/keys", s.handleCreateKey)
			admin.Get("/keys/{name}", s.handleGetKey)
			admin.Patch("/keys/{name}", s.handleUpdateKey)
			admin.Delete("/keys/{name}", s.handleDeleteKey)
			admin.Post("/keys/{name}/rename", s.handleRenameKey)
			admin.Post("/keys/{name}/enable", s.handleSetEnabled(true))
			admin.Post("/keys/{name}/disable", s.handleSetEnabled(false))
			admin.Get("/keys/{name}/sessions", s.handleSessions)
			admin.Delete("/keys/{name}/sessions", s.handleReleaseKeySessions)
			admin.Put("/keys/{name}/nodes/{node}/port", s.handleMapNodePort)
			admin.Delete("/keys/{name}/nodes/{node}/port", s.handleUnmapNodePort)
			admin.Put("/aliases/{alias}", s.handleLinkAlias)
			admin.Delete("/aliases/{alias}", s.handleUnlinkAlias)
			admin.Get("/nodes", s.handleListNodes)
			admin.Post("/nodes/reload", s.handleReloadNodes)
			admin.Get("/stats", s.handleStats)
		})
	})

	return r
}

func (s *Server) relaySharedAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Relay-Auth")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.RelaySharedKey)) != 1 {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", "invalid relay auth", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Reason  string `json:"reason,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message, reason string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.Reason = reason
	writeJSON(w, status, payload)
}

// writeBrokerError maps the broker error taxonomy onto HTTP statuses.
func writeBrokerError(w http.ResponseWriter, err error) {
	var reason, message string
	var le *broker.LeaseError
	if errors.As(err, &le) {
		reason = le.Reason
		message = le.Message
	}
	if message == "" {
		message = err.Error()
	}
	switch {
	case errors.Is(err, broker.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "not_found", message, reason)
	case errors.Is(err, broker.ErrDisabled):
		writeAPIError(w, http.StatusForbidden, "disabled", message, reason)
	case errors.Is(err, broker.ErrPaused):
		writeAPIError(w, http.StatusForbidden, "paused", message, reason)
	case errors.Is(err, broker.ErrDenied):
		writeAPIError(w, http.StatusForbidden, "denied", message, reason)
	case errors.Is(err, broker.ErrNoCapacity):
		writeAPIError(w, http.StatusTooManyRequests, "no_capacity", message, reason)
	case errors.Is(err, broker.ErrStoreUnavailable):
		writeAPIError(w, http.StatusServiceUnavailable, "store_unavailable", "key store unavailable", reason)
	case errors.Is(err, broker.ErrInvalid):
		writeAPIError(w, http.StatusBadRequest, "invalid_request", message, reason)
	case errors.Is(err, broker.ErrConflict):
		writeAPIError(w, http.StatusConflict, "conflict", message, reason)
	default:
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "internal error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
