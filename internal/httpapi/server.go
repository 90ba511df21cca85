// Package httpapi is the operational REST surface: account endpoints,
// sync triggers, health and metrics, and the websocket upgrade.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/docuchat/docuchat/internal/gateway"
	"github.com/docuchat/docuchat/internal/link"
	"github.com/docuchat/docuchat/internal/model"
	"github.com/docuchat/docuchat/internal/store"
	syncengine "github.com/docuchat/docuchat/internal/sync"
)

type ServerConfig struct {
	MaxBodyBytes int64
	SyncTimeout  time.Duration
	Cron         string
}

type Server struct {
	store          store.Store
	auth           *gateway.Authenticator
	gateway        *gateway.Gateway
	engine         *syncengine.Engine
	linker         *link.Linker
	metricsHandler http.Handler
	logger         *slog.Logger
	cfg            ServerConfig
	router         *mux.Router
	startedAt      time.Time
}

type Options struct {
	Store          store.Store
	Auth           *gateway.Authenticator
	Gateway        *gateway.Gateway
	Engine         *syncengine.Engine
	Linker         *link.Linker
	MetricsHandler http.Handler
	Logger         *slog.Logger
	Config         ServerConfig
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:          opts.Store,
		auth:           opts.Auth,
		gateway:        opts.Gateway,
		engine:         opts.Engine,
		linker:         opts.Linker,
		metricsHandler: opts.MetricsHandler,
		logger:         logger,
		cfg:            cfg,
		startedAt:      time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)
	}
	if s.gateway != nil {
		r.HandleFunc("/ws", s.gateway.HandleWS).Methods(http.MethodGet)
	}

	r.HandleFunc("/v1/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/login", s.handleLogin).Methods(http.MethodPost)

	authed := r.PathPrefix("/v1").Subrouter()
	authed.Use(s.requireAuth)
	authed.HandleFunc("/sync/full", s.triggerSync(s.engine.FullSync)).Methods(http.MethodPost)
	authed.HandleFunc("/sync/users", s.triggerSync(s.engine.SyncUsers)).Methods(http.MethodPost)
	authed.HandleFunc("/sync/files", s.triggerSync(s.engine.SyncFiles)).Methods(http.MethodPost)
	authed.HandleFunc("/sync/status", s.handleSyncStatus).Methods(http.MethodGet)
	authed.HandleFunc("/sync/stats", s.handleSyncStats).Methods(http.MethodGet)
	authed.HandleFunc("/chats", s.handleListChats).Methods(http.MethodGet)
	authed.HandleFunc("/chats/{chatId}/unread", s.handleUnreadCount).Methods(http.MethodGet)
	return r
}

type contextKey string

const userContextKey contextKey = "user"

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		user, err := s.auth.VerifyToken(r.Context(), header[len(prefix):])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

func requestUser(r *http.Request) (model.User, bool) {
	user, ok := r.Context().Value(userContextKey).(model.User)
	return user, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	body := map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"syncing": s.engine.Running(),
	}
	// Reachability of the external system is probed only on request,
	// so a dead upstream slows this endpoint instead of the process.
	if r.URL.Query().Get("external") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.engine.HealthCheck(ctx); err != nil {
			body["external"] = "unreachable"
			body["external_error"] = err.Error()
		} else {
			body["external"] = "ok"
		}
	}
	if stats.LastError != "" {
		body["last_sync_error"] = stats.LastError
	}
	if stats.LastSyncAt != nil {
		body["last_sync_at"] = stats.LastSyncAt
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) triggerSync(run func(context.Context) (syncengine.Report, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SyncTimeout)
		defer cancel()
		report, err := run(ctx)
		if errors.Is(err, syncengine.ErrSyncRunning) {
			writeError(w, http.StatusConflict, "sync_running", "a sync is already in progress")
			return
		}
		if err != nil {
			// The report still carries whatever partial progress was
			// made before the run failed.
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"code":    "sync_failed",
				"message": err.Error(),
				"report":  report,
			})
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"running":      s.engine.Running(),
		"last_sync_at": stats.LastSyncAt,
		"schedule":     s.cfg.Cron,
	})
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        stats,
		"success_rate": stats.SuccessRate(),
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated user")
		return
	}
	chatIDs, err := s.store.ChatIDsForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not list chats")
		return
	}
	chats := make([]model.Chat, 0, len(chatIDs))
	for _, id := range chatIDs {
		chat, err := s.store.ChatByID(r.Context(), id)
		if err != nil {
			continue
		}
		chats = append(chats, chat)
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	user, ok := requestUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated user")
		return
	}
	chatID, err := uuid.Parse(mux.Vars(r)["chatId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid chat id")
		return
	}
	member, err := s.store.IsParticipant(r.Context(), chatID, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "membership check failed")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant of this chat")
		return
	}
	count, err := s.store.UnreadCount(r.Context(), chatID, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not count unread messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatId": chatID, "unread": count})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
