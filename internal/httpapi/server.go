package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/luisarev/mensajero/internal/broadcast"
	"github.com/luisarev/mensajero/internal/config"
	"github.com/luisarev/mensajero/internal/dispatch"
	"github.com/luisarev/mensajero/internal/history"
	"github.com/luisarev/mensajero/internal/maintenance"
	"github.com/luisarev/mensajero/internal/observability"
	"github.com/luisarev/mensajero/internal/qrwindow"
	"github.com/luisarev/mensajero/internal/ratelimit"
	"github.com/luisarev/mensajero/internal/registry"
)

type Server struct {
	cfg         config.Config
	registry    *registry.Registry
	limiter     *ratelimit.Limiter
	dispatcher  *dispatch.Dispatcher
	broadcaster *broadcast.Broadcaster
	store       history.Store
	maint       *maintenance.Runner
	qr          *qrwindow.Controller
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
	static      http.Handler
}

func New(cfg config.Config, reg *registry.Registry, limiter *ratelimit.Limiter, dispatcher *dispatch.Dispatcher, b *broadcast.Broadcaster, store history.Store, maint *maintenance.Runner, qr *qrwindow.Controller, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		registry:    reg,
		limiter:     limiter,
		dispatcher:  dispatcher,
		broadcaster: b,
		store:       store,
		maint:       maint,
		qr:          qr,
		metrics:     metrics,
		static:      newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up; a foreign page must
				// not be able to watch another tenant's pairing stream.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/session/{number}", s.handleCreateSession)
	r.Get("/session-status/{number}", s.handleSessionStatus)
	r.Get("/message-stats/{number}", s.handleMessageStats)
	r.Get("/message-history/{number}", s.handleMessageHistory)
	r.Get("/qr-stream/{number}", s.handleQRStream)
	r.Get("/events/{number}/ws", s.handleEventsWS)
	r.Post("/send-text", s.handleSendText)
	r.Post("/send-image", s.handleSendImage)
	r.Post("/logout", s.handleLogout)
	r.Post("/reset", s.handleReset)
	r.Post("/qr-timeout", s.handleQRTimeout)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if strings.TrimSpace(number) == "" {
		respondError(w, http.StatusBadRequest, "invalid_number", "missing account number")
		return
	}

	sess, err := s.registry.GetOrCreate(r.Context(), number)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "session for " + number + " initialized",
		"state":   sess.State,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	respondJSON(w, http.StatusOK, s.registry.Status(r.Context(), number))
}

func (s *Server) handleMessageStats(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	respondJSON(w, http.StatusOK, s.limiter.Stats(number))
}

func (s *Server) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.store.RecentSends(r.Context(), number, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []history.SendRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Numero string `json:"numero"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Numero) == "" {
		respondError(w, http.StatusBadRequest, "invalid_number", "missing account number")
		return
	}

	if err := s.registry.Teardown(r.Context(), req.Numero); err != nil {
		// State is cleared even when the handle destroy failed; tell the
		// caller the session is gone but flag the degraded teardown.
		respondJSON(w, http.StatusOK, map[string]any{
			"message": "session closed with errors",
			"detail":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"message": "session closed"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.maint.FullReset(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"message": "full reset complete"})
}

func (s *Server) handleQRTimeout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Minutes < 1 || req.Minutes > 60 {
		respondError(w, http.StatusBadRequest, "invalid_timeout", "minutes must be between 1 and 60")
		return
	}

	applied := s.qr.SetTimeout(time.Duration(req.Minutes) * time.Minute)
	respondJSON(w, http.StatusOK, map[string]any{
		"qr_timeout_ms": applied.Milliseconds(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
