package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/edoblanco/codesmith/internal/config"
	"github.com/edoblanco/codesmith/internal/observability"
	"github.com/edoblanco/codesmith/internal/pipeline"
	"github.com/edoblanco/codesmith/internal/realtime"
)

// Server is the thin HTTP layer over the pipeline controller and the
// realtime hub. Every JSON response uses the {success, result, message}
// envelope.
type Server struct {
	cfg       config.Config
	ctrl      *pipeline.Controller
	hub       *realtime.Hub
	metrics   *observability.Metrics
	log       zerolog.Logger
	upgrader  websocket.Upgrader
	storeMode string
}

func New(cfg config.Config, ctrl *pipeline.Controller, hub *realtime.Hub, metrics *observability.Metrics, log zerolog.Logger) *Server {
	storeMode := "in-memory"
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		storeMode = "postgres"
	}
	return &Server{
		cfg:       cfg,
		ctrl:      ctrl,
		hub:       hub,
		metrics:   metrics,
		log:       log.With().Str("component", "httpapi").Logger(),
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Non-browser clients
				// often omit Origin; allow them.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/events/ws", s.handleEventsWS)

	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/tasks/{id}/proposals", s.handleListProposals)
	r.Get("/v1/tasks/{id}/history", s.handleListHistory)

	// Mutating routes sit behind the shared secret.
	r.Group(func(g chi.Router) {
		g.Use(s.requireSecret)
		g.Post("/v1/tasks", s.handleSubmitTask)
		g.Delete("/v1/tasks/{id}", s.handleDeleteTask)
		g.Post("/v1/tasks/{id}/verify", s.handleVerifyTask)
		g.Post("/v1/tasks/{id}/apply", s.handleApplyTask)
		g.Post("/v1/tasks/{id}/rollback", s.handleRollbackTask)
		g.Post("/v1/proposals/{id}/approve", s.handleApproveProposal)
		g.Post("/v1/proposals/{id}/deny", s.handleDenyProposal)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondResult(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondResult(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode,
	})
}

// requireSecret enforces the shared bearer secret on mutating routes. An
// empty configured secret disables the check for local development.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SharedSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.SharedSecret)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// envelope is the uniform response shape for every JSON endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
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

func respondResult(w http.ResponseWriter, status int, result any) {
	respondJSON(w, status, envelope{Success: true, Result: result})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, envelope{Success: false, Message: message})
}

// respondPipelineError maps controller errors to conventional status codes.
func respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrTaskNotFound), errors.Is(err, pipeline.ErrProposalNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrEmptyPrompt), errors.Is(err, pipeline.ErrInvalidTransition):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
