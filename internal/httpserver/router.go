package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"asyv_realtime/internal/config"
	"asyv_realtime/internal/domain"
	"asyv_realtime/internal/security"
	"asyv_realtime/internal/service"
	"asyv_realtime/internal/ws"
)

// Deps are the collaborators the router serves. Tokens may be nil, in which
// case the REST fallback is not mounted.
type Deps struct {
	Config        *config.Config
	Presence      PresenceReader
	Gateway       *ws.Gateway
	Hub           *ws.Hub
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Users         domain.UserDirectory
	Tokens        *security.TokenService
	HealthChecks  map[string]func(context.Context) error
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// long-lived; kept out of the request timeout
	r.Get("/ws", d.Gateway.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", handleHealth(d.HealthChecks))
		r.Get("/presence", handlePresence(d.Presence))

		if d.Tokens == nil {
			return
		}
		r.Route("/api", func(r chi.Router) {
			r.Use(AuthMiddleware(d.Tokens, d.Users))

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", handleCreateConversation(d.Conversations))
				r.Get("/", handleListConversations(d.Conversations))
				r.Get("/{conversationID}", handleGetConversation(d.Conversations))
				r.Get("/{conversationID}/messages", handleListMessages(d.Messages))
				r.Post("/{conversationID}/messages", handleCreateMessage(d.Messages, d.Hub))
			})
		})
	})

	return r
}

func handleHealth(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		details := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				details[name] = err.Error()
				continue
			}
			details[name] = "ok"
		}
		body := map[string]any{"status": "healthy", "checks": details}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		writeJSON(w, status, body)
	}
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrNotParticipant):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, domain.ErrStoreUnavailable):
		status, msg = http.StatusServiceUnavailable, "presence store unavailable"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
