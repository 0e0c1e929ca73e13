package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"narrator-backend/internal/handlers"
	"narrator-backend/internal/middleware"
	"narrator-backend/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	limiter *middleware.RateLimiter,
	sessionHandler *handlers.SessionHandler,
	chatsHandler *handlers.ChatsHandler,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{frontendURL},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Session Routes ────
		r.Route("/sessions", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(limiter.Middleware)
				r.Use(jwtAuth.Optional)

				r.Post("/", sessionHandler.Create)
				r.Get("/{sid}", sessionHandler.Get)
				r.Put("/{sid}/route", sessionHandler.Route)
				r.Post("/{sid}/login", sessionHandler.Login)
				r.Delete("/{sid}/login", sessionHandler.Logout)

				r.Post("/{sid}/messages", sessionHandler.NewMessage)
				r.Put("/{sid}/messages/{mid}", sessionHandler.Edit)
				r.Post("/{sid}/messages/{mid}/regenerate", sessionHandler.Regenerate)

				r.Get("/{sid}/options", sessionHandler.GetOption)
				r.Put("/{sid}/options", sessionHandler.SetOption)
			})

			// ──── WebSocket ────
			r.Get("/{sid}/ws", wsHub.HandleWebSocket)
		})

		// ──── Chat Routes ────
		r.Route("/chats", func(r chi.Router) {
			r.Use(jwtAuth.Optional)
			r.Get("/", chatsHandler.List)
		})
	})

	return r
}
