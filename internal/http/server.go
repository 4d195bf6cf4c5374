package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ride-share/internal/catalog"
	"github.com/example/ride-share/internal/dispatch"
	"github.com/example/ride-share/internal/history"
	"github.com/example/ride-share/internal/ledger"
	"github.com/example/ride-share/internal/messaging"
	"github.com/example/ride-share/internal/models"
)

// Inbox exposes the unread notification counters.
type Inbox interface {
	Counts(ctx context.Context, userID string) (map[models.Category]int64, error)
	Reset(ctx context.Context, userID string, c models.Category) error
}

// Deps are the components the API serves. Inbox and Ready are optional.
type Deps struct {
	Catalog *catalog.Catalog
	Ledger  *ledger.Ledger
	History *history.Aggregator
	Relay   *messaging.Relay
	Prefs   *dispatch.Preferences
	WS      *dispatch.WSRegistry
	Inbox   Inbox
	Ready   func(ctx context.Context) error
	Logger  *zap.Logger
}

type Options struct {
	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Currency          string
}

type Server struct {
	Deps
	opts    Options
	logger  *zap.Logger
	mux     *mux.Router
	handler http.Handler
}

func NewServer(opts Options, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RateLimitRequests <= 0 {
		opts.RateLimitRequests = 120
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	s := &Server{Deps: deps, opts: opts, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()

	// Auth travels in the Authorization header, so no cookies are ever allowed
	// cross-origin. Without configured origins every cross-origin request is refused.
	corsOpts := cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}
	if len(opts.CORSOrigins) == 0 {
		corsOpts.AllowOriginFunc = func(*http.Request, string) bool { return false }
	}
	s.handler = cors.Handler(corsOpts)(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware, s.rateLimitMiddleware())

	api.HandleFunc("/rides", s.handlePublishRide).Methods("POST")
	api.HandleFunc("/rides", s.handleSearchRides).Methods("GET")
	api.HandleFunc("/rides/mine", s.handleMyRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/depart", s.handleDepartRide).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/{id}/requests", s.handleSubmitRequest).Methods("POST")
	api.HandleFunc("/rides/{id}/requests", s.handleRideRequests).Methods("GET")

	api.HandleFunc("/requests", s.handleMyRequests).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/accept", s.handleAcceptRequest).Methods("POST")
	api.HandleFunc("/requests/{id}/decline", s.handleDeclineRequest).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")
	api.HandleFunc("/requests/{id}/complete", s.handleCompleteRequest).Methods("POST")

	api.HandleFunc("/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/history/{id}/rating", s.handleRate).Methods("POST")
	api.HandleFunc("/users/{id}/reputation", s.handleReputation).Methods("GET")

	api.HandleFunc("/conversations", s.handleOpenConversation).Methods("POST")
	api.HandleFunc("/conversations", s.handleListConversations).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", s.handleSendMessage).Methods("POST")
	api.HandleFunc("/conversations/{id}/read", s.handleReadConversation).Methods("POST")
	api.HandleFunc("/messages/{id}/delivered", s.handleMessageStatus(models.MessageDelivered)).Methods("POST")
	api.HandleFunc("/messages/{id}/read", s.handleMessageStatus(models.MessageRead)).Methods("POST")

	api.HandleFunc("/me/notification-settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/me/notification-settings", s.handlePutSettings).Methods("PUT")
	api.HandleFunc("/me/notifications/unread", s.handleUnread).Methods("GET")
	api.HandleFunc("/me/notifications/unread", s.handleResetUnread).Methods("DELETE")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	_, _ = w.Write([]byte("ready"))
}
