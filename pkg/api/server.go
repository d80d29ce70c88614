// Package api exposes the webhook management surface: subscription
// registration and lifecycle, the delivery audit query endpoint, and
// the health and metrics endpoints.
package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/chainhook/chainhook/pkg/audit"
	"github.com/chainhook/chainhook/pkg/httputil"
	"github.com/chainhook/chainhook/pkg/observability"
	"github.com/chainhook/chainhook/pkg/storage"
	"github.com/chainhook/chainhook/pkg/webhooks"
)

// Server is the HTTP API server.
type Server struct {
	store    storage.WebhookStore
	recorder audit.Recorder
	router   *mux.Router
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewServer creates the API server. The metrics handler is mounted on
// the same mux when metrics are provided.
func NewServer(store storage.WebhookStore, recorder audit.Recorder, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		store:    store,
		recorder: recorder,
		router:   mux.NewRouter(),
		logger:   logger,
		metrics:  metrics,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/webhooks", s.createWebhook).Methods("POST")
	s.router.HandleFunc("/webhooks/{id}", s.getWebhook).Methods("GET")
	s.router.HandleFunc("/webhooks/{id}", s.deleteWebhook).Methods("DELETE")
	s.router.HandleFunc("/webhooks/{id}/deliveries", s.listDeliveries).Methods("GET")
	s.router.HandleFunc("/health", s.health).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	s.router.Use(
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger, s.metrics),
	)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// createWebhookRequest is the registration payload.
type createWebhookRequest struct {
	URL         string            `json:"url"`
	EventTypes  []string          `json:"event_types"`
	ContractID  string            `json:"contract_id,omitempty"`
	Description string            `json:"description,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// createWebhook handles POST /webhooks. The generated secret is
// returned once here and never exposed again.
func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	sub := &webhooks.Subscription{
		URL:         req.URL,
		EventTypes:  req.EventTypes,
		ContractID:  req.ContractID,
		Description: req.Description,
		Headers:     req.Headers,
		Active:      true,
	}
	if err := sub.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	secret, err := webhooks.NewSecret()
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	sub.Secret = secret

	if err := s.store.CreateWebhook(r.Context(), sub); err != nil {
		s.logger.WithError(err).Error("Failed to create webhook")
		httputil.WriteServiceUnavailable(w, "failed to create webhook")
		return
	}

	s.logger.WithField("webhook_id", sub.ID).Info("Webhook registered")
	httputil.WriteCreated(w, sub)
}

// getWebhook handles GET /webhooks/{id}, with the secret redacted.
func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sub, err := s.store.GetWebhook(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFound(w, "webhook not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get webhook")
		httputil.WriteServiceUnavailable(w, "failed to get webhook")
		return
	}

	redacted := *sub
	redacted.Secret = ""
	httputil.WriteSuccess(w, &redacted)
}

// deleteWebhook handles DELETE /webhooks/{id} as a soft delete; the
// subscription's delivery history stays queryable.
func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.store.DeactivateWebhook(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.WriteNotFound(w, "webhook not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to deactivate webhook")
		httputil.WriteServiceUnavailable(w, "failed to deactivate webhook")
		return
	}

	s.logger.WithField("webhook_id", id).Info("Webhook deactivated")
	httputil.WriteNoContent(w)
}

// listDeliveries handles GET /webhooks/{id}/deliveries?limit=N.
func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := httputil.ParseQueryInt(r, "limit", 100)

	attempts, err := s.recorder.ListByWebhook(r.Context(), id, limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list deliveries")
		httputil.WriteServiceUnavailable(w, "failed to list deliveries")
		return
	}
	if attempts == nil {
		attempts = []*audit.DeliveryAttempt{}
	}
	httputil.WriteSuccess(w, attempts)
}

// health handles GET /health.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}
