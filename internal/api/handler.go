package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushreg/internal/circuitbreaker"
	"github.com/lalithlochan/pushreg/internal/subscription"
)

// Registry is the subset of registry.Registry the HTTP layer serves.
type Registry interface {
	Register(ctx context.Context, sub *subscription.Subscription) (subscription.RegisterResult, error)
	Unregister(ctx context.Context, sub *subscription.Subscription) (bool, error)
	UnregisterByTokenAndTransport(ctx context.Context, token, transportID string) (int, error)
	UpdateToken(ctx context.Context, sub *subscription.Subscription, newToken string) (bool, error)
	HasInterestedSubscriptions(ctx context.Context, client string, userID, contextID int, topic string) (bool, error)
	GetInterestedSubscriptions(ctx context.Context, client string, userIDs []int, contextID int, topic string) (subscription.MatchGroups, error)
	LoadSubscriptions(ctx context.Context, userID, contextID int) ([]*subscription.Subscription, error)
}

// SubscriptionRequest is the body of POST and DELETE /v1/subscriptions.
type SubscriptionRequest struct {
	ContextID   int        `json:"context_id"`
	UserID      int        `json:"user_id"`
	Token       string     `json:"token"`
	Client      string     `json:"client"`
	TransportID string     `json:"transport_id"`
	Topics      []string   `json:"topics"`
	Expires     *time.Time `json:"expires,omitempty"`
}

func (req SubscriptionRequest) subscription() *subscription.Subscription {
	return &subscription.Subscription{
		ContextID:   req.ContextID,
		UserID:      req.UserID,
		Token:       req.Token,
		Client:      req.Client,
		TransportID: req.TransportID,
		Topics:      req.Topics,
		Expires:     req.Expires,
	}
}

// UpdateTokenRequest is the body of PUT /v1/subscriptions/token.
type UpdateTokenRequest struct {
	ContextID int    `json:"context_id"`
	UserID    int    `json:"user_id"`
	Token     string `json:"token"`
	Client    string `json:"client"`
	NewToken  string `json:"new_token"`
}

// InterestSearchRequest is the body of POST /v1/interest/search.
type InterestSearchRequest struct {
	Client    string `json:"client"`
	ContextID int    `json:"context_id"`
	UserIDs   []int  `json:"user_ids"`
	Topic     string `json:"topic"`
}

// MatchGroup is one client/transport bucket of a search result.
type MatchGroup struct {
	Client      string                   `json:"client"`
	TransportID string                   `json:"transport_id"`
	Matches     []subscription.PushMatch `json:"matches"`
}

// ConflictResponse is returned with 409 when a token belongs to another user.
type ConflictResponse struct {
	ErrorResponse
	OwnerUserID    int `json:"owner_user_id"`
	OwnerContextID int `json:"owner_context_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	registry Registry
	checks   map[string]HealthCheck
	breakers []*circuitbreaker.CircuitBreaker
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, registry Registry) *Handler {
	return &Handler{
		logger:   logger,
		registry: registry,
		checks:   make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a dependency check reported on /health.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// AddBreaker reports cb's state on /health.
func (h *Handler) AddBreaker(cb *circuitbreaker.CircuitBreaker) {
	h.breakers = append(h.breakers, cb)
}

// Routes mounts the /v1 API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/subscriptions", h.Register)
	r.Delete("/subscriptions", h.Unregister)
	r.Put("/subscriptions/token", h.UpdateToken)
	r.Delete("/tokens/{transport}/{token}", h.RemoveToken)
	r.Get("/interest", h.HasInterest)
	r.Post("/interest/search", h.SearchInterest)
	r.Get("/contexts/{context}/users/{user}/subscriptions", h.ListSubscriptions)
}

// Register handles POST /v1/subscriptions
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Token == "" || req.Client == "" || req.TransportID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "token, client, and transport_id are required")
		return
	}
	if len(req.Topics) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing topics", "at least one topic is required")
		return
	}

	sub := req.subscription()
	res, err := h.registry.Register(r.Context(), sub)
	if err != nil {
		if errors.Is(err, subscription.ErrInvalidTopic) {
			h.writeError(w, http.StatusBadRequest, "invalid_topic", "Invalid topic", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to register subscription", "")
		return
	}

	if res.Status == subscription.StatusConflictingUser {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(ConflictResponse{
			ErrorResponse: ErrorResponse{
				Type:   "conflicting_user",
				Title:  "Token registered to another user",
				Status: http.StatusConflict,
			},
			OwnerUserID:    res.OwnerUserID,
			OwnerContextID: res.OwnerContextID,
		})
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// Unregister handles DELETE /v1/subscriptions. An empty client removes
// every client registered under the token.
func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Token == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing token", "token is required")
		return
	}

	removed, err := h.registry.Unregister(r.Context(), req.subscription())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to unregister subscription", "")
		return
	}
	if !removed {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateToken handles PUT /v1/subscriptions/token
func (h *Handler) UpdateToken(w http.ResponseWriter, r *http.Request) {
	var req UpdateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Token == "" || req.Client == "" || req.NewToken == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "token, client, and new_token are required")
		return
	}

	sub := &subscription.Subscription{
		ContextID: req.ContextID,
		UserID:    req.UserID,
		Token:     req.Token,
		Client:    req.Client,
	}
	updated, err := h.registry.UpdateToken(r.Context(), sub, req.NewToken)
	if errors.Is(err, subscription.ErrTokenInUse) {
		h.writeError(w, http.StatusConflict, "token_in_use", "New token is already registered", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to update token", "")
		return
	}
	if !updated {
		h.writeError(w, http.StatusNotFound, "not_found", "Subscription not found", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// RemoveToken handles DELETE /v1/tokens/{transport}/{token}
func (h *Handler) RemoveToken(w http.ResponseWriter, r *http.Request) {
	transport := chi.URLParam(r, "transport")
	token := chi.URLParam(r, "token")

	removed, err := h.registry.UnregisterByTokenAndTransport(r.Context(), token, transport)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to remove token", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// HasInterest handles GET /v1/interest?user=&context=&topic=&client=
func (h *Handler) HasInterest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID, err := strconv.Atoi(q.Get("user"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user", "user must be an integer")
		return
	}
	contextID, err := strconv.Atoi(q.Get("context"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid context", "context must be an integer")
		return
	}
	topic := q.Get("topic")
	if topic == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing topic", "topic query parameter is required")
		return
	}

	ok, err := h.registry.HasInterestedSubscriptions(r.Context(), q.Get("client"), userID, contextID, topic)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to check interest", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"interested": ok})
}

// SearchInterest handles POST /v1/interest/search
func (h *Handler) SearchInterest(w http.ResponseWriter, r *http.Request) {
	var req InterestSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Topic == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing topic", "topic is required")
		return
	}

	groups, err := h.registry.GetInterestedSubscriptions(r.Context(), req.Client, req.UserIDs, req.ContextID, req.Topic)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to search subscriptions", "")
		return
	}

	data := flattenGroups(groups)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  data,
		"count": groups.Len(),
	})
}

// ListSubscriptions handles GET /v1/contexts/{context}/users/{user}/subscriptions
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	contextID, err := strconv.Atoi(chi.URLParam(r, "context"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid context", "context must be an integer")
		return
	}
	userID, err := strconv.Atoi(chi.URLParam(r, "user"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user", "user must be an integer")
		return
	}

	subs, err := h.registry.LoadSubscriptions(r.Context(), userID, contextID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", "Failed to load subscriptions", "")
		return
	}
	if subs == nil {
		subs = []*subscription.Subscription{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  subs,
		"count": len(subs),
	})
}

// Health handles GET /health. Open breakers degrade but do not fail it;
// a failing dependency check does.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	state := "ok"
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			state = "unavailable"
			continue
		}
		checks[name] = "ok"
	}

	breakers := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, cb := range h.breakers {
		s := cb.Stats()
		if s.State != circuitbreaker.StateClosed.String() && status == http.StatusOK {
			state = "degraded"
		}
		breakers = append(breakers, s)
	}

	writeJSON(w, status, map[string]interface{}{
		"status":   state,
		"checks":   checks,
		"breakers": breakers,
	})
}

func flattenGroups(groups subscription.MatchGroups) []MatchGroup {
	data := make([]MatchGroup, 0, len(groups))
	for key, matches := range groups {
		data = append(data, MatchGroup{
			Client:      key.Client,
			TransportID: key.TransportID,
			Matches:     matches,
		})
	}
	sort.Slice(data, func(i, j int) bool {
		if data[i].Client != data[j].Client {
			return data[i].Client < data[j].Client
		}
		return data[i].TransportID < data[j].TransportID
	})
	return data
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
