package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/subscriptions/durable"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/GoCodeAlone/subscriptions/subscription"
)

// Service is the runtime surface the handlers drive. *durable.Runtime
// implements it.
type Service interface {
	Start(ctx context.Context, sub subscription.Subscription) error
	Query(ctx context.Context, subscriptionID string) (durable.Snapshot, error)
	Cancel(ctx context.Context, subscriptionID string) error
	UpdateChargeAmount(ctx context.Context, subscriptionID string, amount int64) error
	History(ctx context.Context, subscriptionID string) ([]store.HistoryEvent, error)
	List(ctx context.Context, filter store.InstanceFilter) ([]store.InstanceSummary, error)
}

var _ Service = (*durable.Runtime)(nil)

// SubscriptionHandler handles the subscription endpoints.
type SubscriptionHandler struct {
	svc    Service
	logger *slog.Logger
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(svc Service, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{svc: svc, logger: logger}
}

type customerRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// startRequest carries durations as whole seconds.
type startRequest struct {
	ID                        string          `json:"id"`
	TrialPeriod               int64           `json:"trial_period"`
	BillingPeriod             int64           `json:"billing_period"`
	MaxBillingPeriods         int             `json:"max_billing_periods"`
	BillingPeriodChargeAmount int64           `json:"billing_period_charge_amount"`
	Customer                  customerRequest `json:"customer"`
}

// maxPeriodSeconds is the longest period that fits in a time.Duration.
const maxPeriodSeconds = math.MaxInt64 / int64(time.Second)

func (r startRequest) subscription() (subscription.Subscription, error) {
	if r.TrialPeriod > maxPeriodSeconds {
		return subscription.Subscription{}, fmt.Errorf("trial_period exceeds %d seconds", maxPeriodSeconds)
	}
	if r.BillingPeriod > maxPeriodSeconds {
		return subscription.Subscription{}, fmt.Errorf("billing_period exceeds %d seconds", maxPeriodSeconds)
	}
	return subscription.Subscription{
		ID:                        r.ID,
		TrialPeriod:               time.Duration(r.TrialPeriod) * time.Second,
		BillingPeriod:             time.Duration(r.BillingPeriod) * time.Second,
		MaxBillingPeriods:         r.MaxBillingPeriods,
		BillingPeriodChargeAmount: r.BillingPeriodChargeAmount,
		Customer: subscription.Customer{
			FirstName: r.Customer.FirstName,
			LastName:  r.Customer.LastName,
			Email:     r.Customer.Email,
		},
	}, nil
}

type updateRequest struct {
	BillingPeriodChargeAmount *int64 `json:"billing_period_charge_amount"`
}

// subscriptionView is the query answer for one subscription.
type subscriptionView struct {
	BillingPeriodNumber       int                   `json:"billing_period_number"`
	BillingPeriodChargeAmount int64                 `json:"billing_period_charge_amount"`
	TotalCharged              int64                 `json:"total_charged"`
	Cancelled                 bool                  `json:"cancelled"`
	Phase                     string                `json:"phase"`
	Closed                    bool                  `json:"closed"`
	Outcome                   *subscription.Outcome `json:"outcome,omitempty"`
	Summary                   string                `json:"summary,omitempty"`
	Failure                   string                `json:"failure,omitempty"`
	UpdatedAt                 time.Time             `json:"updated_at"`
}

func newSubscriptionView(s durable.Snapshot) subscriptionView {
	return subscriptionView{
		BillingPeriodNumber:       s.BillingPeriodNumber,
		BillingPeriodChargeAmount: s.BillingPeriodChargeAmount,
		TotalCharged:              s.TotalCharged,
		Cancelled:                 s.Cancelled,
		Phase:                     s.Phase,
		Closed:                    s.Closed,
		Outcome:                   s.Outcome,
		Summary:                   s.Summary,
		Failure:                   s.Failure,
		UpdatedAt:                 s.UpdatedAt,
	}
}

// Start handles POST /api/subscription.
func (h *SubscriptionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, err := req.subscription()
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Start(r.Context(), sub); err != nil {
		h.writeRuntimeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, statusOK)
}

// Get handles GET /api/subscription/{id}.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Query(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeRuntimeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, newSubscriptionView(snap))
}

// Cancel handles DELETE /api/subscription/{id}.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), r.PathValue("id")); err != nil {
		h.writeRuntimeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, statusOK)
}

// Update handles POST /api/subscription/{id}.
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BillingPeriodChargeAmount == nil {
		WriteError(w, http.StatusBadRequest, "billing_period_charge_amount is required")
		return
	}
	if err := h.svc.UpdateChargeAmount(r.Context(), r.PathValue("id"), *req.BillingPeriodChargeAmount); err != nil {
		h.writeRuntimeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, statusOK)
}

// History handles GET /api/subscription/{id}/history.
func (h *SubscriptionHandler) History(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeRuntimeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, events)
}

// List handles GET /api/subscriptions.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.InstanceFilter
	switch status := store.InstanceStatus(q.Get("status")); status {
	case "", store.InstanceOpen, store.InstanceClosed:
		filter.Status = status
	default:
		WriteError(w, http.StatusBadRequest, "status must be open or closed")
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	instances, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.writeRuntimeError(w, r, err)
		return
	}
	if instances == nil {
		instances = []store.InstanceSummary{}
	}
	WritePaginated(w, instances, len(instances), filter.Limit, filter.Offset)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

// writeRuntimeError maps runtime errors to HTTP statuses.
func (h *SubscriptionHandler) writeRuntimeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, durable.ErrInstanceNotFound):
		WriteError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, durable.ErrDuplicateInstance):
		WriteError(w, http.StatusConflict, "subscription already exists")
	case errors.Is(err, subscription.ErrInvalidSubscription), errors.Is(err, subscription.ErrInvalidAmount):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, durable.ErrInstanceBusy):
		WriteError(w, http.StatusLocked, "subscription is owned by another process")
	case errors.Is(err, durable.ErrRuntimeClosed):
		WriteError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
