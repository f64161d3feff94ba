// Package handlers implements the HTTP surface of the savings engine.
// Authentication is owned by the deployment's gateway; handlers trust the
// user_id they are given.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/savings-engine/internal/api/middleware"
	"github.com/dvloznov/savings-engine/internal/domain"
	"github.com/dvloznov/savings-engine/internal/engine"
	"github.com/dvloznov/savings-engine/internal/events"
	"github.com/dvloznov/savings-engine/internal/store"
)

// EventsHandler handles event submission and result lookup.
type EventsHandler struct {
	engine    *engine.Engine
	ledger    store.LedgerStore
	publisher events.Publisher
	log       zerolog.Logger
}

// NewEventsHandler creates an events handler. publisher may be nil to
// disable async submission.
func NewEventsHandler(eng *engine.Engine, ledger store.LedgerStore, publisher events.Publisher, log zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		engine:    eng,
		ledger:    ledger,
		publisher: publisher,
		log:       log,
	}
}

type submitEventRequest struct {
	EventID    string          `json:"event_id"`
	UserID     string          `json:"user_id"`
	Kind       string          `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category"`
	Source     string          `json:"source"`
	OccurredAt *time.Time      `json:"occurred_at"`
}

func (r *submitEventRequest) toEvent() *domain.FinancialEvent {
	ev := &domain.FinancialEvent{
		EventID:  r.EventID,
		UserID:   r.UserID,
		Kind:     domain.EventKind(r.Kind),
		Amount:   r.Amount,
		Category: r.Category,
		Source:   r.Source,
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if r.OccurredAt != nil {
		ev.OccurredAt = *r.OccurredAt
	} else {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev
}

// SubmitEvent handles POST /api/events - synchronous processing.
func (h *EventsHandler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req submitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.engine.ProcessEvent(r.Context(), req.toEvent())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

// EnqueueEvent handles POST /api/events/enqueue - queued processing.
// Returns 202 with the event id; the result is retrievable once processed.
func (h *EventsHandler) EnqueueEvent(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Async intake is not enabled")
		return
	}

	var req submitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ev := req.toEvent()
	// Validate up front so the submitter gets a synchronous rejection for
	// malformed events instead of a silent queue failure.
	if err := ev.Validate(); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.publisher.Publish(r.Context(), ev); err != nil {
		h.log.Error().Err(err).Str("event_id", ev.EventID).Msg("Failed to enqueue event")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue event")
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"event_id": ev.EventID})
}

// GetResult handles GET /api/events/{id}?user_id=...
func (h *EventsHandler) GetResult(w http.ResponseWriter, r *http.Request, eventID string) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	result, ok, err := h.ledger.GetProcessedResult(r.Context(), userID, eventID)
	if err != nil {
		h.log.Error().Err(err).Str("event_id", eventID).Msg("Failed to load result")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to load result")
		return
	}
	if !ok {
		middleware.WriteError(w, http.StatusNotFound, "Event not processed")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

// GetAggregate handles GET /api/aggregates/{id}.
func (h *EventsHandler) GetAggregate(w http.ResponseWriter, r *http.Request, userID string) {
	agg, err := h.ledger.GetAggregate(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "No ledger for user")
			return
		}
		h.log.Error().Err(err).Str("user_id", userID).Msg("Failed to load aggregate")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to load aggregate")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, agg)
}

func (h *EventsHandler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrMalformedEvent):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrUserHalted):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	default:
		var inv *store.InvariantViolationError
		if errors.As(err, &inv) {
			h.log.Error().Err(err).Msg("Invariant violation surfaced to API")
			middleware.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("Event processing failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Event processing failed")
	}
}
