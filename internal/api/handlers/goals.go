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
	"github.com/dvloznov/savings-engine/internal/store"
)

// GoalsHandler handles savings goal CRUD, manual contributions and the
// contribution audit trail.
type GoalsHandler struct {
	ledger store.LedgerStore
	engine *engine.Engine
	log    zerolog.Logger
}

// NewGoalsHandler creates a goals handler.
func NewGoalsHandler(ledger store.LedgerStore, eng *engine.Engine, log zerolog.Logger) *GoalsHandler {
	return &GoalsHandler{ledger: ledger, engine: eng, log: log}
}

type createGoalRequest struct {
	UserID       string          `json:"user_id"`
	Name         string          `json:"name"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	TargetDate   string          `json:"target_date"`
	Icon         string          `json:"icon"`
}

// CreateGoal handles POST /api/goals.
func (h *GoalsHandler) CreateGoal(w http.ResponseWriter, r *http.Request) {
	var req createGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	goal := &domain.Goal{
		GoalID:        uuid.NewString(),
		UserID:        req.UserID,
		Name:          req.Name,
		TargetAmount:  req.TargetAmount,
		CurrentAmount: decimal.Zero,
		TargetDate:    req.TargetDate,
		Icon:          req.Icon,
		CreatedAt:     time.Now().UTC(),
	}
	if err := goal.Validate(); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.ledger.CreateGoal(r.Context(), goal); err != nil {
		h.log.Error().Err(err).Str("user_id", req.UserID).Msg("Failed to create goal")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to create goal")
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, goal)
}

// ListGoals handles GET /api/goals?user_id=...
func (h *GoalsHandler) ListGoals(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	goals, err := h.ledger.ListGoals(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list goals")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list goals")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"goals": goals,
		"count": len(goals),
	})
}

type addMoneyRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// AddMoney handles POST /api/goals/{id}/add-money. The contribution goes
// through the engine so it shares the per-user serialization discipline with
// event processing; the credit is clamped at the goal target.
func (h *GoalsHandler) AddMoney(w http.ResponseWriter, r *http.Request, goalID string) {
	var req addMoneyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	applied, err := h.engine.AddManualContribution(r.Context(), req.UserID, goalID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMalformedEvent):
			middleware.WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrNotFound):
			middleware.WriteError(w, http.StatusNotFound, "Goal not found")
		case errors.Is(err, engine.ErrUserHalted):
			middleware.WriteError(w, http.StatusConflict, err.Error())
		default:
			h.log.Error().Err(err).Str("goal_id", goalID).Msg("Failed to add money")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to add money")
		}
		return
	}

	goal, err := h.ledger.GetGoal(r.Context(), req.UserID, goalID)
	if err != nil {
		h.log.Error().Err(err).Str("goal_id", goalID).Msg("Failed to reload goal")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to reload goal")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"goal":           goal,
		"applied_amount": applied,
	})
}

// ListContributions handles GET /api/goals/{id}/contributions?user_id=...
// This is the audit replay: summing the rows reconstructs current_amount.
func (h *GoalsHandler) ListContributions(w http.ResponseWriter, r *http.Request, goalID string) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	contributions, err := h.ledger.ListContributions(r.Context(), userID, goalID)
	if err != nil {
		h.log.Error().Err(err).Str("goal_id", goalID).Msg("Failed to list contributions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list contributions")
		return
	}

	total := decimal.Zero
	for _, c := range contributions {
		total = total.Add(c.Amount)
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"contributions": contributions,
		"count":         len(contributions),
		"total":         total,
	})
}

// DeleteGoal handles DELETE /api/goals/{id}?user_id=...
func (h *GoalsHandler) DeleteGoal(w http.ResponseWriter, r *http.Request, goalID string) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.ledger.DeleteGoal(r.Context(), userID, goalID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Goal not found")
			return
		}
		h.log.Error().Err(err).Str("goal_id", goalID).Msg("Failed to delete goal")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to delete goal")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
