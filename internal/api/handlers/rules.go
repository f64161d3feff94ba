package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/savings-engine/internal/api/middleware"
	"github.com/dvloznov/savings-engine/internal/domain"
	"github.com/dvloznov/savings-engine/internal/store"
)

// RulesHandler is the rule-editing surface. It deliberately has no way to
// touch times_triggered / total_saved / last_triggered_event_id: those
// columns belong to the engine, which prevents lost updates between a user
// edit and a concurrent event pass.
type RulesHandler struct {
	ledger store.LedgerStore
	log    zerolog.Logger
}

// NewRulesHandler creates a rules handler.
func NewRulesHandler(ledger store.LedgerStore, log zerolog.Logger) *RulesHandler {
	return &RulesHandler{ledger: ledger, log: log}
}

type createRuleRequest struct {
	UserID    string              `json:"user_id"`
	Name      string              `json:"name"`
	Priority  int                 `json:"priority"`
	Condition domain.Condition    `json:"condition"`
	Action    domain.Action       `json:"action"`
	Safety    domain.SafetyGuards `json:"safety"`
}

// CreateRule handles POST /api/rules. Condition/action/safety are validated
// here, at the creation boundary, so evaluation never sees a malformed rule.
func (h *RulesHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rule := &domain.Rule{
		RuleID:    uuid.NewString(),
		UserID:    req.UserID,
		Name:      req.Name,
		Priority:  req.Priority,
		Condition: req.Condition,
		Action:    req.Action,
		Safety:    req.Safety,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := rule.Validate(); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.ledger.CreateRule(r.Context(), rule); err != nil {
		h.log.Error().Err(err).Str("user_id", req.UserID).Msg("Failed to create rule")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, rule)
}

// ListRules handles GET /api/rules?user_id=...
func (h *RulesHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	rules, err := h.ledger.ListRules(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list rules")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// ToggleRule handles POST /api/rules/{id}/toggle?user_id=...
func (h *RulesHandler) ToggleRule(w http.ResponseWriter, r *http.Request, ruleID string) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	rule, err := h.ledger.GetRule(r.Context(), userID, ruleID)
	if err != nil {
		h.writeStoreError(w, err, "Rule not found", "Failed to load rule")
		return
	}
	if err := h.ledger.SetRuleActive(r.Context(), userID, ruleID, !rule.IsActive); err != nil {
		h.writeStoreError(w, err, "Rule not found", "Failed to toggle rule")
		return
	}
	rule.IsActive = !rule.IsActive
	middleware.WriteJSON(w, http.StatusOK, rule)
}

// DeleteRule handles DELETE /api/rules/{id}?user_id=...
func (h *RulesHandler) DeleteRule(w http.ResponseWriter, r *http.Request, ruleID string) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.ledger.DeleteRule(r.Context(), userID, ruleID); err != nil {
		h.writeStoreError(w, err, "Rule not found", "Failed to delete rule")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListTemplates handles GET /api/rules/templates: the static starter catalog.
func (h *RulesHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"templates": ruleTemplates,
	})
}

func (h *RulesHandler) writeStoreError(w http.ResponseWriter, err error, notFoundMsg, failMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	h.log.Error().Err(err).Msg(failMsg)
	middleware.WriteError(w, http.StatusInternalServerError, failMsg)
}
