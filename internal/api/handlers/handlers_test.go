package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/savings-engine/internal/domain"
	"github.com/dvloznov/savings-engine/internal/engine"
	"github.com/dvloznov/savings-engine/internal/logger"
	"github.com/dvloznov/savings-engine/internal/overspend"
	"github.com/dvloznov/savings-engine/internal/store/memory"
)

type nopDispatcher struct{}

func (nopDispatcher) Notify(string, *domain.OverspendingAlert) {}

// stubPublisher records published events and optionally fails.
type stubPublisher struct {
	published []*domain.FinancialEvent
	err       error
}

func (p *stubPublisher) Publish(_ context.Context, ev *domain.FinancialEvent) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, ev)
	return nil
}

func (p *stubPublisher) Close() error { return nil }

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

type handlerFixture struct {
	store  *memory.Store
	events *EventsHandler
	rules  *RulesHandler
	goals  *GoalsHandler
}

func newHandlerFixture(t *testing.T, publisher *stubPublisher) *handlerFixture {
	t.Helper()
	policy, err := overspend.LoadEmbeddedPolicy()
	require.NoError(t, err)

	s := memory.NewStore()
	log := logger.NewWithWriter(testWriter{t})
	eng := engine.New(s, overspend.NewDetector(policy), nopDispatcher{}, log)

	f := &handlerFixture{
		store: s,
		rules: NewRulesHandler(s, log),
		goals: NewGoalsHandler(s, eng, log),
	}
	if publisher != nil {
		f.events = NewEventsHandler(eng, s, publisher, log)
	} else {
		f.events = NewEventsHandler(eng, s, nil, log)
	}
	return f
}

func doJSON(t *testing.T, handler func(http.ResponseWriter, *http.Request), method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func (f *handlerFixture) createGoal(t *testing.T, userID, name, target string) domain.Goal {
	t.Helper()
	rec := doJSON(t, f.goals.CreateGoal, http.MethodPost, "/api/goals", map[string]interface{}{
		"user_id":       userID,
		"name":          name,
		"target_amount": target,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var goal domain.Goal
	decode(t, rec, &goal)
	return goal
}

func (f *handlerFixture) createRule(t *testing.T, userID string, body map[string]interface{}) domain.Rule {
	t.Helper()
	body["user_id"] = userID
	rec := doJSON(t, f.rules.CreateRule, http.MethodPost, "/api/rules", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var rule domain.Rule
	decode(t, rec, &rule)
	return rule
}

func TestCreateRule(t *testing.T) {
	f := newHandlerFixture(t, nil)

	rule := f.createRule(t, "u1", map[string]interface{}{
		"name":     "Save on payday",
		"priority": 1,
		"condition": map[string]interface{}{
			"field": "source", "operator": "is", "string_value": "salary",
		},
		"action": map[string]interface{}{
			"type": "save_percentage", "value": "10", "destination": "emergency_fund",
		},
	})
	require.NotEmpty(t, rule.RuleID)
	require.True(t, rule.IsActive)
	require.Equal(t, "u1", rule.UserID)

	// Incompatible field/operator is rejected at the creation boundary.
	rec := doJSON(t, f.rules.CreateRule, http.MethodPost, "/api/rules", map[string]interface{}{
		"user_id": "u1", "name": "bad", "priority": 1,
		"condition": map[string]interface{}{
			"field": "amount", "operator": "is", "string_value": "salary",
		},
		"action": map[string]interface{}{
			"type": "save_fixed", "value": "50", "destination": "emergency_fund",
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitEvent(t *testing.T) {
	f := newHandlerFixture(t, nil)
	goal := f.createGoal(t, "u1", "Holiday", "5000")
	f.createRule(t, "u1", map[string]interface{}{
		"name":     "Tithe income",
		"priority": 1,
		"condition": map[string]interface{}{
			"field": "amount", "operator": "gt", "numeric_value": "0",
		},
		"action": map[string]interface{}{
			"type": "save_percentage", "value": "10", "destination": goal.GoalID,
		},
	})

	rec := doJSON(t, f.events.SubmitEvent, http.MethodPost, "/api/events", map[string]interface{}{
		"event_id": "e1", "user_id": "u1", "kind": "income",
		"amount": "1000", "source": "salary",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result domain.ProcessingResult
	decode(t, rec, &result)
	require.Equal(t, "e1", result.EventID)
	require.Len(t, result.RuleApplications, 1)
	require.True(t, result.RuleApplications[0].Applied)
	require.True(t, result.RuleApplications[0].AmountSaved.Equal(decimal.NewFromInt(100)))

	// The processed result is retrievable by its owner.
	req := httptest.NewRequest(http.MethodGet, "/api/events/e1?user_id=u1", nil)
	rr := httptest.NewRecorder()
	f.events.GetResult(rr, req, "e1")
	require.Equal(t, http.StatusOK, rr.Code)
	var cached domain.ProcessingResult
	decode(t, rr, &cached)
	require.Equal(t, result.EventID, cached.EventID)

	// Another user cannot fetch it by event id, and the owner id is required.
	req = httptest.NewRequest(http.MethodGet, "/api/events/e1?user_id=u2", nil)
	rr = httptest.NewRecorder()
	f.events.GetResult(rr, req, "e1")
	require.Equal(t, http.StatusNotFound, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/events/e1", nil)
	rr = httptest.NewRecorder()
	f.events.GetResult(rr, req, "e1")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	// And the aggregate reflects the transfer.
	req = httptest.NewRequest(http.MethodGet, "/api/aggregates/u1", nil)
	rr = httptest.NewRecorder()
	f.events.GetAggregate(rr, req, "u1")
	require.Equal(t, http.StatusOK, rr.Code)
	var agg domain.LedgerAggregate
	decode(t, rr, &agg)
	require.True(t, agg.CurrentBalance.Equal(decimal.NewFromInt(900)))
}

func TestSubmitEventBadRequests(t *testing.T) {
	f := newHandlerFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/events", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.events.SubmitEvent(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, f.events.SubmitEvent, http.MethodPost, "/api/events", map[string]interface{}{
		"event_id": "e1", "user_id": "u1", "kind": "income", "amount": "-5",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetResultAndAggregateNotFound(t *testing.T) {
	f := newHandlerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/events/missing?user_id=u1", nil)
	rec := httptest.NewRecorder()
	f.events.GetResult(rec, req, "missing")
	require.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/aggregates/ghost", nil)
	rec = httptest.NewRecorder()
	f.events.GetAggregate(rec, req, "ghost")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueEvent(t *testing.T) {
	pub := &stubPublisher{}
	f := newHandlerFixture(t, pub)

	rec := doJSON(t, f.events.EnqueueEvent, http.MethodPost, "/api/events/enqueue", map[string]interface{}{
		"event_id": "e1", "user_id": "u1", "kind": "income", "amount": "100",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	decode(t, rec, &resp)
	require.Equal(t, "e1", resp["event_id"])
	require.Len(t, pub.published, 1)

	// Malformed events are rejected synchronously, not queued.
	rec = doJSON(t, f.events.EnqueueEvent, http.MethodPost, "/api/events/enqueue", map[string]interface{}{
		"event_id": "e2", "user_id": "u1", "kind": "transfer", "amount": "100",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, pub.published, 1)

	pub.err = errors.New("queue stopped")
	rec = doJSON(t, f.events.EnqueueEvent, http.MethodPost, "/api/events/enqueue", map[string]interface{}{
		"event_id": "e3", "user_id": "u1", "kind": "income", "amount": "100",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEnqueueEventWithoutPublisher(t *testing.T) {
	f := newHandlerFixture(t, nil)
	rec := doJSON(t, f.events.EnqueueEvent, http.MethodPost, "/api/events/enqueue", map[string]interface{}{
		"event_id": "e1", "user_id": "u1", "kind": "income", "amount": "100",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestToggleAndDeleteRule(t *testing.T) {
	f := newHandlerFixture(t, nil)
	rule := f.createRule(t, "u1", map[string]interface{}{
		"name":     "Round up",
		"priority": 1,
		"condition": map[string]interface{}{
			"field": "amount", "operator": "gt", "numeric_value": "0",
		},
		"action": map[string]interface{}{
			"type": "save_fixed", "value": "5", "destination": "emergency_fund",
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/rules/"+rule.RuleID+"/toggle?user_id=u1", nil)
	rec := httptest.NewRecorder()
	f.rules.ToggleRule(rec, req, rule.RuleID)
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled domain.Rule
	decode(t, rec, &toggled)
	require.False(t, toggled.IsActive)

	// Missing user_id is a client error, not a lookup miss.
	req = httptest.NewRequest(http.MethodPost, "/api/rules/"+rule.RuleID+"/toggle", nil)
	rec = httptest.NewRecorder()
	f.rules.ToggleRule(rec, req, rule.RuleID)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/rules/"+rule.RuleID+"?user_id=u1", nil)
	rec = httptest.NewRecorder()
	f.rules.DeleteRule(rec, req, rule.RuleID)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/rules/"+rule.RuleID+"?user_id=u1", nil)
	rec = httptest.NewRecorder()
	f.rules.DeleteRule(rec, req, rule.RuleID)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRulesRequiresUserID(t *testing.T) {
	f := newHandlerFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	rec := httptest.NewRecorder()
	f.rules.ListRules(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddMoneyClampsAtTarget(t *testing.T) {
	f := newHandlerFixture(t, nil)
	goal := f.createGoal(t, "u1", "Deposit", "1000")

	add := func(amount string) *httptest.ResponseRecorder {
		return doJSON(t, func(w http.ResponseWriter, r *http.Request) {
			f.goals.AddMoney(w, r, goal.GoalID)
		}, http.MethodPost, "/api/goals/"+goal.GoalID+"/add-money", map[string]interface{}{
			"user_id": "u1", "amount": amount,
		})
	}

	rec := add("800")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Goal          domain.Goal     `json:"goal"`
		AppliedAmount decimal.Decimal `json:"applied_amount"`
	}
	decode(t, rec, &resp)
	require.True(t, resp.AppliedAmount.Equal(decimal.NewFromInt(800)))

	rec = add("500")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	require.True(t, resp.AppliedAmount.Equal(decimal.NewFromInt(200)))
	require.True(t, resp.Goal.CurrentAmount.Equal(decimal.NewFromInt(1000)))

	req := httptest.NewRequest(http.MethodGet, "/api/goals/"+goal.GoalID+"/contributions?user_id=u1", nil)
	rr := httptest.NewRecorder()
	f.goals.ListContributions(rr, req, goal.GoalID)
	require.Equal(t, http.StatusOK, rr.Code)
	var contribs struct {
		Count int             `json:"count"`
		Total decimal.Decimal `json:"total"`
	}
	decode(t, rr, &contribs)
	require.Equal(t, 2, contribs.Count)
	require.True(t, contribs.Total.Equal(decimal.NewFromInt(1000)))
}

func TestAddMoneyErrors(t *testing.T) {
	f := newHandlerFixture(t, nil)
	goal := f.createGoal(t, "u1", "Deposit", "1000")

	rec := doJSON(t, func(w http.ResponseWriter, r *http.Request) {
		f.goals.AddMoney(w, r, "no-such-goal")
	}, http.MethodPost, "/api/goals/no-such-goal/add-money", map[string]interface{}{
		"user_id": "u1", "amount": "100",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, func(w http.ResponseWriter, r *http.Request) {
		f.goals.AddMoney(w, r, goal.GoalID)
	}, http.MethodPost, "/api/goals/"+goal.GoalID+"/add-money", map[string]interface{}{
		"user_id": "u1", "amount": "-50",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteGoal(t *testing.T) {
	f := newHandlerFixture(t, nil)
	goal := f.createGoal(t, "u1", "Old goal", "100")

	req := httptest.NewRequest(http.MethodDelete, "/api/goals/"+goal.GoalID+"?user_id=u1", nil)
	rec := httptest.NewRecorder()
	f.goals.DeleteGoal(rec, req, goal.GoalID)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/goals/"+goal.GoalID+"?user_id=u1", nil)
	rec = httptest.NewRecorder()
	f.goals.DeleteGoal(rec, req, goal.GoalID)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
