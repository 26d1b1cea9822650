package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aegisflow/aegis/internal/ctxkey"
	"github.com/aegisflow/aegis/internal/domain/execution"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/service"
)

// evaluateBody is the request payload for /v1/evaluate and /v1/resolve.
type evaluateBody struct {
	RequestID string                   `json:"request_id,omitempty"`
	Context   policy.EvaluationContext `json:"context"`
	PolicyIDs []string                 `json:"policy_ids,omitempty"`
	DryRun    bool                     `json:"dry_run,omitempty"`
	Trace     bool                     `json:"trace,omitempty"`
}

// routeBody is the request payload for /v1/route.
type routeBody struct {
	RequestID     string                   `json:"request_id,omitempty"`
	ActionContext policy.EvaluationContext `json:"action_context"`
	Requester     service.Requester        `json:"requester"`
	Priority      string                   `json:"priority,omitempty"`
	RuleFilter    []string                 `json:"rule_filter,omitempty"`
	DryRun        bool                     `json:"dry_run,omitempty"`
}

// handleEvaluate runs the policy enforcement agent.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		s.metrics.RequestDuration.WithLabelValues("evaluate").Observe(time.Since(start).Seconds())
	}()

	var body evaluateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, CodeStructural, "malformed request body: "+err.Error())
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	resp, err := s.enforcement.Evaluate(r.Context(), execInput(r), service.EvaluateRequest{
		RequestID: body.RequestID,
		Context:   body.Context,
		PolicyIDs: body.PolicyIDs,
		DryRun:    body.DryRun,
		Trace:     body.Trace,
	})
	if err != nil {
		s.writeAgentError(w, err)
		return
	}

	if outcome, ok := resp.Event.Outputs["outcome"].(string); ok {
		s.metrics.EvaluationsTotal.WithLabelValues(service.AgentPolicyEnforcement, outcome).Inc()
	}
	if resp.Cached {
		s.metrics.CacheHitsTotal.Inc()
	} else {
		s.metrics.CacheMissesTotal.Inc()
	}
	s.writeAgentResponse(w, resp)
}

// handleResolve runs the constraint solver agent. Traces are always on
// for resolution calls.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		s.metrics.RequestDuration.WithLabelValues("resolve").Observe(time.Since(start).Seconds())
	}()

	var body evaluateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, CodeStructural, "malformed request body: "+err.Error())
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	resp, err := s.solver.Resolve(r.Context(), execInput(r), service.EvaluateRequest{
		RequestID: body.RequestID,
		Context:   body.Context,
		PolicyIDs: body.PolicyIDs,
		DryRun:    body.DryRun,
		Trace:     true,
	})
	if err != nil {
		s.writeAgentError(w, err)
		return
	}

	if outcome, ok := resp.Event.Outputs["outcome"].(string); ok {
		s.metrics.EvaluationsTotal.WithLabelValues(service.AgentConstraintSolver, outcome).Inc()
	}
	s.writeAgentResponse(w, resp)
}

// handleRoute runs the approval routing agent.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		s.metrics.RequestDuration.WithLabelValues("route").Observe(time.Since(start).Seconds())
	}()

	var body routeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, CodeStructural, "malformed request body: "+err.Error())
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	resp, err := s.router.Route(r.Context(), execInput(r), service.RouteRequest{
		RequestID:     body.RequestID,
		ActionContext: body.ActionContext,
		Requester:     body.Requester,
		Priority:      body.Priority,
		RuleFilter:    body.RuleFilter,
		DryRun:        body.DryRun,
	})
	if err != nil {
		s.writeAgentError(w, err)
		return
	}

	if outcome, ok := resp.Event.Outputs["outcome"].(string); ok {
		s.metrics.EvaluationsTotal.WithLabelValues(service.AgentApprovalRouter, outcome).Inc()
	}
	s.writeAgentResponse(w, resp)
}

// handleApprovalStatus exposes the approval-state lookup contract.
func (s *Server) handleApprovalStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.router.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if status == nil {
		writeJSON(w, http.StatusOK, response{Success: true, Data: nil})
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: status})
}

// Policy administration handlers. Create and update pass the governance
// validator; archive does not. All append to the audit chain.

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodePolicy(w, r)
	if !ok {
		return
	}
	result, err := s.admin.Create(r.Context(), p, actorFrom(r), ctxkey.CorrelationID(r.Context()))
	s.writeMutationResult(w, result, err, p.ID, http.StatusCreated)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodePolicy(w, r)
	if !ok {
		return
	}
	if id := chi.URLParam(r, "id"); id != "" && id != p.ID {
		writeError(w, http.StatusBadRequest, CodeStructural, "path id does not match body id")
		return
	}
	result, err := s.admin.Update(r.Context(), p, actorFrom(r), ctxkey.CorrelationID(r.Context()))
	s.writeMutationResult(w, result, err, p.ID, http.StatusOK)
}

func (s *Server) handleArchivePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.admin.Archive(r.Context(), id, actorFrom(r), ctxkey.CorrelationID(r.Context())); err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: map[string]any{"id": id, "status": "archived"}})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: policies})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Find(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("version"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: p})
}

// handleAuditTrail returns the audit chain for one policy together with
// any verification gaps.
func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.auditStore.ListByPolicy(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	gaps, err := s.admin.VerifyAuditChain(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: map[string]any{
		"entries": entries,
		"gaps":    gaps,
	}})
}

// handleAgents lists registered agents.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Success: true, Data: s.registry.List()})
}

// handleHealthz reports engine and cache health.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":                 "ok",
		"policies_loaded":        s.engine.PolicyCount(),
		"policy_set_fingerprint": s.engine.PolicySetFingerprint(),
	}
	if stats := s.engine.CacheStats(); stats != nil {
		payload["cache"] = stats
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) decodePolicy(w http.ResponseWriter, r *http.Request) (*policy.Policy, bool) {
	var p policy.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, CodeStructural, "malformed policy: "+err.Error())
		return nil, false
	}
	return &p, true
}

func (s *Server) writeMutationResult(w http.ResponseWriter, result service.GovernanceResult, err error, id string, okStatus int) {
	var rejection *service.GovernanceRejectionError
	if errors.As(err, &rejection) {
		writeErrorDetails(w, http.StatusUnprocessableEntity, CodeGovernance,
			"governance validation rejected the mutation", rejection.Result)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeStructural, err.Error())
		return
	}
	writeJSON(w, okStatus, response{Success: true, Data: map[string]any{
		"id":         id,
		"governance": result,
	}})
}

// writeAgentResponse renders the uniform decision envelope.
func (s *Server) writeAgentResponse(w http.ResponseWriter, resp *service.AgentResponse) {
	repo := resp.RepoSpan
	payload := decisionPayload{
		Event:   resp.Event,
		Allowed: resp.Allowed,
		Cached:  resp.Cached,
	}
	if resp.Trace != nil {
		payload.Trace = resp.Trace
	}

	envelope := &executionEnvelope{
		RepoSpan:   &repo,
		AgentSpans: resp.AgentSpans,
	}
	if repo.Status == execution.StatusFailed && len(resp.AgentSpans) == 0 {
		writeJSON(w, http.StatusInternalServerError, response{
			Success:   false,
			Error:     &apiError{Code: CodeExecutionInvariant, Message: execution.ErrNoAgentSpan.Error()},
			Execution: envelope,
		})
		return
	}
	writeJSON(w, http.StatusOK, response{
		Success:   true,
		Data:      payload,
		Execution: envelope,
	})
}

func (s *Server) writeAgentError(w http.ResponseWriter, err error) {
	if errors.Is(err, execution.ErrNoAgentSpan) {
		writeError(w, http.StatusInternalServerError, CodeExecutionInvariant, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
}

func execInput(r *http.Request) service.ExecutionInput {
	ctx := r.Context()
	return service.ExecutionInput{
		ExecutionID:   ctxkey.ExecutionID(ctx),
		ParentSpanID:  ctxkey.ParentSpanID(ctx),
		CorrelationID: ctxkey.CorrelationID(ctx),
		SessionID:     r.Header.Get("x-session-id"),
	}
}

func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("x-actor"); actor != "" {
		return actor
	}
	return "api"
}
