package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/execution"
)

// Error codes surfaced on the wire.
const (
	CodeExecutionContext   = "EXECUTION_CONTEXT_ERROR"
	CodeExecutionInvariant = "EXECUTION_INVARIANT_ERROR"
	CodeStructural         = "STRUCTURAL_ERROR"
	CodeGovernance         = "GOVERNANCE_ERROR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotFound           = "NOT_FOUND"
	CodeInternal           = "INTERNAL_ERROR"
)

// apiError is the structured error payload.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// executionEnvelope always accompanies a decision response.
type executionEnvelope struct {
	RepoSpan   *execution.Span  `json:"repo_span"`
	AgentSpans []execution.Span `json:"agent_spans"`
}

// response is the uniform wire format: success, data xor error, and the
// execution span tree.
type response struct {
	Success   bool               `json:"success"`
	Data      any                `json:"data,omitempty"`
	Error     *apiError          `json:"error,omitempty"`
	Execution *executionEnvelope `json:"execution,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, response{
		Success: false,
		Error:   &apiError{Code: code, Message: message},
	})
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, response{
		Success: false,
		Error:   &apiError{Code: code, Message: message, Details: details},
	})
}

// decisionPayload is the data member of a decision response: the event
// plus caller conveniences.
type decisionPayload struct {
	decision.Event
	Allowed bool `json:"allowed"`
	Cached  bool `json:"cached,omitempty"`
	Trace   any  `json:"trace,omitempty"`
}
