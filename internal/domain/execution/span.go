// Package execution models the causal span tree each request carries:
// one repo-level span wrapping one agent-level span per agent invocation.
package execution

import (
	"errors"
	"time"
)

// Span types.
const (
	SpanRepo  = "repo"
	SpanAgent = "agent"
)

// Span statuses. Transitions: running -> completed | failed. A span is
// never mutated after its status leaves running.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNoAgentSpan reports a finished request that produced no agent span.
var ErrNoAgentSpan = errors.New("execution invariant violated: no agent span recorded")

// Artifact is an opaque output reference attached to a span.
type Artifact struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Reference      string `json:"reference"`
	ProducerSpanID string `json:"producer_span_id"`
}

// Span is one node of the execution tree.
type Span struct {
	Type         string     `json:"type"`
	SpanID       string     `json:"span_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	RepoName     string     `json:"repo_name"`
	AgentName    string     `json:"agent_name,omitempty"`
	Status       string     `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Tracker builds the span tree for one request: a repo span parented to
// the caller's external span, with agent spans beneath it. Trackers are
// request-scoped and not safe for concurrent use.
type Tracker struct {
	repo   *Span
	agents []*Span
	newID  func() string
	now    func() time.Time
}

// NewTracker opens the repo span under the supplied external parent.
func NewTracker(repoName, parentSpanID string, newID func() string, now func() time.Time) *Tracker {
	return &Tracker{
		repo: &Span{
			Type:         SpanRepo,
			SpanID:       newID(),
			ParentSpanID: parentSpanID,
			RepoName:     repoName,
			Status:       StatusRunning,
			StartTime:    now(),
		},
		newID: newID,
		now:   now,
	}
}

// StartAgent opens an agent span beneath the repo span.
func (t *Tracker) StartAgent(agentName string) *Span {
	s := &Span{
		Type:         SpanAgent,
		SpanID:       t.newID(),
		ParentSpanID: t.repo.SpanID,
		RepoName:     t.repo.RepoName,
		AgentName:    agentName,
		Status:       StatusRunning,
		StartTime:    t.now(),
	}
	t.agents = append(t.agents, s)
	return s
}

// AttachArtifact records an artifact on a span while it is running.
func (t *Tracker) AttachArtifact(s *Span, artifactType, reference string) {
	if s.Status != StatusRunning {
		return
	}
	s.Artifacts = append(s.Artifacts, Artifact{
		ID:             t.newID(),
		Type:           artifactType,
		Reference:      reference,
		ProducerSpanID: s.SpanID,
	})
}

// FinishAgent finalizes an agent span. A non-empty errMsg marks it failed.
func (t *Tracker) FinishAgent(s *Span, errMsg string) {
	finish(s, t.now(), errMsg)
}

// Finish finalizes the repo span and enforces the agent-span invariant:
// every repo span must have produced at least one agent span. Agent spans
// still running are failed first so finalization happens in reverse
// order of creation.
func (t *Tracker) Finish(errMsg string) error {
	for i := len(t.agents) - 1; i >= 0; i-- {
		if t.agents[i].Status == StatusRunning {
			finish(t.agents[i], t.now(), "span left running at request exit")
		}
	}

	if len(t.agents) == 0 {
		finish(t.repo, t.now(), ErrNoAgentSpan.Error())
		return ErrNoAgentSpan
	}
	finish(t.repo, t.now(), errMsg)
	return nil
}

// RepoSpan returns the repo span.
func (t *Tracker) RepoSpan() Span {
	return *t.repo
}

// AgentSpans returns the agent spans in creation order.
func (t *Tracker) AgentSpans() []Span {
	out := make([]Span, len(t.agents))
	for i, s := range t.agents {
		out[i] = *s
	}
	return out
}

func finish(s *Span, at time.Time, errMsg string) {
	if s.Status != StatusRunning {
		return
	}
	end := at
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	s.EndTime = &end
	if errMsg != "" {
		s.Status = StatusFailed
		s.Error = errMsg
	} else {
		s.Status = StatusCompleted
	}
}
