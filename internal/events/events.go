package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted over the session stream.
const (
	TypeSessionStarted   = "session_started"
	TypeInterpretation   = "interpretation"
	TypePlan             = "plan"
	TypeStepStarted      = "step_started"
	TypeToolCall         = "tool_call"
	TypeToolResult       = "tool_result"
	TypeApprovalRequest  = "approval_request"
	TypeApprovalResolved = "approval_resolved"
	TypeLog              = "log"
	TypeError            = "error"
	TypeDone             = "done"
)

// Event is one typed, timestamped record in a session's observation log.
// Events are write-once and ordered per step; the persisted plan/execution
// rows remain the source of truth.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	PlanID     string          `json:"plan_id,omitempty"`
	StepID     string          `json:"step_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds an event with a fresh id and timestamp; payload is marshalled
// to JSON (a marshal failure degrades to a null payload rather than losing
// the event).
func New(eventType, sessionID string, payload interface{}) Event {
	var data json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = b
		}
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// WithStep tags the event with plan/step identity.
func (e Event) WithStep(planID, stepID string) Event {
	e.PlanID = planID
	e.StepID = stepID
	return e
}

// Validate ensures mandatory fields are present before emission.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	return nil
}
