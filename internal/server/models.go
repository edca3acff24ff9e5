package server

import (
	"time"

	"github.com/conductorhq/conductor/internal/planner"
	"github.com/conductorhq/conductor/internal/store"
)

// HTTPError is the generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// EnsureSessionRequest creates or resolves a session by external id.
type EnsureSessionRequest struct {
	ExternalID string   `json:"external_id"`
	Mode       string   `json:"mode"`
	Persona    string   `json:"persona"`
	Scopes     []string `json:"scopes"`
}

// SessionResponse is the API view of a session.
type SessionResponse struct {
	ID         string                 `json:"id"`
	ExternalID string                 `json:"external_id"`
	Mode       string                 `json:"mode"`
	Persona    string                 `json:"persona,omitempty"`
	Scopes     []string               `json:"scopes,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Status     string                 `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
}

func sessionResponse(s store.Session) SessionResponse {
	return SessionResponse{
		ID:         s.ID,
		ExternalID: s.ExternalID,
		Mode:       s.Mode,
		Persona:    s.Persona,
		Scopes:     s.Scopes,
		Context:    s.Context,
		Status:     s.Status,
		CreatedAt:  s.CreatedAt,
	}
}

// MessageRequest is one user message into a session.
type MessageRequest struct {
	Message string `json:"message"`
}

// PlanResponse is the API view of a plan.
type PlanResponse struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Goal            planner.Goal   `json:"goal"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
	Steps           []planner.Step `json:"steps"`
	Summary         string         `json:"summary,omitempty"`
	Status          string         `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
}

func planResponse(p planner.Plan) PlanResponse {
	return PlanResponse{
		ID:              p.ID,
		SessionID:       p.SessionID,
		Goal:            p.Goal,
		SuccessCriteria: p.SuccessCriteria,
		Steps:           p.Steps,
		Summary:         p.Summary,
		Status:          p.Status,
		CreatedAt:       p.CreatedAt,
	}
}

// ApprovalResponse is the API view of a pending or resolved approval.
type ApprovalResponse struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	PlanID      string     `json:"plan_id"`
	Summary     string     `json:"summary"`
	Risk        string     `json:"risk"`
	Status      string     `json:"status"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

func approvalResponse(a store.Approval) ApprovalResponse {
	return ApprovalResponse{
		ID:          a.ID,
		ExecutionID: a.ExecutionID,
		PlanID:      a.PlanID,
		Summary:     a.Summary,
		Risk:        a.Risk,
		Status:      a.Status,
		ResolvedBy:  a.ResolvedBy,
		CreatedAt:   a.CreatedAt,
		ResolvedAt:  a.ResolvedAt,
	}
}

// ResolveResponse reports whether this call decided the approval.
type ResolveResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Resolved    bool   `json:"resolved"`
}

// SaveMemoryRequest stores one fact.
type SaveMemoryRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MemoryResponse is the API view of one stored fact.
type MemoryResponse struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func memoryResponse(m store.Memory) MemoryResponse {
	return MemoryResponse{Namespace: m.Namespace, Key: m.Key, Value: m.Value, UpdatedAt: m.UpdatedAt}
}
