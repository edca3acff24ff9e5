package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/conductorhq/conductor/internal/planner"
)

// Store wraps the Postgres connection and exposes the persistence surface
// for sessions, plans, executions, approvals, memories and notes.
type Store struct {
	DB *sql.DB
}

// Session modes.
const (
	SessionModeManual = "manual"
	SessionModeVoice  = "voice"
)

// Session statuses.
const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// Execution statuses. pending -> executing -> completed | failed |
// awaiting_approval; awaiting_approval -> executing | skipped.
const (
	ExecutionStatusPending          = "pending"
	ExecutionStatusExecuting        = "executing"
	ExecutionStatusCompleted        = "completed"
	ExecutionStatusFailed           = "failed"
	ExecutionStatusAwaitingApproval = "awaiting_approval"
	ExecutionStatusSkipped          = "skipped"
)

// Approval statuses. pending is the only mutable state.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusDenied   = "denied"
)

// Session is the unit of conversational continuity.
type Session struct {
	ID         string
	UserID     string
	ExternalID string
	Mode       string
	Persona    string
	Scopes     []string
	Context    map[string]interface{}
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Execution records one attempted step.
type Execution struct {
	ID               string
	PlanID           string
	StepID           string
	Tool             string
	Args             map[string]interface{}
	Result           json.RawMessage
	Error            string
	Status           string
	ApprovalRequired bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Approval gates one execution pending human sign-off.
type Approval struct {
	ID          string
	ExecutionID string
	PlanID      string
	SessionID   string
	Summary     string
	Risk        string
	Status      string
	ResolvedBy  string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// Memory is one namespaced key/value fact.
type Memory struct {
	ID        string
	Namespace string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Note is a stored note created by the notes tool.
type Note struct {
	ID        string
	SessionID string
	Text      string
	CreatedAt time.Time
}

// New constructs the Store from an explicit Postgres DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// --- users ---

// CreateUser inserts a user with a bcrypt password hash.
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (id, email, password_hash) VALUES ($1,$2,$3)`, uuid.New().String(), email, hash)
	return err
}

// GetUserByEmail returns a user's id and password hash.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// --- sessions ---

// EnsureSession creates a session for (user, external id) or returns the
// existing one; starting a session twice with the same external id never
// duplicates it.
func (s *Store) EnsureSession(ctx context.Context, userID, externalID, mode, persona string, scopes []string) (Session, error) {
	if mode == "" {
		mode = SessionModeManual
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO sessions (id, user_id, external_id, mode, persona, scopes, context, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'{}','active',NOW(),NOW())
ON CONFLICT (user_id, external_id) DO UPDATE SET updated_at = NOW()
RETURNING id, user_id, external_id, mode, persona, scopes, context, status, created_at, updated_at
`, uuid.New().String(), userID, externalID, mode, persona, pq.Array(scopes))
	return scanSession(row)
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, external_id, mode, persona, scopes, context, status, created_at, updated_at
FROM sessions WHERE id=$1
`, id)
	return scanSession(row)
}

// UpdateSessionContext replaces the session's free-form context map.
func (s *Store) UpdateSessionContext(ctx context.Context, id string, contextMap map[string]interface{}) error {
	data, err := json.Marshal(contextMap)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `UPDATE sessions SET context=$2, updated_at=NOW() WHERE id=$1`, id, data)
	return err
}

func scanSession(row *sql.Row) (Session, error) {
	var sess Session
	var scopes pq.StringArray
	var contextJSON []byte
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.ExternalID, &sess.Mode, &sess.Persona, &scopes, &contextJSON, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return Session{}, err
	}
	sess.Scopes = scopes
	if len(contextJSON) > 0 {
		_ = json.Unmarshal(contextJSON, &sess.Context)
	}
	return sess, nil
}

// --- plans ---

// CreatePlan persists a plan with its full step list as a single document.
func (s *Store) CreatePlan(ctx context.Context, p planner.Plan) error {
	goalJSON, err := json.Marshal(p.Goal)
	if err != nil {
		return fmt.Errorf("marshal goal: %w", err)
	}
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	constraintsJSON, err := json.Marshal(p.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO plans (id, session_id, goal, constraints, success_criteria, steps, summary, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
`, p.ID, p.SessionID, goalJSON, constraintsJSON, pq.Array(p.SuccessCriteria), stepsJSON, p.Summary, p.Status)
	return err
}

// GetPlan fetches a plan by id. The returned step list is exactly the list
// the plan was created with.
func (s *Store) GetPlan(ctx context.Context, id string) (planner.Plan, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, session_id, goal, constraints, success_criteria, steps, summary, status, created_at
FROM plans WHERE id=$1
`, id)
	return scanPlan(row)
}

// ListPlansBySession returns a session's plans ordered by creation time.
func (s *Store) ListPlansBySession(ctx context.Context, sessionID string) ([]planner.Plan, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, goal, constraints, success_criteria, steps, summary, status, created_at
FROM plans WHERE session_id=$1 ORDER BY created_at ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var plans []planner.Plan
	for rows.Next() {
		p, err := scanPlanRows(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// SetPlanStatus transitions a plan's status. Completed and failed plans are
// terminal and never move again.
func (s *Store) SetPlanStatus(ctx context.Context, id string, status string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE plans SET status=$2 WHERE id=$1 AND status NOT IN ('completed','failed')
`, id, status)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlanFrom(sc rowScanner) (planner.Plan, error) {
	var p planner.Plan
	var goalJSON, constraintsJSON, stepsJSON []byte
	var criteria pq.StringArray
	if err := sc.Scan(&p.ID, &p.SessionID, &goalJSON, &constraintsJSON, &criteria, &stepsJSON, &p.Summary, &p.Status, &p.CreatedAt); err != nil {
		return planner.Plan{}, err
	}
	if err := json.Unmarshal(goalJSON, &p.Goal); err != nil {
		return planner.Plan{}, fmt.Errorf("unmarshal goal: %w", err)
	}
	if len(constraintsJSON) > 0 {
		_ = json.Unmarshal(constraintsJSON, &p.Constraints)
	}
	if err := json.Unmarshal(stepsJSON, &p.Steps); err != nil {
		return planner.Plan{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	p.SuccessCriteria = criteria
	return p, nil
}

func scanPlan(row *sql.Row) (planner.Plan, error)       { return scanPlanFrom(row) }
func scanPlanRows(rows *sql.Rows) (planner.Plan, error) { return scanPlanFrom(rows) }

// --- executions ---

// CreateExecution records the attempt of one step in pending state.
func (s *Store) CreateExecution(ctx context.Context, planID string, step planner.Step) (Execution, error) {
	argsJSON, err := json.Marshal(step.Args)
	if err != nil {
		return Execution{}, fmt.Errorf("marshal args: %w", err)
	}
	exec := Execution{
		ID:               uuid.New().String(),
		PlanID:           planID,
		StepID:           step.ID,
		Tool:             step.Tool,
		Args:             step.Args,
		Status:           ExecutionStatusPending,
		ApprovalRequired: step.NeedsApproval,
	}
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO executions (id, plan_id, step_id, tool, args, status, approval_required, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
RETURNING created_at, updated_at
`, exec.ID, exec.PlanID, exec.StepID, exec.Tool, argsJSON, exec.Status, exec.ApprovalRequired).Scan(&exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// SetExecutionStatus moves an execution between non-terminal states.
func (s *Store) SetExecutionStatus(ctx context.Context, id string, status string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE executions SET status=$2, updated_at=NOW() WHERE id=$1 AND status NOT IN ('completed','failed','skipped')
`, id, status)
	return err
}

// CompleteExecution finalises an execution with its result or error.
func (s *Store) CompleteExecution(ctx context.Context, id string, status string, result json.RawMessage, errMsg string) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE executions SET status=$2, result=$3, error=$4, updated_at=NOW()
WHERE id=$1 AND status NOT IN ('completed','failed','skipped')
`, id, status, []byte(result), errMsg)
	return err
}

// GetExecution fetches one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (Execution, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, plan_id, step_id, tool, args, result, error, status, approval_required, created_at, updated_at
FROM executions WHERE id=$1
`, id)
	return scanExecution(row)
}

// ListExecutionsByPlan returns a plan's executions ordered by creation time.
func (s *Store) ListExecutionsByPlan(ctx context.Context, planID string) ([]Execution, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, plan_id, step_id, tool, args, result, error, status, approval_required, created_at, updated_at
FROM executions WHERE plan_id=$1 ORDER BY created_at ASC
`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		e, err := scanExecutionFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecutionFrom(sc rowScanner) (Execution, error) {
	var e Execution
	var argsJSON []byte
	var result []byte
	var errMsg sql.NullString
	if err := sc.Scan(&e.ID, &e.PlanID, &e.StepID, &e.Tool, &argsJSON, &result, &errMsg, &e.Status, &e.ApprovalRequired, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Execution{}, err
	}
	if len(argsJSON) > 0 {
		_ = json.Unmarshal(argsJSON, &e.Args)
	}
	e.Result = result
	e.Error = errMsg.String
	return e, nil
}

func scanExecution(row *sql.Row) (Execution, error) { return scanExecutionFrom(row) }

// --- approvals ---

// CreateApproval records a pending approval for a gated execution.
func (s *Store) CreateApproval(ctx context.Context, a Approval) (Approval, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Status = ApprovalStatusPending
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO approvals (id, execution_id, plan_id, session_id, summary, risk, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,'pending',NOW())
RETURNING created_at
`, a.ID, a.ExecutionID, a.PlanID, a.SessionID, a.Summary, a.Risk).Scan(&a.CreatedAt)
	if err != nil {
		return Approval{}, err
	}
	return a, nil
}

// GetApprovalByExecution fetches the approval gating an execution.
func (s *Store) GetApprovalByExecution(ctx context.Context, executionID string) (Approval, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, execution_id, plan_id, session_id, summary, risk, status, COALESCE(resolved_by,''), created_at, resolved_at
FROM approvals WHERE execution_id=$1
`, executionID)
	var a Approval
	err := row.Scan(&a.ID, &a.ExecutionID, &a.PlanID, &a.SessionID, &a.Summary, &a.Risk, &a.Status, &a.ResolvedBy, &a.CreatedAt, &a.ResolvedAt)
	if err == sql.ErrNoRows {
		return Approval{}, false, nil
	}
	if err != nil {
		return Approval{}, false, err
	}
	return a, true, nil
}

// ResolveApproval transitions pending -> approved|denied with compare-and-
// swap semantics: a resolved approval is never overwritten. Returns whether
// this call performed the transition.
func (s *Store) ResolveApproval(ctx context.Context, executionID string, approve bool, resolvedBy string) (bool, error) {
	status := ApprovalStatusDenied
	if approve {
		status = ApprovalStatusApproved
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE approvals SET status=$2, resolved_by=$3, resolved_at=NOW()
WHERE execution_id=$1 AND status='pending'
`, executionID, status, resolvedBy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListPendingApprovalsBySession returns unresolved approvals for a session.
func (s *Store) ListPendingApprovalsBySession(ctx context.Context, sessionID string) ([]Approval, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, execution_id, plan_id, session_id, summary, risk, status, COALESCE(resolved_by,''), created_at, resolved_at
FROM approvals WHERE session_id=$1 AND status='pending' ORDER BY created_at ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.PlanID, &a.SessionID, &a.Summary, &a.Risk, &a.Status, &a.ResolvedBy, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- memories ---

// SaveMemory upserts one namespaced key/value fact.
func (s *Store) SaveMemory(ctx context.Context, namespace, key, value string) (Memory, error) {
	m := Memory{ID: uuid.New().String(), Namespace: namespace, Key: key, Value: value}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO memories (id, namespace, key, value, created_at, updated_at)
VALUES ($1,$2,$3,$4,NOW(),NOW())
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
RETURNING id, created_at, updated_at
`, m.ID, m.Namespace, m.Key, m.Value).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return Memory{}, err
	}
	return m, nil
}

// ListMemories returns every fact in a namespace, oldest first. Used to
// rebuild the search index at boot.
func (s *Store) ListMemories(ctx context.Context, namespace string) ([]Memory, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, namespace, key, value, created_at, updated_at
FROM memories WHERE namespace=$1 ORDER BY created_at ASC
`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.Namespace, &m.Key, &m.Value, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListAllMemories returns every stored fact across namespaces.
func (s *Store) ListAllMemories(ctx context.Context) ([]Memory, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, namespace, key, value, created_at, updated_at FROM memories ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.Namespace, &m.Key, &m.Value, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- notes ---

// CreateNote stores a note created by the notes tool.
func (s *Store) CreateNote(ctx context.Context, sessionID, text string) (Note, error) {
	n := Note{ID: uuid.New().String(), SessionID: sessionID, Text: text}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO notes (id, session_id, text, created_at) VALUES ($1,$2,$3,NOW())
RETURNING created_at
`, n.ID, n.SessionID, n.Text).Scan(&n.CreatedAt)
	if err != nil {
		return Note{}, err
	}
	return n, nil
}

// ListNotesBySession returns a session's notes, oldest first.
func (s *Store) ListNotesBySession(ctx context.Context, sessionID string) ([]Note, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, text, created_at FROM notes WHERE session_id=$1 ORDER BY created_at ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Text, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
