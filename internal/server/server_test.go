package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/conductorhq/conductor/internal/events"
	"github.com/conductorhq/conductor/internal/gate"
	"github.com/conductorhq/conductor/internal/interpreter"
	"github.com/conductorhq/conductor/internal/planner"
	"github.com/conductorhq/conductor/internal/session"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/tools"
)

var testSecret = []byte("test-secret")

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := SignJWT(userID, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	return "Bearer " + tok
}

// --- auth ---

func TestSignupAndLogin(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	st := &store.Store{DB: db}
	h := &AuthHandler{Store: st, Secret: testSecret}
	e := echo.New()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (id, email, password_hash) VALUES ($1,$2,$3)`)).
		WithArgs(sqlmock.AnyArg(), "a@b.c", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(`{"email":"a@b.c","password":"longenough"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.signup(e.NewContext(req, rec)); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status %d", rec.Code)
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte("longenough"), bcrypt.DefaultCost)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, password_hash FROM users WHERE email=$1`)).
		WithArgs("a@b.c").
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow("user-1", string(hash)))

	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@b.c","password":"longenough"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	if err := h.login(e.NewContext(req, rec)); err != nil {
		t.Fatalf("login: %v", err)
	}
	var tok TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil || tok.Token == "" {
		t.Fatalf("no token in response: %s", rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	next := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	err := withAuth(next, testSecret)(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

// --- shared fakes ---

type fakeSessionDB struct {
	mu       sync.Mutex
	sessions map[string]store.Session
	byKey    map[string]string
}

func newFakeSessionDB() *fakeSessionDB {
	return &fakeSessionDB{sessions: map[string]store.Session{}, byKey: map[string]string{}}
}

func (f *fakeSessionDB) EnsureSession(ctx context.Context, userID, externalID, mode, persona string, scopes []string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "|" + externalID
	if id, ok := f.byKey[key]; ok {
		return f.sessions[id], nil
	}
	sess := store.Session{
		ID:         fmt.Sprintf("sess-%d", len(f.sessions)+1),
		UserID:     userID,
		ExternalID: externalID,
		Mode:       mode,
		Persona:    persona,
		Scopes:     scopes,
		Status:     store.SessionStatusActive,
		CreatedAt:  time.Now(),
	}
	f.sessions[sess.ID] = sess
	f.byKey[key] = sess.ID
	return sess, nil
}

func (f *fakeSessionDB) GetSession(ctx context.Context, id string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.Session{}, fmt.Errorf("not found")
	}
	return sess, nil
}

func (f *fakeSessionDB) UpdateSessionContext(ctx context.Context, id string, contextMap map[string]interface{}) error {
	return nil
}

type fakePlanStore struct {
	mu         sync.Mutex
	plans      map[string]planner.Plan
	execSeq    int
	executions map[string]*store.Execution
}

func newFakePlanStore() *fakePlanStore {
	return &fakePlanStore{plans: map[string]planner.Plan{}, executions: map[string]*store.Execution{}}
}

func (f *fakePlanStore) CreatePlan(ctx context.Context, p planner.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[p.ID] = p
	return nil
}

func (f *fakePlanStore) ListPlansBySession(ctx context.Context, sessionID string) ([]planner.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []planner.Plan
	for _, p := range f.plans {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePlanStore) CreateExecution(ctx context.Context, planID string, step planner.Step) (store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execSeq++
	exec := store.Execution{ID: fmt.Sprintf("exec-%d", f.execSeq), PlanID: planID, StepID: step.ID, Tool: step.Tool, Status: store.ExecutionStatusPending}
	f.executions[exec.ID] = &exec
	return exec, nil
}

func (f *fakePlanStore) SetExecutionStatus(ctx context.Context, id string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exec, ok := f.executions[id]; ok {
		exec.Status = status
	}
	return nil
}

func (f *fakePlanStore) CompleteExecution(ctx context.Context, id string, status string, result json.RawMessage, errMsg string) error {
	return f.SetExecutionStatus(ctx, id, status)
}

func (f *fakePlanStore) SetPlanStatus(ctx context.Context, id string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.plans[id]; ok {
		p.Status = status
		f.plans[id] = p
	}
	return nil
}

type stubInterpreter struct{ goal planner.Goal }

func (s stubInterpreter) Interpret(ctx context.Context, message string, sess interpreter.SessionContext) (planner.Goal, error) {
	return s.goal, nil
}

type stubPlanner struct{ steps []planner.Step }

func (s stubPlanner) BuildPlan(ctx context.Context, sessionID string, goal planner.Goal, memories []planner.MemorySnippet, catalog []planner.ToolInfo) (planner.Plan, error) {
	return planner.Plan{ID: "plan-1", SessionID: sessionID, Goal: goal, Steps: s.steps, Status: planner.StatusPlanning, CreatedAt: time.Now()}, nil
}

type okDispatcher struct{}

func (okDispatcher) Dispatch(ctx context.Context, call tools.Call) tools.Result {
	return tools.Succeed(map[string]interface{}{"tool": call.Tool})
}

type stubCatalog struct{}

func (stubCatalog) Catalog() []planner.ToolInfo { return nil }

type approveAllGate struct{}

func (approveAllGate) Request(ctx context.Context, a store.Approval) (store.Approval, error) {
	return a, nil
}

func (approveAllGate) Wait(ctx context.Context, executionID string) (gate.Decision, error) {
	return gate.Decision{ExecutionID: executionID, Approved: true}, nil
}

func newTestHandler(db *fakeSessionDB, plans *fakePlanStore, steps []planner.Step) *SessionsHandler {
	pipe := &Pipeline{
		Interpreter: stubInterpreter{goal: planner.Goal{Text: "weather and a note", SuccessCriteria: []string{"done"}}},
		Planner:     stubPlanner{steps: steps},
		Store:       plans,
		Dispatcher:  okDispatcher{},
		Catalog:     stubCatalog{},
		Gate:        approveAllGate{},
	}
	return &SessionsHandler{
		Sessions: session.New(db, nil),
		Plans:    plans,
		Pipeline: pipe,
	}
}

func setupSessionAPI(t *testing.T, h *SessionsHandler) *echo.Echo {
	t.Helper()
	e := echo.New()
	h.Register(e.Group("/api/sessions"), testSecret)
	return e
}

// --- sessions ---

func TestEnsureSessionEndpointIdempotent(t *testing.T) {
	h := newTestHandler(newFakeSessionDB(), newFakePlanStore(), nil)
	e := setupSessionAPI(t, h)

	post := func() SessionResponse {
		req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"external_id":"ext-1","mode":"manual"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set("Authorization", bearer(t, "user-1"))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("ensure status %d: %s", rec.Code, rec.Body.String())
		}
		var resp SessionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	first := post()
	second := post()
	if first.ID != second.ID {
		t.Fatalf("expected idempotent ensure, got %s and %s", first.ID, second.ID)
	}
}

func TestGetSessionHidesOtherUsers(t *testing.T) {
	db := newFakeSessionDB()
	sess, _ := db.EnsureSession(context.Background(), "user-1", "ext-1", "manual", "", nil)
	h := newTestHandler(db, newFakePlanStore(), nil)
	e := setupSessionAPI(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.ID, nil)
	req.Header.Set("Authorization", bearer(t, "user-2"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign session, got %d", rec.Code)
	}
}

func streamedEventTypes(t *testing.T, body string) []string {
	t.Helper()
	var types []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		types = append(types, ev.Type)
	}
	return types
}

func TestMessageStreamsFullEventSequence(t *testing.T) {
	db := newFakeSessionDB()
	sess, _ := db.EnsureSession(context.Background(), "user-1", "ext-1", "manual", "", nil)
	steps := []planner.Step{
		{ID: "weather", Tool: "weather.get", Risk: planner.RiskLow},
		{ID: "note", Tool: "notes.create", Risk: planner.RiskLow},
	}
	h := newTestHandler(db, newFakePlanStore(), steps)
	e := setupSessionAPI(t, h)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID+"/messages", strings.NewReader(`{"message":"weather in Paris and note the trip"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", bearer(t, "user-1"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	types := streamedEventTypes(t, rec.Body.String())

	counts := map[string]int{}
	for _, typ := range types {
		counts[typ]++
	}
	if counts[events.TypeSessionStarted] != 1 || counts[events.TypeInterpretation] != 1 || counts[events.TypePlan] != 1 {
		t.Fatalf("missing lifecycle events: %v", types)
	}
	if counts[events.TypeToolResult] != 2 {
		t.Fatalf("expected 2 tool_result events, got %v", types)
	}
	if types[len(types)-1] != events.TypeDone {
		t.Fatalf("stream must end with done: %v", types)
	}
	if types[0] != events.TypeSessionStarted {
		t.Fatalf("stream must start with session_started: %v", types)
	}
}

func TestMessageStreamsNDJSON(t *testing.T) {
	db := newFakeSessionDB()
	sess, _ := db.EnsureSession(context.Background(), "user-1", "ext-1", "manual", "", nil)
	h := newTestHandler(db, newFakePlanStore(), []planner.Step{{ID: "s", Tool: "search.web"}})
	e := setupSessionAPI(t, h)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID+"/messages?format=ndjson", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", bearer(t, "user-1"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	dec := events.NewDecoder(strings.NewReader(rec.Body.String()))
	var last events.Event
	seen := 0
	for {
		ev, err := dec.Decode()
		if err != nil {
			break
		}
		last = ev
		seen++
	}
	if seen < 4 {
		t.Fatalf("expected full event sequence, got %d frames", seen)
	}
	if last.Type != events.TypeDone {
		t.Fatalf("expected trailing done, got %s", last.Type)
	}
}

func TestMessageRequiresBody(t *testing.T) {
	db := newFakeSessionDB()
	sess, _ := db.EnsureSession(context.Background(), "user-1", "ext-1", "manual", "", nil)
	h := newTestHandler(db, newFakePlanStore(), nil)
	e := setupSessionAPI(t, h)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID+"/messages", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", bearer(t, "user-1"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// --- approvals ---

type fakeResolver struct {
	mu       sync.Mutex
	resolved map[string]string
}

func (f *fakeResolver) Resolve(ctx context.Context, executionID string, approve bool, resolvedBy string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.resolved[executionID]; done {
		return false, nil
	}
	status := store.ApprovalStatusDenied
	if approve {
		status = store.ApprovalStatusApproved
	}
	f.resolved[executionID] = status
	return true, nil
}

type fakeApprovalReader struct {
	resolver *fakeResolver
}

func (f *fakeApprovalReader) GetExecution(ctx context.Context, id string) (store.Execution, error) {
	if id == "missing" {
		return store.Execution{}, fmt.Errorf("not found")
	}
	return store.Execution{ID: id}, nil
}

func (f *fakeApprovalReader) GetApprovalByExecution(ctx context.Context, executionID string) (store.Approval, bool, error) {
	f.resolver.mu.Lock()
	defer f.resolver.mu.Unlock()
	status, ok := f.resolver.resolved[executionID]
	if !ok {
		status = store.ApprovalStatusPending
	}
	return store.Approval{ID: "appr-1", ExecutionID: executionID, SessionID: "sess-1", Status: status}, true, nil
}

func (f *fakeApprovalReader) GetSession(ctx context.Context, id string) (store.Session, error) {
	if id != "sess-1" {
		return store.Session{}, fmt.Errorf("not found")
	}
	return store.Session{ID: "sess-1", UserID: "user-1"}, nil
}

func (f *fakeApprovalReader) ListPendingApprovalsBySession(ctx context.Context, sessionID string) ([]store.Approval, error) {
	f.resolver.mu.Lock()
	defer f.resolver.mu.Unlock()
	if _, done := f.resolver.resolved["exec-1"]; done {
		return nil, nil
	}
	return []store.Approval{{ID: "appr-1", ExecutionID: "exec-1", SessionID: sessionID, Status: store.ApprovalStatusPending}}, nil
}

func TestApproveIsIdempotent(t *testing.T) {
	resolver := &fakeResolver{resolved: map[string]string{}}
	h := &ApprovalsHandler{Gate: resolver, Store: &fakeApprovalReader{resolver: resolver}}
	e := echo.New()
	h.Register(e.Group("/api/executions"), testSecret)

	post := func(action string) ResolveResponse {
		req := httptest.NewRequest(http.MethodPost, "/api/executions/exec-1/"+action, nil)
		req.Header.Set("Authorization", bearer(t, "user-1"))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status %d: %s", action, rec.Code, rec.Body.String())
		}
		var resp ResolveResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	first := post("approve")
	if !first.Resolved || first.Status != store.ApprovalStatusApproved {
		t.Fatalf("first approve: %+v", first)
	}
	// denying an approved execution is a no-op, not an error
	second := post("deny")
	if second.Resolved || second.Status != store.ApprovalStatusApproved {
		t.Fatalf("second resolve must be a no-op: %+v", second)
	}
}

func TestApproveForeignExecutionHidden(t *testing.T) {
	resolver := &fakeResolver{resolved: map[string]string{}}
	h := &ApprovalsHandler{Gate: resolver, Store: &fakeApprovalReader{resolver: resolver}}
	e := echo.New()
	h.Register(e.Group("/api/executions"), testSecret)

	// exec-1 belongs to user-1's session; user-2 must not be able to resolve it
	req := httptest.NewRequest(http.MethodPost, "/api/executions/exec-1/approve", nil)
	req.Header.Set("Authorization", bearer(t, "user-2"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign execution, got %d", rec.Code)
	}
	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if len(resolver.resolved) != 0 {
		t.Fatalf("approval was resolved by a foreign user: %v", resolver.resolved)
	}
}

func TestListPendingApprovalsHidesOtherUsers(t *testing.T) {
	resolver := &fakeResolver{resolved: map[string]string{}}
	h := &ApprovalsHandler{Gate: resolver, Store: &fakeApprovalReader{resolver: resolver}}
	e := echo.New()
	g := e.Group("/api/sessions")
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, testSecret) })
	h.RegisterSessionRoutes(g)

	get := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1/approvals", nil)
		req.Header.Set("Authorization", bearer(t, userID))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := get("user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner listing status %d: %s", rec.Code, rec.Body.String())
	}
	var out []ApprovalResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || len(out) != 1 {
		t.Fatalf("owner should see the pending approval: %s", rec.Body.String())
	}

	if rec := get("user-2"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign session, got %d", rec.Code)
	}
}

func TestApproveUnknownExecution(t *testing.T) {
	resolver := &fakeResolver{resolved: map[string]string{}}
	h := &ApprovalsHandler{Gate: resolver, Store: &fakeApprovalReader{resolver: resolver}}
	e := echo.New()
	h.Register(e.Group("/api/executions"), testSecret)

	req := httptest.NewRequest(http.MethodPost, "/api/executions/missing/approve", nil)
	req.Header.Set("Authorization", bearer(t, "user-1"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// --- memory ---

type fakeMemory struct {
	saved map[string]store.Memory
}

func (f *fakeMemory) Save(ctx context.Context, namespace, key, value string) (store.Memory, error) {
	m := store.Memory{Namespace: namespace, Key: key, Value: value, UpdatedAt: time.Now()}
	f.saved[namespace+"/"+key] = m
	return m, nil
}

func (f *fakeMemory) Search(ctx context.Context, namespace, query string) ([]store.Memory, error) {
	var out []store.Memory
	for _, m := range f.saved {
		if m.Namespace == namespace && strings.Contains(m.Value, query) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMemory) List(ctx context.Context, namespace string) ([]store.Memory, error) {
	var out []store.Memory
	for _, m := range f.saved {
		if m.Namespace == namespace {
			out = append(out, m)
		}
	}
	return out, nil
}

func TestMemorySaveAndQuery(t *testing.T) {
	h := &MemoryHandler{Memory: &fakeMemory{saved: map[string]store.Memory{}}}
	e := echo.New()
	h.Register(e.Group("/api/memory"), testSecret)

	req := httptest.NewRequest(http.MethodPost, "/api/memory/travel", strings.NewReader(`{"key":"trip","value":"Paris in June"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", bearer(t, "user-1"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("save status %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/memory/travel?q=Paris", nil)
	req.Header.Set("Authorization", bearer(t, "user-1"))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query status %d", rec.Code)
	}
	var out []MemoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || len(out) != 1 {
		t.Fatalf("expected one hit: %s", rec.Body.String())
	}
}
