package gate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/store"
)

type fakeApprovals struct {
	mu        sync.Mutex
	approvals map[string]store.Approval // keyed by execution id
}

func newFakeApprovals() *fakeApprovals {
	return &fakeApprovals{approvals: map[string]store.Approval{}}
}

func (f *fakeApprovals) CreateApproval(ctx context.Context, a store.Approval) (store.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = fmt.Sprintf("appr-%d", len(f.approvals)+1)
	a.Status = store.ApprovalStatusPending
	f.approvals[a.ExecutionID] = a
	return a, nil
}

func (f *fakeApprovals) GetApprovalByExecution(ctx context.Context, executionID string) (store.Approval, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.approvals[executionID]
	return a, ok, nil
}

func (f *fakeApprovals) ResolveApproval(ctx context.Context, executionID string, approve bool, resolvedBy string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.approvals[executionID]
	if !ok || a.Status != store.ApprovalStatusPending {
		return false, nil
	}
	if approve {
		a.Status = store.ApprovalStatusApproved
	} else {
		a.Status = store.ApprovalStatusDenied
	}
	a.ResolvedBy = resolvedBy
	now := time.Now()
	a.ResolvedAt = &now
	f.approvals[executionID] = a
	return true, nil
}

func TestWaitObservesApproval(t *testing.T) {
	db := newFakeApprovals()
	g := New(db, nil)

	if _, err := g.Request(context.Background(), store.Approval{ExecutionID: "exec-1", Risk: "high"}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	done := make(chan Decision, 1)
	go func() {
		d, err := g.Wait(context.Background(), "exec-1")
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- d
	}()

	time.Sleep(20 * time.Millisecond)
	won, err := g.Resolve(context.Background(), "exec-1", true, "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !won {
		t.Fatal("first resolution should win")
	}

	select {
	case d := <-done:
		if !d.Approved || d.ResolvedBy != "alice" {
			t.Fatalf("unexpected decision: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	db := newFakeApprovals()
	g := New(db, nil)

	if _, err := g.Request(context.Background(), store.Approval{ExecutionID: "exec-1"}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if won, err := g.Resolve(context.Background(), "exec-1", false, "alice"); err != nil || !won {
		t.Fatalf("first resolve: won=%v err=%v", won, err)
	}
	// the losing call must not flip the stored decision
	if won, err := g.Resolve(context.Background(), "exec-1", true, "bob"); err != nil || won {
		t.Fatalf("second resolve: won=%v err=%v", won, err)
	}

	a, ok, err := db.GetApprovalByExecution(context.Background(), "exec-1")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if a.Status != store.ApprovalStatusDenied || a.ResolvedBy != "alice" {
		t.Fatalf("decision was overwritten: %+v", a)
	}
}

func TestNotificationWakesWaiter(t *testing.T) {
	db := newFakeApprovals()
	g := New(db, nil)

	if _, err := g.Request(context.Background(), store.Approval{ExecutionID: "exec-1"}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	done := make(chan Decision, 1)
	go func() {
		d, err := g.Wait(context.Background(), "exec-1")
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- d
	}()

	time.Sleep(20 * time.Millisecond)
	// a decision resolved on another node arrives as a channel payload
	g.handleNotification([]byte(`{"execution_id":"exec-1","approved":true,"resolved_by":"bob"}`))

	select {
	case d := <-done:
		if !d.Approved || d.ResolvedBy != "bob" {
			t.Fatalf("unexpected decision: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke on notification")
	}

	// garbage payloads are dropped without touching waiters
	g.handleNotification([]byte(`not json`))
	g.handleNotification([]byte(`{}`))
}

func TestWaitAfterResolution(t *testing.T) {
	db := newFakeApprovals()
	g := New(db, nil)

	if _, err := g.Request(context.Background(), store.Approval{ExecutionID: "exec-1"}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := g.Resolve(context.Background(), "exec-1", true, "alice"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := g.Wait(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !d.Approved {
		t.Fatalf("expected approved decision: %+v", d)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	db := newFakeApprovals()
	g := New(db, nil)
	if _, err := g.Request(context.Background(), store.Approval{ExecutionID: "exec-1"}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := g.Wait(ctx, "exec-1"); err == nil {
		t.Fatal("expected context error")
	}
}
