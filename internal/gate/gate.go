package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conductorhq/conductor/internal/store"
)

// Channel carries cross-node approval notifications.
const Channel = "conductor:approvals"

// Approvals is the slice of the store the gate needs.
type Approvals interface {
	CreateApproval(ctx context.Context, a store.Approval) (store.Approval, error)
	GetApprovalByExecution(ctx context.Context, executionID string) (store.Approval, bool, error)
	ResolveApproval(ctx context.Context, executionID string, approve bool, resolvedBy string) (bool, error)
}

// PubSub is the redis surface used for cross-node fan-out; nil keeps the
// gate in-process only.
type PubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Decision is one resolved approval.
type Decision struct {
	ExecutionID string `json:"execution_id"`
	Approved    bool   `json:"approved"`
	ResolvedBy  string `json:"resolved_by"`
}

// Gate suspends high-risk executions until a human approves or denies them.
// The store row is the source of truth; channels only wake local waiters, so
// a decision that lands between persist and Wait is still observed via the
// initial lookup and the poll fallback.
type Gate struct {
	db     Approvals
	pub    PubSub
	logger *log.Logger
	stop   context.CancelFunc

	mu      sync.Mutex
	waiters map[string][]chan Decision

	pollEvery time.Duration
}

// New builds an approval gate. When pub is non-nil the gate subscribes to
// Channel so decisions resolved on other nodes wake local waiters; Close
// stops that subscription.
func New(db Approvals, pub PubSub) *Gate {
	g := &Gate{
		db:        db,
		pub:       pub,
		logger:    log.New(log.Writer(), "[GATE] ", log.LstdFlags),
		waiters:   make(map[string][]chan Decision),
		pollEvery: 2 * time.Second,
	}
	if pub != nil {
		g.listen()
	}
	return g
}

// Close stops the cross-node subscription, if any.
func (g *Gate) Close() {
	if g.stop != nil {
		g.stop()
	}
}

func (g *Gate) listen() {
	ctx, cancel := context.WithCancel(context.Background())
	g.stop = cancel
	sub := g.pub.Subscribe(ctx, Channel)
	go func() {
		defer sub.Close()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				g.handleNotification([]byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// handleNotification feeds a decision published by another node into the
// local waiters. Resolve on this node already notified them, so a duplicate
// is a harmless no-op.
func (g *Gate) handleNotification(payload []byte) {
	var d Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		g.logger.Printf("bad approval notification: %v", err)
		return
	}
	if d.ExecutionID == "" {
		return
	}
	g.notify(d)
}

// Request records a pending approval for the execution.
func (g *Gate) Request(ctx context.Context, a store.Approval) (store.Approval, error) {
	created, err := g.db.CreateApproval(ctx, a)
	if err != nil {
		return store.Approval{}, fmt.Errorf("create approval: %w", err)
	}
	g.logger.Printf("approval requested for execution %s (risk=%s)", created.ExecutionID, created.Risk)
	return created, nil
}

// Resolve applies an approve/deny decision. The first resolution wins; later
// calls return false with no error and no side effects.
func (g *Gate) Resolve(ctx context.Context, executionID string, approve bool, resolvedBy string) (bool, error) {
	won, err := g.db.ResolveApproval(ctx, executionID, approve, resolvedBy)
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	if !won {
		return false, nil
	}

	d := Decision{ExecutionID: executionID, Approved: approve, ResolvedBy: resolvedBy}
	g.notify(d)
	if g.pub != nil {
		payload, _ := json.Marshal(d)
		if err := g.pub.Publish(ctx, Channel, payload).Err(); err != nil {
			g.logger.Printf("publish approval for %s: %v", executionID, err)
		}
	}
	return true, nil
}

// Wait blocks until the execution's approval is resolved or ctx is done.
func (g *Gate) Wait(ctx context.Context, executionID string) (Decision, error) {
	ch := make(chan Decision, 1)
	g.mu.Lock()
	g.waiters[executionID] = append(g.waiters[executionID], ch)
	g.mu.Unlock()
	defer g.drop(executionID, ch)

	// the decision may already be persisted
	if d, ok, err := g.lookup(ctx, executionID); err != nil {
		return Decision{}, err
	} else if ok {
		return d, nil
	}

	ticker := time.NewTicker(g.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case d := <-ch:
			return d, nil
		case <-ticker.C:
			if d, ok, err := g.lookup(ctx, executionID); err != nil {
				return Decision{}, err
			} else if ok {
				return d, nil
			}
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	}
}

func (g *Gate) lookup(ctx context.Context, executionID string) (Decision, bool, error) {
	a, found, err := g.db.GetApprovalByExecution(ctx, executionID)
	if err != nil {
		return Decision{}, false, fmt.Errorf("load approval: %w", err)
	}
	if !found || a.Status == store.ApprovalStatusPending {
		return Decision{}, false, nil
	}
	return Decision{
		ExecutionID: executionID,
		Approved:    a.Status == store.ApprovalStatusApproved,
		ResolvedBy:  a.ResolvedBy,
	}, true, nil
}

func (g *Gate) notify(d Decision) {
	g.mu.Lock()
	chans := g.waiters[d.ExecutionID]
	delete(g.waiters, d.ExecutionID)
	g.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- d:
		default:
		}
	}
}

func (g *Gate) drop(executionID string, ch chan Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	chans := g.waiters[executionID]
	for i, c := range chans {
		if c == ch {
			g.waiters[executionID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(g.waiters[executionID]) == 0 {
		delete(g.waiters, executionID)
	}
}
