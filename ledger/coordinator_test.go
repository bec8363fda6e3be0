package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	gwtypes "github.com/streamfi/streamd/lib/gateway/types"
	"github.com/streamfi/streamd/lib/store"
	"github.com/streamfi/streamd/lib/store/memory"
)

// fakeGateway implements gateway.Gateway against an in-memory payment record, so claim outcomes can be scripted.
type fakeGateway struct {
	l         sync.Mutex
	transfers int
	errMode   error                     // nil commits, gwtypes.ErrRejected rejects, gwtypes.ErrUnknown is ambiguous
	landed    bool                      // when errMode is ErrUnknown, whether the payment actually landed
	lookupErr error                     // forces Lookup to stay ambiguous
	receipts  map[string]gwtypes.Receipt
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{receipts: map[string]gwtypes.Receipt{}}
}

func (g *fakeGateway) Payer() string { return "0xfake" }

func (g *fakeGateway) Transfer(ctx context.Context, amount decimal.Decimal, key string) (string, error) {
	g.l.Lock()
	defer g.l.Unlock()
	g.transfers++

	if g.errMode != nil {
		if errors.Is(g.errMode, gwtypes.ErrUnknown) && g.landed {
			g.receipts[key] = gwtypes.Receipt{Ref: fmt.Sprintf("0xtx%04d", g.transfers), Amount: amount.String(), Confirmed: true}
		}

		return "", g.errMode
	}

	r := gwtypes.Receipt{Ref: fmt.Sprintf("0xtx%04d", g.transfers), Amount: amount.String(), Confirmed: true}
	g.receipts[key] = r

	return r.Ref, nil
}

func (g *fakeGateway) Lookup(ctx context.Context, key string) (gwtypes.Receipt, bool, error) {
	g.l.Lock()
	defer g.l.Unlock()

	if g.lookupErr != nil {
		return gwtypes.Receipt{}, false, g.lookupErr
	}

	r, ok := g.receipts[key]

	return r, ok, nil
}

func (g *fakeGateway) Close() {}

func (g *fakeGateway) count() int {
	g.l.Lock()
	defer g.l.Unlock()

	return g.transfers
}

func testPolicy() Policy {
	return Policy{
		MinClaim:       decimal.NewFromInt(1),
		Decimals:       2,
		GatewayTimeout: time.Second,
		StaleClaim:     60 * time.Second,
	}
}

// newCoordinator returns a coordinator over a fresh memory store and fake gateway, with a settable clock.
func newCoordinator(t *testing.T) (*Coordinator, *fakeGateway, *time.Time) {
	t.Helper()

	gw := newFakeGateway()
	co := NewCoordinator(memory.New(), gw, nil, testPolicy())

	now := time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)
	co.now = func() time.Time { return now }

	return co, gw, &now
}

func TestClaimLifecycle(t *testing.T) {
	co, gw, now := newCoordinator(t)
	t0 := *now

	s, err := co.Start("saksham", decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State != store.StreamActive {
		t.Errorf("expected ACTIVE, got %s", s.State)
	}

	// 10 seconds at 2 units/s accrues 20
	*now = t0.Add(10 * time.Second)
	bal, elapsed, err := co.Balance("saksham")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(20)) || elapsed != 10 {
		t.Errorf("expected 20 after 10s, got %s after %vs", bal, elapsed)
	}

	s, ref, amount, err := co.Claim(context.Background(), "saksham", decimal.Zero)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !amount.Equal(decimal.NewFromInt(20)) || ref == "" {
		t.Errorf("expected 20 paid with a ref, got %s / %q", amount, ref)
	}
	if !s.TotalClaimed.Equal(decimal.NewFromInt(20)) || s.State != store.StreamActive {
		t.Errorf("expected total 20 ACTIVE, got %s %s", s.TotalClaimed, s.State)
	}
	if gw.count() != 1 {
		t.Errorf("expected 1 transfer, got %d", gw.count())
	}

	// accrual restarts at the claim boundary: 5 more seconds accrues 10, not 30
	*now = t0.Add(15 * time.Second)
	if bal, _, err = co.Balance("saksham"); err != nil || !bal.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected 10 after claim, got %s err:%v", bal, err)
	}

	// second claim settles the remainder, then the stream closes keeping its total
	if _, _, amount, err = co.Claim(context.Background(), "saksham", decimal.Zero); err != nil || !amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("second claim: %s err:%v", amount, err)
	}

	if s, err = co.End("saksham"); err != nil || s.State != store.StreamClosed || !s.TotalClaimed.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("end: %+v err:%v", s, err)
	}

	// a closed stream accrues nothing
	*now = t0.Add(100 * time.Second)
	if bal, _, err = co.Balance("saksham"); err != nil || !bal.IsZero() {
		t.Errorf("expected zero balance on closed stream, got %s err:%v", bal, err)
	}
}

func TestClaimBelowMinimum(t *testing.T) {
	co, gw, now := newCoordinator(t)
	t0 := *now

	if _, err := co.Start("ana", decimal.NewFromInt(2)); err != nil {
		t.Fatalf("start: %v", err)
	}

	// nothing accrued yet
	if _, _, _, err := co.Claim(context.Background(), "ana", decimal.Zero); !errors.Is(err, ErrBelowMinimum) {
		t.Errorf("expected ErrBelowMinimum, got %v", err)
	}

	// below the per-request threshold
	*now = t0.Add(10 * time.Second)
	if _, _, _, err := co.Claim(context.Background(), "ana", decimal.NewFromInt(50)); !errors.Is(err, ErrBelowMinimum) {
		t.Errorf("expected ErrBelowMinimum, got %v", err)
	}

	// validation failures must not touch the stream
	if gw.count() != 0 {
		t.Errorf("expected no transfers, got %d", gw.count())
	}
	s, err := co.db.GetStream("ana")
	if err != nil || s.State != store.StreamActive || !s.AccrualStart.Equal(t0) {
		t.Errorf("expected untouched ACTIVE stream, got %+v err:%v", s, err)
	}
}

func TestClaimRejected(t *testing.T) {
	co, gw, now := newCoordinator(t)
	t0 := *now

	if _, err := co.Start("marc", decimal.NewFromInt(2)); err != nil {
		t.Fatalf("start: %v", err)
	}

	*now = t0.Add(10 * time.Second)
	gw.errMode = gwtypes.ErrRejected

	if _, _, _, err := co.Claim(context.Background(), "marc", decimal.Zero); !errors.Is(err, gwtypes.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	// rejection rolls back: accrual keeps running from the original start
	s, err := co.db.GetStream("marc")
	if err != nil || s.State != store.StreamActive || !s.AccrualStart.Equal(t0) || !s.TotalClaimed.IsZero() {
		t.Errorf("expected rollback to ACTIVE at t0, got %+v err:%v", s, err)
	}

	// once the gateway recovers the full window is claimable again
	gw.errMode = nil
	if _, _, amount, err := co.Claim(context.Background(), "marc", decimal.Zero); err != nil || !amount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected 20 after retry, got %s err:%v", amount, err)
	}
}

func TestClaimAmbiguousThenNotDelivered(t *testing.T) {
	co, gw, now := newCoordinator(t)
	t0 := *now

	if _, err := co.Start("tom", decimal.NewFromInt(2)); err != nil {
		t.Fatalf("start: %v", err)
	}

	*now = t0.Add(10 * time.Second)
	gw.errMode = gwtypes.ErrUnknown
	gw.lookupErr = gwtypes.ErrUnknown // outcome not yet observable

	if _, _, _, err := co.Claim(context.Background(), "tom", decimal.Zero); !errors.Is(err, gwtypes.ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}

	s, err := co.db.GetStream("tom")
	if err != nil || s.State != store.StreamReconcile || s.Claim == nil {
		t.Fatalf("expected RECONCILE with pending claim, got %+v err:%v", s, err)
	}

	// while the outcome stays ambiguous, further claims are refused
	if _, _, _, err = co.Claim(context.Background(), "tom", decimal.Zero); !errors.Is(err, ErrClaimInProgress) {
		t.Errorf("expected ErrClaimInProgress, got %v", err)
	}

	// the gateway becomes reachable and reports the payment never landed: abort, accrual untouched
	gw.lookupErr = nil

	resolved, err := co.Reconcile(context.Background(), "tom")
	if err != nil || !resolved {
		t.Fatalf("reconcile: resolved=%v err:%v", resolved, err)
	}

	if s, err = co.db.GetStream("tom"); err != nil || s.State != store.StreamActive ||
		!s.AccrualStart.Equal(t0) || !s.TotalClaimed.IsZero() {
		t.Errorf("expected ACTIVE at t0 with zero total, got %+v err:%v", s, err)
	}
}

func TestClaimAmbiguousThenDelivered(t *testing.T) {
	co, gw, now := newCoordinator(t)
	t0 := *now

	if _, err := co.Start("zoe", decimal.NewFromInt(2)); err != nil {
		t.Fatalf("start: %v", err)
	}

	*now = t0.Add(10 * time.Second)
	gw.errMode = gwtypes.ErrUnknown
	gw.landed = true // payment went through but confirmation was lost

	if _, _, _, err := co.Claim(context.Background(), "zoe", decimal.Zero); !errors.Is(err, gwtypes.ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}

	resolved, err := co.Reconcile(context.Background(), "zoe")
	if err != nil || !resolved {
		t.Fatalf("reconcile: resolved=%v err:%v", resolved, err)
	}

	// the payment is committed exactly once with the recorded delta and the accrual window advances
	s, err := co.db.GetStream("zoe")
	if err != nil || s.State != store.StreamActive || !s.TotalClaimed.Equal(decimal.NewFromInt(20)) ||
		!s.AccrualStart.Equal(t0.Add(10*time.Second)) || s.LastRef == "" {
		t.Errorf("expected committed claim, got %+v err:%v", s, err)
	}
}

func TestClaimRecoversStaleClaim(t *testing.T) {
	co, gw, now := newCoordinator(t)
	t0 := *now

	if _, err := co.Start("leo", decimal.NewFromInt(2)); err != nil {
		t.Fatalf("start: %v", err)
	}

	// simulate a ledger process that began a claim and died before resolving it, with the payment landed
	*now = t0.Add(10 * time.Second)
	cl := store.Claim{Key: "dead-key", Amount: decimal.NewFromInt(20), NewStart: t0.Add(10 * time.Second), StartedAt: *now}
	if _, err := co.db.BeginClaim("leo", t0, cl); err != nil {
		t.Fatalf("begin: %v", err)
	}
	gw.receipts["dead-key"] = gwtypes.Receipt{Ref: "0xdead", Amount: "20", Confirmed: true}

	// a fresh claim arriving before the staleness cutoff is refused
	if _, _, _, err := co.Claim(context.Background(), "leo", decimal.Zero); !errors.Is(err, ErrClaimInProgress) {
		t.Fatalf("expected ErrClaimInProgress, got %v", err)
	}

	// past the cutoff the stale claim is reconciled (committed, since it landed) and the new window claimed
	*now = t0.Add(90 * time.Second)
	s, _, amount, err := co.Claim(context.Background(), "leo", decimal.Zero)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// 80 seconds left in the window after the reconciled claim consumed the first 10
	if !amount.Equal(decimal.NewFromInt(160)) {
		t.Errorf("expected 160, got %s", amount)
	}
	if !s.TotalClaimed.Equal(decimal.NewFromInt(180)) {
		t.Errorf("expected total 180, got %s", s.TotalClaimed)
	}
}

func TestConcurrentClaims(t *testing.T) {
	co, gw, now := newCoordinator(t)
	t0 := *now

	if _, err := co.Start("eva", decimal.NewFromInt(2)); err != nil {
		t.Fatalf("start: %v", err)
	}
	*now = t0.Add(10 * time.Second)

	const n = 16

	var wg sync.WaitGroup

	var l sync.Mutex

	var wins, conflicts int

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _, _, err := co.Claim(context.Background(), "eva", decimal.Zero)

			l.Lock()
			defer l.Unlock()

			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrClaimInProgress) || errors.Is(err, ErrBelowMinimum):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// exactly one claim settles the window; the rest lose the transition race or find nothing left to claim
	if wins != 1 || gw.count() != 1 {
		t.Errorf("expected exactly 1 winner and 1 transfer, got %d winners, %d transfers", wins, gw.count())
	}

	s, err := co.db.GetStream("eva")
	if err != nil || !s.TotalClaimed.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected total 20, got %+v err:%v", s, err)
	}
}

func TestClaimOnClosedStream(t *testing.T) {
	co, _, _ := newCoordinator(t)

	if _, err := co.Start("ivy", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := co.End("ivy"); err != nil {
		t.Fatalf("end: %v", err)
	}

	if _, _, _, err := co.Claim(context.Background(), "ivy", decimal.Zero); !errors.Is(err, store.ErrClaimConflict) {
		t.Errorf("expected conflict on closed stream, got %v", err)
	}

	if _, err := co.Start("nobody", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, _, err := co.Claim(context.Background(), "missing", decimal.Zero); !errors.Is(err, store.ErrStreamNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	co, _, _ := newCoordinator(t)

	if _, err := co.Start("", decimal.NewFromInt(1)); !errors.Is(err, ErrNoPayee) {
		t.Errorf("expected ErrNoPayee, got %v", err)
	}
	if _, err := co.Start("bob", decimal.NewFromInt(-1)); !errors.Is(err, ErrBadRate) {
		t.Errorf("expected ErrBadRate, got %v", err)
	}

	if _, err := co.Start("bob", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := co.Start("bob", decimal.NewFromInt(2)); !errors.Is(err, store.ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}
}
