package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	gwtypes "github.com/streamfi/streamd/lib/gateway/types"
	"github.com/streamfi/streamd/lib/store"
	"github.com/streamfi/streamd/lib/store/memory"
	sw "github.com/streamfi/streamd/reconciler/sweeper"
)

// fakeGateway implements gateway.Gateway over a scripted payment record.
type fakeGateway struct {
	l         sync.Mutex
	lookupErr error
	receipts  map[string]gwtypes.Receipt
}

func (g *fakeGateway) Payer() string { return "0xfake" }

func (g *fakeGateway) Transfer(ctx context.Context, amount decimal.Decimal, key string) (string, error) {
	return "", gwtypes.ErrRejected
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

// seed opens a stream for payee and leaves a claim of 20 pending on it in the given state.
func seed(t *testing.T, db store.DB, payee, state string, t0, startedAt time.Time) store.Claim {
	t.Helper()

	if _, err := db.CreateStream(store.Stream{
		Payee: payee, Rate: decimal.NewFromInt(2), AccrualStart: t0, TotalClaimed: decimal.Zero,
	}); err != nil {
		t.Fatalf("[%s] create: %v", payee, err)
	}

	cl := store.Claim{Key: "key-" + payee, Amount: decimal.NewFromInt(20), NewStart: t0.Add(10 * time.Second), StartedAt: startedAt}
	if _, err := db.BeginClaim(payee, t0, cl); err != nil {
		t.Fatalf("[%s] begin: %v", payee, err)
	}

	if state == store.StreamReconcile {
		if _, err := db.MarkReconcile(payee, cl.Key); err != nil {
			t.Fatalf("[%s] mark: %v", payee, err)
		}
	}

	if state == store.StreamClosed {
		if _, err := db.CloseStream(payee); err != nil {
			t.Fatalf("[%s] close: %v", payee, err)
		}
	}

	return cl
}

func TestSweep(t *testing.T) {
	db := memory.New()
	gw := &fakeGateway{receipts: map[string]gwtypes.Receipt{}}
	r := New("memory", db, nil, gw, time.Second, 60*time.Second)

	t0 := time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0.Add(30 * time.Second)
	r.now = func() time.Time { return now }

	// landed payment in RECONCILE: must commit
	seed(t, db, "alba", store.StreamReconcile, t0, t0.Add(10*time.Second))
	gw.receipts["key-alba"] = gwtypes.Receipt{Ref: "0xalba", Amount: "20", Confirmed: true}

	// lost payment in RECONCILE: must abort
	seed(t, db, "bela", store.StreamReconcile, t0, t0.Add(10*time.Second))

	// fresh CLAIM_IN_PROGRESS: must not be touched
	seed(t, db, "cora", store.StreamClaiming, t0, t0.Add(20*time.Second))

	// stale CLAIM_IN_PROGRESS with the payment landed: must commit
	seed(t, db, "dina", store.StreamClaiming, t0, t0.Add(-120*time.Second))
	gw.receipts["key-dina"] = gwtypes.Receipt{Ref: "0xdina", Amount: "20", Confirmed: true}

	// closed stream with a pending claim landed: must commit into the closed record
	seed(t, db, "elsa", store.StreamClosed, t0, t0.Add(10*time.Second))
	gw.receipts["key-elsa"] = gwtypes.Receipt{Ref: "0xelsa", Amount: "20", Confirmed: true}

	r.sw = sw.New(nil)

	n, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 resolved, got %d", n)
	}

	cases := []struct {
		payee, state string
		total        int64
		start        time.Time
	}{
		{"alba", store.StreamActive, 20, t0.Add(10 * time.Second)},
		{"bela", store.StreamActive, 0, t0},
		{"cora", store.StreamClaiming, 0, t0},
		{"dina", store.StreamActive, 20, t0.Add(10 * time.Second)},
		{"elsa", store.StreamClosed, 20, t0.Add(10 * time.Second)},
	}
	for _, c := range cases {
		s, err := db.GetStream(c.payee)
		if err != nil {
			t.Fatalf("[%s] get: %v", c.payee, err)
		}
		if s.State != c.state || !s.TotalClaimed.Equal(decimal.NewFromInt(c.total)) || !s.AccrualStart.Equal(c.start) {
			t.Errorf("[%s] got %s total:%s start:%s, expected %s total:%d start:%s",
				c.payee, s.State, s.TotalClaimed, s.AccrualStart, c.state, c.total, c.start)
		}
		if c.state != store.StreamClaiming && s.Claim != nil {
			t.Errorf("[%s] expected no pending claim, got %+v", c.payee, s.Claim)
		}
	}
}

func TestSweepAmbiguous(t *testing.T) {
	db := memory.New()
	gw := &fakeGateway{receipts: map[string]gwtypes.Receipt{}, lookupErr: gwtypes.ErrUnknown}
	r := New("memory", db, nil, gw, time.Second, 60*time.Second)

	t0 := time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return t0.Add(30 * time.Second) }

	cl := seed(t, db, "gala", store.StreamReconcile, t0, t0.Add(10*time.Second))
	r.sw = sw.New(nil)

	// while the gateway cannot answer, the claim stays pending and attempts are counted
	for i := 1; i <= 3; i++ {
		n, err := r.Sweep(context.Background())
		if err != nil || n != 0 {
			t.Fatalf("sweep %d: resolved %d err:%v", i, n, err)
		}
	}

	if attempts, ok := r.sw.Forget(cl.Key); !ok || attempts != 3 {
		t.Errorf("expected 3 attempts pending, got %d ok:%v", attempts, ok)
	}

	s, err := db.GetStream("gala")
	if err != nil || s.State != store.StreamReconcile || !s.TotalClaimed.IsZero() {
		t.Errorf("expected untouched RECONCILE stream, got %+v err:%v", s, err)
	}
}
