package sweeper

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/streamfi/streamd/lib/store"
)

func TestSweeper(t *testing.T) {
	t0 := time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)
	pending := []store.Stream{
		{Payee: "ana", State: store.StreamReconcile, Claim: &store.Claim{Key: "k1", Amount: decimal.NewFromInt(5), StartedAt: t0}},
		{Payee: "bob", State: store.StreamClaiming, Claim: &store.Claim{Key: "k2", Amount: decimal.NewFromInt(7), StartedAt: t0}},
		{Payee: "eva", State: store.StreamActive}, // no pending claim, must be skipped
	}

	s := New(pending)
	if s.Status() != WORK {
		t.Errorf("expected WORK, got %d", s.Status())
	}
	if s.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", s.Pending())
	}

	// attempts accumulate per key
	if n := s.Note("k1"); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
	if n := s.Note("k1"); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}

	if n, ok := s.Forget("k1"); !ok || n != 2 {
		t.Errorf("expected to forget k1 after 2 attempts, got %d ok:%v", n, ok)
	}
	if _, ok := s.Forget("k1"); ok {
		t.Errorf("k1 should already be forgotten")
	}
	if s.Pending() != 1 {
		t.Errorf("expected 1 pending, got %d", s.Pending())
	}

	s.Done(t0.Add(time.Minute))
	if s.Sweeps != 1 || !s.Last.Equal(t0.Add(time.Minute)) {
		t.Errorf("expected 1 sweep at t0+1m, got %d at %s", s.Sweeps, s.Last)
	}

	s.Stop()
	if s.Status() != STOP {
		t.Errorf("expected STOP, got %d", s.Status())
	}
	s.Start()
	if s.Status() != WORK {
		t.Errorf("expected WORK, got %d", s.Status())
	}
}
