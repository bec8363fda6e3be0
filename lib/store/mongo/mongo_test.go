//go:build integration
// +build integration

package mongo

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/streamfi/streamd/lib/store"
)

// TestMongo exercises the stream lifecycle against a live MongoDB at localhost:27017.
func TestMongo(t *testing.T) {
	m, err := New("mongodb://localhost:27017")
	if err != nil {
		t.Fatalf("err:%v", err)
	}
	defer m.CloseMongo()

	t0 := time.Now().UTC().Truncate(time.Millisecond) // mongo stores ms precision
	payee := "it-payee"

	// clean up any record left from a previous run
	_, _ = m.CloseStream(payee)
	if _, err = m.CreateStream(store.Stream{Payee: payee, Rate: decimal.NewFromInt(2), AccrualStart: t0, TotalClaimed: decimal.Zero}); err != nil {
		t.Fatalf("create err:%v", err)
	}

	if _, err = m.CreateStream(store.Stream{Payee: payee, Rate: decimal.NewFromInt(2), AccrualStart: t0, TotalClaimed: decimal.Zero}); !errors.Is(err, store.ErrAlreadyActive) {
		t.Errorf("duplicate create err:%v expected ErrAlreadyActive", err)
	}

	c := store.Claim{Key: "it-k1", Amount: decimal.NewFromInt(20), NewStart: t0.Add(10 * time.Second), StartedAt: time.Now()}

	s, err := m.BeginClaim(payee, t0, c)
	if err != nil || s.State != store.StreamClaiming {
		t.Errorf("begin err:%v state:%s", err, s.State)
	}

	if _, err = m.BeginClaim(payee, t0, c); !errors.Is(err, store.ErrClaimConflict) {
		t.Errorf("second begin err:%v expected ErrClaimConflict", err)
	}

	s, err = m.CommitClaim(payee, "it-k1", "0xref", c.NewStart, c.Amount)
	if err != nil || s.State != store.StreamActive || !s.TotalClaimed.Equal(decimal.NewFromInt(20)) {
		t.Errorf("commit err:%v stream:%+v", err, s)
	}

	// idempotent replay
	s, err = m.CommitClaim(payee, "it-k1", "0xref", c.NewStart, c.Amount)
	if err != nil || !s.TotalClaimed.Equal(decimal.NewFromInt(20)) {
		t.Errorf("replay err:%v total:%s", err, s.TotalClaimed)
	}

	s, err = m.CloseStream(payee)
	if err != nil || s.State != store.StreamClosed {
		t.Errorf("close err:%v state:%s", err, s.State)
	}
}
