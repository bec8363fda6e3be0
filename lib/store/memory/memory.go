// Package memory implements the stream store interface on a mutex-guarded in-process map. It provides the same
// atomic per-payee transitions as the durable backends but no persistence, so it is only suitable for
// single-process demo deployments.
package memory

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/streamfi/streamd/lib/store"
	"github.com/streamfi/streamd/lib/util"
)

// Memory implements an in-process stream store.
type Memory struct {
	l sync.Mutex
	m map[string]store.Stream
}

// New returns an empty in-memory stream store.
func New() *Memory {
	return &Memory{m: make(map[string]store.Stream)}
}

// clone returns a copy of s detached from the map so callers cannot mutate stored state.
func clone(s store.Stream) store.Stream {
	if s.Claim != nil {
		c := *s.Claim
		s.Claim = &c
	}

	return s
}

// CreateStream saves a new ACTIVE stream unless the payee already has one that is not CLOSED. A CLOSED record is
// replaced, starting a fresh accrual period.
func (d *Memory) CreateStream(s store.Stream) (store.Stream, error) {
	d.l.Lock()
	defer d.l.Unlock()

	if prev, ok := d.m[s.Payee]; ok && prev.State != store.StreamClosed {
		return clone(prev), store.ErrAlreadyActive
	}

	s.State = store.StreamActive
	s.Claim = nil
	d.m[s.Payee] = s

	return clone(s), nil
}

// GetStream returns the stream for the payee.
func (d *Memory) GetStream(payee string) (store.Stream, error) {
	d.l.Lock()
	defer d.l.Unlock()

	s, ok := d.m[payee]
	if !ok {
		return store.Stream{}, store.ErrStreamNotFound
	}

	return clone(s), nil
}

// CloseStream transitions the stream to CLOSED from any state and returns the final record. A pending claim is
// kept on the record so reconciliation can still resolve it.
func (d *Memory) CloseStream(payee string) (store.Stream, error) {
	d.l.Lock()
	defer d.l.Unlock()

	s, ok := d.m[payee]
	if !ok {
		return store.Stream{}, store.ErrStreamNotFound
	}

	s.State = store.StreamClosed
	d.m[payee] = s

	return clone(s), nil
}

// BeginClaim atomically transitions ACTIVE -> CLAIM_IN_PROGRESS recording the pending claim. Any other state
// yields ErrClaimConflict, which covers concurrent claims and closed streams; so does an accrual start that
// moved since the caller read prevStart.
func (d *Memory) BeginClaim(payee string, prevStart time.Time, c store.Claim) (store.Stream, error) {
	d.l.Lock()
	defer d.l.Unlock()

	s, ok := d.m[payee]
	if !ok {
		return store.Stream{}, store.ErrStreamNotFound
	}

	if s.State != store.StreamActive || !s.AccrualStart.Equal(prevStart) {
		return clone(s), store.ErrClaimConflict
	}

	s.State = store.StreamClaiming
	s.Claim = &c
	d.m[payee] = s

	return clone(s), nil
}

// CommitClaim settles the pending claim matching key: adds delta to the total, advances the accrual start and
// reverts the stream to ACTIVE (a CLOSED stream stays CLOSED). Replaying a commit whose key was already applied
// returns the stream unchanged, so gateway retries never double-add.
func (d *Memory) CommitClaim(payee, key, ref string, newStart time.Time, delta decimal.Decimal) (store.Stream, error) {
	d.l.Lock()
	defer d.l.Unlock()

	s, ok := d.m[payee]
	if !ok {
		return store.Stream{}, store.ErrStreamNotFound
	}

	if s.Claim == nil || s.Claim.Key != key {
		if s.LastKey == key { // idempotent replay
			return clone(s), nil
		}

		return clone(s), store.ErrNoClaim
	}

	s.TotalClaimed = s.TotalClaimed.Add(delta)
	s.AccrualStart = newStart
	s.LastKey = key
	s.LastRef = ref
	s.Claim = nil

	if s.State != store.StreamClosed {
		s.State = store.StreamActive
	}

	d.m[payee] = s

	return clone(s), nil
}

// AbortClaim drops the pending claim matching key without touching accrual fields, reverting the stream to
// ACTIVE (a CLOSED stream stays CLOSED).
func (d *Memory) AbortClaim(payee, key string) (store.Stream, error) {
	d.l.Lock()
	defer d.l.Unlock()

	s, ok := d.m[payee]
	if !ok {
		return store.Stream{}, store.ErrStreamNotFound
	}

	if s.Claim == nil || s.Claim.Key != key {
		return clone(s), store.ErrNoClaim
	}

	s.Claim = nil

	if s.State != store.StreamClosed {
		s.State = store.StreamActive
	}

	d.m[payee] = s

	return clone(s), nil
}

// MarkReconcile flags the pending claim matching key as ambiguous, moving CLAIM_IN_PROGRESS to RECONCILE so new
// claims stay rejected until the gateway has been consulted.
func (d *Memory) MarkReconcile(payee, key string) (store.Stream, error) {
	d.l.Lock()
	defer d.l.Unlock()

	s, ok := d.m[payee]
	if !ok {
		return store.Stream{}, store.ErrStreamNotFound
	}

	if s.Claim == nil || s.Claim.Key != key {
		return clone(s), store.ErrNoClaim
	}

	if s.State == store.StreamClaiming {
		s.State = store.StreamReconcile
		d.m[payee] = s
	}

	return clone(s), nil
}

// ListByState returns all streams whose state is in states. An empty slice returns every stream.
func (d *Memory) ListByState(states []string) ([]store.Stream, error) {
	d.l.Lock()
	defer d.l.Unlock()

	out := []store.Stream{}

	for _, s := range d.m {
		if len(states) == 0 || util.In(states, s.State) {
			out = append(out, clone(s))
		}
	}

	return out, nil
}
