package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/streamfi/streamd/lib/accrual"
	"github.com/streamfi/streamd/lib/gateway"
	gwtypes "github.com/streamfi/streamd/lib/gateway/types"
	"github.com/streamfi/streamd/lib/msg"
	"github.com/streamfi/streamd/lib/store"
)

// Policy holds the claim policy knobs shared by all streams.
type Policy struct {
	MinClaim       decimal.Decimal // smallest claimable amount, in asset units
	Decimals       int32           // asset base-unit precision claims are quantized to
	GatewayTimeout time.Duration   // bound on a gateway transfer call
	StaleClaim     time.Duration   // age after which an unresolved claim is force-reconciled
	Token          string          // asset contract address, for reporting
	Payout         string          // destination wallet, for reporting
}

// Errors returned to client requests.
var (
	ErrNoPayee         = errors.New("undefined payee - missing in uri")
	ErrBadRate         = errors.New("rate must be a non-negative decimal")
	ErrClaimInProgress = errors.New("a claim is already in progress for payee")
	ErrBelowMinimum    = errors.New("claimable amount below minimum")
)

// Coordinator orchestrates claims end-to-end with an at-most-one-settlement guarantee per logical claim. The
// only mutual exclusion it relies on is the store's atomic per-payee transitions; the gateway call runs under a
// bounded timeout and local state commits only once the gateway has confirmed the payment.
type Coordinator struct {
	db  store.DB
	gw  gateway.Gateway
	mb  msg.MsgBroker
	pol Policy
	now func() time.Time // clock source, replaceable in tests
}

// NewCoordinator returns a settlement coordinator over the given store, gateway and broker. The broker may be
// nil, in which case no events are published.
func NewCoordinator(db store.DB, gw gateway.Gateway, mb msg.MsgBroker, pol Policy) *Coordinator {
	return &Coordinator{db: db, gw: gw, mb: mb, pol: pol, now: time.Now}
}

// claimKey derives the idempotency key for a logical claim: the same payee, accrual window and amount always
// produce the same key, so a retried payment deduplicates at the gateway.
func claimKey(payee string, start time.Time, amount decimal.Decimal) string {
	h := sha256.Sum256([]byte(payee + "|" + strconv.FormatInt(start.UnixNano(), 10) + "|" + amount.String()))

	return hex.EncodeToString(h[:])
}

// Start creates an ACTIVE stream for the payee accruing at rate units/second from now.
func (c *Coordinator) Start(payee string, rate decimal.Decimal) (store.Stream, error) {
	if payee == "" {
		return store.Stream{}, ErrNoPayee
	}

	if rate.IsNegative() {
		return store.Stream{}, ErrBadRate
	}

	return c.db.CreateStream(store.Stream{
		Payee:        payee,
		Rate:         rate,
		AccrualStart: c.now(),
		TotalClaimed: decimal.Zero,
	})
}

// Balance returns the currently claimable amount and elapsed seconds for the payee, computed against the last
// committed accrual start. It never blocks on an in-progress claim. A missing or closed stream reports zero.
func (c *Coordinator) Balance(payee string) (decimal.Decimal, float64, error) {
	s, err := c.db.GetStream(payee)
	if err != nil {
		return decimal.Zero, 0, err
	}

	if s.State == store.StreamClosed {
		return decimal.Zero, 0, nil
	}

	now := c.now()
	claimable := accrual.Quantize(accrual.Claimable(s.Rate, s.AccrualStart, now), c.pol.Decimals)

	elapsed := now.Sub(s.AccrualStart).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	return claimable, elapsed, nil
}

// End closes the stream from any state and returns the final record with its cumulative total. A pending claim
// survives on the closed record until reconciliation resolves it.
func (c *Coordinator) End(payee string) (store.Stream, error) {
	return c.db.CloseStream(payee)
}

// Claim settles the accrued balance for the payee against the payment gateway. min, when positive, raises the
// claim threshold above the configured policy minimum for this request.
//
// A stream found mid-claim is rejected with ErrClaimInProgress unless its claim is stale or already marked for
// reconciliation, in which case the coordinator reconciles it first and retries once.
func (c *Coordinator) Claim(ctx context.Context, payee string, min decimal.Decimal) (s store.Stream, ref string, amount decimal.Decimal, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		var cur store.Stream

		if cur, err = c.db.GetStream(payee); err != nil {
			return store.Stream{}, "", decimal.Zero, err
		}

		switch cur.State {
		case store.StreamClosed:
			return cur, "", decimal.Zero, store.ErrClaimConflict

		case store.StreamReconcile:
			if resolved, errRec := c.Reconcile(ctx, payee); errRec != nil || !resolved {
				return cur, "", decimal.Zero, ErrClaimInProgress
			}

			continue // reconciled, re-read and claim the remaining window

		case store.StreamClaiming:
			if cur.Claim == nil || c.now().Sub(cur.Claim.StartedAt) < c.pol.StaleClaim {
				return cur, "", decimal.Zero, ErrClaimInProgress
			}
			// claim went stale (ie. a ledger process died mid-claim): force reconciliation
			log.Printf("[%s] claim %s stale for %s, reconciling", payee, cur.Claim.Key, c.now().Sub(cur.Claim.StartedAt))

			if _, errMark := c.db.MarkReconcile(payee, cur.Claim.Key); errMark != nil && !errors.Is(errMark, store.ErrNoClaim) {
				return cur, "", decimal.Zero, errMark
			}

			if resolved, errRec := c.Reconcile(ctx, payee); errRec != nil || !resolved {
				return cur, "", decimal.Zero, ErrClaimInProgress
			}

			continue

		case store.StreamActive:
			return c.settle(ctx, cur, min)
		}
	}

	return s, "", decimal.Zero, ErrClaimInProgress
}

// settle runs one claim attempt against an ACTIVE stream snapshot.
func (c *Coordinator) settle(ctx context.Context, cur store.Stream, min decimal.Decimal) (store.Stream, string, decimal.Decimal, error) {
	now := c.now()
	amount := accrual.Quantize(accrual.Claimable(cur.Rate, cur.AccrualStart, now), c.pol.Decimals)

	threshold := c.pol.MinClaim
	if min.GreaterThan(threshold) {
		threshold = min
	}

	// validation failure mutates nothing
	if amount.IsZero() || amount.LessThan(threshold) {
		return cur, "", decimal.Zero, fmt.Errorf("claimable %s < %s: %w", amount, threshold, ErrBelowMinimum)
	}

	key := claimKey(cur.Payee, cur.AccrualStart, amount)
	newStart := accrual.Window(cur.Rate, amount, cur.AccrualStart)
	cl := store.Claim{Key: key, Amount: amount, NewStart: newStart, StartedAt: now}

	if _, err := c.db.BeginClaim(cur.Payee, cur.AccrualStart, cl); err != nil {
		if errors.Is(err, store.ErrClaimConflict) {
			return cur, "", decimal.Zero, ErrClaimInProgress
		}

		return cur, "", decimal.Zero, err
	}

	// the gateway call is the only slow suspension point; it runs holding no lock but the payee's own
	// CLAIM_IN_PROGRESS marker, under a bounded timeout
	ctxGw, cancel := context.WithTimeout(ctx, c.pol.GatewayTimeout)
	defer cancel()

	started := time.Now()
	ref, errGw := c.gw.Transfer(ctxGw, amount, key)
	gatewaySeconds.Observe(time.Since(started).Seconds())

	switch {
	case errGw == nil:
		s, err := c.db.CommitClaim(cur.Payee, key, ref, newStart, amount)
		if err != nil {
			// the payment landed but the commit failed: leave the pending claim for reconciliation
			log.Printf("[%s] commit after confirmed payment %s failed: %v", cur.Payee, ref, err)
			c.requestReconcile(cur.Payee, key)

			return cur, "", decimal.Zero, err
		}

		claimsCommitted.Inc()
		c.publish(msg.SettleEvent{Payee: cur.Payee, Key: key, Amount: amount.String(), Ref: ref, Kind: msg.COMMITTED})
		log.Printf("[%s] claimed %s, paid as %s", cur.Payee, amount, ref)

		return s, ref, amount, nil

	case errors.Is(errGw, gwtypes.ErrUnknown):
		// ambiguous: the payment may have landed, so nothing is committed and nothing is rolled back
		if _, errMark := c.db.MarkReconcile(cur.Payee, key); errMark != nil {
			log.Printf("[%s] could not mark claim %s for reconciliation: %v", cur.Payee, key, errMark)
		}

		claimsUnknown.Inc()
		c.requestReconcile(cur.Payee, key)

		return cur, "", decimal.Zero, errGw

	default:
		// permanent rejection: revert to ACTIVE with accrual untouched
		if _, errAb := c.db.AbortClaim(cur.Payee, key); errAb != nil {
			log.Printf("[%s] could not abort claim %s: %v", cur.Payee, key, errAb)
		}

		claimsAborted.Inc()
		c.publish(msg.SettleEvent{Payee: cur.Payee, Key: key, Kind: msg.ABORTED})

		return cur, "", decimal.Zero, errGw
	}
}

// Reconcile resolves a pending claim for the payee by querying the gateway's own record under its idempotency
// key: a payment that landed is committed with the recorded delta, a payment that never happened is aborted with
// accrual untouched. It reports false while the gateway outcome is still ambiguous. Local state never advances
// without gateway confirmation.
func (c *Coordinator) Reconcile(ctx context.Context, payee string) (bool, error) {
	cur, err := c.db.GetStream(payee)
	if err != nil {
		return false, err
	}

	if cur.Claim == nil {
		return true, nil
	}

	cl := *cur.Claim

	rec, found, err := c.gw.Lookup(ctx, cl.Key)
	if err != nil {
		log.Printf("[%s] reconciliation of claim %s still ambiguous: %v", payee, cl.Key, err)

		return false, nil
	}

	if found {
		if _, err = c.db.CommitClaim(payee, cl.Key, rec.Ref, cl.NewStart, cl.Amount); err != nil {
			return false, err
		}

		claimsReconciled.Inc()
		c.publish(msg.SettleEvent{Payee: payee, Key: cl.Key, Amount: cl.Amount.String(), Ref: rec.Ref, Kind: msg.RECONCILED})
		log.Printf("[%s] reconciled claim %s: payment %s had landed", payee, cl.Key, rec.Ref)

		return true, nil
	}

	if _, err = c.db.AbortClaim(payee, cl.Key); err != nil {
		return false, err
	}

	claimsReconciled.Inc()
	c.publish(msg.SettleEvent{Payee: payee, Key: cl.Key, Kind: msg.RECONCILED})
	log.Printf("[%s] reconciled claim %s: payment never landed", payee, cl.Key)

	return true, nil
}

// publish sends a settlement event to the broker, if one is configured.
func (c *Coordinator) publish(e msg.SettleEvent) {
	if c.mb == nil {
		return
	}

	e.ID = uuid.NewString()
	e.Ts = c.now().Unix()

	if err := c.mb.SendSettlements([]msg.SettleEvent{e}); err != nil {
		log.Printf("[%s] error publishing settlement event: %v", e.Payee, err)
	}
}

// requestReconcile asks the reconciler service to resolve an ambiguous claim.
func (c *Coordinator) requestReconcile(payee, key string) {
	if c.mb == nil {
		return
	}

	if err := c.mb.SendReconcileReq(msg.ReconcileReq{Payee: payee, Key: key}); err != nil {
		log.Printf("[%s] error publishing reconcile request: %v", payee, err)
	}
}
