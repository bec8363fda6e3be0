// Package reconciler implements the reconciliation microservice. The reconciler sweeps the stream store for
// claims left pending by ambiguous gateway outcomes or dead ledger processes, resolves each one against the
// gateway's own payment record and publishes the outcome as a settlement event.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamfi/streamd/lib/gateway"
	"github.com/streamfi/streamd/lib/msg"
	"github.com/streamfi/streamd/lib/store"
	sw "github.com/streamfi/streamd/reconciler/sweeper"
)

// Reconciler implements a reconciliation service.
type Reconciler struct {
	dbtype string
	db     store.DB
	gw     gateway.Gateway // payment gateway client
	sw     *sw.Sweeper     // sweep loop controller
	mb     msg.MsgBroker
	every  time.Duration // period between sweeps
	stale  time.Duration // age after which an unresolved claim is swept even if still CLAIM_IN_PROGRESS
	now    func() time.Time
}

// New instantiates a new reconciler service.
func New(dbtype string, db store.DB, mb msg.MsgBroker, gw gateway.Gateway, every, stale time.Duration) *Reconciler {
	return &Reconciler{
		dbtype: dbtype,
		db:     db,
		gw:     gw,
		mb:     mb,
		every:  every,
		stale:  stale,
		now:    time.Now,
	}
}

// Run starts the sweep go routine and the broker consumer for on-demand reconcile requests sent by the ledger
// service. In case of graceful termination, it waits for the sweep in progress to finish resolving and sending
// its events. The returned channel reports when the loop has fully stopped.
func (r *Reconciler) Run() chan string {
	ret := make(chan string, 1)

	// seed the sweeper with the claims already pending in the store
	pending, err := r.db.ListByState([]string{store.StreamClaiming, store.StreamReconcile})
	if err != nil {
		log.Printf("Cannot load pending claims from DB, err:%e", err)
	}

	r.sw = sw.New(pending)

	// consume reconcile requests, if there are pending requests in the broker queues they get resolved ahead of
	// the next sweep
	if r.mb != nil {
		if err = r.ManageReconcileReqs(); err != nil {
			log.Printf("Cannot consume reconcile requests from broker, err:%e", err)
		}
	}

	log.Printf("Sweeping every %s, claims go stale after %s...", r.every, r.stale)

	go func() {
		defer func() {
			ret <- fmt.Sprintf("Done! %d claims still pending", r.sw.Pending())
		}()

		for r.sw.Status() == sw.WORK {
			if n, err := r.Sweep(context.Background()); err != nil {
				log.Printf("Sweep failed, err:%e", err)
			} else if n > 0 {
				log.Printf("Sweep resolved %d claims, %d still pending", n, r.sw.Pending())
			}

			r.sw.Done(r.now())
			time.Sleep(r.every)
		}
	}()

	return ret
}

// Stop signals the sweep go routine to terminate after the pass in progress.
func (r *Reconciler) Stop() {
	if r.sw != nil {
		r.sw.Stop()
	}
}

// Sweep runs one reconciliation pass: every stream holding a pending claim is resolved against the gateway.
// Streams still CLAIM_IN_PROGRESS are only touched once their claim has gone stale, so a live ledger process is
// never raced on a fresh claim. Returns the number of claims resolved.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	ss, err := r.db.ListByState([]string{store.StreamClaiming, store.StreamReconcile, store.StreamClosed})
	if err != nil {
		return 0, fmt.Errorf("reconciler: cannot list streams: %w", err)
	}

	var n int

	for _, s := range ss {
		if s.Claim == nil {
			continue // closed streams with nothing pending
		}

		if s.State == store.StreamClaiming {
			if r.now().Sub(s.Claim.StartedAt) < r.stale {
				continue
			}
			// the owning ledger process is presumed dead
			if _, err = r.db.MarkReconcile(s.Payee, s.Claim.Key); err != nil {
				log.Printf("[%s] Cannot mark stale claim %s, err:%e", s.Payee, s.Claim.Key, err)

				continue
			}
		}

		resolved, err := r.Resolve(ctx, s.Payee, *s.Claim)
		if err != nil {
			log.Printf("[%s] Error resolving claim %s, err:%e", s.Payee, s.Claim.Key, err)

			continue
		}

		if resolved {
			n++

			if attempts, ok := r.sw.Forget(s.Claim.Key); ok && attempts > 0 {
				log.Printf("[%s] Claim %s resolved after %d sweeps", s.Payee, s.Claim.Key, attempts)
			}
		} else {
			r.sw.Note(s.Claim.Key)
		}
	}

	sweepsTotal.Inc()
	pendingClaims.Set(float64(r.sw.Pending()))

	return n, nil
}

// Resolve settles one pending claim against the gateway record under its idempotency key: a payment that landed
// is committed with the recorded delta, a payment that never happened is aborted with accrual untouched. It
// reports false while the gateway outcome is still ambiguous. Local state never advances without gateway
// confirmation.
func (r *Reconciler) Resolve(ctx context.Context, payee string, cl store.Claim) (bool, error) {
	rec, found, err := r.gw.Lookup(ctx, cl.Key)
	if err != nil {
		// still ambiguous, the next sweep retries
		return false, nil
	}

	eve := msg.SettleEvent{Payee: payee, Key: cl.Key, Kind: msg.RECONCILED}

	if found {
		if _, err = r.db.CommitClaim(payee, cl.Key, rec.Ref, cl.NewStart, cl.Amount); err != nil {
			return false, err
		}

		eve.Amount = cl.Amount.String()
		eve.Ref = rec.Ref
		log.Printf("[%s] Reconciled claim %s: payment %s had landed", payee, cl.Key, rec.Ref)
	} else {
		if _, err = r.db.AbortClaim(payee, cl.Key); err != nil {
			return false, err
		}

		log.Printf("[%s] Reconciled claim %s: payment never landed", payee, cl.Key)
	}

	claimsResolved.Inc()
	r.publish(eve)

	return true, nil
}

// ManageReconcileReqs starts a go routine to receive and resolve on-demand reconcile requests published by the
// ledger service when a claim outcome comes back ambiguous.
func (r *Reconciler) ManageReconcileReqs() error {
	var mut *sync.Mutex = new(sync.Mutex)

	mut.Lock()

	reqCh, errCh, err := r.mb.GetReconcileReqs(mut)
	if err != nil {
		return fmt.Errorf("reconciler: cannot get requests: %w", err)
	}

	// launch request channel reader
	go func() {
		log.Printf("Start listening to reconcile request channel")

		for {
			select {
			case req, ok := (<-reqCh):
				if !ok {
					log.Printf("Stop listening to reconcile request channel")

					break
				}

				log.Printf("Received request %+v", req)
				// validate request
				if req.Payee == "" || req.Key == "" {
					log.Printf("Request missing payee %q or key %q, ignoring", req.Payee, req.Key)
					mut.Unlock()

					continue
				}
				// load the pending claim and resolve it
				s, err := r.db.GetStream(req.Payee)
				if err != nil || s.Claim == nil || s.Claim.Key != req.Key {
					log.Printf("[%s] No pending claim %s to reconcile, err:%e", req.Payee, req.Key, err)
					mut.Unlock()

					continue
				}

				if resolved, err := r.Resolve(context.Background(), req.Payee, *s.Claim); err != nil {
					log.Printf("[%s] Error resolving claim %s, err:%e", req.Payee, req.Key, err)
				} else if resolved {
					r.sw.Forget(req.Key)
				} else {
					r.sw.Note(req.Key)
				}

				mut.Unlock()
			case e, ok := (<-errCh):
				if !ok {
					log.Printf("Stop listening to reconcile request channel")

					break
				}

				log.Printf("Received error %+v", e)
			}
		}
	}()

	return nil
}

// publish sends a settlement event to the broker, if one is configured.
func (r *Reconciler) publish(e msg.SettleEvent) {
	if r.mb == nil {
		return
	}

	e.ID = uuid.NewString()
	e.Ts = r.now().Unix()

	if err := r.mb.SendSettlements([]msg.SettleEvent{e}); err != nil {
		log.Printf("[%s] Error publishing settlement event:%e", e.Payee, err)
	}
}
