// Package store defines the interface for stream store implementations shared by the ledger and reconciler
// microservices. All mutating operations on a given payee are atomic per key: begin/commit/abort/mark are
// compare-and-swap transitions, so any number of concurrent claimers see exactly one winner.
package store

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DB defines required methods for ledgers and reconcilers.
type DB interface {
	// stream lifecycle
	CreateStream(s Stream) (Stream, error)
	GetStream(payee string) (Stream, error)
	CloseStream(payee string) (Stream, error)
	// claim transitions. BeginClaim only succeeds while the stream is ACTIVE and its accrual start still equals
	// prevStart (the value the claim was computed against), so a claimer holding a stale read can never settle
	// an already-claimed window.
	BeginClaim(payee string, prevStart time.Time, c Claim) (Stream, error)
	CommitClaim(payee, key, ref string, newStart time.Time, delta decimal.Decimal) (Stream, error)
	AbortClaim(payee, key string) (Stream, error)
	MarkReconcile(payee, key string) (Stream, error)
	// methods for reconciler service
	ListByState(states []string) ([]Stream, error)
}

// Errors returned.
var (
	ErrAlreadyActive  = errors.New("an active stream already exists for payee")
	ErrStreamNotFound = errors.New("stream was not found in store")
	ErrClaimConflict  = errors.New("stream is not active, claim already in progress")
	ErrNoClaim        = errors.New("no pending claim matches the given key")
)
