package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stream states.
const (
	StreamActive    = "ACTIVE"
	StreamClaiming  = "CLAIM_IN_PROGRESS"
	StreamReconcile = "RECONCILE"
	StreamClosed    = "CLOSED"
)

// Claim contains the fields of a pending settlement saved to DB. It is written by BeginClaim and survives a
// process restart, so a reconciler can resolve it against the gateway by Key.
type Claim struct {
	Key       string          `json:"key" bson:"key"`            // idempotency key for the gateway
	Amount    decimal.Decimal `json:"amount" bson:"amount"`      // quantized amount being settled
	NewStart  time.Time       `json:"newStart" bson:"newStart"`  // accrual start to apply on commit
	StartedAt time.Time       `json:"startedAt" bson:"startedAt"`
}

// Stream contains the fields for a payee's stream record saved to DB.
type Stream struct {
	Payee        string          `json:"payee" bson:"payee"`
	Rate         decimal.Decimal `json:"rate" bson:"rate"` // units per second
	AccrualStart time.Time       `json:"accrualStart" bson:"accrualStart"`
	TotalClaimed decimal.Decimal `json:"totalClaimed" bson:"totalClaimed"`
	State        string          `json:"state" bson:"state"`
	Claim        *Claim          `json:"claim,omitempty" bson:"claim,omitempty"` // set while a claim is unresolved
	LastKey      string          `json:"lastKey,omitempty" bson:"lastKey,omitempty"` // key of the last committed claim
	LastRef      string          `json:"lastRef,omitempty" bson:"lastRef,omitempty"` // payment reference of the last commit
}
