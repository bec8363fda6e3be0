// Package msg defines the interface for different message brokers.
//
package msg

import (
	"sync"
)

// Kinds of settlement outcome carried by a SettleEvent.
const (
	COMMITTED  = "COMMITTED"
	ABORTED    = "ABORTED"
	RECONCILED = "RECONCILED"
)

// SettleEvent defines the message published whenever a claim resolves: committed against the gateway, aborted
// locally, or settled later by the reconciler.
type SettleEvent struct {
	ID     string `json:"id"`            // unique event id
	Payee  string `json:"payee"`
	Key    string `json:"key"`           // idempotency key of the claim
	Amount string `json:"amount"`        // settled amount, empty on abort
	Ref    string `json:"ref,omitempty"` // payment reference, set on commit
	Kind   string `json:"kind"`
	Ts     int64  `json:"ts"` // unix seconds
}

// ReconcileReq defines the message that the ledger service publishes to ask the reconciler to resolve an
// ambiguous claim for a payee.
type ReconcileReq struct {
	Payee string `json:"payee"`
	Key   string `json:"key"`
}

type MsgBroker interface {
	Setup(interface{}) error
	Close() error

	// methods for ledger service
	SendReconcileReq(r ReconcileReq) error
	GetSettlements(mut *sync.Mutex) (<-chan SettleEvent, <-chan error, error)

	// methods for reconciler service
	GetReconcileReqs(mut *sync.Mutex) (<-chan ReconcileReq, <-chan error, error)

	// used by both services to publish claim outcomes
	SendSettlements(evs []SettleEvent) error
}
