// Package types common payment gateway types.
package types

import (
	"errors"
)

// Receipt is the gateway's record of a settled transfer, queried by idempotency key during reconciliation.
type Receipt struct {
	Ref       string `json:"ref"`    // payment reference (ie. transaction hash)
	Amount    string `json:"amount"` // asset units transferred
	Confirmed bool   `json:"confirmed"`
}

// Error codes. Rejected is permanent: the amount or accounts are invalid and a retry cannot succeed. Unknown is
// ambiguous: the payment may or may not have landed and the caller must reconcile by idempotency key before
// trusting local state either way.
var (
	ErrRejected = errors.New("transfer rejected by gateway")
	ErrUnknown  = errors.New("transfer outcome unknown, reconciliation required")
)
