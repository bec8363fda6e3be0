// Package gateway defines the interface required for payment gateway connections. The settlement coordinator
// treats the gateway as an at-least-once, slow, fallible remote call: every transfer carries an idempotency key
// and an ambiguous outcome can always be resolved later by Lookup on that key.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/streamfi/streamd/lib/config"
	"github.com/streamfi/streamd/lib/gateway/ethereum"
	"github.com/streamfi/streamd/lib/gateway/types"
)

// Gateway is an interface that contains the required methods. It has been designed to be as much standard as
// possible, however, there may be specific payment networks that would require different types or more methods.
type Gateway interface {
	// Payer returns the funding wallet address payments are sent from.
	Payer() string
	// Transfer sends amount asset units to the configured payout wallet. Repeated calls with the same key are
	// deduplicated by the gateway. The context bounds the call; on expiry the outcome is types.ErrUnknown.
	Transfer(ctx context.Context, amount decimal.Decimal, key string) (ref string, err error)
	// Lookup reports whether a transfer with the given key landed, returning its receipt when it did.
	Lookup(ctx context.Context, key string) (types.Receipt, bool, error)
	// Close ends the connection.
	Close()
}

// Init loads the payment gateway client read from the config. The payer account is derived from the HD seed.
func Init(gw config.GatewayConfig, seed []byte) (Gateway, error) {
	return ethereum.Init(gw.Node, gw.Secret, gw.Token, gw.Payout, gw.Decimals, seed)
}
