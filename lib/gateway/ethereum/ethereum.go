// Implements the payment gateway interface for ethereum networks: claims settle as ERC20 token transfers from
// the payer wallet to the payout wallet, signed with a key derived from the configured HD seed.
package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tarancss/ethcli"
	"github.com/tarancss/hd"

	"github.com/streamfi/streamd/lib/gateway/types"
)

// Transaction status constants
const (
	TrxPending uint8 = 0
	TrxFailed  uint8 = 1
	TrxSuccess uint8 = 2
)

// Ethereum implements a payment gateway connection to an ethereum-type chain.
type Ethereum struct {
	c        *ethcli.EthCli
	token    string // ERC20 contract address of the streamed asset
	payout   string // destination wallet
	decimals int32
	payer    string // funding wallet, derived from the HD seed
	key      string // hex private key for payer

	l    sync.Mutex
	sent map[string]string // idempotency key -> tx hash of transfers broadcast by this process
}

type sendResult struct {
	hash []byte
	err  error
}

// Init returns a connection to an ethereum node, using secret if necessary for authentication. The payer address
// and signing key are derived from seed at the HD wallet's first external index.
//
// The idempotency ledger (key -> tx hash) is process-local: a transfer broadcast by another instance is invisible
// to Lookup here. Multi-instance deployments should route all claims for a payee to one gateway instance.
func Init(node, secret, token, payout string, decimals int32, seed []byte) (*Ethereum, error) {
	c := ethcli.Init(node, secret)
	if c == nil {
		return nil, errors.New("cannot connect to ethereum node in " + node)
	}

	hdw, err := hd.Init(seed)
	if err != nil {
		return nil, fmt.Errorf("cannot init HD wallet: %w", err)
	}

	addr, key, _, err := hdw.Address(0, hd.External, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot derive payer address: %w", err)
	}

	return &Ethereum{
		c:        c,
		token:    token,
		payout:   payout,
		decimals: decimals,
		payer:    "0x" + hex.EncodeToString(addr),
		key:      hex.EncodeToString(key),
		sent:     make(map[string]string),
	}, nil
}

// Payer returns the funding wallet address.
func (e *Ethereum) Payer() string {
	return e.payer
}

// Close ends the connection.
func (e *Ethereum) Close() {
	e.c.End()
}

// Transfer sends amount asset units of the token to the payout wallet. A key already broadcast by this process is
// not sent again; its recorded hash is returned instead. The context bounds the call: on expiry the transfer may
// still land, so the outcome is types.ErrUnknown and the broadcast hash is recorded for a later Lookup.
func (e *Ethereum) Transfer(ctx context.Context, amount decimal.Decimal, key string) (string, error) {
	e.l.Lock()
	if hash, ok := e.sent[key]; ok {
		e.l.Unlock()
		log.Printf("[gateway] transfer for key %s already broadcast as %s", key, hash)

		return hash, nil
	}
	e.l.Unlock()

	// amount in token base units, hex-encoded for the node
	base := amount.Shift(e.decimals)
	amtHex := "0x" + base.BigInt().Text(16)

	res := make(chan sendResult, 1)

	go func() {
		_, _, hash, err := e.c.SendTrx(e.payer, e.payout, e.token, amtHex, nil, e.key, 0, false)
		if err == nil {
			e.l.Lock()
			e.sent[key] = "0x" + hex.EncodeToString(hash)
			e.l.Unlock()
		}

		res <- sendResult{hash: hash, err: err}
	}()

	select {
	case <-ctx.Done():
		// the broadcast is still in flight; if it lands the goroutine above records the hash for Lookup
		return "", fmt.Errorf("transfer for key %s timed out: %w", key, types.ErrUnknown)
	case r := <-res:
		if r.err != nil {
			return "", fmt.Errorf("transfer for key %s: %v: %w", key, r.err, types.ErrRejected)
		}

		return "0x" + hex.EncodeToString(r.hash), nil
	}
}

// Lookup reports whether the transfer recorded under key landed on chain. A key never broadcast by this process
// resolves to not-found; a broadcast whose transaction is still pending resolves to types.ErrUnknown so the
// caller retries later.
func (e *Ethereum) Lookup(ctx context.Context, key string) (types.Receipt, bool, error) {
	e.l.Lock()
	hash, ok := e.sent[key]
	e.l.Unlock()

	if !ok {
		return types.Receipt{}, false, nil
	}

	if err := ctx.Err(); err != nil {
		return types.Receipt{}, false, err
	}

	_, _, _, _, status, _, _, _, _, _, amount, err := e.c.GetTrx(hash)
	if err != nil {
		// broadcast but not retrievable yet: still ambiguous
		return types.Receipt{}, false, fmt.Errorf("lookup for key %s: %v: %w", key, err, types.ErrUnknown)
	}

	switch status {
	case TrxSuccess:
		return types.Receipt{Ref: hash, Amount: amount, Confirmed: true}, true, nil
	case TrxFailed:
		return types.Receipt{}, false, nil
	default:
		return types.Receipt{}, false, fmt.Errorf("lookup for key %s: transaction pending: %w", key, types.ErrUnknown)
	}
}
