// Package streamd and its sub-packages implement the backend services for time-based payment streaming: a ledger
// that accrues a per-payee balance continuously with elapsed time and settles it on-chain on demand.
/*
streamd provides you with two microservices:

1) a ledger microservice (package ledger) that implements a RESTful API for client requests such as starting a
 payment stream, checking the accrued claimable balance, claiming (settling) the balance against the payment
 gateway and ending a stream.

2) a reconciler microservice (package reconciler) that resolves claims left in an ambiguous state: when a gateway
 call times out or the ledger process dies mid-claim, the reconciler queries the gateway by idempotency key and
 either replays the commit or reverts the stream, so no payee is ever paid twice and no stream is stuck forever.

Architecture

The ledger and reconciler services communicate via a message broker. When a claim resolves ambiguously, the ledger
publishes a reconcile request to the broker; the reconciler consumes these requests, and additionally sweeps the
store on its own schedule for claims that have gone stale. Every settled claim (committed, aborted or reconciled)
is published as a settlement event so that ledger instances and any front-end can follow outcomes in real time.
The message broker is implemented as a product agnostic layer (package lib/msg) and is configured via a JSON
config file at service startup.

Both services share the stream store (package lib/store), a database product agnostic layer holding one record per
payee with atomic per-key state transitions. Implementations are provided for MongoDB, PostgreSQL and a
non-durable in-memory map for single-process demo deployments.

A payment gateway layer (package lib/gateway) abstracts the on-chain transfer client. The gateway is treated as an
at-least-once, slow, fallible remote call: transfers carry an idempotency key so that ambiguous outcomes can be
resolved later by lookup. An Ethereum ERC20 implementation is provided.

The accrual math itself lives in package lib/accrual as pure, side-effect-free functions over arbitrary-precision
decimals.

The microservices can also be monitored via a Prometheus API by setting the flag "-m" at startup.

Ledger

The ledger microservice (package ledger) can be started running cmd/ledger/main.go. It exposes an HTTP RESTful API
to start streams, query balances, claim accrued amounts and end streams. Claims are orchestrated by the settlement
coordinator: per-payee mutual exclusion is enforced by the store's atomic state transitions, the gateway call runs
under a bounded timeout, and local state is only committed once the gateway confirms the payment.

Reconciler

The reconciler microservice (package reconciler) can be started running cmd/reconciler/main.go. It periodically
lists streams whose claims are pending reconciliation or have exceeded the staleness timeout, queries the gateway
by idempotency key and settles each stream one way or the other. It also consumes on-demand reconcile requests
published by ledger instances.

*/
package streamd
