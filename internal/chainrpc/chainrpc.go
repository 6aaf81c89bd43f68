// Package chainrpc is the opaque chain collaborator: a narrow interface
// to whatever node or indexer the deployment points at, in the spirit
// of chainntfs.ChainNotifier's "intentionally general" contract so it
// can be backed by a full node, an indexer API, or (in tests) nothing
// at all.
package chainrpc

import (
	"context"
	"time"
)

// Confirmation describes the on-chain status of a submitted transaction.
type Confirmation struct {
	Confirmed     bool
	BlockHeight   uint64
	BlockTimeUnix int64
}

// Client is the chain RPC contract the lifecycle manager and settlement
// builder depend on. Concrete implementations: wsclient (production,
// over gorilla/websocket) and mockclient (deterministic, for tests).
type Client interface {
	// SubmitTransaction broadcasts a raw transaction and returns its hash.
	SubmitTransaction(ctx context.Context, txData []byte) (txHash string, err error)

	// WaitConfirmed blocks until txHash reaches at least one
	// confirmation or ctx is cancelled, then returns its Confirmation.
	WaitConfirmed(ctx context.Context, txHash string) (Confirmation, error)

	// TransactionStatus polls the current status without blocking.
	TransactionStatus(ctx context.Context, txHash string) (Confirmation, error)

	// Tip returns the current chain tip height.
	Tip(ctx context.Context) (uint64, error)
}

// DefaultPollInterval is how often WaitConfirmed re-polls when the
// underlying implementation has no push notification path.
const DefaultPollInterval = 5 * time.Second
