// Package store defines the abstract, append-idempotent header store
// contract and a SQLite-backed implementation of it. The SQL dialect is
// intentionally the only part of this package that isn't portable: the
// Store interface itself treats persistence as an opaque
// (network, hash, header)-addressable append log.
package store

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockwatch-labs/forkwatch/model"
)

// ErrHeaderNotFound is returned by UpdateMiner when the target header
// does not exist in the store.
var ErrHeaderNotFound = errors.New("store: header not found")

// Store is the append-idempotent persistence contract used by pollers,
// the pool-id worker, and startup graph loading.
type Store interface {
	// Init ensures the store's schema exists. Calling Init on an
	// already-initialized store is a no-op.
	Init(ctx context.Context) error

	// PutHeaders atomically inserts every header in his for networkID.
	// Rows that already exist (matched on network, hash, and raw header
	// bytes) are silently ignored. Either every new row becomes visible
	// or none does.
	PutHeaders(ctx context.Context, networkID uint32, his []model.HeaderInfo) error

	// UpdateMiner sets the miner string for (networkID, hash). Returns
	// ErrHeaderNotFound if no such header has been persisted.
	UpdateMiner(ctx context.Context, networkID uint32, hash chainhash.Hash, miner string) error

	// Load returns every header persisted for networkID, ordered by
	// ascending height.
	Load(ctx context.Context, networkID uint32) ([]model.HeaderInfo, error)

	// Close releases the underlying connection.
	Close() error
}
