package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	_ "github.com/mattn/go-sqlite3"

	"github.com/blockwatch-labs/forkwatch/log"
	"github.com/blockwatch-labs/forkwatch/model"
)

const createHeadersTable = `
CREATE TABLE IF NOT EXISTS headers (
	height  INTEGER NOT NULL,
	network INTEGER NOT NULL,
	hash    TEXT NOT NULL,
	header  TEXT NOT NULL,
	miner   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (network, hash, header)
)
`

const selectByNetwork = `
SELECT height, header, miner FROM headers WHERE network = ? ORDER BY height ASC
`

const insertIgnore = `
INSERT OR IGNORE INTO headers (height, network, hash, header, miner) VALUES (?, ?, ?, ?, '')
`

const updateMinerStmt = `
UPDATE headers SET miner = ? WHERE network = ? AND hash = ?
`

// SQLiteStore is the production Store implementation, backed by a single
// SQLite file accessed through mattn/go-sqlite3. Writes are serialized
// through mu, matching the single exclusive store handle the rest of the
// system assumes.
type SQLiteStore struct {
	mu  sync.Mutex
	db  *sql.DB
	log log.Logger
}

// Open opens (creating if necessary) the SQLite database at path. Call
// Init before first use.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time regardless of pool size
	return &SQLiteStore{db: db, log: log.Root().With("component", "store")}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createHeadersTable)
	if err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutHeaders(ctx context.Context, networkID uint32, his []model.HeaderInfo) error {
	if len(his) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("inserting headers into the database", "count", len(his), "network", networkID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	stmt, err := tx.PrepareContext(ctx, insertIgnore)
	if err != nil {
		return fmt.Errorf("store: preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, hi := range his {
		raw, err := serializeHeader(hi.Header)
		if err != nil {
			return fmt.Errorf("store: serializing header at height %d: %w", hi.Height, err)
		}
		hash := hi.Hash()
		if _, err := stmt.ExecContext(ctx, hi.Height, networkID, hash.String(), hex.EncodeToString(raw)); err != nil {
			return fmt.Errorf("store: inserting header %s: %w", hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing: %w", err)
	}
	s.log.Info("done inserting headers into the database", "count", len(his), "network", networkID)
	return nil
}

func (s *SQLiteStore) UpdateMiner(ctx context.Context, networkID uint32, hash chainhash.Hash, miner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, updateMinerStmt, miner, networkID, hash.String())
	if err != nil {
		return fmt.Errorf("store: updating miner for %s: %w", hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: network=%d hash=%s", ErrHeaderNotFound, networkID, hash)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, networkID uint32) ([]model.HeaderInfo, error) {
	rows, err := s.db.QueryContext(ctx, selectByNetwork, networkID)
	if err != nil {
		return nil, fmt.Errorf("store: loading network %d: %w", networkID, err)
	}
	defer rows.Close()

	var out []model.HeaderInfo
	for rows.Next() {
		var height uint64
		var headerHex, miner string
		if err := rows.Scan(&height, &headerHex, &miner); err != nil {
			return nil, fmt.Errorf("store: scanning row: %w", err)
		}
		raw, err := hex.DecodeString(headerHex)
		if err != nil {
			return nil, fmt.Errorf("store: decoding header hex: %w", err)
		}
		header, err := deserializeHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("store: deserializing header: %w", err)
		}
		out = append(out, model.HeaderInfo{Height: height, Header: header, Miner: miner})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func serializeHeader(h wire.BlockHeader) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(80)
	if err := h.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeHeader(raw []byte) (wire.BlockHeader, error) {
	var h wire.BlockHeader
	if len(raw) != 80 {
		return h, fmt.Errorf("header must be 80 bytes, got %d", len(raw))
	}
	if err := h.Deserialize(bytes.NewReader(raw)); err != nil {
		return h, err
	}
	return h, nil
}
