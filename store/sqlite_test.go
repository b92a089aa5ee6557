package store

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/blockwatch-labs/forkwatch/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testHeader(nonce uint32) wire.BlockHeader {
	return wire.BlockHeader{Version: 1, Timestamp: time.Unix(int64(nonce), 0), Bits: 0x1d00ffff, Nonce: nonce}
}

func TestPutHeadersThenLoadRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	his := []model.HeaderInfo{
		{Height: 0, Header: testHeader(1)},
		{Height: 1, Header: testHeader(2)},
	}
	require.NoError(t, s.PutHeaders(ctx, 1, his))

	loaded, err := s.Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, uint64(0), loaded[0].Height)
	require.Equal(t, uint64(1), loaded[1].Height)
	require.Equal(t, his[0].Hash(), loaded[0].Hash())
}

func TestPutHeadersIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hi := model.HeaderInfo{Height: 0, Header: testHeader(1)}
	require.NoError(t, s.PutHeaders(ctx, 1, []model.HeaderInfo{hi}))
	require.NoError(t, s.PutHeaders(ctx, 1, []model.HeaderInfo{hi}))

	loaded, err := s.Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestLoadIsolatesByNetwork(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutHeaders(ctx, 1, []model.HeaderInfo{{Height: 0, Header: testHeader(1)}}))
	require.NoError(t, s.PutHeaders(ctx, 2, []model.HeaderInfo{{Height: 0, Header: testHeader(2)}}))

	loaded, err := s.Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestUpdateMinerFailsForAbsentHeader(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hash := testHeader(99).BlockHash()
	err := s.UpdateMiner(ctx, 1, hash, "Foundry")
	require.ErrorIs(t, err, ErrHeaderNotFound)
}

func TestUpdateMinerPersists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h := testHeader(1)
	require.NoError(t, s.PutHeaders(ctx, 1, []model.HeaderInfo{{Height: 0, Header: h}}))
	require.NoError(t, s.UpdateMiner(ctx, 1, h.BlockHash(), "Foundry"))

	loaded, err := s.Load(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Foundry", loaded[0].Miner)
}
