package graph

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/blockwatch-labs/forkwatch/model"
)

func header(prev wire.BlockHeader, nonce uint32) wire.BlockHeader {
	var prevHash = prev.BlockHash()
	return wire.BlockHeader{
		Version:    1,
		PrevBlock:  prevHash,
		MerkleRoot: prevHash, // not realistic, fine for graph-only tests
		Timestamp:  time.Unix(int64(nonce), 0),
		Bits:       0x1d00ffff,
		Nonce:      nonce,
	}
}

func genesis(nonce uint32) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    1,
		Timestamp:  time.Unix(int64(nonce), 0),
		Bits:       0x1d00ffff,
		Nonce:      nonce,
	}
}

func TestInsertBatchIndexesAndConnects(t *testing.T) {
	g := New()
	h0 := genesis(0)
	h1 := header(h0, 1)
	h2 := header(h1, 2)

	g.InsertBatch([]model.HeaderInfo{
		{Height: 0, Header: h0},
		{Height: 1, Header: h1},
		{Height: 2, Header: h2},
	})

	require.Equal(t, 3, g.Len())
	require.True(t, g.Has(h2.BlockHash()))

	roots := g.Roots()
	require.Len(t, roots, 1)
	require.Equal(t, h0.BlockHash(), roots[0].Hash())

	tips := g.Tips()
	require.Len(t, tips, 1)
	require.Equal(t, h2.BlockHash(), tips[0].Hash())
}

func TestInsertBatchIsIdempotent(t *testing.T) {
	g := New()
	h0 := genesis(0)
	g.InsertBatch([]model.HeaderInfo{{Height: 0, Header: h0}})
	g.InsertBatch([]model.HeaderInfo{{Height: 0, Header: h0}})
	require.Equal(t, 1, g.Len())
}

func TestForkProducesTwoTips(t *testing.T) {
	g := New()
	h0 := genesis(0)
	hA := header(h0, 1)
	hB := header(h0, 2)
	g.InsertBatch([]model.HeaderInfo{
		{Height: 0, Header: h0},
		{Height: 1, Header: hA},
		{Height: 1, Header: hB},
	})

	tips := g.Tips()
	require.Len(t, tips, 2)
}

func TestUpdateMinerRequiresExistingHeader(t *testing.T) {
	g := New()
	h0 := genesis(0)
	require.False(t, g.UpdateMiner(h0.BlockHash(), "Foundry"))

	g.InsertBatch([]model.HeaderInfo{{Height: 0, Header: h0}})
	require.True(t, g.UpdateMiner(h0.BlockHash(), "Foundry"))

	hi, ok := g.Get(h0.BlockHash())
	require.True(t, ok)
	require.Equal(t, "Foundry", hi.Miner)
}

func TestSnapshotReflectsParentLinks(t *testing.T) {
	g := New()
	h0 := genesis(0)
	h1 := header(h0, 1)
	g.InsertBatch([]model.HeaderInfo{
		{Height: 0, Header: h0},
		{Height: 1, Header: h1},
	})

	snap := g.Snapshot()
	require.Len(t, snap.Vertices, 2)
	idx0 := snap.Index[h0.BlockHash()]
	idx1 := snap.Index[h1.BlockHash()]
	require.Equal(t, noParent, snap.Parent[idx0])
	require.Equal(t, idx0, snap.Parent[idx1])
}
