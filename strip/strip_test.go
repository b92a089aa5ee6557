package strip

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/blockwatch-labs/forkwatch/graph"
	"github.com/blockwatch-labs/forkwatch/model"
)

func hdr(prev wire.BlockHeader, nonce uint32) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev.BlockHash(),
		MerkleRoot: prev.BlockHash(),
		Timestamp:  time.Unix(int64(nonce), 0),
		Bits:       0x1d00ffff,
		Nonce:      nonce,
	}
}

func genesis(nonce uint32) wire.BlockHeader {
	return wire.BlockHeader{Version: 1, Timestamp: time.Unix(int64(nonce), 0), Bits: 0x1d00ffff, Nonce: nonce}
}

// buildChain returns a Snapshot for a linear chain of n blocks starting at
// height 0.
func buildChain(n int) graph.Snapshot {
	g := graph.New()
	var his []model.HeaderInfo
	prev := genesis(0)
	his = append(his, model.HeaderInfo{Height: 0, Header: prev})
	for i := 1; i < n; i++ {
		h := hdr(prev, uint32(i))
		his = append(his, model.HeaderInfo{Height: uint64(i), Header: h})
		prev = h
	}
	g.InsertBatch(his)
	return g.Snapshot()
}

func TestStripOnEmptyGraphReturnsNil(t *testing.T) {
	g := graph.New()
	out := Strip(g.Snapshot(), 100, map[uint64]struct{}{})
	require.Nil(t, out)
}

func TestStripZeroMaxInterestingHeightsDoesNotPanic(t *testing.T) {
	snap := buildChain(50)
	require.NotPanics(t, func() {
		Strip(snap, 0, map[uint64]struct{}{49: {}})
	})
}

func TestStripKeepsTipAndDropsMiddleOfLongRun(t *testing.T) {
	snap := buildChain(500)
	out := Strip(snap, 100, map[uint64]struct{}{499: {}})
	require.NotEmpty(t, out)

	var sawTip bool
	for _, h := range out {
		if h.Height == 499 {
			sawTip = true
		}
	}
	require.True(t, sawTip)
	// A 500-block linear run collapsed around one interesting height
	// should be far smaller than the original graph.
	require.Less(t, len(out), 20)
}

func TestStripPreservesForkAndReconnectsForest(t *testing.T) {
	g := graph.New()
	h0 := genesis(0)
	hA := hdr(h0, 1)
	hB := hdr(h0, 2)
	g.InsertBatch([]model.HeaderInfo{
		{Height: 0, Header: h0},
		{Height: 1, Header: hA},
		{Height: 1, Header: hB},
	})
	snap := g.Snapshot()

	out := Strip(snap, 100, map[uint64]struct{}{1: {}})
	require.Len(t, out, 3)

	byHash := make(map[string]model.HeaderInfoJSON)
	for _, h := range out {
		byHash[h.Hash] = h
	}
	a, ok := byHash[hA.BlockHash().String()]
	require.True(t, ok)
	b, ok := byHash[hB.BlockHash().String()]
	require.True(t, ok)
	root, ok := byHash[h0.BlockHash().String()]
	require.True(t, ok)

	require.Equal(t, model.RootID, root.PrevID)
	require.Equal(t, root.ID, a.PrevID)
	require.Equal(t, root.ID, b.PrevID)
}

func TestForksFindsSingleForkPoint(t *testing.T) {
	g := graph.New()
	h0 := genesis(0)
	hA := hdr(h0, 1)
	hB := hdr(h0, 2)
	g.InsertBatch([]model.HeaderInfo{
		{Height: 0, Header: h0},
		{Height: 1, Header: hA},
		{Height: 1, Header: hB},
	})

	forks := Forks(g.Snapshot(), 50)
	require.Len(t, forks, 1)
	require.Equal(t, uint64(0), forks[0].Common.Height)
	require.Len(t, forks[0].Children, 2)
}

func TestForksLimitedToHowMany(t *testing.T) {
	g := graph.New()
	prev := genesis(0)
	his := []model.HeaderInfo{{Height: 0, Header: prev}}
	for i := 1; i <= 5; i++ {
		a := hdr(prev, uint32(i*10+1))
		b := hdr(prev, uint32(i*10+2))
		his = append(his, model.HeaderInfo{Height: uint64(i), Header: a})
		his = append(his, model.HeaderInfo{Height: uint64(i), Header: b})
		prev = a
	}
	g.InsertBatch(his)

	forks := Forks(g.Snapshot(), 2)
	require.Len(t, forks, 2)
	require.GreaterOrEqual(t, forks[0].Common.Height, forks[1].Common.Height)
}
