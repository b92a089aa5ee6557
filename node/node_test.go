package node

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/blockwatch-labs/forkwatch/model"
)

// fakeGraph is a minimal GraphView backed by a set of known hashes.
type fakeGraph struct {
	known map[chainhash.Hash]struct{}
}

func newFakeGraph(hashes ...chainhash.Hash) *fakeGraph {
	g := &fakeGraph{known: make(map[chainhash.Hash]struct{})}
	for _, h := range hashes {
		g.known[h] = struct{}{}
	}
	return g
}

func (g *fakeGraph) Has(hash chainhash.Hash) bool {
	_, ok := g.known[hash]
	return ok
}

// chain builds n linear headers starting from genesis (height 0).
func chain(n int) []wire.BlockHeader {
	headers := make([]wire.BlockHeader, n)
	headers[0] = wire.BlockHeader{Version: 1, Timestamp: time.Unix(0, 0), Bits: 0x1d00ffff}
	for i := 1; i < n; i++ {
		headers[i] = wire.BlockHeader{
			Version:   1,
			PrevBlock: headers[i-1].BlockHash(),
			Timestamp: time.Unix(int64(i), 0),
			Bits:      0x1d00ffff,
			Nonce:     uint32(i),
		}
	}
	return headers
}

// fakeNode is an in-memory Node backed by a single linear chain, used
// to drive DifferentialHeaders without any network I/O.
type fakeNode struct {
	caps    Capabilities
	headers []wire.BlockHeader // index == height
}

func (n *fakeNode) Capabilities() Capabilities { return n.caps }

func (n *fakeNode) Version(ctx context.Context) (string, error) { return "fake/1.0", nil }

func (n *fakeNode) Tips(ctx context.Context) ([]model.ChainTip, error) {
	tip := n.headers[len(n.headers)-1]
	return []model.ChainTip{{Height: uint64(len(n.headers) - 1), Hash: tip.BlockHash(), Status: model.StatusActive}}, nil
}

func (n *fakeNode) BlockHash(ctx context.Context, height uint64) (chainhash.Hash, error) {
	return n.headers[height].BlockHash(), nil
}

func (n *fakeNode) BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (wire.BlockHeader, error) {
	for _, h := range n.headers {
		if h.BlockHash() == hash {
			return h, nil
		}
	}
	return wire.BlockHeader{}, dataErr("block_header_hash", errNotFound)
}

func (n *fakeNode) BlockHeaderByHeight(ctx context.Context, height uint64) (wire.BlockHeader, error) {
	return n.headers[height], nil
}

// BatchHeaderFetch honors startHash and ignores startHeight, mirroring
// Bitcoin Core's REST endpoint (GET /rest/headers/{n}/{hash}.bin walks
// ascending from the hash's height, not from a height parameter).
func (n *fakeNode) BatchHeaderFetch(ctx context.Context, startHash chainhash.Hash, startHeight uint64, count int) ([]wire.BlockHeader, error) {
	start := -1
	for i, h := range n.headers {
		if h.BlockHash() == startHash {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, dataErr("batch_header_fetch", errNotFound)
	}
	end := start + count
	if end > len(n.headers) {
		end = len(n.headers)
	}
	return append([]wire.BlockHeader(nil), n.headers[start:end]...), nil
}

func (n *fakeNode) Coinbase(ctx context.Context, hash chainhash.Hash, height uint64) ([]byte, error) {
	return []byte{0x01}, nil
}

var errNotFound = context.Canceled // reused as a stand-in "not found" sentinel for the fake

func TestDifferentialHeadersOnEmptyGraphFetchesWholeChainViaBatch(t *testing.T) {
	headers := chain(10)
	n := &fakeNode{caps: Capabilities{HeaderFetchType: FetchByHash, BatchHeaderFetch: true}, headers: headers}
	g := newFakeGraph()

	tips := []model.ChainTip{{Height: 9, Hash: headers[9].BlockHash(), Status: model.StatusActive}}
	result, err := DifferentialHeaders(context.Background(), n, g, tips, 0)
	require.NoError(t, err)
	require.Len(t, result.NewHeaders, 10)
	require.Equal(t, uint64(0), result.NewHeaders[0].Height)
	require.Equal(t, uint64(9), result.NewHeaders[9].Height)
}

func TestDifferentialHeadersStopsAtKnownHeaderViaBatch(t *testing.T) {
	headers := chain(10)
	n := &fakeNode{caps: Capabilities{HeaderFetchType: FetchByHash, BatchHeaderFetch: true}, headers: headers}
	g := newFakeGraph(headers[5].BlockHash())

	tips := []model.ChainTip{{Height: 9, Hash: headers[9].BlockHash(), Status: model.StatusActive}}
	result, err := DifferentialHeaders(context.Background(), n, g, tips, 0)
	require.NoError(t, err)
	require.Len(t, result.NewHeaders, 4) // heights 6,7,8,9
	require.Equal(t, uint64(6), result.NewHeaders[0].Height)
}

func TestDifferentialHeadersSteppedWalkForFetchByHeight(t *testing.T) {
	headers := chain(5)
	n := &fakeNode{caps: Capabilities{HeaderFetchType: FetchByHeight, BatchHeaderFetch: false}, headers: headers}
	g := newFakeGraph(headers[2].BlockHash())

	tips := []model.ChainTip{{Height: 4, Hash: headers[4].BlockHash(), Status: model.StatusActive}}
	result, err := DifferentialHeaders(context.Background(), n, g, tips, 0)
	require.NoError(t, err)
	require.Len(t, result.NewHeaders, 2) // heights 3,4
}

func TestDifferentialHeadersNoActiveTipIsDataError(t *testing.T) {
	n := &fakeNode{caps: Capabilities{HeaderFetchType: FetchByHash, BatchHeaderFetch: true}, headers: chain(1)}
	g := newFakeGraph()

	tips := []model.ChainTip{{Height: 0, Status: model.StatusInvalid}}
	_, err := DifferentialHeaders(context.Background(), n, g, tips, 0)
	require.Error(t, err)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, ErrKindData, fe.Kind)
}

func TestDifferentialHeadersSkipsMinerIDWhenBacklogLarge(t *testing.T) {
	headers := chain(30)
	n := &fakeNode{caps: Capabilities{HeaderFetchType: FetchByHash, BatchHeaderFetch: true}, headers: headers}
	g := newFakeGraph()

	tips := []model.ChainTip{{Height: 29, Hash: headers[29].BlockHash(), Status: model.StatusActive}}
	result, err := DifferentialHeaders(context.Background(), n, g, tips, 0)
	require.NoError(t, err)
	require.Len(t, result.NewHeaders, 30)
	require.Empty(t, result.MinerIDHashes)
}

func TestDifferentialHeadersRequestsMinerIDForSmallAdvance(t *testing.T) {
	headers := chain(12)
	n := &fakeNode{caps: Capabilities{HeaderFetchType: FetchByHash, BatchHeaderFetch: true}, headers: headers}
	g := newFakeGraph(headers[10].BlockHash())

	tips := []model.ChainTip{{Height: 11, Hash: headers[11].BlockHash(), Status: model.StatusActive}}
	result, err := DifferentialHeaders(context.Background(), n, g, tips, 0)
	require.NoError(t, err)
	require.Len(t, result.NewHeaders, 1)
	require.Len(t, result.MinerIDHashes, 1)
}
