package poolid

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/blockwatch-labs/forkwatch/cache"
	"github.com/blockwatch-labs/forkwatch/config"
	"github.com/blockwatch-labs/forkwatch/model"
	"github.com/blockwatch-labs/forkwatch/node"
)

type fakeNode struct {
	raw []byte
	err error
}

func (n *fakeNode) Capabilities() node.Capabilities { return node.Capabilities{} }
func (n *fakeNode) Version(ctx context.Context) (string, error)  { return "", nil }
func (n *fakeNode) Tips(ctx context.Context) ([]model.ChainTip, error) { return nil, nil }
func (n *fakeNode) BlockHash(ctx context.Context, height uint64) (chainhash.Hash, error) {
	return chainhash.Hash{}, nil
}
func (n *fakeNode) BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (wire.BlockHeader, error) {
	return wire.BlockHeader{}, nil
}
func (n *fakeNode) BlockHeaderByHeight(ctx context.Context, height uint64) (wire.BlockHeader, error) {
	return wire.BlockHeader{}, nil
}
func (n *fakeNode) BatchHeaderFetch(ctx context.Context, startHash chainhash.Hash, startHeight uint64, count int) ([]wire.BlockHeader, error) {
	return nil, nil
}
func (n *fakeNode) Coinbase(ctx context.Context, hash chainhash.Hash, height uint64) ([]byte, error) {
	return n.raw, n.err
}

type fakeStore struct {
	lastHash  chainhash.Hash
	lastMiner string
}

func (s *fakeStore) UpdateMiner(ctx context.Context, networkID uint32, hash chainhash.Hash, miner string) error {
	s.lastHash, s.lastMiner = hash, miner
	return nil
}

type memGraph struct {
	infos map[chainhash.Hash]model.HeaderInfo
}

func (g *memGraph) Get(hash chainhash.Hash) (model.HeaderInfo, bool) {
	hi, ok := g.infos[hash]
	return hi, ok
}

func (g *memGraph) UpdateMiner(hash chainhash.Hash, miner string) bool {
	hi, ok := g.infos[hash]
	if !ok {
		return false
	}
	hi.Miner = miner
	g.infos[hash] = hi
	return true
}

func coinbaseWithTag(tag string) []byte {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{SignatureScript: []byte(tag)})
	var buf bytes.Buffer
	_ = tx.Serialize(&buf)
	return buf.Bytes()
}

func TestWorkerIdentifiesFromCoinbaseTag(t *testing.T) {
	hash := chainhash.Hash{0x01}
	graph := &memGraph{infos: map[chainhash.Hash]model.HeaderInfo{
		hash: {Height: 100},
	}}
	store := &fakeStore{}
	caches := cache.New([]uint32{1})

	w := NewWorker(1, config.PoolIdentification{Enable: true, Network: config.PINMainnet}, graph, store, caches, []CoinbaseSource{
		{NodeID: 1, Node: &fakeNode{raw: coinbaseWithTag("/F2Pool/")}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.process(ctx, hash)

	hi, _ := graph.Get(hash)
	require.Equal(t, "F2Pool", hi.Miner)
	require.Equal(t, "F2Pool", store.lastMiner)
}

func TestWorkerSkipsAlreadyIdentified(t *testing.T) {
	hash := chainhash.Hash{0x02}
	graph := &memGraph{infos: map[chainhash.Hash]model.HeaderInfo{
		hash: {Height: 100, Miner: "AntPool"},
	}}
	store := &fakeStore{}
	caches := cache.New([]uint32{1})
	w := NewWorker(1, config.PoolIdentification{Enable: true}, graph, store, caches, nil)

	ctx := context.Background()
	w.process(ctx, hash)

	require.Empty(t, store.lastMiner)
}

func TestWorkerDisabledDropsHash(t *testing.T) {
	hash := chainhash.Hash{0x03}
	graph := &memGraph{infos: map[chainhash.Hash]model.HeaderInfo{hash: {Height: 1}}}
	store := &fakeStore{}
	caches := cache.New([]uint32{1})
	w := NewWorker(1, config.PoolIdentification{Enable: false}, graph, store, caches, nil)

	w.process(context.Background(), hash)
	require.Empty(t, store.lastMiner)
}
