package poolid

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockwatch-labs/forkwatch/cache"
	"github.com/blockwatch-labs/forkwatch/config"
	"github.com/blockwatch-labs/forkwatch/log"
	"github.com/blockwatch-labs/forkwatch/model"
	"github.com/blockwatch-labs/forkwatch/node"
)

const drainBatchSize = 100

// Graph is the subset of graph.Graph the worker needs.
type Graph interface {
	Get(hash chainhash.Hash) (model.HeaderInfo, bool)
	UpdateMiner(hash chainhash.Hash, miner string) bool
}

// Store is the subset of store.Store the worker needs.
type Store interface {
	UpdateMiner(ctx context.Context, networkID uint32, hash chainhash.Hash, miner string) error
}

// CoinbaseSource pairs a Node with the id the worker should log against.
type CoinbaseSource struct {
	NodeID uint32
	Node   node.Node
}

// Worker identifies miners for one network. It owns no goroutine
// itself beyond Run; the queue it drains from is fed by every poller
// on this network plus the one-shot post-startup sweep.
type Worker struct {
	networkID uint32
	enabled   bool
	poolNet   config.PoolIdentificationNetwork

	graph   Graph
	store   Store
	caches  *cache.Caches
	sources []CoinbaseSource

	queue *Queue
	log   log.Logger
}

// NewWorker builds the pool-id worker for one network.
func NewWorker(networkID uint32, cfg config.PoolIdentification, graph Graph, store Store, caches *cache.Caches, sources []CoinbaseSource) *Worker {
	return &Worker{
		networkID: networkID,
		enabled:   cfg.Enable,
		poolNet:   cfg.Network,
		graph:     graph,
		store:     store,
		caches:    caches,
		sources:   sources,
		queue:     NewQueue(),
		log:       log.Root().With("component", "poolid", "network", networkID),
	}
}

// Enqueue adds a hash to the identification backlog. Never blocks.
func (w *Worker) Enqueue(hash chainhash.Hash) {
	w.queue.Push(hash)
}

// Run drains the queue until ctx is cancelled, processing up to
// drainBatchSize hashes per wakeup.
func (w *Worker) Run(ctx context.Context) {
	for {
		batch, ok := w.queue.PopBatch(ctx, drainBatchSize)
		if !ok {
			return
		}
		for _, hash := range batch {
			w.process(ctx, hash)
		}
	}
}

func (w *Worker) process(ctx context.Context, hash chainhash.Hash) {
	if !w.enabled {
		return
	}

	hi, ok := w.graph.Get(hash)
	if !ok {
		w.log.Warn("pool-id requested for unknown header", "hash", hash)
		return
	}
	if hi.Miner != model.MinerUnidentified && hi.Miner != model.MinerUnknown {
		return
	}

	miner := model.MinerUnknown
	for _, src := range w.sources {
		raw, err := src.Node.Coinbase(ctx, hash, hi.Height)
		if err != nil {
			continue
		}
		if name := Identify(raw, w.poolNet); name != model.MinerUnknown {
			miner = name
			break
		}
	}

	if !w.graph.UpdateMiner(hash, miner) {
		w.log.Warn("graph vertex disappeared before miner writeback", "hash", hash)
		return
	}
	if err := w.store.UpdateMiner(ctx, w.networkID, hash, miner); err != nil {
		w.log.Error("persisting miner failed", "hash", hash, "err", err)
	}
	w.caches.Apply(w.networkID, cache.HeaderMiner{Hash: hash.String(), Miner: miner})
}
