// Package poller implements the per-(network,node) polling task: the
// component that drives everything else. Each tick asks its node
// adapter for chain tips, discovers new headers differentially against
// the shared graph, persists and caches them, and (if anything
// changed) recomputes the stripped tree and broadcasts the change.
package poller

import (
	"context"
	"reflect"
	"time"

	"github.com/blockwatch-labs/forkwatch/broadcast"
	"github.com/blockwatch-labs/forkwatch/cache"
	"github.com/blockwatch-labs/forkwatch/config"
	"github.com/blockwatch-labs/forkwatch/graph"
	"github.com/blockwatch-labs/forkwatch/log"
	"github.com/blockwatch-labs/forkwatch/model"
	"github.com/blockwatch-labs/forkwatch/node"
	"github.com/blockwatch-labs/forkwatch/poolid"
	"github.com/blockwatch-labs/forkwatch/store"
	"github.com/blockwatch-labs/forkwatch/strip"
)

const (
	versionMaxRetries   = 5
	versionRetryBackoff = 10 * time.Second
)

// Poller is one long-running (network, node) polling task. A Poller is
// not safe for concurrent use; Run owns it for its entire lifetime.
type Poller struct {
	networkID uint32
	cfg       config.Node
	network   config.Network
	adapter   node.Node

	graph   *graph.Graph
	store   store.Store
	caches  *cache.Caches
	worker  *poolid.Worker
	bc      *broadcast.Broadcaster

	queryInterval time.Duration
	staggerDelay  time.Duration

	lastTips []model.ChainTip
	log      log.Logger
}

// New builds a Poller for one (network, node) pair. staggerDelay is the
// initial, one-time delay before the first tick (interval/node_count
// plus network-id jitter, computed by the caller per spec.md §4.F).
func New(networkID uint32, network config.Network, cfg config.Node, adapter node.Node, g *graph.Graph, st store.Store, caches *cache.Caches, worker *poolid.Worker, bc *broadcast.Broadcaster, queryInterval, staggerDelay time.Duration) *Poller {
	return &Poller{
		networkID:     networkID,
		cfg:           cfg,
		network:       network,
		adapter:       adapter,
		graph:         g,
		store:         st,
		caches:        caches,
		worker:        worker,
		bc:            bc,
		queryInterval: queryInterval,
		staggerDelay:  staggerDelay,
		log:           log.Root().With("component", "poller", "network", networkID, "node", cfg.ID),
	}
}

// Run blocks until ctx is cancelled, ticking on queryInterval after an
// initial staggerDelay. A store error during a tick is treated as fatal
// for this task only; other tasks keep running.
func (p *Poller) Run(ctx context.Context) {
	p.caches.Apply(p.networkID, cache.NodeInit{
		NodeID:         p.cfg.ID,
		Name:           p.cfg.Name,
		Description:    p.cfg.Description,
		Implementation: string(p.cfg.Implementation),
	})

	go p.versionFetchLoop(ctx)

	select {
	case <-time.After(p.staggerDelay):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(p.queryInterval)
	defer ticker.Stop()

	for {
		if err := p.tick(ctx); err != nil {
			p.log.Error("tick failed fatally, stopping poller", "err", err)
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// tick runs the sequence described in spec.md §4.F. It returns a
// non-nil error only for a store failure, which is fatal for this
// task; every other failure mode is logged and absorbed.
func (p *Poller) tick(ctx context.Context) error {
	tips, err := p.adapter.Tips(ctx)
	if err != nil {
		p.caches.Apply(p.networkID, cache.NodeReachability{NodeID: p.cfg.ID, Reachable: false})
		p.log.Warn("fetching tips failed", "err", err)
		return nil
	}
	p.caches.Apply(p.networkID, cache.NodeReachability{NodeID: p.cfg.ID, Reachable: true})

	if tipsEqual(tips, p.lastTips) {
		return nil
	}
	p.lastTips = tips

	result, err := node.DifferentialHeaders(ctx, p.adapter, p.graph, tips, p.network.MinForkHeight)
	if err != nil {
		p.log.Warn("differential header discovery failed", "err", err)
		return nil
	}

	if p.worker != nil {
		for _, hash := range result.MinerIDHashes {
			p.worker.Enqueue(hash)
		}
	}

	changed := len(result.NewHeaders) > 0
	if changed {
		p.graph.InsertBatch(result.NewHeaders)
		if err := p.store.PutHeaders(ctx, p.networkID, result.NewHeaders); err != nil {
			return err
		}
	}

	p.caches.Apply(p.networkID, cache.NodeTips{NodeID: p.cfg.ID, Tips: tips, Timestamp: uint64(time.Now().Unix())})

	if changed {
		p.publishTree(tips)
	}
	return nil
}

func (p *Poller) publishTree(tips []model.ChainTip) {
	tipHeights := map[uint64]struct{}{}
	for _, t := range tips {
		tipHeights[t.Height] = struct{}{}
	}
	if nodes, ok := p.caches.NodeDataList(p.networkID); ok {
		for _, nd := range nodes {
			for _, t := range nd.Tips {
				tipHeights[t.Height] = struct{}{}
			}
		}
	}

	snap := p.graph.Snapshot()
	headerInfos := strip.Strip(snap, p.network.MaxInterestingHeights, tipHeights)
	forks := strip.Forks(snap, 50)

	p.caches.Apply(p.networkID, cache.HeaderTree{HeaderInfosJSON: headerInfos, Forks: forks})
	p.bc.Publish(p.networkID)
}

// versionFetchLoop attempts the one-shot version fetch described in
// spec.md §4.F: retried up to versionMaxRetries times at
// versionRetryBackoff spacing, then settles on "unknown".
func (p *Poller) versionFetchLoop(ctx context.Context) {
	for attempt := 0; attempt < versionMaxRetries; attempt++ {
		v, err := p.adapter.Version(ctx)
		if err == nil {
			p.caches.Apply(p.networkID, cache.NodeVersion{NodeID: p.cfg.ID, Version: v})
			return
		}
		select {
		case <-time.After(versionRetryBackoff):
		case <-ctx.Done():
			return
		}
	}
	p.caches.Apply(p.networkID, cache.NodeVersion{NodeID: p.cfg.ID, Version: "unknown"})
}

func tipsEqual(a, b []model.ChainTip) bool {
	return reflect.DeepEqual(a, b)
}
