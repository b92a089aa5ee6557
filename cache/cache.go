// Package cache implements the read-optimized per-network snapshot that
// backs every HTTP handler. The cache is never mutated directly: all
// writers (pollers, the pool-id worker) go through typed CacheUpdate
// values applied under a single mutex, so HTTP reads only ever see a
// fully-applied update, never a partial one.
package cache

import (
	"sync"

	"github.com/blockwatch-labs/forkwatch/model"
)

const recentMinersCapacity = 5

// recentMiner is one entry of the bounded recent-miners list: it exists
// because the tree-strip engine (producing HeaderTree updates) and the
// pool-id worker (producing HeaderMiner updates) run concurrently, so a
// freshly-stripped header list can race ahead of a miner assignment
// that hasn't made it into the graph snapshot yet.
type recentMiner struct {
	hash  string
	miner string
}

// Cache is the per-network read-optimized snapshot. Build one with
// newCache: the zero value has a nil NodeData map, which the node
// updates write into.
type Cache struct {
	HeaderInfosJSON []model.HeaderInfoJSON
	NodeData        map[uint32]model.NodeData
	Forks           []model.Fork

	recentMiners []recentMiner
}

func newCache() *Cache {
	return &Cache{NodeData: make(map[uint32]model.NodeData)}
}

func (c *Cache) pushRecentMiner(hash, miner string) {
	for i, rm := range c.recentMiners {
		if rm.hash == hash {
			c.recentMiners = append(c.recentMiners[:i], c.recentMiners[i+1:]...)
			break
		}
	}
	c.recentMiners = append(c.recentMiners, recentMiner{hash: hash, miner: miner})
	if len(c.recentMiners) > recentMinersCapacity {
		c.recentMiners = c.recentMiners[len(c.recentMiners)-recentMinersCapacity:]
	}
}

// spliceRecentMiners overwrites the miner field of any header in list
// whose hash has a pending recent-miner entry, protecting miner data
// against the HeaderTree/HeaderMiner race.
func (c *Cache) spliceRecentMiners(list []model.HeaderInfoJSON) {
	if len(c.recentMiners) == 0 {
		return
	}
	byHash := make(map[string]string, len(c.recentMiners))
	for _, rm := range c.recentMiners {
		byHash[rm.hash] = rm.miner
	}
	for i := range list {
		if miner, ok := byHash[list[i].Hash]; ok {
			list[i].Miner = miner
		}
	}
}

// minHeight returns the lowest height present in HeaderInfosJSON, or 0
// if empty.
func (c *Cache) minHeight() uint64 {
	if len(c.HeaderInfosJSON) == 0 {
		return 0
	}
	min := c.HeaderInfosJSON[0].Height
	for _, h := range c.HeaderInfosJSON[1:] {
		if h.Height < min {
			min = h.Height
		}
	}
	return min
}

// Update is the marker interface for the typed messages that are the
// only way to mutate a Cache.
type Update interface {
	apply(c *Cache)
}

// HeaderMiner updates the matching header_infos_json entry (by hash)
// and records the assignment in recent_miners.
type HeaderMiner struct {
	Hash  string
	Miner string
}

func (u HeaderMiner) apply(c *Cache) {
	for i := range c.HeaderInfosJSON {
		if c.HeaderInfosJSON[i].Hash == u.Hash {
			c.HeaderInfosJSON[i].Miner = u.Miner
			break
		}
	}
	c.pushRecentMiner(u.Hash, u.Miner)
}

// HeaderTree replaces both the stripped header list and the fork list,
// splicing recent_miners into the new list first.
type HeaderTree struct {
	HeaderInfosJSON []model.HeaderInfoJSON
	Forks           []model.Fork
}

func (u HeaderTree) apply(c *Cache) {
	list := u.HeaderInfosJSON
	c.spliceRecentMiners(list)
	c.HeaderInfosJSON = list
	c.Forks = u.Forks
}

// NodeTips replaces one node's tips, filtered to heights at or above
// the cached tree's minimum height, and bumps LastChangedTimestamp.
type NodeTips struct {
	NodeID    uint32
	Tips      []model.ChainTip
	Timestamp uint64
}

func (u NodeTips) apply(c *Cache) {
	nd := c.NodeData[u.NodeID]
	minHeight := c.minHeight()
	filtered := make([]model.TipInfoJSON, 0, len(u.Tips))
	for _, t := range u.Tips {
		if t.Height >= minHeight {
			filtered = append(filtered, model.NewTipInfoJSON(t))
		}
	}
	nd.Tips = filtered
	nd.LastChangedTimestamp = u.Timestamp
	c.NodeData[u.NodeID] = nd
}

// NodeReachability flips one node's reachable flag.
type NodeReachability struct {
	NodeID    uint32
	Reachable bool
}

func (u NodeReachability) apply(c *Cache) {
	nd := c.NodeData[u.NodeID]
	nd.Reachable = u.Reachable
	c.NodeData[u.NodeID] = nd
}

// NodeVersion sets one node's reported version string.
type NodeVersion struct {
	NodeID  uint32
	Version string
}

func (u NodeVersion) apply(c *Cache) {
	nd := c.NodeData[u.NodeID]
	nd.Version = u.Version
	c.NodeData[u.NodeID] = nd
}

// NodeInit seeds a node's cache entry on startup (reachable=true,
// version="unknown", per the node-data lifecycle).
type NodeInit struct {
	NodeID      uint32
	Name        string
	Description string
	Implementation string
}

func (u NodeInit) apply(c *Cache) {
	c.NodeData[u.NodeID] = model.NodeData{
		ID:             u.NodeID,
		Name:           u.Name,
		Description:    u.Description,
		Implementation: u.Implementation,
		Version:        "unknown",
		Reachable:      true,
	}
}

// Caches owns every per-network Cache behind a single mutex: the whole
// map of caches, not just one entry, is the unit of exclusion, matching
// the "caches mutex keyed by network id" ownership model.
type Caches struct {
	mu        sync.Mutex
	byNetwork map[uint32]*Cache
}

// New returns an empty Caches, one entry per id in networkIDs.
func New(networkIDs []uint32) *Caches {
	c := &Caches{byNetwork: make(map[uint32]*Cache, len(networkIDs))}
	for _, id := range networkIDs {
		c.byNetwork[id] = newCache()
	}
	return c
}

// Apply mutates the cache for networkID with update, creating the
// cache entry lazily if it doesn't exist yet (defensive; configured
// networks are seeded by New).
func (c *Caches) Apply(networkID uint32, update Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nc, ok := c.byNetwork[networkID]
	if !ok {
		nc = newCache()
		c.byNetwork[networkID] = nc
	}
	update.apply(nc)
}

// Snapshot returns a shallow copy of the named network's cache fields,
// safe for a handler to render without holding any lock afterwards.
func (c *Caches) Snapshot(networkID uint32) (headerInfos []model.HeaderInfoJSON, nodes []model.NodeData, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nc, found := c.byNetwork[networkID]
	if !found {
		return nil, nil, false
	}
	headerInfos = append(headerInfos, nc.HeaderInfosJSON...)
	nodes = make([]model.NodeData, 0, len(nc.NodeData))
	for _, nd := range nc.NodeData {
		nodes = append(nodes, nd)
	}
	return headerInfos, nodes, true
}

// Forks returns a copy of the named network's current fork list.
func (c *Caches) Forks(networkID uint32) ([]model.Fork, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nc, ok := c.byNetwork[networkID]
	if !ok {
		return nil, false
	}
	return append([]model.Fork(nil), nc.Forks...), true
}

// NodeDataList returns a copy of the named network's per-node state.
func (c *Caches) NodeDataList(networkID uint32) ([]model.NodeData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nc, ok := c.byNetwork[networkID]
	if !ok {
		return nil, false
	}
	out := make([]model.NodeData, 0, len(nc.NodeData))
	for _, nd := range nc.NodeData {
		out = append(out, nd)
	}
	return out, true
}

// NetworkIDs returns every network id this Caches instance tracks.
func (c *Caches) NetworkIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint32, 0, len(c.byNetwork))
	for id := range c.byNetwork {
		ids = append(ids, id)
	}
	return ids
}
