// Package graph implements the per-network header DAG: an arena of
// vertices addressed by array index, with an auxiliary hash->index map.
// Edges are never represented as pointers between vertices (which would
// need reference counting for a cyclic-looking structure); a child only
// ever knows its parent's index, recovered through the hash index.
package graph

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockwatch-labs/forkwatch/model"
)

const noParent = -1

type vertex struct {
	info     model.HeaderInfo
	parent   int
	children []int
}

// Graph is the exclusively-owned, mutex-guarded header DAG for one
// network. The zero value is not usable; use New.
type Graph struct {
	mu       sync.Mutex
	vertices []vertex
	index    map[chainhash.Hash]int
}

func New() *Graph {
	return &Graph{index: make(map[chainhash.Hash]int)}
}

// Has reports whether hash is already indexed. It takes the lock only for
// the map lookup.
func (g *Graph) Has(hash chainhash.Hash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.index[hash]
	return ok
}

// Get clones out the HeaderInfo for hash, if present.
func (g *Graph) Get(hash chainhash.Hash) (model.HeaderInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.index[hash]
	if !ok {
		return model.HeaderInfo{}, false
	}
	return g.vertices[idx].info, true
}

// Len returns the number of vertices currently in the graph.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.vertices)
}

// InsertBatch inserts every header in his that isn't already indexed, then
// connects parent->child edges for the whole batch. Holding the lock
// across both passes ensures no reader observes a partially connected
// batch (a header present but not yet linked to its parent).
func (g *Graph) InsertBatch(his []model.HeaderInfo) {
	if len(his) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	hashes := make([]chainhash.Hash, 0, len(his))
	for _, hi := range his {
		hash := hi.Hash()
		hashes = append(hashes, hash)
		if _, ok := g.index[hash]; ok {
			continue
		}
		idx := len(g.vertices)
		g.vertices = append(g.vertices, vertex{info: hi, parent: noParent})
		g.index[hash] = idx
	}
	for _, hash := range hashes {
		g.connectByPrevLocked(hash)
	}
}

// connectByPrevLocked links the vertex at hash to its parent (by
// prev_hash), if the parent is indexed and the edge doesn't exist yet.
// Caller must hold g.mu.
func (g *Graph) connectByPrevLocked(hash chainhash.Hash) {
	idx, ok := g.index[hash]
	if !ok {
		return
	}
	if g.vertices[idx].parent != noParent {
		return
	}
	parentHash := g.vertices[idx].info.Header.PrevBlock
	parentIdx, ok := g.index[parentHash]
	if !ok {
		return
	}
	g.vertices[idx].parent = parentIdx
	for _, c := range g.vertices[parentIdx].children {
		if c == idx {
			return
		}
	}
	g.vertices[parentIdx].children = append(g.vertices[parentIdx].children, idx)
}

// UpdateMiner sets the miner string for hash. It re-resolves the index
// under the lock so a concurrent replacement of the vertex (shouldn't
// happen for the same hash, but a late writeback after a graph mutation)
// never resurrects stale data. Returns false if hash is not indexed.
func (g *Graph) UpdateMiner(hash chainhash.Hash, miner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.index[hash]
	if !ok {
		return false
	}
	g.vertices[idx].info.Miner = miner
	return true
}

// Tips returns every vertex with no children (out-degree 0): the current
// leaves of the DAG, from every branch, not just the active chain.
func (g *Graph) Tips() []model.HeaderInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	var tips []model.HeaderInfo
	for _, v := range g.vertices {
		if len(v.children) == 0 {
			tips = append(tips, v.info)
		}
	}
	return tips
}

// Roots returns every vertex with no parent (in-degree 0). A correctly
// loaded graph usually has exactly one, but pre-min_fork_height gaps can
// leave more than one; that is expected, not an error.
func (g *Graph) Roots() []model.HeaderInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	var roots []model.HeaderInfo
	for _, v := range g.vertices {
		if v.parent == noParent {
			roots = append(roots, v.info)
		}
	}
	return roots
}

// Snapshot is an immutable, lock-free clone of the graph suitable for the
// tree-strip engine and fork extraction to operate on without touching
// g.mu again.
type Snapshot struct {
	Vertices []model.HeaderInfo
	// Parent holds, for each index into Vertices, the index of its parent
	// vertex or noParent if the vertex is a root.
	Parent []int
	// Index maps a block hash to its position in Vertices, for callers
	// that need O(1) membership checks against this snapshot.
	Index map[chainhash.Hash]int
}

// Contains reports whether hash is present in the snapshot.
func (s Snapshot) Contains(hash chainhash.Hash) bool {
	_, ok := s.Index[hash]
	return ok
}

// Snapshot clones the full graph under the lock. Cloning is O(n) but
// cheap (vertices are small structs); the tree-strip pass that follows
// runs entirely off this copy.
func (g *Graph) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	vertices := make([]model.HeaderInfo, len(g.vertices))
	parent := make([]int, len(g.vertices))
	index := make(map[chainhash.Hash]int, len(g.vertices))
	for i, v := range g.vertices {
		vertices[i] = v.info
		parent[i] = v.parent
		index[v.info.Hash()] = i
	}
	return Snapshot{Vertices: vertices, Parent: parent, Index: index}
}
