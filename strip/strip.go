// Package strip implements the tree-collapse engine: reducing a full
// header graph snapshot to a small "UI-sized" subgraph that preserves
// every fork event and every tip while discarding long linear runs, and
// extracting the current set of forks for the RSS feed. Both operations
// are pure functions over a graph.Snapshot; neither does any I/O.
package strip

import (
	"sort"

	"github.com/blockwatch-labs/forkwatch/graph"
	"github.com/blockwatch-labs/forkwatch/model"
)

const noParent = -1

// interestingHeights computes fork_heights ∪ tip_heights ∪ {max_height},
// sorted ascending and capped to maxInterestingHeights (keeping the
// highest ones, since those are the most relevant to current activity).
func interestingHeights(snap graph.Snapshot, maxInterestingHeights int, tipHeights map[uint64]struct{}) []uint64 {
	if len(snap.Vertices) == 0 {
		return nil
	}

	occurrences := make(map[uint64]int)
	var maxHeight uint64
	for i, v := range snap.Vertices {
		occurrences[v.Height]++
		if i == 0 || v.Height > maxHeight {
			maxHeight = v.Height
		}
	}

	set := make(map[uint64]struct{})
	for h, count := range occurrences {
		if count > 1 {
			set[h] = struct{}{}
		}
	}
	for h := range tipHeights {
		set[h] = struct{}{}
	}
	set[maxHeight] = struct{}{}

	all := make([]uint64, 0, len(set))
	for h := range set {
		all = append(all, h)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] > all[j] })
	if maxInterestingHeights >= 0 && len(all) > maxInterestingHeights {
		all = all[:maxInterestingHeights]
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}

// Strip reduces snap to its interesting-heights subgraph and re-serializes
// it as a flat list carrying synthetic, response-local vertex ids: id is
// the position in the returned slice, prev_id is the incoming neighbour's
// id or model.RootID for a root.
func Strip(snap graph.Snapshot, maxInterestingHeights int, tipHeights map[uint64]struct{}) []model.HeaderInfoJSON {
	heights := interestingHeights(snap, maxInterestingHeights, tipHeights)
	if len(heights) == 0 {
		return nil
	}
	heightSet := make(map[uint64]struct{}, len(heights))
	for _, h := range heights {
		heightSet[h] = struct{}{}
	}
	isInteresting := func(h uint64) bool {
		_, ok := heightSet[h]
		return ok
	}

	// keep[i] is true when vertex i survives the filter: h, h+1, h+2 or
	// h-1 is interesting (range -2..=+1 in the original, biased towards
	// more context before an event than after).
	keep := make([]bool, len(snap.Vertices))
	for i, v := range snap.Vertices {
		h := v.Height
		keep[i] = isInteresting(h) || isInteresting(h+1) || isInteresting(h+2) || (h > 0 && isInteresting(h-1))
	}

	// kept parent: for a surviving vertex, the nearest surviving ancestor
	// (walking up through dropped vertices), or noParent if none survive.
	keptParent := make([]int, len(snap.Vertices))
	for i := range snap.Vertices {
		if !keep[i] {
			keptParent[i] = noParent
			continue
		}
		p := snap.Parent[i]
		for p != noParent && !keep[p] {
			p = snap.Parent[p]
		}
		keptParent[i] = p
	}

	children := make(map[int][]int)
	var roots []int
	for i := range snap.Vertices {
		if !keep[i] {
			continue
		}
		if keptParent[i] == noParent {
			roots = append(roots, i)
		} else {
			children[keptParent[i]] = append(children[keptParent[i]], i)
		}
	}

	sort.Slice(roots, func(i, j int) bool {
		return snap.Vertices[roots[i]].Height < snap.Vertices[roots[j]].Height
	})

	// synthesizedParent overrides keptParent for roots that get spliced
	// onto the spine below; -2 means "still a true root".
	const stillRoot = -2
	synthesizedParent := make(map[int]int, len(roots))

	prevDeepest := stillRoot
	for _, root := range roots {
		if prevDeepest != stillRoot {
			synthesizedParent[root] = prevDeepest
		}
		deepest := root
		maxHeight := snap.Vertices[root].Height
		var dfs func(i int)
		dfs = func(i int) {
			if snap.Vertices[i].Height > maxHeight {
				maxHeight = snap.Vertices[i].Height
				deepest = i
			}
			for _, c := range children[i] {
				dfs(c)
			}
		}
		dfs(root)
		prevDeepest = deepest
	}

	// Assign synthetic output ids in a stable order (ascending height,
	// ties broken by original snapshot index) so repeated calls over an
	// unchanged graph produce a stable rendering.
	order := make([]int, 0, len(snap.Vertices))
	for i := range snap.Vertices {
		if keep[i] {
			order = append(order, i)
		}
	}
	sort.Slice(order, func(a, b int) bool {
		ha, hb := snap.Vertices[order[a]].Height, snap.Vertices[order[b]].Height
		if ha != hb {
			return ha < hb
		}
		return order[a] < order[b]
	})

	outID := make(map[int]uint64, len(order))
	for outIdx, origIdx := range order {
		outID[origIdx] = uint64(outIdx)
	}

	headers := make([]model.HeaderInfoJSON, 0, len(order))
	for _, origIdx := range order {
		// Each surviving vertex carries exactly one parent pointer by
		// construction (keptParent walks a single chain of ancestors,
		// and a root receives at most one synthesized spine edge), so
		// there is no multi-parent case to guard against here.
		parent := keptParent[origIdx]
		if p, ok := synthesizedParent[origIdx]; ok {
			parent = p
		}

		prevID := model.RootID
		if parent != noParent {
			prevID = outID[parent]
		}
		headers = append(headers, model.NewHeaderInfoJSON(snap.Vertices[origIdx], outID[origIdx], prevID))
	}

	return headers
}

// Forks walks every root of snap and collects every vertex with out-degree
// >= 2 together with its immediate children, returning the howMany most
// recent (by common-ancestor height, descending).
func Forks(snap graph.Snapshot, howMany int) []model.Fork {
	children := make(map[int][]int)
	var roots []int
	for i, p := range snap.Parent {
		if p == noParent {
			roots = append(roots, i)
		} else {
			children[p] = append(children[p], i)
		}
	}

	var forks []model.Fork
	var dfs func(i int)
	dfs = func(i int) {
		kids := children[i]
		if len(kids) > 1 {
			fork := model.Fork{Common: snap.Vertices[i]}
			for _, c := range kids {
				fork.Children = append(fork.Children, snap.Vertices[c])
			}
			forks = append(forks, fork)
		}
		for _, c := range kids {
			dfs(c)
		}
	}
	for _, root := range roots {
		dfs(root)
	}

	sort.Slice(forks, func(i, j int) bool {
		return forks[i].Common.Height > forks[j].Common.Height
	})
	if howMany >= 0 && len(forks) > howMany {
		forks = forks[:howMany]
	}
	return forks
}
