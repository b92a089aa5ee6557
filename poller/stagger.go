package poller

import "time"

// StaggerDelay computes the initial, one-time delay before a poller's
// first tick: nodeIndex/nodeCount of queryInterval, plus a small
// network-id-derived jitter so that nodes of different networks (which
// would otherwise all stagger identically) don't synchronise with each
// other either.
func StaggerDelay(queryInterval time.Duration, nodeIndex, nodeCount int, networkID uint32) time.Duration {
	if nodeCount <= 0 {
		nodeCount = 1
	}
	offset := queryInterval * time.Duration(nodeIndex) / time.Duration(nodeCount)
	jitter := time.Duration(networkID%10) * (queryInterval / 100)
	return offset + jitter
}
