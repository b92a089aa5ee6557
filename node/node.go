// Package node defines the capability-aware contract shared by every
// backend adapter (Bitcoin Core, btcd, Esplora, Electrum) and the
// differential header-discovery algorithm that every poller drives
// against it. Adapters differ in transport (RPC JSON, REST binary,
// HTTP+JSON, Electrum's line protocol) and in what they can address
// (active chain only vs. arbitrary hash); DifferentialHeaders branches on
// declared Capabilities, never on backend identity.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/blockwatch-labs/forkwatch/model"
)

// maxConcurrentInactiveWalks bounds how many non-active tips get walked
// at once; a node reporting dozens of stale tips after a long outage
// shouldn't open dozens of simultaneous backend requests.
const maxConcurrentInactiveWalks = 4

// HeaderFetchType selects how a backend addresses individual headers.
type HeaderFetchType int

const (
	// FetchByHash retrieves a header given its block hash (Core, btcd,
	// Esplora).
	FetchByHash HeaderFetchType = iota
	// FetchByHeight retrieves only active-chain headers, addressed by
	// height (Electrum).
	FetchByHeight
)

// Capabilities declares what one backend implementation can do; the
// differential-discovery algorithm reads these flags instead of
// switching on a backend tag.
type Capabilities struct {
	HeaderFetchType   HeaderFetchType
	BatchHeaderFetch  bool
}

// ErrKind distinguishes transient fetch failures from logical data
// errors. The poller does not branch on it: a failed Tips call marks the
// node unreachable, while a DifferentialHeaders error of any kind is
// logged and ends the tick without changing reachability, and the tips
// of that tick count as seen, so discovery runs again only once the
// node's tips change.
type ErrKind int

const (
	// ErrKindTransient covers timeouts, connection failures, and
	// response decode failures.
	ErrKindTransient ErrKind = iota
	// ErrKindData covers structurally valid but semantically wrong
	// responses: no active tip, wrong-length header, etc.
	ErrKindData
	// ErrKindNotImplemented is returned by optional operations a
	// backend does not support (e.g. version() on Esplora).
	ErrKindNotImplemented
)

// FetchError is the typed error every Node operation may return.
type FetchError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("node: %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func transientErr(op string, err error) error {
	return &FetchError{Kind: ErrKindTransient, Op: op, Err: err}
}

func dataErr(op string, err error) error {
	return &FetchError{Kind: ErrKindData, Op: op, Err: err}
}

// ErrNoActiveTip is wrapped into a FetchError of kind ErrKindData when a
// tips() response contains no tip with StatusActive.
var ErrNoActiveTip = errors.New("node: tips response has no active tip")

// Node is the capability-aware contract every backend adapter
// implements. All operations may block on network I/O; callers on a
// cooperative scheduler must run them on a blocking-capable executor.
type Node interface {
	Capabilities() Capabilities

	// Version returns the backend's self-reported subversion string, or
	// a FetchError of kind ErrKindNotImplemented if the backend exposes
	// no such concept.
	Version(ctx context.Context) (string, error)

	// Tips returns every chain tip this node currently reports.
	Tips(ctx context.Context) ([]model.ChainTip, error)

	// BlockHash resolves the active-chain block hash at height.
	BlockHash(ctx context.Context, height uint64) (chainhash.Hash, error)

	// BlockHeaderByHash fetches a single header by hash. Required when
	// Capabilities().HeaderFetchType == FetchByHash.
	BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (wire.BlockHeader, error)

	// BlockHeaderByHeight fetches a single active-chain header by
	// height. Required when Capabilities().HeaderFetchType ==
	// FetchByHeight.
	BlockHeaderByHeight(ctx context.Context, height uint64) (wire.BlockHeader, error)

	// BatchHeaderFetch fetches up to n consecutive active-chain headers
	// starting at startHeight (ascending). Required when
	// Capabilities().BatchHeaderFetch is true.
	BatchHeaderFetch(ctx context.Context, startHash chainhash.Hash, startHeight uint64, n int) ([]wire.BlockHeader, error)

	// Coinbase returns the coinbase transaction of the block at
	// (hash, height), serialized as raw bytes (caller decodes with
	// wire.MsgTx). Electrum implementations fail with ErrKindData if
	// the block is not currently on the active chain at that height.
	Coinbase(ctx context.Context, hash chainhash.Hash, height uint64) ([]byte, error)
}

// GraphView is the read-only slice of graph.Graph the discovery
// algorithm needs: membership testing by hash. graph.Graph itself
// satisfies this.
type GraphView interface {
	Has(hash chainhash.Hash) bool
}

const (
	batchChunkSize       = 2000
	minerBacklogThreshold = 20
)

// DiscoveryResult is the output of DifferentialHeaders: headers new to
// the graph (sorted ascending by height) and the subset of their hashes
// that should be queued for pool identification.
type DiscoveryResult struct {
	NewHeaders      []model.HeaderInfo
	MinerIDHashes   []chainhash.Hash
}

// DifferentialHeaders implements the active- and inactive-chain
// discovery walk described for the node-adapter component: given a
// fresh tips report, it asks n for exactly the headers the graph
// doesn't have yet, never more.
func DifferentialHeaders(ctx context.Context, n Node, graph GraphView, tips []model.ChainTip, minForkHeight uint64) (DiscoveryResult, error) {
	var active *model.ChainTip
	for i := range tips {
		if tips[i].Status == model.StatusActive {
			active = &tips[i]
			break
		}
	}
	if active == nil {
		return DiscoveryResult{}, dataErr("tips", ErrNoActiveTip)
	}

	var result DiscoveryResult

	activeHeaders, err := activeChainWalk(ctx, n, graph, *active, minForkHeight)
	if err != nil {
		return DiscoveryResult{}, err
	}
	result.NewHeaders = append(result.NewHeaders, activeHeaders...)

	if len(activeHeaders) > 0 && len(activeHeaders) <= minerBacklogThreshold {
		for _, hi := range activeHeaders {
			result.MinerIDHashes = append(result.MinerIDHashes, hi.Hash())
		}
	}

	inactive, err := inactiveWalks(ctx, n, graph, tips, minForkHeight)
	if err != nil {
		return DiscoveryResult{}, err
	}
	for _, headers := range inactive {
		result.NewHeaders = append(result.NewHeaders, headers...)
		for _, hi := range headers {
			result.MinerIDHashes = append(result.MinerIDHashes, hi.Hash())
		}
	}

	sort.Slice(result.NewHeaders, func(i, j int) bool {
		return result.NewHeaders[i].Height < result.NewHeaders[j].Height
	})
	return result, nil
}

// activeChainWalk walks backwards from the active tip towards
// minForkHeight, stopping at the first header already present in graph.
func activeChainWalk(ctx context.Context, n Node, graph GraphView, active model.ChainTip, minForkHeight uint64) ([]model.HeaderInfo, error) {
	if active.Height < minForkHeight {
		return nil, nil
	}

	caps := n.Capabilities()
	if caps.BatchHeaderFetch {
		return batchActiveWalk(ctx, n, graph, active, minForkHeight)
	}
	return steppedActiveWalk(ctx, n, graph, active, minForkHeight)
}

// batchActiveWalk requests descending 2000-header chunks and stops as
// soon as a chunk contains any header already known to the graph.
func batchActiveWalk(ctx context.Context, n Node, graph GraphView, active model.ChainTip, minForkHeight uint64) ([]model.HeaderInfo, error) {
	var out []model.HeaderInfo

	cursorHeight := active.Height
	for {
		lower := minForkHeight
		if cursorHeight-lower+1 > batchChunkSize {
			lower = cursorHeight - batchChunkSize + 1
		}
		count := int(cursorHeight-lower) + 1
		if count <= 0 {
			return out, nil
		}

		// BatchHeaderFetch walks ascending from startHash's height, so
		// the start of the window (lower), not cursorHeight, must be
		// resolved to a hash before every call.
		lowerHash, err := n.BlockHash(ctx, lower)
		if err != nil {
			return nil, transientErr("block_hash", err)
		}

		headers, err := n.BatchHeaderFetch(ctx, lowerHash, lower, count)
		if err != nil {
			return nil, transientErr("batch_header_fetch", err)
		}
		if len(headers) == 0 {
			return out, nil
		}

		stopped := false
		// headers is ascending by height starting at lower; walk it in
		// descending order to match the "stop at first known header"
		// semantics of a backwards walk.
		for i := len(headers) - 1; i >= 0; i-- {
			h := headers[i]
			hash := h.BlockHash()
			if graph.Has(hash) {
				stopped = true
				break
			}
			out = append(out, model.HeaderInfo{Height: lower + uint64(i), Header: h})
		}
		if stopped || lower == minForkHeight {
			return out, nil
		}
		cursorHeight = lower - 1
	}
}

// steppedActiveWalk fetches one header at a time by height, used by
// backends without batch support (btcd, Esplora).
func steppedActiveWalk(ctx context.Context, n Node, graph GraphView, active model.ChainTip, minForkHeight uint64) ([]model.HeaderInfo, error) {
	var out []model.HeaderInfo

	for h := active.Height; h >= minForkHeight; h-- {
		hash, err := n.BlockHash(ctx, h)
		if err != nil {
			return nil, transientErr("block_hash", err)
		}
		if graph.Has(hash) {
			break
		}
		header, err := fetchHeader(ctx, n, hash, h)
		if err != nil {
			return nil, err
		}
		out = append(out, model.HeaderInfo{Height: h, Header: header})
		if h == 0 {
			break
		}
	}
	return out, nil
}

// inactiveWalks runs inactiveChainWalk over every non-active tip past
// minForkHeight, bounded to maxConcurrentInactiveWalks at a time, and
// returns one header slice per tip in tips order.
func inactiveWalks(ctx context.Context, n Node, graph GraphView, tips []model.ChainTip, minForkHeight uint64) ([][]model.HeaderInfo, error) {
	out := make([][]model.HeaderInfo, len(tips))

	sem := semaphore.NewWeighted(maxConcurrentInactiveWalks)
	group, gctx := errgroup.WithContext(ctx)

	for i, tip := range tips {
		if tip.Status == model.StatusActive || tip.ForkPointHeight() <= minForkHeight {
			continue
		}
		i, tip := i, tip
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			headers, err := inactiveChainWalk(gctx, n, graph, tip)
			if err != nil {
				return err
			}
			out[i] = headers
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// inactiveChainWalk walks backward branchlen steps from a non-active
// tip, hash by hash, stopping at the first hash already in the graph.
// Backends restricted to FetchByHeight cannot address inactive
// branches; for them it returns no headers.
func inactiveChainWalk(ctx context.Context, n Node, graph GraphView, tip model.ChainTip) ([]model.HeaderInfo, error) {
	if n.Capabilities().HeaderFetchType == FetchByHeight {
		return nil, nil
	}

	var out []model.HeaderInfo
	hash := tip.Hash
	height := tip.Height
	steps := tip.BranchLen
	if steps == 0 {
		steps = 1
	}

	for i := uint64(0); i < steps; i++ {
		if graph.Has(hash) {
			break
		}
		header, err := n.BlockHeaderByHash(ctx, hash)
		if err != nil {
			return nil, transientErr("block_header_hash", err)
		}
		out = append(out, model.HeaderInfo{Height: height - i, Header: header})
		hash = header.PrevBlock
	}
	return out, nil
}

func fetchHeader(ctx context.Context, n Node, hash chainhash.Hash, height uint64) (wire.BlockHeader, error) {
	switch n.Capabilities().HeaderFetchType {
	case FetchByHeight:
		h, err := n.BlockHeaderByHeight(ctx, height)
		if err != nil {
			return wire.BlockHeader{}, transientErr("block_header_height", err)
		}
		return h, nil
	default:
		h, err := n.BlockHeaderByHash(ctx, hash)
		if err != nil {
			return wire.BlockHeader{}, transientErr("block_header_hash", err)
		}
		return h, nil
	}
}
