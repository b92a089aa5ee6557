// Package model holds the wire-level and API-level types shared by every
// forkwatch subsystem: header records, chain tips, and their JSON
// projections. Nothing in this package does I/O.
package model

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// RootID is the sentinel prev-id used by HeaderInfoJSON for vertices with
// no known parent (graph roots), matching usize::MAX in the reference
// implementation.
const RootID = uint64(math.MaxUint64)

// MinerUnidentified is the miner string before identification has been
// attempted.
const MinerUnidentified = ""

// MinerUnknown is the miner string after identification was attempted but
// failed to match any known pool.
const MinerUnknown = "Unknown"

// HeaderInfo is a single observed header together with the height the
// reporting node(s) claimed for it and (eventually) its identified miner.
type HeaderInfo struct {
	Height uint64
	Header wire.BlockHeader
	Miner  string
}

// Hash returns the block hash of the underlying header.
func (h HeaderInfo) Hash() chainhash.Hash {
	return h.Header.BlockHash()
}

// ChainTipStatus mirrors Bitcoin Core's getchaintips status field.
type ChainTipStatus int

const (
	StatusUnknown ChainTipStatus = iota
	StatusActive
	StatusInvalid
	StatusValidFork
	StatusHeadersOnly
	StatusValidHeaders
)

func (s ChainTipStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInvalid:
		return "invalid"
	case StatusValidFork:
		return "valid-fork"
	case StatusHeadersOnly:
		return "headers-only"
	case StatusValidHeaders:
		return "valid-headers"
	default:
		return "unknown"
	}
}

// ParseChainTipStatus parses the string status as returned by Bitcoin
// Core's getchaintips / btcd's equivalent.
func ParseChainTipStatus(s string) ChainTipStatus {
	switch s {
	case "active":
		return StatusActive
	case "invalid":
		return StatusInvalid
	case "valid-fork":
		return StatusValidFork
	case "headers-only":
		return StatusHeadersOnly
	case "valid-headers":
		return StatusValidHeaders
	default:
		return StatusUnknown
	}
}

// ChainTip reports one tip of one node's view of the chain at one instant.
type ChainTip struct {
	Height    uint64
	Hash      chainhash.Hash
	BranchLen uint64
	Status    ChainTipStatus
}

// ForkPointHeight returns the height of the common ancestor this tip
// branched from: height - branchlen.
func (t ChainTip) ForkPointHeight() uint64 {
	if t.BranchLen > t.Height {
		return 0
	}
	return t.Height - t.BranchLen
}

// TipInfoJSON is the JSON projection of a ChainTip served over the API.
type TipInfoJSON struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
	Height uint64 `json:"height"`
}

func NewTipInfoJSON(t ChainTip) TipInfoJSON {
	return TipInfoJSON{
		Hash:   t.Hash.String(),
		Status: t.Status.String(),
		Height: t.Height,
	}
}

// HeaderInfoJSON is the JSON projection of one header vertex as served to
// the frontend after tree-stripping: it carries synthetic, per-response
// vertex ids rather than stable identifiers, because the stripped graph is
// rebuilt on every publish.
type HeaderInfoJSON struct {
	ID            uint64 `json:"id"`
	PrevID        uint64 `json:"prev_id"`
	Height        uint64 `json:"height"`
	Hash          string `json:"hash"`
	Version       int32  `json:"version"`
	PrevBlockhash string `json:"prev_blockhash"`
	MerkleRoot    string `json:"merkle_root"`
	Time          uint32 `json:"time"`
	Bits          uint32 `json:"bits"`
	DifficultyInt uint64 `json:"difficulty_int"`
	Nonce         uint32 `json:"nonce"`
	Miner         string `json:"miner"`
}

func NewHeaderInfoJSON(hi HeaderInfo, id, prevID uint64) HeaderInfoJSON {
	hash := hi.Hash()
	return HeaderInfoJSON{
		ID:            id,
		PrevID:        prevID,
		Height:        hi.Height,
		Hash:          hash.String(),
		Version:       hi.Header.Version,
		PrevBlockhash: hi.Header.PrevBlock.String(),
		MerkleRoot:    hi.Header.MerkleRoot.String(),
		Time:          uint32(hi.Header.Timestamp.Unix()),
		Bits:          hi.Header.Bits,
		DifficultyInt: DifficultyFromBits(hi.Header.Bits),
		Nonce:         hi.Header.Nonce,
		Miner:         hi.Miner,
	}
}

// maxTargetMainnet is nBits=0x1d00ffff expanded, the mainnet proof-of-work
// limit used as the difficulty-1 reference target regardless of which
// network a header came from (testnet/signet headers simply report a much
// higher "difficulty" relative to this fixed reference, which is the
// behaviour node RPCs themselves expose).
var maxTargetMainnet = compactToBig(0x1d00ffff)

// DifficultyFromBits converts an nBits compact target into an integer
// difficulty (truncating towards zero), the same ratio Bitcoin Core's
// GetDifficulty reports as a float.
func DifficultyFromBits(bits uint32) uint64 {
	target := compactToBig(bits)
	if target.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Div(maxTargetMainnet, target)
	if !diff.IsUint64() {
		return math.MaxUint64
	}
	return diff.Uint64()
}

// compactToBig expands a compact ("nBits") representation into a big.Int,
// following the same algorithm as Bitcoin Core's arith_uint256::SetCompact.
func compactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	exponent := compact >> 24

	result := new(big.Int)
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		result.SetInt64(int64(mantissa))
	} else {
		result.SetInt64(int64(mantissa))
		result.Lsh(result, uint(8*(exponent-3)))
	}
	return result
}

// Fork is a vertex with out-degree >= 2 and its immediate children, used
// both by the tree-strip engine's fork extraction and by the RSS forks
// feed.
type Fork struct {
	Common   HeaderInfo
	Children []HeaderInfo
}

// NodeData is the per-node operational state visible over the API.
type NodeData struct {
	ID                   uint32        `json:"id"`
	Name                 string        `json:"name"`
	Description          string        `json:"description"`
	Implementation       string        `json:"implementation"`
	Tips                 []TipInfoJSON `json:"tips"`
	Version              string        `json:"version"`
	LastChangedTimestamp uint64        `json:"last_changed_timestamp"`
	Reachable            bool          `json:"reachable"`
}

// NetworkJSON is the summary of a configured network served by
// /api/networks.json.
type NetworkJSON struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// InfoJSONResponse backs /api/info.json.
type InfoJSONResponse struct {
	Footer string `json:"footer"`
}

// NetworksJSONResponse backs /api/networks.json.
type NetworksJSONResponse struct {
	Networks []NetworkJSON `json:"networks"`
}

// DataJSONResponse backs /api/{network_id}/data.json.
type DataJSONResponse struct {
	HeaderInfos []HeaderInfoJSON `json:"header_infos"`
	Nodes       []NodeData       `json:"nodes"`
}

// DataChanged is the payload broadcast over SSE on /api/changes.
type DataChanged struct {
	NetworkID uint32 `json:"network_id"`
}
