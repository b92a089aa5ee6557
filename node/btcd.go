package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockwatch-labs/forkwatch/config"
	"github.com/blockwatch-labs/forkwatch/model"
)

// Btcd talks to a btcd full node over its JSON-RPC interface. btcd
// exposes no REST batch-header endpoint, so this adapter always walks
// the active chain one header at a time.
type Btcd struct {
	rpc *rpcclient.Client
}

// NewBtcd dials a btcd RPC endpoint per the given config.
func NewBtcd(cfg config.Node) (*Btcd, error) {
	connCfg, err := rpcConnConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("node: dialing btcd rpc: %w", err)
	}
	return &Btcd{rpc: client}, nil
}

func (b *Btcd) Capabilities() Capabilities {
	return Capabilities{HeaderFetchType: FetchByHash, BatchHeaderFetch: false}
}

func (b *Btcd) Version(ctx context.Context) (string, error) {
	info, err := b.rpc.GetInfo()
	if err != nil {
		return "", transientErr("getinfo", err)
	}
	return fmt.Sprintf("btcd/%d", info.Version), nil
}

func (b *Btcd) Tips(ctx context.Context) ([]model.ChainTip, error) {
	raw, err := b.rpc.RawRequest("getchaintips", nil)
	if err != nil {
		return nil, transientErr("getchaintips", err)
	}
	var tips []struct {
		Height    uint64 `json:"height"`
		Hash      string `json:"hash"`
		BranchLen uint64 `json:"branchlen"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(raw, &tips); err != nil {
		return nil, transientErr("getchaintips", err)
	}
	out := make([]model.ChainTip, 0, len(tips))
	for _, t := range tips {
		hash, err := chainhash.NewHashFromStr(t.Hash)
		if err != nil {
			return nil, transientErr("getchaintips", err)
		}
		out = append(out, model.ChainTip{
			Height:    t.Height,
			Hash:      *hash,
			BranchLen: t.BranchLen,
			Status:    model.ParseChainTipStatus(t.Status),
		})
	}
	return out, nil
}

func (b *Btcd) BlockHash(ctx context.Context, height uint64) (chainhash.Hash, error) {
	hash, err := b.rpc.GetBlockHash(int64(height))
	if err != nil {
		return chainhash.Hash{}, transientErr("getblockhash", err)
	}
	return *hash, nil
}

func (b *Btcd) BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (wire.BlockHeader, error) {
	header, err := b.rpc.GetBlockHeader(&hash)
	if err != nil {
		return wire.BlockHeader{}, transientErr("getblockheader", err)
	}
	return *header, nil
}

func (b *Btcd) BlockHeaderByHeight(ctx context.Context, height uint64) (wire.BlockHeader, error) {
	hash, err := b.BlockHash(ctx, height)
	if err != nil {
		return wire.BlockHeader{}, err
	}
	return b.BlockHeaderByHash(ctx, hash)
}

func (b *Btcd) BatchHeaderFetch(ctx context.Context, startHash chainhash.Hash, startHeight uint64, n int) ([]wire.BlockHeader, error) {
	return nil, transientErr("batch_header_fetch", fmt.Errorf("btcd adapter does not support batch header fetch"))
}

func (b *Btcd) Coinbase(ctx context.Context, hash chainhash.Hash, height uint64) ([]byte, error) {
	block, err := b.rpc.GetBlock(&hash)
	if err != nil {
		return nil, transientErr("getblock", err)
	}
	if len(block.Transactions) == 0 {
		return nil, dataErr("getblock", fmt.Errorf("block %s has no transactions", hash))
	}
	var buf bytes.Buffer
	if err := block.Transactions[0].Serialize(&buf); err != nil {
		return nil, transientErr("getblock", err)
	}
	return buf.Bytes(), nil
}
