package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockwatch-labs/forkwatch/config"
	"github.com/blockwatch-labs/forkwatch/model"
)

const requestTimeout = 8 * time.Second

// BitcoinCore talks to a Bitcoin Core node over its JSON-RPC interface
// (via btcsuite/btcd/rpcclient, which speaks Core's dialect as well as
// btcd's) and, when configured, its binary REST interface for batch
// header fetches.
type BitcoinCore struct {
	rpc        *rpcclient.Client
	restBase   string // e.g. "http://host:port/rest", empty if REST disabled
	httpClient *http.Client
}

// NewBitcoinCore dials a Bitcoin Core RPC endpoint per the given config.
func NewBitcoinCore(cfg config.Node) (*BitcoinCore, error) {
	connCfg, err := rpcConnConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("node: dialing bitcoincore rpc: %w", err)
	}

	bc := &BitcoinCore{rpc: client, httpClient: &http.Client{Timeout: requestTimeout}}
	if cfg.UseREST {
		bc.restBase = fmt.Sprintf("http://%s/rest", cfg.RPCAddress())
	}
	return bc, nil
}

func rpcConnConfig(cfg config.Node) (*rpcclient.ConnConfig, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.RPCAddress(),
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	if cfg.Auth.CookieFile != "" {
		raw, err := os.ReadFile(cfg.Auth.CookieFile)
		if err != nil {
			return nil, fmt.Errorf("node: reading rpc cookie file: %w", err)
		}
		parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("node: malformed rpc cookie file %s", cfg.Auth.CookieFile)
		}
		connCfg.User, connCfg.Pass = parts[0], parts[1]
	} else {
		connCfg.User, connCfg.Pass = cfg.Auth.User, cfg.Auth.Password
	}
	return connCfg, nil
}

func (b *BitcoinCore) Capabilities() Capabilities {
	return Capabilities{HeaderFetchType: FetchByHash, BatchHeaderFetch: b.restBase != ""}
}

func (b *BitcoinCore) Version(ctx context.Context) (string, error) {
	info, err := b.rpc.GetNetworkInfo()
	if err != nil {
		return "", transientErr("getnetworkinfo", err)
	}
	return info.SubVersion, nil
}

func (b *BitcoinCore) Tips(ctx context.Context) ([]model.ChainTip, error) {
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

func (b *BitcoinCore) BlockHash(ctx context.Context, height uint64) (chainhash.Hash, error) {
	hash, err := b.rpc.GetBlockHash(int64(height))
	if err != nil {
		return chainhash.Hash{}, transientErr("getblockhash", err)
	}
	return *hash, nil
}

func (b *BitcoinCore) BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (wire.BlockHeader, error) {
	header, err := b.rpc.GetBlockHeader(&hash)
	if err != nil {
		return wire.BlockHeader{}, transientErr("getblockheader", err)
	}
	return *header, nil
}

func (b *BitcoinCore) BlockHeaderByHeight(ctx context.Context, height uint64) (wire.BlockHeader, error) {
	hash, err := b.BlockHash(ctx, height)
	if err != nil {
		return wire.BlockHeader{}, err
	}
	return b.BlockHeaderByHash(ctx, hash)
}

// BatchHeaderFetch uses Bitcoin Core's REST endpoint
// /rest/headers/{count}/{hash}.bin, which returns count consecutive
// 80-byte headers walking forward from (and including) hash.
func (b *BitcoinCore) BatchHeaderFetch(ctx context.Context, startHash chainhash.Hash, startHeight uint64, n int) ([]wire.BlockHeader, error) {
	if b.restBase == "" {
		return nil, transientErr("batch_header_fetch", fmt.Errorf("rest disabled for this node"))
	}
	url := fmt.Sprintf("%s/headers/%d/%s.bin", b.restBase, n, startHash.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transientErr("batch_header_fetch", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, transientErr("batch_header_fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, transientErr("batch_header_fetch", fmt.Errorf("rest returned status %d", resp.StatusCode))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientErr("batch_header_fetch", err)
	}
	if len(raw)%80 != 0 {
		return nil, dataErr("batch_header_fetch", fmt.Errorf("response length %d not a multiple of 80", len(raw)))
	}

	count := len(raw) / 80
	headers := make([]wire.BlockHeader, 0, count)
	r := bytes.NewReader(raw)
	for i := 0; i < count; i++ {
		var h wire.BlockHeader
		if err := h.Deserialize(r); err != nil {
			return nil, dataErr("batch_header_fetch", err)
		}
		headers = append(headers, h)
	}
	return headers, nil
}

func (b *BitcoinCore) Coinbase(ctx context.Context, hash chainhash.Hash, height uint64) ([]byte, error) {
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
