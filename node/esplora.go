package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockwatch-labs/forkwatch/config"
	"github.com/blockwatch-labs/forkwatch/model"
)

// Esplora talks to a blockstream/electrs-style Esplora HTTP API. Esplora
// exposes no multi-tip or batch-header endpoint, so this adapter
// synthesises a single active tip and walks the active chain one
// header at a time.
type Esplora struct {
	base   string
	client *http.Client
}

// NewEsplora builds an Esplora adapter rooted at http://host:port.
func NewEsplora(cfg config.Node) *Esplora {
	return &Esplora{
		base:   fmt.Sprintf("http://%s", cfg.RPCAddress()),
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (e *Esplora) Capabilities() Capabilities {
	return Capabilities{HeaderFetchType: FetchByHash, BatchHeaderFetch: false}
}

func (e *Esplora) get(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("esplora %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return strings.TrimSpace(string(raw)), nil
}

func (e *Esplora) Version(ctx context.Context) (string, error) {
	return "", &FetchError{Kind: ErrKindNotImplemented, Op: "version", Err: fmt.Errorf("esplora exposes no version endpoint")}
}

func (e *Esplora) Tips(ctx context.Context) ([]model.ChainTip, error) {
	heightStr, err := e.get(ctx, "/blocks/tip/height")
	if err != nil {
		return nil, transientErr("blocks/tip/height", err)
	}
	height, err := strconv.ParseUint(heightStr, 10, 64)
	if err != nil {
		return nil, dataErr("blocks/tip/height", err)
	}
	hashStr, err := e.get(ctx, "/blocks/tip/hash")
	if err != nil {
		return nil, transientErr("blocks/tip/hash", err)
	}
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return nil, dataErr("blocks/tip/hash", err)
	}
	return []model.ChainTip{{Height: height, Hash: *hash, BranchLen: 0, Status: model.StatusActive}}, nil
}

func (e *Esplora) BlockHash(ctx context.Context, height uint64) (chainhash.Hash, error) {
	hashStr, err := e.get(ctx, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		return chainhash.Hash{}, transientErr("block-height", err)
	}
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return chainhash.Hash{}, dataErr("block-height", err)
	}
	return *hash, nil
}

func (e *Esplora) BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (wire.BlockHeader, error) {
	hexHeader, err := e.get(ctx, fmt.Sprintf("/block/%s/header", hash.String()))
	if err != nil {
		return wire.BlockHeader{}, transientErr("block/header", err)
	}
	raw, err := hex.DecodeString(hexHeader)
	if err != nil || len(raw) != 80 {
		return wire.BlockHeader{}, dataErr("block/header", fmt.Errorf("malformed header hex for %s", hash))
	}
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(raw)); err != nil {
		return wire.BlockHeader{}, dataErr("block/header", err)
	}
	return h, nil
}

func (e *Esplora) BlockHeaderByHeight(ctx context.Context, height uint64) (wire.BlockHeader, error) {
	hash, err := e.BlockHash(ctx, height)
	if err != nil {
		return wire.BlockHeader{}, err
	}
	return e.BlockHeaderByHash(ctx, hash)
}

func (e *Esplora) BatchHeaderFetch(ctx context.Context, startHash chainhash.Hash, startHeight uint64, n int) ([]wire.BlockHeader, error) {
	return nil, transientErr("batch_header_fetch", fmt.Errorf("esplora adapter does not support batch header fetch"))
}

// Coinbase fetches the coinbase txid at index 0 of the block, then its
// raw transaction bytes.
func (e *Esplora) Coinbase(ctx context.Context, hash chainhash.Hash, height uint64) ([]byte, error) {
	txid, err := e.get(ctx, fmt.Sprintf("/block/%s/txid/0", hash.String()))
	if err != nil {
		return nil, transientErr("block/txid", err)
	}
	hexTx, err := e.get(ctx, fmt.Sprintf("/tx/%s/hex", txid))
	if err != nil {
		return nil, transientErr("tx/hex", err)
	}
	raw, err := hex.DecodeString(hexTx)
	if err != nil {
		return nil, dataErr("tx/hex", err)
	}
	return raw, nil
}
