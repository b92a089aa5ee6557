package node

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockwatch-labs/forkwatch/config"
	"github.com/blockwatch-labs/forkwatch/model"
)

const electrumReconnectDelay = 60 * time.Second

// Electrum talks to an Electrum server over its line-delimited
// JSON-RPC TCP protocol. Unlike the other three backends, Electrum
// addresses headers by height only and has a native batch-header
// method (blockchain.block.headers), so it walks like Core-via-REST
// rather than like btcd/Esplora. The connection is a lazily-dialled,
// long-lived handle guarded by a mutex; a failed request tears the
// connection down, and the next call redials subject to
// electrumReconnectDelay - once a dial attempt fails, further calls
// get the cached error immediately instead of hammering a dead server,
// until the retry delay has elapsed.
type Electrum struct {
	addr string

	mu          sync.Mutex
	conn        net.Conn
	reader      *bufio.Reader
	nextID      atomic.Int64
	lastDialErr error
	nextDialAt  time.Time
}

// NewElectrum builds an Electrum adapter for host:port. No connection
// is made until the first request.
func NewElectrum(cfg config.Node) *Electrum {
	return &Electrum{addr: cfg.RPCAddress()}
}

func (e *Electrum) Capabilities() Capabilities {
	return Capabilities{HeaderFetchType: FetchByHeight, BatchHeaderFetch: true}
}

type electrumRequest struct {
	ID     int64         `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type electrumResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ensureConn dials the server if the connection has gone away. Once a
// dial attempt fails, it refuses to retry until electrumReconnectDelay
// has elapsed, returning the cached error instead; callers hold e.mu.
func (e *Electrum) ensureConn(ctx context.Context) error {
	if e.conn != nil {
		return nil
	}
	if e.lastDialErr != nil && time.Now().Before(e.nextDialAt) {
		return e.lastDialErr
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		e.lastDialErr = fmt.Errorf("electrum: dialing %s: %w", e.addr, err)
		e.nextDialAt = time.Now().Add(electrumReconnectDelay)
		return e.lastDialErr
	}
	e.lastDialErr = nil
	e.conn = conn
	e.reader = bufio.NewReader(conn)
	return nil
}

// dropConn discards the current connection so the next call redials
// (subject to electrumReconnectDelay); used whenever a request fails,
// instead of looping retries inline.
func (e *Electrum) dropConn() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
	e.conn = nil
	e.reader = nil
}

func (e *Electrum) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureConn(ctx); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = e.conn.SetDeadline(deadline)
	} else {
		_ = e.conn.SetDeadline(time.Now().Add(requestTimeout))
	}

	req := electrumRequest{ID: e.nextID.Add(1), Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')
	if _, err := e.conn.Write(line); err != nil {
		e.dropConn()
		return nil, fmt.Errorf("electrum: writing %s: %w", method, err)
	}

	respLine, err := e.reader.ReadBytes('\n')
	if err != nil {
		e.dropConn()
		return nil, fmt.Errorf("electrum: reading %s response: %w", method, err)
	}

	var resp electrumResponse
	if err := json.Unmarshal(bytes.TrimSpace(respLine), &resp); err != nil {
		e.dropConn()
		return nil, fmt.Errorf("electrum: decoding %s response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("electrum: %s: server error: %s", method, resp.Error.Message)
	}
	return resp.Result, nil
}

func (e *Electrum) Version(ctx context.Context) (string, error) {
	raw, err := e.call(ctx, "server.version", "forkwatch", "1.4")
	if err != nil {
		return "", transientErr("server.version", err)
	}
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) == 0 {
		return "", dataErr("server.version", fmt.Errorf("unexpected response shape"))
	}
	return pair[0], nil
}

func (e *Electrum) Tips(ctx context.Context) ([]model.ChainTip, error) {
	raw, err := e.call(ctx, "blockchain.headers.subscribe")
	if err != nil {
		return nil, transientErr("blockchain.headers.subscribe", err)
	}
	var sub struct {
		Height uint64 `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, dataErr("blockchain.headers.subscribe", err)
	}
	header, err := decodeHeaderHex(sub.Hex)
	if err != nil {
		return nil, dataErr("blockchain.headers.subscribe", err)
	}
	return []model.ChainTip{{
		Height:    sub.Height,
		Hash:      header.BlockHash(),
		BranchLen: 0,
		Status:    model.StatusActive,
	}}, nil
}

func (e *Electrum) BlockHash(ctx context.Context, height uint64) (chainhash.Hash, error) {
	h, err := e.BlockHeaderByHeight(ctx, height)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return h.BlockHash(), nil
}

func (e *Electrum) BlockHeaderByHash(ctx context.Context, hash chainhash.Hash) (wire.BlockHeader, error) {
	return wire.BlockHeader{}, &FetchError{Kind: ErrKindNotImplemented, Op: "block_header_hash", Err: fmt.Errorf("electrum addresses headers by height only")}
}

func (e *Electrum) BlockHeaderByHeight(ctx context.Context, height uint64) (wire.BlockHeader, error) {
	raw, err := e.call(ctx, "blockchain.block.header", height)
	if err != nil {
		return wire.BlockHeader{}, transientErr("blockchain.block.header", err)
	}
	var hexHeader string
	if err := json.Unmarshal(raw, &hexHeader); err != nil {
		return wire.BlockHeader{}, dataErr("blockchain.block.header", err)
	}
	h, err := decodeHeaderHex(hexHeader)
	if err != nil {
		return wire.BlockHeader{}, dataErr("blockchain.block.header", err)
	}
	return h, nil
}

// BatchHeaderFetch uses blockchain.block.headers(start_height, count),
// which returns a single hex blob of count concatenated 80-byte
// headers starting at startHeight (ascending).
func (e *Electrum) BatchHeaderFetch(ctx context.Context, startHash chainhash.Hash, startHeight uint64, n int) ([]wire.BlockHeader, error) {
	raw, err := e.call(ctx, "blockchain.block.headers", startHeight, n)
	if err != nil {
		return nil, transientErr("blockchain.block.headers", err)
	}
	var body struct {
		Hex   string `json:"hex"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, dataErr("blockchain.block.headers", err)
	}
	blob, err := hex.DecodeString(body.Hex)
	if err != nil || len(blob)%80 != 0 {
		return nil, dataErr("blockchain.block.headers", fmt.Errorf("malformed header blob"))
	}
	r := bytes.NewReader(blob)
	headers := make([]wire.BlockHeader, 0, body.Count)
	for i := 0; i < body.Count; i++ {
		var h wire.BlockHeader
		if err := h.Deserialize(r); err != nil {
			return nil, dataErr("blockchain.block.headers", err)
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// Coinbase resolves the coinbase txid at (height, 0) then fetches its
// raw bytes. Returns a data error if height is not on the active chain
// (Electrum cannot address non-active blocks at all).
func (e *Electrum) Coinbase(ctx context.Context, hash chainhash.Hash, height uint64) ([]byte, error) {
	activeHash, err := e.BlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	if activeHash != hash {
		return nil, dataErr("coinbase", fmt.Errorf("block %s is not on the active chain at height %d", hash, height))
	}

	raw, err := e.call(ctx, "blockchain.transaction.id_from_pos", height, 0, false)
	if err != nil {
		return nil, transientErr("blockchain.transaction.id_from_pos", err)
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return nil, dataErr("blockchain.transaction.id_from_pos", err)
	}

	txRaw, err := e.call(ctx, "blockchain.transaction.get", txid, false)
	if err != nil {
		return nil, transientErr("blockchain.transaction.get", err)
	}
	var hexTx string
	if err := json.Unmarshal(txRaw, &hexTx); err != nil {
		return nil, dataErr("blockchain.transaction.get", err)
	}
	rawTx, err := hex.DecodeString(hexTx)
	if err != nil {
		return nil, dataErr("blockchain.transaction.get", err)
	}
	return rawTx, nil
}

func decodeHeaderHex(hexHeader string) (wire.BlockHeader, error) {
	raw, err := hex.DecodeString(hexHeader)
	if err != nil || len(raw) != 80 {
		return wire.BlockHeader{}, fmt.Errorf("malformed header hex")
	}
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(raw)); err != nil {
		return wire.BlockHeader{}, err
	}
	return h, nil
}
