// Package poolid implements mining-pool identification from coinbase
// transactions and the per-network worker that drives it. Pattern
// matching against known pool tags/addresses is the one genuinely
// out-of-scope piece of the system (spec.md treats it as an opaque
// identifier function); what's specified and implemented here is the
// worker's consumption, ordering, and writeback behaviour around it.
package poolid

import (
	"bytes"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/blockwatch-labs/forkwatch/config"
	"github.com/blockwatch-labs/forkwatch/model"
)

// tagSignatures maps an ASCII substring commonly embedded in a pool's
// coinbase scriptSig (the "coinbase tag" convention) to a pool name.
// This is a small, illustrative table, not an exhaustive registry.
var tagSignatures = map[string]string{
	"/ViaBTC/":     "ViaBTC",
	"/F2Pool/":     "F2Pool",
	"/AntPool/":    "AntPool",
	"/Foundry USA": "Foundry USA",
	"/SlushPool/":  "SlushPool",
	"/BTC.com/":    "BTC.com",
	"/Poolin/":     "Poolin",
	"/MARA Pool/":  "MARA Pool",
	"/Luxor/":      "Luxor",
	"/SBICrypto/":  "SBI Crypto",
}

// addressSignatures maps a known payout address (as it would decode
// under the matching network's params) to a pool name, used when a
// pool doesn't tag its coinbase scriptSig but pays itself at a fixed
// address.
var addressSignatures = map[string]string{
	"bc1qxhmdufsvnuaaaer4ynz88fspdsxq2h9e9cetdj": "F2Pool",
}

func netParams(network config.PoolIdentificationNetwork) *chaincfg.Params {
	switch network {
	case config.PINTestnet:
		return &chaincfg.TestNet3Params
	case config.PINSignet:
		return &chaincfg.SigNetParams
	case config.PINRegtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// Identify inspects a raw coinbase transaction and returns a pool name,
// or model.MinerUnknown if no known tag or address matches.
func Identify(raw []byte, network config.PoolIdentificationNetwork) string {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return model.MinerUnknown
	}
	if len(tx.TxIn) == 0 {
		return model.MinerUnknown
	}

	sigScript := tx.TxIn[0].SignatureScript
	for tag, pool := range tagSignatures {
		if bytes.Contains(sigScript, []byte(tag)) {
			return pool
		}
	}

	params := netParams(network)
	for _, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, params)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if pool, ok := addressSignatures[strings.ToLower(addr.EncodeAddress())]; ok {
				return pool
			}
		}
	}

	return model.MinerUnknown
}
