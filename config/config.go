// Package config loads and validates the forkwatch TOML configuration
// file named by $CONFIG_FILE (default "config.toml").
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	envConfigFile                = "CONFIG_FILE"
	defaultConfig                = "config.toml"
	defaultNodeImp               = Bitcoincore
	defaultMaxInterestingHeights = 100
)

// NodeImplementation selects which Node adapter a configured node uses.
type NodeImplementation string

const (
	Bitcoincore NodeImplementation = "bitcoincore"
	Btcd        NodeImplementation = "btcd"
	Esplora     NodeImplementation = "esplora"
	Electrum    NodeImplementation = "electrum"
)

func parseImplementation(s string) (NodeImplementation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Bitcoincore), "core":
		return Bitcoincore, nil
	case string(Btcd):
		return Btcd, nil
	case string(Esplora):
		return Esplora, nil
	case string(Electrum):
		return Electrum, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownImplementation, s)
	}
}

// PoolIdentificationNetwork is the network whose coinbase conventions the
// pool-identification function should assume (mainnet script/address
// patterns don't necessarily apply to testnet/signet/regtest).
type PoolIdentificationNetwork string

const (
	PINMainnet PoolIdentificationNetwork = "mainnet"
	PINTestnet PoolIdentificationNetwork = "testnet"
	PINSignet  PoolIdentificationNetwork = "signet"
	PINRegtest PoolIdentificationNetwork = "regtest"
)

// Auth is the RPC authentication method for a node.
type Auth struct {
	CookieFile string // empty if unset
	User       string
	Password   string
}

func (a Auth) hasCookie() bool   { return a.CookieFile != "" }
func (a Auth) hasUserPass() bool { return a.User != "" && a.Password != "" }

// Node is one fully-validated configured backend within a Network.
type Node struct {
	ID             uint32
	Name           string
	Description    string
	RPCHost        string
	RPCPort        uint16
	Auth           Auth
	UseREST        bool
	Implementation NodeImplementation
}

// RPCAddress returns "host:port" for this node.
func (n Node) RPCAddress() string {
	return fmt.Sprintf("%s:%d", n.RPCHost, n.RPCPort)
}

// PoolIdentification configures the per-network miner-identification
// worker.
type PoolIdentification struct {
	Enable  bool
	Network PoolIdentificationNetwork
}

// Network is one fully-validated configured network (e.g. mainnet,
// testnet4, a private signet).
type Network struct {
	ID                   uint32
	Name                 string
	Description          string
	MinForkHeight        uint64
	MaxInterestingHeights int
	PoolIdentification   PoolIdentification
	Nodes                []Node
}

// Config is the fully-validated, process-wide configuration.
type Config struct {
	Address       string
	DatabasePath  string
	WWWPath       string
	RSSBaseURL    string
	QueryInterval time.Duration
	FooterHTML    string
	Networks      []Network
}

// --- errors -----------------------------------------------------------

var (
	ErrNoCookieFile          = errors.New("config: rpc_cookie_file does not exist")
	ErrNoRPCAuth             = errors.New("config: specify rpc_cookie_file or rpc_user and rpc_password")
	ErrNoNetworks            = errors.New("config: no networks defined")
	ErrDuplicateNetworkID    = errors.New("config: duplicate network id")
	ErrDuplicateNodeID       = errors.New("config: duplicate node id within a network")
	ErrUnknownImplementation = errors.New("config: unknown node implementation")
	ErrUnparseableAddress    = errors.New("config: could not parse address as host:port")
)

// tomlConfig / tomlNetwork / tomlNode mirror the on-disk shape before
// validation and defaulting are applied.
type tomlConfig struct {
	Address       string        `toml:"address"`
	DatabasePath  string        `toml:"database_path"`
	WWWPath       string        `toml:"www_path"`
	RSSBaseURL    string        `toml:"rss_base_url"`
	QueryInterval int64         `toml:"query_interval"`
	FooterHTML    string        `toml:"footer_html"`
	Networks      []tomlNetwork `toml:"networks"`
}

type tomlNetwork struct {
	ID            uint32 `toml:"id"`
	Name          string `toml:"name"`
	Description   string `toml:"description"`
	MinForkHeight uint64 `toml:"min_fork_height"`
	// MaxInterestingHeights is a pointer so an explicit 0 (a valid,
	// tested boundary - tree-strip collapses to an empty list) can be
	// told apart from the key being absent from the TOML file.
	MaxInterestingHeights *int                   `toml:"max_interesting_heights"`
	PoolIdentification    tomlPoolIdentification `toml:"pool_identification"`
	Nodes                 []tomlNode             `toml:"nodes"`
}

type tomlPoolIdentification struct {
	Enable  bool   `toml:"enable"`
	Network string `toml:"network"`
}

type tomlNode struct {
	ID             uint32 `toml:"id"`
	Name           string `toml:"name"`
	Description    string `toml:"description"`
	RPCHost        string `toml:"rpc_host"`
	RPCPort        uint16 `toml:"rpc_port"`
	RPCCookieFile  string `toml:"rpc_cookie_file"`
	RPCUser        string `toml:"rpc_user"`
	RPCPassword    string `toml:"rpc_password"`
	UseREST        bool   `toml:"use_rest"`
	Implementation string `toml:"implementation"`
}

// Load reads and validates the configuration file named by $CONFIG_FILE
// (or "config.toml" if unset).
func Load() (*Config, error) {
	path := os.Getenv(envConfigFile)
	if path == "" {
		path = defaultConfig
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration file at path.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return parse(raw)
}

func parse(raw []byte) (*Config, error) {
	var tc tomlConfig
	if _, err := toml.Decode(string(raw), &tc); err != nil {
		return nil, fmt.Errorf("config: parsing TOML: %w", err)
	}

	if len(tc.Networks) == 0 {
		return nil, ErrNoNetworks
	}

	seenNetworkIDs := make(map[uint32]bool, len(tc.Networks))
	networks := make([]Network, 0, len(tc.Networks))
	for _, tn := range tc.Networks {
		if seenNetworkIDs[tn.ID] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateNetworkID, tn.ID)
		}
		seenNetworkIDs[tn.ID] = true

		network, err := buildNetwork(tn)
		if err != nil {
			return nil, err
		}
		networks = append(networks, network)
	}

	addr := tc.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnparseableAddress, addr, err)
	}

	return &Config{
		Address:       addr,
		DatabasePath:  tc.DatabasePath,
		WWWPath:       tc.WWWPath,
		RSSBaseURL:    tc.RSSBaseURL,
		QueryInterval: time.Duration(tc.QueryInterval) * time.Second,
		FooterHTML:    tc.FooterHTML,
		Networks:      networks,
	}, nil
}

func buildNetwork(tn tomlNetwork) (Network, error) {
	seenNodeIDs := make(map[uint32]bool, len(tn.Nodes))
	nodes := make([]Node, 0, len(tn.Nodes))
	for _, tnode := range tn.Nodes {
		if seenNodeIDs[tnode.ID] {
			return Network{}, fmt.Errorf("%w: network %d, node %d", ErrDuplicateNodeID, tn.ID, tnode.ID)
		}
		seenNodeIDs[tnode.ID] = true

		node, err := buildNode(tnode)
		if err != nil {
			return Network{}, err
		}
		nodes = append(nodes, node)
	}

	pinNetwork := PoolIdentificationNetwork(tn.PoolIdentification.Network)
	if pinNetwork == "" {
		pinNetwork = PINMainnet
	}

	maxHeights := defaultMaxInterestingHeights
	if tn.MaxInterestingHeights != nil {
		maxHeights = *tn.MaxInterestingHeights
	}

	return Network{
		ID:                    tn.ID,
		Name:                  tn.Name,
		Description:           tn.Description,
		MinForkHeight:         tn.MinForkHeight,
		MaxInterestingHeights: maxHeights,
		PoolIdentification: PoolIdentification{
			Enable:  tn.PoolIdentification.Enable,
			Network: pinNetwork,
		},
		Nodes: nodes,
	}, nil
}

func buildNode(tnode tomlNode) (Node, error) {
	auth, err := parseAuth(tnode)
	if err != nil {
		return Node{}, err
	}

	impl, err := parseImplementation(tnode.Implementation)
	if err != nil {
		return Node{}, err
	}

	return Node{
		ID:             tnode.ID,
		Name:           tnode.Name,
		Description:    tnode.Description,
		RPCHost:        tnode.RPCHost,
		RPCPort:        tnode.RPCPort,
		Auth:           auth,
		UseREST:        tnode.UseREST && impl == Bitcoincore,
		Implementation: impl,
	}, nil
}

func parseAuth(tnode tomlNode) (Auth, error) {
	if tnode.RPCCookieFile != "" {
		if _, err := os.Stat(tnode.RPCCookieFile); err != nil {
			return Auth{}, fmt.Errorf("%w: %s", ErrNoCookieFile, tnode.RPCCookieFile)
		}
		return Auth{CookieFile: tnode.RPCCookieFile}, nil
	}
	if tnode.RPCUser != "" && tnode.RPCPassword != "" {
		return Auth{User: tnode.RPCUser, Password: tnode.RPCPassword}, nil
	}
	return Auth{}, ErrNoRPCAuth
}
