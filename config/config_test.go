package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCookie(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, ".cookie")
	require.NoError(t, os.WriteFile(path, []byte("user:pass"), 0o600))
	return path
}

func baseConfig(cookie string) string {
	return `
address = "127.0.0.1:8080"
database_path = "forkwatch.sqlite3"
www_path = "www"
rss_base_url = "https://example.org"
query_interval = 30
footer_html = "<p>hi</p>"

[[networks]]
id = 1
name = "mainnet"
description = "Bitcoin mainnet"
min_fork_height = 800000
max_interesting_heights = 100

[networks.pool_identification]
enable = true
network = "mainnet"

[[networks.nodes]]
id = 1
name = "core-1"
description = "a node"
rpc_host = "127.0.0.1"
rpc_port = 8332
rpc_cookie_file = "` + cookie + `"
use_rest = true
implementation = "bitcoincore"
`
}

func TestParseValidConfig(t *testing.T) {
	dir := t.TempDir()
	cookie := writeCookie(t, dir)

	cfg, err := parse([]byte(baseConfig(cookie)))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.Address)
	require.Len(t, cfg.Networks, 1)
	require.Equal(t, uint64(800000), cfg.Networks[0].MinForkHeight)
	require.True(t, cfg.Networks[0].PoolIdentification.Enable)
	require.Equal(t, PINMainnet, cfg.Networks[0].PoolIdentification.Network)
	require.Len(t, cfg.Networks[0].Nodes, 1)
	require.Equal(t, Bitcoincore, cfg.Networks[0].Nodes[0].Implementation)
	require.True(t, cfg.Networks[0].Nodes[0].UseREST)
}

func TestParseExplicitZeroMaxInterestingHeightsIsPreserved(t *testing.T) {
	dir := t.TempDir()
	cookie := writeCookie(t, dir)
	cfg := `
address = "127.0.0.1:8080"
database_path = "x.db"
www_path = "www"
rss_base_url = "https://example.org"
query_interval = 30
footer_html = ""

[[networks]]
id = 1
name = "mainnet"
description = ""
min_fork_height = 0
max_interesting_heights = 0

[[networks.nodes]]
id = 1
name = "core-1"
description = ""
rpc_host = "127.0.0.1"
rpc_port = 8332
rpc_cookie_file = "` + cookie + `"
implementation = "bitcoincore"
`
	parsed, err := parse([]byte(cfg))
	require.NoError(t, err)
	require.Equal(t, 0, parsed.Networks[0].MaxInterestingHeights)
}

func TestParseDefaultsMaxInterestingHeightsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	cookie := writeCookie(t, dir)
	cfg := `
address = "127.0.0.1:8080"
database_path = "x.db"
www_path = "www"
rss_base_url = "https://example.org"
query_interval = 30
footer_html = ""

[[networks]]
id = 1
name = "mainnet"
description = ""
min_fork_height = 0

[[networks.nodes]]
id = 1
name = "core-1"
description = ""
rpc_host = "127.0.0.1"
rpc_port = 8332
rpc_cookie_file = "` + cookie + `"
implementation = "bitcoincore"
`
	parsed, err := parse([]byte(cfg))
	require.NoError(t, err)
	require.Equal(t, defaultMaxInterestingHeights, parsed.Networks[0].MaxInterestingHeights)
}

func TestParseRejectsEmptyNetworks(t *testing.T) {
	_, err := parse([]byte(`
address = "127.0.0.1:8080"
database_path = "x.db"
www_path = "www"
rss_base_url = "https://example.org"
query_interval = 30
footer_html = ""
`))
	require.ErrorIs(t, err, ErrNoNetworks)
}

func TestParseRejectsDuplicateNetworkID(t *testing.T) {
	dir := t.TempDir()
	cookie := writeCookie(t, dir)
	cfg := baseConfig(cookie) + `
[[networks]]
id = 1
name = "dup"
description = "dup"
min_fork_height = 0
max_interesting_heights = 10
nodes = []
`
	_, err := parse([]byte(cfg))
	require.ErrorIs(t, err, ErrDuplicateNetworkID)
}

func TestParseRejectsDuplicateNodeIDWithinNetwork(t *testing.T) {
	dir := t.TempDir()
	cookie := writeCookie(t, dir)
	cfg := baseConfig(cookie) + `
[[networks.nodes]]
id = 1
name = "core-2"
description = "dup id"
rpc_host = "127.0.0.1"
rpc_port = 8333
rpc_user = "u"
rpc_password = "p"
implementation = "btcd"
`
	_, err := parse([]byte(cfg))
	require.ErrorIs(t, err, ErrDuplicateNodeID)
}

func TestParseRejectsMissingAuth(t *testing.T) {
	cfg := `
address = "127.0.0.1:8080"
database_path = "x.db"
www_path = "www"
rss_base_url = "https://example.org"
query_interval = 30
footer_html = ""

[[networks]]
id = 1
name = "mainnet"
description = ""
min_fork_height = 0
max_interesting_heights = 10

[[networks.nodes]]
id = 1
name = "core-1"
description = ""
rpc_host = "127.0.0.1"
rpc_port = 8332
implementation = "bitcoincore"
`
	_, err := parse([]byte(cfg))
	require.ErrorIs(t, err, ErrNoRPCAuth)
}

func TestParseRejectsUnknownImplementation(t *testing.T) {
	dir := t.TempDir()
	cookie := writeCookie(t, dir)
	cfg := `
address = "127.0.0.1:8080"
database_path = "x.db"
www_path = "www"
rss_base_url = "https://example.org"
query_interval = 30
footer_html = ""

[[networks]]
id = 1
name = "mainnet"
description = ""
min_fork_height = 0
max_interesting_heights = 10

[[networks.nodes]]
id = 1
name = "core-1"
description = ""
rpc_host = "127.0.0.1"
rpc_port = 8332
rpc_cookie_file = "` + cookie + `"
implementation = "not-a-real-implementation"
`
	_, err := parse([]byte(cfg))
	require.ErrorIs(t, err, ErrUnknownImplementation)
}

func TestParseRejectsUnparseableAddress(t *testing.T) {
	dir := t.TempDir()
	cookie := writeCookie(t, dir)
	cfg := `
address = "not-an-address"
database_path = "x.db"
www_path = "www"
rss_base_url = "https://example.org"
query_interval = 30
footer_html = ""

[[networks]]
id = 1
name = "mainnet"
description = ""
min_fork_height = 0
max_interesting_heights = 10

[[networks.nodes]]
id = 1
name = "core-1"
description = ""
rpc_host = "127.0.0.1"
rpc_port = 8332
rpc_cookie_file = "` + cookie + `"
implementation = "bitcoincore"
`
	_, err := parse([]byte(cfg))
	require.ErrorIs(t, err, ErrUnparseableAddress)
}

func TestLoadFileUsesDisk(t *testing.T) {
	dir := t.TempDir()
	cookie := writeCookie(t, dir)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig(cookie)), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Networks, 1)
}
