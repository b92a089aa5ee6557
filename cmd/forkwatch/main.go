// Command forkwatch runs the multi-node Bitcoin block-tree observatory:
// it loads its configuration, opens the header store, rebuilds the
// in-memory graph for every configured network, then starts one poller
// per (network, node) pair, one pool-identification worker per
// network, and the HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/blockwatch-labs/forkwatch/api"
	"github.com/blockwatch-labs/forkwatch/broadcast"
	"github.com/blockwatch-labs/forkwatch/cache"
	"github.com/blockwatch-labs/forkwatch/config"
	"github.com/blockwatch-labs/forkwatch/graph"
	"github.com/blockwatch-labs/forkwatch/log"
	"github.com/blockwatch-labs/forkwatch/model"
	"github.com/blockwatch-labs/forkwatch/node"
	"github.com/blockwatch-labs/forkwatch/poller"
	"github.com/blockwatch-labs/forkwatch/poolid"
	"github.com/blockwatch-labs/forkwatch/store"
)

func main() {
	app := &cli.App{
		Name:  "forkwatch",
		Usage: "multi-node Bitcoin block-tree observatory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"CONFIG_FILE"}, Usage: "path to config.toml"},
			&cli.BoolFlag{Name: "json-logs", Usage: "emit JSON logs instead of the colorized terminal format"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Root().Crit("forkwatch exited with an error", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("json-logs") {
		log.SetDefault(log.NewLogger(log.JSONHandler(os.Stdout)))
	}
	if path := c.String("config"); path != "" {
		_ = os.Setenv("CONFIG_FILE", path)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}

	networkIDs := make([]uint32, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		networkIDs = append(networkIDs, n.ID)
	}
	caches := cache.New(networkIDs)
	bc := broadcast.New()

	group, gctx := errgroup.WithContext(ctx)

	for _, network := range cfg.Networks {
		network := network

		g := graph.New()
		loaded, err := st.Load(ctx, network.ID)
		if err != nil {
			return fmt.Errorf("loading network %d from store: %w", network.ID, err)
		}
		g.InsertBatch(loaded)
		if roots := g.Roots(); len(roots) > 1 {
			log.Root().Warn("loaded graph has multiple roots", "network", network.ID, "roots", len(roots))
		}

		adapters := make(map[uint32]node.Node, len(network.Nodes))
		for _, n := range network.Nodes {
			adapter, err := newAdapter(n)
			if err != nil {
				return fmt.Errorf("building node adapter %d/%d: %w", network.ID, n.ID, err)
			}
			adapters[n.ID] = adapter
		}

		sources := make([]poolid.CoinbaseSource, 0, len(network.Nodes))
		for _, n := range network.Nodes {
			sources = append(sources, poolid.CoinbaseSource{NodeID: n.ID, Node: adapters[n.ID]})
		}
		worker := poolid.NewWorker(network.ID, network.PoolIdentification, g, st, caches, sources)
		group.Go(func() error {
			worker.Run(gctx)
			return nil
		})

		scheduleMinerSweep(gctx, g, worker, network)

		nodeCount := len(network.Nodes)
		for idx, n := range network.Nodes {
			idx, n := idx, n
			p := poller.New(network.ID, network, n, adapters[n.ID], g, st, caches, worker, bc,
				cfg.QueryInterval, poller.StaggerDelay(cfg.QueryInterval, idx, nodeCount, network.ID))
			group.Go(func() error {
				p.Run(gctx)
				return nil
			})
		}
	}

	handler := api.New(caches, bc, cfg.Networks, cfg.FooterHTML, cfg.WWWPath, cfg.RSSBaseURL)
	httpServer := &http.Server{Addr: cfg.Address, Handler: handler}
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		log.Root().Info("listening", "address", cfg.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return group.Wait()
}

func newAdapter(n config.Node) (node.Node, error) {
	switch n.Implementation {
	case config.Bitcoincore:
		return node.NewBitcoinCore(n)
	case config.Btcd:
		return node.NewBtcd(n)
	case config.Esplora:
		return node.NewEsplora(n), nil
	case config.Electrum:
		return node.NewElectrum(n), nil
	default:
		return nil, fmt.Errorf("unknown node implementation %q", n.Implementation)
	}
}

// scheduleMinerSweep fires the one-shot post-startup sweep described in
// spec.md §4.E: five minutes after startup, every still-unidentified
// header within the network is queued for pool identification once
// more, to cover headers whose first identification attempt failed
// while the tip set happened not to change afterwards.
func scheduleMinerSweep(ctx context.Context, g *graph.Graph, worker *poolid.Worker, network config.Network) {
	go func() {
		select {
		case <-time.After(5 * time.Minute):
		case <-ctx.Done():
			return
		}
		for _, hi := range g.Snapshot().Vertices {
			if hi.Miner == model.MinerUnidentified || hi.Miner == model.MinerUnknown {
				worker.Enqueue(hi.Hash())
			}
		}
	}()
}
