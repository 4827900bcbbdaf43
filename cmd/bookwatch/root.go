package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/openalpha/levelbook/book"
	wsfeed "github.com/openalpha/levelbook/feed/websocket"
	"github.com/openalpha/levelbook/metrics"
)

// watchConfig holds the command line configuration
type watchConfig struct {
	URL         string
	Symbol      string
	Source      string
	Levels      int
	MetricsAddr string
	Demo        bool
}

func rootCmd() *cobra.Command {
	cfg := &watchConfig{}

	cmd := &cobra.Command{
		Use:   "bookwatch",
		Short: "Watch the aggregated top-N price level book for one instrument",
		Long: `bookwatch subscribes to a market-data feed, aggregates per-order events
into price levels and renders the visible top-N window after every batch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.URL, "url", "ws://localhost:8080/ws", "websocket feed URL")
	cmd.Flags().StringVar(&cfg.Symbol, "symbol", "AAPL", "instrument symbol to watch")
	cmd.Flags().StringVar(&cfg.Source, "source", "NTV", "market-data source")
	cmd.Flags().IntVar(&cfg.Levels, "levels", 10, "visible price levels per side (0 = unbounded)")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty = disabled)")
	cmd.Flags().BoolVar(&cfg.Demo, "demo", false, "drive the book from a built-in scripted feed instead of a live connection")

	return cmd
}

func runWatch(cfg *watchConfig) error {
	logger := log.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var feed book.Feed
	if cfg.Demo {
		demo := newDemoFeed(logger)
		defer demo.Close()
		feed = demo
	} else {
		feedCfg := wsfeed.DefaultConfig()
		feedCfg.URL = cfg.URL
		client := wsfeed.NewClient(feedCfg, logger)
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()
		feed = client
	}

	agg, err := book.New(feed, cfg.Symbol, cfg.Source, cfg.Levels, logger)
	if err != nil {
		return err
	}
	defer agg.Close()

	agg.SetOnNewBook(func(set book.PriceLevelSet) {
		printBook(cfg.Symbol, "new book", set)
	})
	agg.SetOnIncrementalChange(func(cs book.ChangeSet) {
		if cs.Empty() {
			return
		}
		fmt.Printf("%s  changes: +%d ~%d -%d\n", cfg.Symbol,
			len(cs.Additions.Asks)+len(cs.Additions.Bids),
			len(cs.Updates.Asks)+len(cs.Updates.Bids),
			len(cs.Removals.Asks)+len(cs.Removals.Bids))
	})
	agg.SetOnBookUpdate(func(set book.PriceLevelSet) {
		printBook(cfg.Symbol, "update", set)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	<-ctx.Done()
	return nil
}

// printBook renders the visible window, best levels first on both sides
func printBook(symbol, reason string, set book.PriceLevelSet) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", symbol, reason)
	fmt.Fprintf(&b, "  %-24s | %-24s\n", "BID", "ASK")
	rows := len(set.Bids)
	if len(set.Asks) > rows {
		rows = len(set.Asks)
	}
	for i := 0; i < rows; i++ {
		bid, ask := "", ""
		if i < len(set.Bids) {
			bid = fmt.Sprintf("%12.4f x %-8.2f", set.Bids[i].Price, set.Bids[i].Size)
		}
		if i < len(set.Asks) {
			ask = fmt.Sprintf("%12.4f x %-8.2f", set.Asks[i].Price, set.Asks[i].Size)
		}
		fmt.Fprintf(&b, "  %-24s | %-24s\n", bid, ask)
	}
	fmt.Print(b.String())
}
