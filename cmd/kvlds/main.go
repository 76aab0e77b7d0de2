// Command kvlds runs a KVLDS server: a copy-on-write B+Tree key-value
// store backed by a log-structured block store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"kvlds/pkg/kvlds"
	"kvlds/pkg/lbs"
	"kvlds/pkg/metrics"
)

func main() {
	app := &cli.App{
		Name:  "kvlds",
		Usage: "a copy-on-write B+Tree key-value store over a log-structured block store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Value: "127.0.0.1:8080", Usage: "address to listen for KVLDS protocol connections"},
			&cli.StringFlag{Name: "store", Aliases: []string{"s"}, Value: "memory", Usage: `backing store: "memory" or a file path`},
			&cli.IntFlag{Name: "pool-size", Aliases: []string{"C"}, Value: 0, Usage: "page pool target occupancy in nodes (0 = derive from --cache-bytes)"},
			&cli.IntFlag{Name: "cache-bytes", Aliases: []string{"c"}, Value: 64 << 20, Usage: "page pool target occupancy in bytes"},
			&cli.IntFlag{Name: "kmax", Aliases: []string{"k"}, Value: kvlds.MaxKeyLen, Usage: "maximum key length"},
			&cli.IntFlag{Name: "vmax", Aliases: []string{"v"}, Value: 255, Usage: "maximum value length"},
			&cli.Float64Flag{Name: "scost", Aliases: []string{"S"}, Value: 1.0, Usage: "cleaner storage cost, as a multiple of 1e6 I/Os per GB-month (0 disables cleaning)"},
			&cli.IntFlag{Name: "block-size", Value: 4096, Usage: "LBS block size in bytes, for a new memory/file store"},
			&cli.DurationFlag{Name: "group-window", Aliases: []string{"w"}, Value: 10 * time.Millisecond, Usage: "group-commit window"},
			&cli.IntFlag{Name: "min-batch", Aliases: []string{"g"}, Value: 1024, Usage: "minimum forced-commit batch size, in [1,1024]"},
			&cli.DurationFlag{Name: "clean-flush", Value: 5 * time.Second, Usage: "periodic cleaning-flush interval"},
			&cli.IntFlag{Name: "max-nmr", Value: 32, Usage: "maximum concurrent non-modifying requests"},
			&cli.BoolFlag{Name: "one-shot", Aliases: []string{"1"}, Value: false, Usage: "serve a single connection then exit"},
			&cli.StringFlag{Name: "metrics-listen", Value: "", Usage: "address to serve Prometheus metrics on (empty disables)"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "log level: debug, info, warn, error"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.String("log-level")); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	var store lbs.Store
	storeArg := c.String("store")
	if storeArg == "memory" {
		store = lbs.NewMemory(c.Int("block-size"))
	} else {
		f, err := lbs.OpenFile(storeArg, c.Int("block-size"))
		if err != nil {
			return fmt.Errorf("opening store %q: %w", storeArg, err)
		}
		store = f
	}

	ctx := context.Background()
	limits := kvlds.Limits{MaxKeyLen: c.Int("kmax"), MaxValueLen: c.Int("vmax"), Scost: c.Float64("scost")}
	tree, err := kvlds.Open(ctx, store, limits, entry.WithField("component", "tree"))
	if err != nil {
		return fmt.Errorf("opening tree: %w", err)
	}
	if n := c.Int("pool-size"); n > 0 {
		tree.SetPoolTarget(n)
	} else if b := c.Int("cache-bytes"); b > 0 {
		blockLen, _, _, err := store.Params(ctx)
		if err != nil {
			return fmt.Errorf("reading store parameters: %w", err)
		}
		if blockLen > 0 {
			tree.SetPoolTarget(b / blockLen)
		}
	}

	disp := kvlds.NewDispatcher(tree, kvlds.DispatcherConfig{
		GroupWindow:   c.Duration("group-window"),
		CleaningFlush: c.Duration("clean-flush"),
		MinBatch:      c.Int("min-batch"),
		MaxNMR:        int64(c.Int("max-nmr")),
	})
	defer disp.Close()

	if addr := c.String("metrics-listen"); addr != "" {
		reg := prometheus.NewRegistry()
		disp.SetMetrics(metrics.NewRegistry(reg))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			entry.WithField("addr", addr).Info("serving metrics")
			if err := http.ListenAndServe(addr, mux); err != nil {
				entry.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	srv, err := kvlds.NewServer(c.String("listen"), disp, c.Bool("one-shot"), entry.WithField("component", "server"))
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	entry.WithField("addr", srv.Addr()).Info("kvlds listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		entry.WithField("signal", sig).Info("shutting down")
		srv.Close()
		disp.Close()
		return tree.Close()
	}
}
