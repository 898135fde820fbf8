// Orchestrator: discovers ledger mints and consumes marketplace events, stores
// the merged token history and republishes it downstream.
// Endpoints: GET /healthz, GET /stats, GET /metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Tolam-Earth/integration-services/internal/bus"
	"github.com/Tolam-Earth/integration-services/internal/catalog"
	"github.com/Tolam-Earth/integration-services/internal/discovery"
	"github.com/Tolam-Earth/integration-services/internal/enrich"
	"github.com/Tolam-Earth/integration-services/internal/gate"
	"github.com/Tolam-Earth/integration-services/internal/httpmetrics"
	"github.com/Tolam-Earth/integration-services/internal/ledger"
	"github.com/Tolam-Earth/integration-services/internal/pipeline"
	"github.com/Tolam-Earth/integration-services/internal/publish"
)

func main() {
	cfg, err := configFromEnv()
	if err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator stopped", "err", err)
		os.Exit(1)
	}
}

// run wires the components and blocks until ctx is done or a component fails.
func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	st, err := openStores(ctx, cfg.databaseURL, logger)
	if err != nil {
		return err
	}
	defer st.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, gctx := errgroup.WithContext(ctx)

	var downstream bus.Channel
	if cfg.downstreamURL != "" {
		ws := bus.NewWSChannel(cfg.downstreamURL, nil)
		defer ws.Close()
		downstream = ws
	} else {
		logger.Warn("DOWNSTREAM_BUS_URL not set; downstream messages are logged only")
		local := bus.NewLocal(256)
		downstream = local
		grp.Go(func() error { return logDownstream(gctx, local, logger.With("component", "downstream")) })
	}

	var marketplace bus.Subscriber
	if cfg.marketplaceURL != "" {
		marketplace = bus.NewWSSubscriber(cfg.marketplaceURL, nil, logger)
	} else {
		logger.Warn("MARKETPLACE_BUS_URL not set; marketplace pipeline is idle")
		marketplace = bus.NewLocal(1)
	}

	ledgerClient := ledger.NewHTTPClient(cfg.ledgerURL, cfg.ledgerAPIKey, cfg.httpTimeout)
	source := discovery.New(ledgerClient, st.cursors, cfg.collections, 64, logger)
	enricher := enrich.NewGateway(catalog.NewHTTPClient(cfg.catalogURL, cfg.httpTimeout))
	dedup := gate.New(st.assets, logger)
	pub := publish.New(downstream)

	mint := pipeline.NewMint(source.Events(), cfg.collections, enricher, dedup, pub, logger)
	market := pipeline.NewMarketplace(marketplace, dedup, pub, logger)
	if err := mint.Start(gctx); err != nil {
		return err
	}
	if err := withRetry(gctx, 3, func() error { return market.Start(gctx) }); err != nil {
		return err
	}

	grp.Go(func() error {
		source.Run(gctx, cfg.interval)
		return nil
	})

	srv := &http.Server{Addr: cfg.addr, Handler: httpmetrics.Instrument(newMux(st.ping, dedup, mint, market), routes)}
	grp.Go(func() error {
		logger.Info("starting", "addr", cfg.addr, "collections", cfg.collections)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return grp.Wait()
}

var routes = httpmetrics.Routes("/healthz", "/stats", "/metrics")

type repeatCounter interface {
	RepeatCount() uint64
}

type stateful interface {
	State() pipeline.State
}

func newMux(ping func(context.Context) error, repeats repeatCounter, mint, market stateful) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpmetrics.Healthz(ping))
	mux.HandleFunc("/stats", handleStats(repeats, mint, market))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type statsResponse struct {
	RepeatedMintCount   uint64 `json:"repeated_mint_count"`
	MintPipeline        string `json:"mint_pipeline"`
	MarketplacePipeline string `json:"marketplace_pipeline"`
}

func handleStats(repeats repeatCounter, mint, market stateful) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := json.Marshal(statsResponse{
			RepeatedMintCount:   repeats.RepeatCount(),
			MintPipeline:        mint.State().String(),
			MarketplacePipeline: market.State().String(),
		})
		if err != nil {
			http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}
