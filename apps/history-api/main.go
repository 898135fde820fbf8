// History API: token transaction history and offset purchases. Rate-limited per client IP.
// Endpoints: GET /v1/offsets/{tokenId},{serialNumber}/transactions, POST /v1/offsets/buyer,
// GET /healthz, GET /metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/httpmetrics"
	"github.com/Tolam-Earth/integration-services/internal/purchase"
	"github.com/Tolam-Earth/integration-services/internal/store"
)

const window = time.Minute

// rateLimiter enforces a per-client limit within a sliding window.
type rateLimiter struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	limit int
	win   time.Duration
}

func newRateLimiter(limit int, win time.Duration) *rateLimiter {
	return &rateLimiter{hits: make(map[string][]time.Time), limit: limit, win: win}
}

func (r *rateLimiter) allow(client string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(client)
	if len(r.hits[client]) >= r.limit {
		return false
	}
	r.hits[client] = append(r.hits[client], time.Now())
	return true
}

// prune removes timestamps older than the sliding window to keep map size bounded.
func (r *rateLimiter) prune(client string) {
	cutoff := time.Now().Add(-r.win)
	var valid []time.Time
	for _, t := range r.hits[client] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.hits, client)
	} else {
		r.hits[client] = valid
	}
}

var rateLimitHits = prometheus.NewCounter(
	prometheus.CounterOpts{Name: "history_rate_limit_total", Help: "Rate limit hits"},
)

func init() {
	prometheus.MustRegister(rateLimitHits)
}

// config holds env-derived settings; CONFIG_FILE values apply first.
type config struct {
	databaseURL    string
	addr           string
	rateLimit      int
	logLevel       slog.Level
	marketplaceURL string
	marketplaceKey string
	signerURL      string
	signerKey      string
	conversionURL  string
	httpTimeout    time.Duration
}

// purchasesEnabled reports whether every purchase collaborator is configured.
func (c config) purchasesEnabled() bool {
	return c.marketplaceURL != "" && c.signerURL != "" && c.conversionURL != ""
}

type fileConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	HTTP struct {
		Port string `yaml:"port"`
	} `yaml:"http"`
	History struct {
		RateLimit int `yaml:"rate_limit"`
	} `yaml:"history"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Purchase struct {
		MarketplaceURL string `yaml:"marketplace_url"`
		MarketplaceKey string `yaml:"marketplace_api_key"`
		SignerURL      string `yaml:"signer_url"`
		SignerKey      string `yaml:"signer_api_key"`
		ConversionURL  string `yaml:"conversion_url"`
	} `yaml:"purchase"`
}

func configFromEnv() (config, error) {
	cfg := config{addr: ":8080", rateLimit: 60, logLevel: slog.LevelInfo, httpTimeout: 10 * time.Second}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config file: %w", err)
		}
		var f fileConfig
		if err := yaml.Unmarshal(data, &f); err != nil {
			return config{}, fmt.Errorf("parse config file: %w", err)
		}
		cfg.databaseURL = f.Database.URL
		if f.HTTP.Port != "" {
			cfg.addr = ":" + strings.TrimPrefix(f.HTTP.Port, ":")
		}
		if f.History.RateLimit > 0 {
			cfg.rateLimit = f.History.RateLimit
		}
		if f.Logging.Level != "" {
			if err := cfg.logLevel.UnmarshalText([]byte(f.Logging.Level)); err != nil {
				return config{}, fmt.Errorf("logging.level: %w", err)
			}
		}
		cfg.marketplaceURL = f.Purchase.MarketplaceURL
		cfg.marketplaceKey = f.Purchase.MarketplaceKey
		cfg.signerURL = f.Purchase.SignerURL
		cfg.signerKey = f.Purchase.SignerKey
		cfg.conversionURL = f.Purchase.ConversionURL
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.databaseURL = v
	}
	if p := os.Getenv("PORT"); p != "" {
		p = strings.TrimPrefix(p, ":") // allow PORT=8080 or PORT=:8080
		if p != "" {
			cfg.addr = ":" + p
		}
	}
	if s := os.Getenv("HISTORY_RATE_LIMIT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.rateLimit = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.logLevel.UnmarshalText([]byte(v)); err != nil {
			return config{}, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	for env, dst := range map[string]*string{
		"MARKETPLACE_API_URL": &cfg.marketplaceURL,
		"MARKETPLACE_API_KEY": &cfg.marketplaceKey,
		"SIGNER_URL":          &cfg.signerURL,
		"SIGNER_API_KEY":      &cfg.signerKey,
		"CONVERSION_URL":      &cfg.conversionURL,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if s := os.Getenv("HTTP_TIMEOUT_SEC"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.httpTimeout = time.Duration(n) * time.Second
		}
	}
	if cfg.databaseURL == "" {
		return config{}, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

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

	pg, err := store.NewPostgres(ctx, cfg.databaseURL)
	if err != nil {
		slog.Error("connect to postgres", "err", err)
		os.Exit(1)
	}
	defer pg.Close()

	var buyer *purchase.Buyer
	var purchaser offsetPurchaser
	if cfg.purchasesEnabled() {
		buyer = purchase.NewBuyer(
			purchase.NewHTTPRates(cfg.conversionURL, cfg.httpTimeout),
			purchase.NewHTTPSigner(cfg.signerURL, cfg.signerKey, cfg.httpTimeout),
			purchase.NewHTTPMarketplace(cfg.marketplaceURL, cfg.marketplaceKey, cfg.httpTimeout),
			logger,
		)
		purchaser = buyer
	} else {
		slog.Warn("purchase collaborators not configured; POST /v1/offsets/buyer disabled")
	}

	mux := newMux(pg, pg.Ping, purchaser, newRateLimiter(cfg.rateLimit, window))
	srv := &http.Server{Addr: cfg.addr, Handler: httpmetrics.Instrument(mux, route)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", "err", err)
			cancel()
		}
	}()
	slog.Info("starting", "addr", cfg.addr, "rate_limit", cfg.rateLimit)

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
	if buyer != nil {
		buyer.Wait()
	}
}

// assetFinder is the read side of the asset store.
type assetFinder interface {
	FindByIdentity(ctx context.Context, id asset.Identity) (*asset.Asset, error)
}

// offsetPurchaser starts a purchase that completes after the response is sent.
type offsetPurchaser interface {
	PurchaseAsync(ctx context.Context, req purchase.Request)
}

// newMux registers the purchase route only when purchaser is non-nil.
func newMux(assets assetFinder, ping func(context.Context) error, purchaser offsetPurchaser, limiter *rateLimiter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpmetrics.Healthz(ping))
	mux.HandleFunc("GET /v1/offsets/{offset}/transactions", handleHistory(assets, limiter))
	if purchaser != nil {
		mux.HandleFunc("POST /v1/offsets/buyer", handlePurchase(purchaser, limiter))
	}
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// route bounds the path label: offset ids are folded into the pattern.
func route(path string) string {
	switch {
	case path == "/v1/offsets/buyer":
		return path
	case strings.HasPrefix(path, "/v1/offsets/"):
		return "/v1/offsets/{offset}/transactions"
	case path == "/healthz", path == "/metrics":
		return path
	default:
		return "other"
	}
}

type nftID struct {
	TokenID      string `json:"token_id"`
	SerialNumber string `json:"serial_number"`
}

type historyTransaction struct {
	TransactionID   string `json:"transaction_id"`
	TransactionTime string `json:"transaction_time"`
	MsgType         string `json:"msg_type"`
	Owner           string `json:"owner"`
	Price           *int64 `json:"price,omitempty"`
}

type historyResponse struct {
	NftID        nftID                `json:"nft_id"`
	Transactions []historyTransaction `json:"transactions"`
}

func newHistoryResponse(a *asset.Asset) historyResponse {
	resp := historyResponse{
		NftID:        nftID{TokenID: a.Identity.CollectionID, SerialNumber: a.Identity.SerialNumber},
		Transactions: make([]historyTransaction, 0, len(a.Transactions)),
	}
	for _, tx := range a.Transactions {
		ht := historyTransaction{
			TransactionID:   tx.TransactionID,
			TransactionTime: tx.Timestamp,
			MsgType:         string(tx.Kind),
			Owner:           tx.Owner,
		}
		switch tx.Kind {
		case asset.KindListed:
			ht.Price = tx.ListPrice
		case asset.KindPurchased:
			ht.Price = tx.PurchasePrice
		}
		resp.Transactions = append(resp.Transactions, ht)
	}
	return resp
}

func handleHistory(assets assetFinder, limiter *rateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			rateLimitHits.Inc()
			slog.Warn("rate limit", "ip", ip)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		tokenID, serial, ok := strings.Cut(r.PathValue("offset"), ",")
		id := asset.NewIdentity(strings.TrimSpace(tokenID), strings.TrimSpace(serial))
		if !ok || id.Validate() != nil {
			writeError(w, http.StatusBadRequest, "invalid offset id")
			return
		}
		slog.Info("offset history request", "identity", id.String(), "ip", ip)
		a, err := assets.FindByIdentity(r.Context(), id)
		if err != nil {
			slog.Error("load offset", "identity", id.String(), "err", err)
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		if a == nil {
			writeError(w, http.StatusNotFound, "offset not found")
			return
		}
		body, err := json.Marshal(newHistoryResponse(a))
		if err != nil {
			slog.Error("encode response", "err", err)
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

type purchaseResponse struct {
	Status string `json:"status"`
}

const maxPurchaseBody = 64 << 10

// handlePurchase accepts the request and answers 202 PENDING before the
// purchase settles; Location points at the offset's history.
func handlePurchase(purchaser offsetPurchaser, limiter *rateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			rateLimitHits.Inc()
			slog.Warn("rate limit", "ip", ip)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		var req purchase.Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPurchaseBody))
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid data")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid data")
			return
		}
		id := req.Asset.NftID
		slog.Info("offset purchase request", "identity", id.String(), "account", req.AccountID, "ip", ip)
		purchaser.PurchaseAsync(r.Context(), req)

		body, _ := json.Marshal(purchaseResponse{Status: "PENDING"})
		w.Header().Set("Location", "/v1/offsets/"+id.CollectionID+","+id.SerialNumber+"/transactions")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write(body)
	}
}

// clientIP uses the leftmost X-Forwarded-For entry (behind proxy); fallback to RemoteAddr.
func clientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if idx := strings.Index(ip, ","); idx >= 0 {
		ip = strings.TrimSpace(ip[:idx])
	} else {
		ip = strings.TrimSpace(ip)
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		ip = host
	}
	return ip
}

func writeError(w http.ResponseWriter, code int, msg string) {
	body, _ := json.Marshal(map[string]string{"error": msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
