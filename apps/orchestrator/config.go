package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// config holds the orchestrator settings. Values come from the optional
// CONFIG_FILE first, then from the environment.
type config struct {
	databaseURL    string
	ledgerURL      string
	ledgerAPIKey   string
	catalogURL     string
	collections    []string
	interval       time.Duration
	marketplaceURL string
	downstreamURL  string
	addr           string
	logLevel       slog.Level
	httpTimeout    time.Duration
}

// fileConfig is the YAML layout of CONFIG_FILE.
type fileConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Ledger struct {
		URL                string   `yaml:"url"`
		APIKey             string   `yaml:"api_key"`
		TrackedCollections []string `yaml:"tracked_collections"`
		IntervalSeconds    int      `yaml:"discovery_interval_seconds"`
	} `yaml:"ledger"`
	Catalog struct {
		URL string `yaml:"url"`
	} `yaml:"catalog"`
	Bus struct {
		MarketplaceURL string `yaml:"marketplace_url"`
		DownstreamURL  string `yaml:"downstream_url"`
	} `yaml:"bus"`
	HTTP struct {
		Port           string `yaml:"port"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"http"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func defaultConfig() config {
	return config{
		interval:    30 * time.Second,
		addr:        ":8080",
		logLevel:    slog.LevelInfo,
		httpTimeout: 10 * time.Second,
	}
}

// configFromEnv builds and validates the config.
func configFromEnv() (config, error) {
	cfg := defaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return config{}, err
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.databaseURL = v
	}
	if v := os.Getenv("LEDGER_URL"); v != "" {
		cfg.ledgerURL = v
	}
	if v := os.Getenv("LEDGER_API_KEY"); v != "" {
		cfg.ledgerAPIKey = v
	}
	if v := os.Getenv("CATALOG_URL"); v != "" {
		cfg.catalogURL = v
	}
	if v := os.Getenv("TRACKED_COLLECTIONS"); v != "" {
		cfg.collections = splitList(v)
	}
	if n := positiveInt(os.Getenv("DISCOVERY_INTERVAL_SEC")); n > 0 {
		cfg.interval = time.Duration(n) * time.Second
	}
	if v := os.Getenv("MARKETPLACE_BUS_URL"); v != "" {
		cfg.marketplaceURL = v
	}
	if v := os.Getenv("DOWNSTREAM_BUS_URL"); v != "" {
		cfg.downstreamURL = v
	}
	if p := os.Getenv("PORT"); p != "" {
		cfg.setPort(p)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.logLevel.UnmarshalText([]byte(v)); err != nil {
			return config{}, fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	if n := positiveInt(os.Getenv("HTTP_TIMEOUT_SEC")); n > 0 {
		cfg.httpTimeout = time.Duration(n) * time.Second
	}
	return cfg, cfg.validate()
}

func (c *config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	c.databaseURL = f.Database.URL
	c.ledgerURL = f.Ledger.URL
	c.ledgerAPIKey = f.Ledger.APIKey
	c.collections = f.Ledger.TrackedCollections
	if f.Ledger.IntervalSeconds > 0 {
		c.interval = time.Duration(f.Ledger.IntervalSeconds) * time.Second
	}
	c.catalogURL = f.Catalog.URL
	c.marketplaceURL = f.Bus.MarketplaceURL
	c.downstreamURL = f.Bus.DownstreamURL
	if f.HTTP.Port != "" {
		c.setPort(f.HTTP.Port)
	}
	if f.HTTP.TimeoutSeconds > 0 {
		c.httpTimeout = time.Duration(f.HTTP.TimeoutSeconds) * time.Second
	}
	if f.Logging.Level != "" {
		if err := c.logLevel.UnmarshalText([]byte(f.Logging.Level)); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	return nil
}

// setPort accepts PORT=8080 or PORT=:8080.
func (c *config) setPort(p string) {
	if p = strings.TrimPrefix(p, ":"); p != "" {
		c.addr = ":" + p
	}
}

func (c config) validate() error {
	var errs []error
	if len(c.collections) == 0 {
		errs = append(errs, errors.New("TRACKED_COLLECTIONS is required"))
	}
	errs = append(errs,
		checkURL("LEDGER_URL", c.ledgerURL, true, "http", "https"),
		checkURL("CATALOG_URL", c.catalogURL, true, "http", "https"),
		checkURL("MARKETPLACE_BUS_URL", c.marketplaceURL, false, "ws", "wss"),
		checkURL("DOWNSTREAM_BUS_URL", c.downstreamURL, false, "ws", "wss"),
	)
	return errors.Join(errs...)
}

func checkURL(name, raw string, required bool, schemes ...string) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: want a %s URL, got %q", name, strings.Join(schemes, "/"), raw)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func positiveInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
