// Package config is the flat, flags+env configuration struct for
// cmd/viewhostd, following the teacher's cmd/daql main.go pattern: one
// flag.String/flag.Int/flag.Duration per setting, falling back to an
// environment variable, then to a default.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Usage is printed by cmd/viewhostd on -h or a missing required setting,
// in the same voice as the teacher's usage banner constant.
const Usage = `usage: viewhostd [flags]

Configuration flags:

   -addr            HTTP address to listen on. Env VIEWHOST_ADDR. Default ":8080".
   -authority        The DID this view host serves records for. Env VIEWHOST_AUTHORITY. Required.
   -data-dir         Path to the embedded store's data directory. Env VIEWHOST_DATA_DIR. Default "./data".
   -in-memory        Run the embedded store in-memory, for local development. Env VIEWHOST_IN_MEMORY.
   -admin-token      Shared secret for the admin channel. Env VIEWHOST_ADMIN_TOKEN. Required.
   -relay-url        Relay URL for the Watcher. Env VIEWHOST_RELAY_URL.
   -firehose-url     Authoritative PDS firehose URL, tried before polling. Env VIEWHOST_FIREHOSE_URL.
   -pds-directory    PLC directory base URL for DID resolution. Env VIEWHOST_PDS_DIRECTORY.
   -poll-interval    Polling transport interval. Env VIEWHOST_POLL_INTERVAL. Default "30s".
   -active-limit     Max simultaneously ACTIVE deploys (K). Env VIEWHOST_ACTIVE_LIMIT. Default 2.
   -query-cache-ttl  Query Cache entry TTL. Env VIEWHOST_QUERY_CACHE_TTL. Default "1m".
`

// Config is the complete, flattened set of settings cmd/viewhostd wires
// into every component.
type Config struct {
	Addr        string
	Authority   string
	DataDir     string
	InMemory    bool
	AdminToken  string
	RelayURL    string
	FirehoseURL string
	PDSDirectory string

	PollInterval  time.Duration
	ActiveLimit   int
	QueryCacheTTL time.Duration
}

// Load parses flags (typically os.Args[1:]) and layers environment
// variables underneath them, the same precedence cmd/daql's -dir/-db
// flags use against DAQL_DB.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("viewhostd", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, Usage) }

	cfg := Config{}
	fs.StringVar(&cfg.Addr, "addr", envOr("VIEWHOST_ADDR", ":8080"), "HTTP address to listen on")
	fs.StringVar(&cfg.Authority, "authority", os.Getenv("VIEWHOST_AUTHORITY"), "DID this view host serves records for")
	fs.StringVar(&cfg.DataDir, "data-dir", envOr("VIEWHOST_DATA_DIR", "./data"), "embedded store data directory")
	fs.BoolVar(&cfg.InMemory, "in-memory", os.Getenv("VIEWHOST_IN_MEMORY") == "true", "run the embedded store in-memory")
	fs.StringVar(&cfg.AdminToken, "admin-token", os.Getenv("VIEWHOST_ADMIN_TOKEN"), "shared secret for the admin channel")
	fs.StringVar(&cfg.RelayURL, "relay-url", os.Getenv("VIEWHOST_RELAY_URL"), "Relay URL for the Watcher")
	fs.StringVar(&cfg.FirehoseURL, "firehose-url", os.Getenv("VIEWHOST_FIREHOSE_URL"), "authoritative PDS firehose URL")
	fs.StringVar(&cfg.PDSDirectory, "pds-directory", os.Getenv("VIEWHOST_PDS_DIRECTORY"), "PLC directory base URL")

	pollInterval := fs.Duration("poll-interval", envDurationOr("VIEWHOST_POLL_INTERVAL", 30*time.Second), "polling transport interval")
	activeLimit := fs.Int("active-limit", envIntOr("VIEWHOST_ACTIVE_LIMIT", 2), "max simultaneously ACTIVE deploys")
	queryCacheTTL := fs.Duration("query-cache-ttl", envDurationOr("VIEWHOST_QUERY_CACHE_TTL", time.Minute), "query cache entry TTL")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.PollInterval = *pollInterval
	cfg.ActiveLimit = *activeLimit
	cfg.QueryCacheTTL = *queryCacheTTL

	if cfg.Authority == "" {
		return Config{}, fmt.Errorf("config: -authority (or VIEWHOST_AUTHORITY) is required")
	}
	if cfg.AdminToken == "" {
		return Config{}, fmt.Errorf("config: -admin-token (or VIEWHOST_ADMIN_TOKEN) is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
