// Package pds implements the PDS Resolver of spec.md §4.B: mapping a
// DID-like identifier to an HTTP base URL, then issuing the three
// AT-Protocol XRPC calls the rest of the system needs against it.
package pds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"

	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/pkg/xrpc"
)

const (
	defaultDirectoryBaseURL = "https://plc.directory"
	defaultCacheTTL         = 5 * time.Minute
	defaultHTTPTimeout      = 10 * time.Second

	retryAttempts       = 3
	retryInitialBackoff = 500 * time.Millisecond
	retryMaxBackoff     = 5 * time.Second
)

// Config configures a Client. Zero values fall back to spec.md §4.B's
// defaults.
type Config struct {
	DirectoryBaseURL string
	CacheTTL         time.Duration
	HTTPTimeout      time.Duration
}

// Client is the PDS Resolver. One Client is shared by the Watcher, the
// Manifest Builder, and anything else that needs to read PDS-hosted
// records.
type Client struct {
	http             *http.Client
	directoryBaseURL string
	cacheTTL         time.Duration
	endpoints        *ttlcache.Cache[string, string]
	log              logx.Logger
}

// New builds a Client. log may be logx.Noop{} in tests.
func New(cfg Config, log logx.Logger) *Client {
	dir := cfg.DirectoryBaseURL
	if dir == "" {
		dir = defaultDirectoryBaseURL
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{
		http:             &http.Client{Timeout: timeout},
		directoryBaseURL: dir,
		cacheTTL:         ttl,
		endpoints:        ttlcache.New(ttlcache.WithTTL[string, string](ttl)),
		log:              log,
	}
}

// didDocument is the subset of a DID document this resolver needs.
type didDocument struct {
	ID      string `json:"id"`
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

func (d *didDocument) pdsEndpoint() (string, bool) {
	for _, s := range d.Service {
		if s.ID == "#atproto_pds" || s.Type == "AtprotoPersonalDataServer" {
			return s.ServiceEndpoint, true
		}
	}
	return "", false
}

// Resolve maps a DID-like identifier to its PDS HTTP base URL, consulting
// the TTL cache first. Two identifier families: directory-hosted
// (everything but did:web) and web-hosted (did:web:<domain>).
func (c *Client) Resolve(ctx context.Context, did string) (string, error) {
	if item := c.endpoints.Get(did); item != nil {
		return item.Value(), nil
	}

	var docURL string
	if domain, ok := strings.CutPrefix(did, "did:web:"); ok {
		host, err := url.PathUnescape(domain)
		if err != nil {
			return "", xrpc.Wrap(xrpc.KindResolutionError, err, "pds: decode did:web domain")
		}
		docURL = fmt.Sprintf("https://%s/.well-known/did.json", host)
	} else {
		docURL = fmt.Sprintf("%s/%s", strings.TrimSuffix(c.directoryBaseURL, "/"), url.PathEscape(did))
	}

	body, status, err := c.fetch(ctx, docURL)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", xrpc.New(xrpc.KindNotFound, fmt.Sprintf("pds: no DID document for %s", did))
	}
	if status != http.StatusOK {
		return "", xrpc.New(xrpc.KindResolutionError, fmt.Sprintf("pds: DID document fetch returned status %d", status))
	}

	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", xrpc.Wrap(xrpc.KindResolutionError, err, "pds: parse DID document")
	}
	endpoint, ok := doc.pdsEndpoint()
	if !ok {
		return "", xrpc.New(xrpc.KindResolutionError, fmt.Sprintf("pds: DID document for %s has no atproto_pds service", did))
	}

	c.endpoints.Set(did, endpoint, c.cacheTTL)
	return endpoint, nil
}

// GetRecord calls com.atproto.repo.getRecord against did's PDS.
func (c *Client) GetRecord(ctx context.Context, did, collection, rkey string) (json.RawMessage, error) {
	base, err := c.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/xrpc/com.atproto.repo.getRecord?%s", strings.TrimSuffix(base, "/"), url.Values{
		"repo":       {did},
		"collection": {collection},
		"rkey":       {rkey},
	}.Encode())

	body, status, err := c.fetchWithRetry(ctx, u)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, xrpc.New(xrpc.KindNotFound, fmt.Sprintf("pds: record not found: %s/%s/%s", did, collection, rkey))
	}
	if status != http.StatusOK {
		return nil, xrpc.New(xrpc.KindUpstreamFailure, fmt.Sprintf("pds: getRecord returned status %d", status))
	}
	return json.RawMessage(body), nil
}

// Record is one row of a com.atproto.repo.listRecords response: the record
// envelope (uri, cid) plus its body.
type Record struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// Rkey extracts the record key, the final path segment of the AT-URI.
func (r Record) Rkey() string {
	if i := strings.LastIndex(r.URI, "/"); i >= 0 {
		return r.URI[i+1:]
	}
	return r.URI
}

// ListRecords calls com.atproto.repo.listRecords against did's PDS.
func (c *Client) ListRecords(ctx context.Context, did, collection string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	base, err := c.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/xrpc/com.atproto.repo.listRecords?%s", strings.TrimSuffix(base, "/"), url.Values{
		"repo":       {did},
		"collection": {collection},
		"limit":      {strconv.Itoa(limit)},
	}.Encode())

	body, status, err := c.fetchWithRetry(ctx, u)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, xrpc.New(xrpc.KindUpstreamFailure, fmt.Sprintf("pds: listRecords returned status %d", status))
	}

	var page struct {
		Records []Record `json:"records"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, xrpc.Wrap(xrpc.KindUpstreamFailure, err, "pds: parse listRecords response")
	}
	return page.Records, nil
}

// GetBlob calls com.atproto.sync.getBlob against did's PDS, identifying the
// blob by its content hash (the CID, in AT-Protocol terms).
func (c *Client) GetBlob(ctx context.Context, did, contentHash string) ([]byte, error) {
	base, err := c.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/xrpc/com.atproto.sync.getBlob?%s", strings.TrimSuffix(base, "/"), url.Values{
		"did": {did},
		"cid": {contentHash},
	}.Encode())

	body, status, err := c.fetchWithRetry(ctx, u)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, xrpc.New(xrpc.KindNotFound, fmt.Sprintf("pds: blob not found: %s", contentHash))
	}
	if status != http.StatusOK {
		return nil, xrpc.New(xrpc.KindUpstreamFailure, fmt.Sprintf("pds: getBlob returned status %d", status))
	}
	return body, nil
}

// fetch issues one unretried GET, returning the body and status code.
func (c *Client) fetch(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, xrpc.Wrap(xrpc.KindResolutionError, err, "pds: build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, xrpc.Wrap(xrpc.KindResolutionError, err, "pds: request failed")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, xrpc.Wrap(xrpc.KindResolutionError, err, "pds: read response")
	}
	return body, resp.StatusCode, nil
}

type fetchResult struct {
	body   []byte
	status int
}

// fetchWithRetry wraps fetch in a bounded exponential-backoff retry
// (3 attempts, 500ms -> 5s), matching the doublezero example repo's
// backoff.Retry usage in pkg/epoch/finder.go. Only transport-level
// failures are retried; a successful round trip with a non-2xx status is
// returned as-is for the caller to classify.
func (c *Client) fetchWithRetry(ctx context.Context, u string) ([]byte, int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = retryInitialBackoff
	eb.MaxInterval = retryMaxBackoff

	attempt := 0
	result, err := backoff.Retry(ctx, func() (fetchResult, error) {
		attempt++
		body, status, err := c.fetch(ctx, u)
		if err != nil {
			if attempt > 1 {
				c.log.Error("pds: retrying request", "url", u, "attempt", attempt, "error", err)
			}
			return fetchResult{}, err
		}
		return fetchResult{body: body, status: status}, nil
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(retryAttempts))
	if err != nil {
		return nil, 0, xrpc.Wrap(xrpc.KindUpstreamFailure, err, "pds: request failed after retries")
	}
	return result.body, result.status, nil
}
