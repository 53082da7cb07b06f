// Package rest implements the simulator REST API: capability discovery,
// metadata tables, point reads and writes of dataref values, and command
// activation. The WebSocket carries the streaming traffic; this client
// covers everything that is request/response.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devleaks/xplane-webapi/errors"
	"github.com/devleaks/xplane-webapi/meta"
	"github.com/devleaks/xplane-webapi/metric"
	"github.com/devleaks/xplane-webapi/pkg/retry"
)

// Capabilities is the simulator API capability document served at
// {root}/capabilities since API v2.
type Capabilities struct {
	API struct {
		Versions []string `json:"versions"`
	} `json:"api"`
	XPlane struct {
		Version string `json:"version"`
	} `json:"x-plane"`
}

// v1Capabilities is assumed when the capabilities endpoint does not exist
// but the v1 API answers.
func v1Capabilities() *Capabilities {
	caps := &Capabilities{}
	caps.API.Versions = []string{"v1"}
	caps.XPlane.Version = "12.1.1"
	return caps
}

// Client talks to the simulator REST API.
type Client struct {
	logger   *slog.Logger
	metrics  *metric.Metrics
	http     *http.Client
	apiRoot  string
	retryCfg retry.Config

	mu      sync.RWMutex
	host    string
	port    int
	version string // selected API version, e.g. "v2"
	caps    *Capabilities
}

// ClientOption configures a Client
type ClientOption func(*Client) error

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = metrics
		return nil
	}
}

// WithHTTPClient replaces the HTTP client, for tests and custom transports
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		c.http = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.http.Timeout = d
		return nil
	}
}

// WithAPIRoot overrides the API root path (default /api)
func WithAPIRoot(root string) ClientOption {
	return func(c *Client) error {
		c.apiRoot = root
		return nil
	}
}

// WithRetry sets the retry policy for capability discovery
func WithRetry(cfg retry.Config) ClientOption {
	return func(c *Client) error {
		c.retryCfg = cfg
		return nil
	}
}

// NewClient creates a REST client for the simulator at host:port.
func NewClient(host string, port int, opts ...ClientOption) (*Client, error) {
	c := &Client{
		logger:   slog.Default(),
		http:     &http.Client{Timeout: 5 * time.Second},
		apiRoot:  "/api",
		retryCfg: retry.Quick(),
		host:     host,
		port:     port,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "rest.Client", "NewClient", "apply option")
		}
	}
	return c, nil
}

// SetEndpoint points the client at a new simulator address, typically after
// a beacon announced the simulator moved. Cached capabilities are dropped.
func (c *Client) SetEndpoint(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host == host && c.port == port {
		return
	}
	c.host = host
	c.port = port
	c.caps = nil
	c.version = ""
}

// Endpoint returns the current simulator address.
func (c *Client) Endpoint() (string, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host, c.port
}

// Version returns the selected API version, or "" before SelectVersion.
func (c *Client) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// SimVersion returns the simulator version from the cached capability
// document, or "" before capabilities were fetched.
func (c *Client) SimVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.caps == nil {
		return ""
	}
	return c.caps.XPlane.Version
}

// rootURL is the version-independent API root, http://host:port/api
func (c *Client) rootURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("http://%s:%d%s", c.host, c.port, c.apiRoot)
}

// baseURL is the versioned API root, http://host:port/api/v2
func (c *Client) baseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("http://%s:%d%s/%s", c.host, c.port, c.apiRoot, c.version)
}

// Reachable probes the v1 dataref count endpoint, the cheapest request the
// API answers on every version.
func (c *Client) Reachable(ctx context.Context) error {
	u := c.rootURL() + "/v1/datarefs/count"
	start := time.Now()
	resp, err := c.get(ctx, u)
	c.metrics.RecordRequestDuration("reachable", time.Since(start))
	if err != nil {
		return errors.WrapTransient(err, "rest.Client", "Reachable", "probe")
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return errors.WrapTransient(
			fmt.Errorf("%w: status %d", errors.ErrRESTUnreachable, resp.StatusCode),
			"rest.Client", "Reachable", "probe")
	}
	return nil
}

// Capabilities fetches and caches the capability document. A simulator whose
// API predates the capabilities endpoint but answers the v1 probe is reported
// with the assumed v1 document.
func (c *Client) Capabilities(ctx context.Context) (*Capabilities, error) {
	c.mu.RLock()
	cached := c.caps
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	caps, err := retry.DoWithResult(ctx, c.retryCfg, func() (*Capabilities, error) {
		return c.fetchCapabilities(ctx)
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
	return caps, nil
}

func (c *Client) fetchCapabilities(ctx context.Context) (*Capabilities, error) {
	u := c.rootURL() + "/capabilities"
	start := time.Now()
	resp, err := c.get(ctx, u)
	c.metrics.RecordRequestDuration("capabilities", time.Since(start))
	if err != nil {
		return nil, errors.WrapTransient(err, "rest.Client", "Capabilities", "fetch")
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusOK {
		caps := &Capabilities{}
		if err := json.NewDecoder(resp.Body).Decode(caps); err != nil {
			return nil, errors.WrapInvalid(err, "rest.Client", "Capabilities", "decode")
		}
		return caps, nil
	}

	// No capabilities endpoint before v2: fall back to the v1 probe.
	c.logger.Info("no capabilities endpoint, probing v1", "status", resp.StatusCode)
	if err := c.Reachable(ctx); err != nil {
		return nil, err
	}
	return v1Capabilities(), nil
}

// SelectVersion picks the API version to use: requested when the simulator
// advertises it, otherwise the highest numbered version. Version strings
// sort numerically, not alphabetically (v10 > v2).
func (c *Client) SelectVersion(ctx context.Context, requested string) (string, error) {
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return "", err
	}
	versions := caps.API.Versions
	if len(versions) == 0 {
		return "", errors.WrapInvalid(
			fmt.Errorf("capability document lists no versions"),
			"rest.Client", "SelectVersion", "inspect capabilities")
	}

	selected := requested
	if selected == "" {
		sorted := append([]string(nil), versions...)
		sort.Slice(sorted, func(i, j int) bool {
			return versionRank(sorted[i]) < versionRank(sorted[j])
		})
		selected = sorted[len(sorted)-1]
	} else {
		found := false
		for _, v := range versions {
			if v == selected {
				found = true
				break
			}
		}
		if !found {
			return "", errors.WrapInvalid(
				fmt.Errorf("version %s not in %v", selected, versions),
				"rest.Client", "SelectVersion", "match requested version")
		}
	}

	c.mu.Lock()
	c.version = selected
	c.mu.Unlock()
	c.logger.Info("api version selected", "version", selected, "advertised", versions, "sim", caps.XPlane.Version)
	return selected, nil
}

// versionRank parses "v12" to 12 for numeric ordering; malformed versions
// rank lowest.
func versionRank(v string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(v, "v"))
	if err != nil {
		return -1
	}
	return n
}

// metaDocument is the JSON envelope of the metadata endpoints.
type metaDocument struct {
	Data []meta.Meta `json:"data"`
}

// FetchMeta downloads the full metadata table. kind is "datarefs" or
// "commands".
func (c *Client) FetchMeta(ctx context.Context, kind string) ([]meta.Meta, error) {
	u := c.baseURL() + "/" + kind
	start := time.Now()
	resp, err := c.get(ctx, u)
	c.metrics.RecordRequestDuration("fetch_"+kind, time.Since(start))
	if err != nil {
		return nil, errors.WrapTransient(err, "rest.Client", "FetchMeta", "fetch "+kind)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(
			fmt.Errorf("status %d", resp.StatusCode),
			"rest.Client", "FetchMeta", "fetch "+kind)
	}

	var doc metaDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, errors.WrapInvalid(err, "rest.Client", "FetchMeta", "decode "+kind)
	}
	return doc.Data, nil
}

// FetchMetaByName fetches the metadata of a single named dataref or command
// using the server-side name filter. Returns ErrUnknownPath when the
// simulator does not know the name.
func (c *Client) FetchMetaByName(ctx context.Context, kind, name string) (meta.Meta, error) {
	u := c.baseURL() + "/" + kind + "?filter%5Bname%5D=" + url.QueryEscape(name)
	start := time.Now()
	resp, err := c.get(ctx, u)
	c.metrics.RecordRequestDuration("fetch_meta_by_name", time.Since(start))
	if err != nil {
		return meta.Meta{}, errors.WrapTransient(err, "rest.Client", "FetchMetaByName", "fetch")
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return meta.Meta{}, errors.WrapTransient(
			fmt.Errorf("status %d", resp.StatusCode),
			"rest.Client", "FetchMetaByName", "fetch")
	}

	var doc metaDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return meta.Meta{}, errors.WrapInvalid(err, "rest.Client", "FetchMetaByName", "decode")
	}
	if len(doc.Data) == 0 {
		return meta.Meta{}, fmt.Errorf("%w: %s", errors.ErrUnknownPath, name)
	}
	return doc.Data[0], nil
}

// valueDocument is the JSON envelope of the value endpoints.
type valueDocument struct {
	Data json.RawMessage `json:"data"`
}

// DatarefValue reads the current value of a dataref. The raw JSON is
// returned for the caller to decode according to the dataref value kind.
func (c *Client) DatarefValue(ctx context.Context, id int64) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/datarefs/%d/value", c.baseURL(), id)
	start := time.Now()
	resp, err := c.get(ctx, u)
	c.metrics.RecordRequestDuration("dataref_value", time.Since(start))
	if err != nil {
		return nil, errors.WrapTransient(err, "rest.Client", "DatarefValue", "fetch")
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(
			fmt.Errorf("status %d", resp.StatusCode),
			"rest.Client", "DatarefValue", "fetch")
	}

	var doc valueDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, errors.WrapInvalid(err, "rest.Client", "DatarefValue", "decode")
	}
	return doc.Data, nil
}

// WriteDataref writes a dataref value. A non-nil index updates a single
// array element instead of the whole value.
func (c *Client) WriteDataref(ctx context.Context, id int64, value any, index *int) error {
	u := fmt.Sprintf("%s/datarefs/%d/value", c.baseURL(), id)
	if index != nil {
		u = fmt.Sprintf("%s?index=%d", u, *index)
	}

	body, err := json.Marshal(map[string]any{"data": value})
	if err != nil {
		return errors.WrapInvalid(err, "rest.Client", "WriteDataref", "encode value")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "rest.Client", "WriteDataref", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.RecordRequestDuration("write_dataref", time.Since(start))
	if err != nil {
		return errors.WrapTransient(err, "rest.Client", "WriteDataref", "send")
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return errors.WrapTransient(
			fmt.Errorf("status %d", resp.StatusCode),
			"rest.Client", "WriteDataref", "send")
	}
	return nil
}

// ActivateCommand triggers a command. duration 0 is a single press;
// a positive duration holds the command active that long.
func (c *Client) ActivateCommand(ctx context.Context, id int64, duration float64) error {
	u := fmt.Sprintf("%s/command/%d/activate", c.baseURL(), id)

	body, err := json.Marshal(map[string]any{"id": id, "duration": duration})
	if err != nil {
		return errors.WrapInvalid(err, "rest.Client", "ActivateCommand", "encode")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "rest.Client", "ActivateCommand", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.RecordRequestDuration("activate_command", time.Since(start))
	if err != nil {
		return errors.WrapTransient(err, "rest.Client", "ActivateCommand", "send")
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return errors.WrapTransient(
			fmt.Errorf("status %d", resp.StatusCode),
			"rest.Client", "ActivateCommand", "send")
	}
	return nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// drain consumes and closes the response body so the connection can be
// reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
