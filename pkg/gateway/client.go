// Package gateway is the client of the ban management service. It exposes the
// CIDR ban, conflict check, and reversal operations used by the ban workflow, plus
// the single-address, bulk, and export primitives shared with the rest of the CLI.
//
// Every operation returns the raw backend failure (*classify.HTTPError or
// *classify.TransportError) so callers can classify it uniformly.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/cidrlist"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/config"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/metrics"
)

// Backend operation names, also used as metric labels.
const (
	OpBanCIDRMultiple = "ban-cidr-multiple"
	OpCheckIPsInCIDR  = "check-ips-in-cidr"
	OpUnbanIPsInCIDR  = "unban-ips-in-cidr"
	OpBanIP           = "ban-ip"
	OpUnbanIP         = "unban-ip"
	OpBanMultiple     = "ban-multiple"
	OpExport          = "export"
	OpHealth          = "health"
)

const (
	maxResponseBytes   = 32 << 20
	defaultBanFailure  = "Ban failed"
	defaultHTTPTimeout = 15 * time.Second
)

// Options configures a Client.
type Options struct {
	BaseURL   string
	APIPrefix string
	Token     string

	Timeout            time.Duration
	RetryAttempts      uint
	RetryDelay         time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration

	// HTTPClient overrides the transport; Timeout is ignored when set.
	HTTPClient      *http.Client
	Logger          *zap.Logger
	Instrumentation *metrics.Instrumentation
}

// Client talks to the ban management service over HTTP/JSON.
type Client struct {
	endpoint        *url.URL
	token           string
	http            *http.Client
	breaker         *gobreaker.CircuitBreaker[[]byte]
	attempts        uint
	delay           time.Duration
	logger          *zap.Logger
	instrumentation *metrics.Instrumentation
}

// New builds a Client from explicit options.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid backend base URL %q", opts.BaseURL)
	}
	prefix := opts.APIPrefix
	if prefix == "" {
		prefix = config.DefaultAPIPrefix
	}
	endpoint := base.JoinPath(prefix)

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	attempts := opts.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	c := &Client{
		endpoint:        endpoint,
		token:           opts.Token,
		http:            httpClient,
		attempts:        attempts,
		delay:           opts.RetryDelay,
		logger:          logger.With(zap.String("component", "gateway")),
		instrumentation: opts.Instrumentation,
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "ban-management-service",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return c, nil
}

// NewFromConfig builds a Client from the backend configuration section.
func NewFromConfig(cfg config.BackendConfig, logger *zap.Logger, inst *metrics.Instrumentation) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CAFile != "" || cfg.InsecureSkipVerify {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return New(Options{
		BaseURL:            cfg.BaseURL,
		APIPrefix:          cfg.APIPrefix,
		Token:              cfg.Token(),
		RetryAttempts:      cfg.Retry.Attempts,
		RetryDelay:         cfg.RetryDelay(),
		BreakerFailures:    cfg.Breaker.ConsecutiveFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout(),
		HTTPClient:         &http.Client{Timeout: cfg.RequestTimeout(), Transport: transport},
		Logger:             logger,
		Instrumentation:    inst,
	})
}

// buildTLSConfig constructs the client TLS configuration for the backend connection.
func buildTLSConfig(cfg config.BackendConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read backend CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse backend CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Name identifies the backend dependency in readiness checks.
func (c *Client) Name() string {
	return "backend"
}

// BanCIDR bans a single network by submitting a one-element batch. It succeeds when
// at least one item of the batch succeeded.
func (c *Client) BanCIDR(ctx context.Context, network, reason string) (*BanResult, error) {
	batch, err := c.BanMultipleCIDRs(ctx, []CIDRBanRequest{{Network: network, Reason: reason}})
	if err != nil {
		return nil, err
	}
	if batch.Successful >= 1 {
		return &BanResult{Success: true, Message: batch.Message, Data: batch}, nil
	}

	message := defaultBanFailure
	kind := classify.KindUnknown
	if len(batch.Results) > 0 {
		first := batch.Results[0]
		if first.Message != "" {
			message = first.Message
		}
		if first.ErrorType != "" {
			kind = classify.Kind(first.ErrorType)
		}
	}
	return nil, classify.New(kind, message)
}

// BanMultipleCIDRs submits several networks at once. A mixed batch is a result, not
// an error: per-item outcomes are reported in BatchResult.Results.
func (c *Client) BanMultipleCIDRs(ctx context.Context, requests []CIDRBanRequest) (*BatchResult, error) {
	payload := struct {
		CIDRs []CIDRBanRequest `json:"cidrs"`
	}{CIDRs: requests}

	body, err := c.call(ctx, OpBanCIDRMultiple, http.MethodPost, nil, payload)
	if err != nil {
		return nil, err
	}

	var env envelope[BatchResult]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", OpBanCIDRMultiple, err)
	}
	result := env.Data
	result.Success = !env.failed()
	result.Message = env.Message
	return &result, nil
}

// FindIPsInCIDR lists existing single-address bans inside network. An empty list is
// a successful outcome with Count 0. Entries the backend returns outside network are
// dropped, duplicates are collapsed, and entries are ordered by id.
func (c *Client) FindIPsInCIDR(ctx context.Context, network string) (*CheckResult, error) {
	payload := map[string]string{"cidr": network}

	body, err := c.call(ctx, OpCheckIPsInCIDR, http.MethodPost, nil, payload)
	if err != nil {
		return nil, err
	}

	var env envelope[CheckResult]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", OpCheckIPsInCIDR, err)
	}
	if env.failed() {
		return nil, &classify.HTTPError{StatusCode: http.StatusOK, Body: body}
	}

	seen := make(map[int64]struct{}, len(env.Data.Entries))
	entries := make([]CIDREntry, 0, len(env.Data.Entries))
	for _, entry := range env.Data.Entries {
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		if !cidrlist.Contains(network, entry.Address) {
			c.logger.Warn("backend returned an entry outside the checked network",
				zap.String("network", network),
				zap.Int64("entry_id", entry.ID),
				zap.String("ip", entry.Address),
			)
			continue
		}
		seen[entry.ID] = struct{}{}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b CIDREntry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	return &CheckResult{Network: network, Count: len(entries), Entries: entries}, nil
}

// UnbanIPsInCIDR reverses only the listed record ids. Some ids may fail while others
// succeed; that partial outcome is returned as a result.
func (c *Client) UnbanIPsInCIDR(ctx context.Context, network string, ids []int64) (*UnbanResult, error) {
	payload := struct {
		CIDR  string  `json:"cidr"`
		IPIDs []int64 `json:"ip_ids"`
	}{CIDR: network, IPIDs: ids}

	body, err := c.call(ctx, OpUnbanIPsInCIDR, http.MethodPost, nil, payload)
	if err != nil {
		return nil, err
	}

	var env envelope[UnbanResult]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", OpUnbanIPsInCIDR, err)
	}
	if env.failed() && len(env.Data.Reversed) == 0 && len(env.Data.Failed) == 0 {
		return nil, &classify.HTTPError{StatusCode: http.StatusOK, Body: body}
	}
	result := env.Data
	result.Success = !env.failed()
	result.Message = env.Message
	return &result, nil
}

// BanIP bans a single address.
func (c *Client) BanIP(ctx context.Context, ip, reason string) (*OperationResult, error) {
	return c.operation(ctx, OpBanIP, map[string]string{"ip": ip, "reason": reason})
}

// UnbanIP lifts the ban of a single address.
func (c *Client) UnbanIP(ctx context.Context, ip string) (*OperationResult, error) {
	return c.operation(ctx, OpUnbanIP, map[string]string{"ip": ip})
}

// BanMultipleIPs bans several addresses with one shared reason.
func (c *Client) BanMultipleIPs(ctx context.Context, ips []string, reason string) (*BatchResult, error) {
	payload := struct {
		IPs    []string `json:"ips"`
		Reason string   `json:"reason"`
	}{IPs: ips, Reason: reason}

	body, err := c.call(ctx, OpBanMultiple, http.MethodPost, nil, payload)
	if err != nil {
		return nil, err
	}

	var env envelope[BatchResult]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", OpBanMultiple, err)
	}
	if env.failed() && env.Data.Successful == 0 && len(env.Data.Results) == 0 {
		return nil, &classify.HTTPError{StatusCode: http.StatusOK, Body: body}
	}
	result := env.Data
	result.Success = !env.failed()
	result.Message = env.Message
	return &result, nil
}

// ExportBans downloads the current ban list in the requested format ("csv" or "json").
func (c *Client) ExportBans(ctx context.Context, format string) ([]byte, error) {
	format = strings.ToLower(format)
	if format != "csv" && format != "json" {
		return nil, classify.New(classify.KindValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	return c.call(ctx, OpExport, http.MethodGet, url.Values{"format": {format}}, nil)
}

// HealthCheck verifies the service answers. Any response below 500 counts as reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.call(ctx, OpHealth, http.MethodGet, nil, nil)
	var httpErr *classify.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
		return nil
	}
	return err
}

func (c *Client) operation(ctx context.Context, op string, payload any) (*OperationResult, error) {
	body, err := c.call(ctx, op, http.MethodPost, nil, payload)
	if err != nil {
		return nil, err
	}
	var env envelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if env.failed() {
		return nil, &classify.HTTPError{StatusCode: http.StatusOK, Body: body}
	}
	return &OperationResult{Success: true, Message: env.Message}, nil
}

// call performs one logical operation: retries inside a circuit breaker.
func (c *Client) call(ctx context.Context, op, method string, query url.Values, payload any) ([]byte, error) {
	start := time.Now()

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return retry.NewWithData[[]byte](
			retry.Context(ctx),
			retry.Attempts(c.attempts),
			retry.Delay(c.delay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.OnRetry(func(n uint, err error) {
				c.instrumentation.ObserveGatewayRetry(op)
				c.logger.Debug("retrying backend request",
					zap.String("operation", op),
					zap.Uint("attempt", n+1),
					zap.Error(err),
				)
			}),
		).Do(func() ([]byte, error) {
			return c.attempt(ctx, op, method, query, payload)
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &classify.TransportError{Op: op, Err: err}
	}

	c.instrumentation.ObserveGatewayRequest(op, err, time.Since(start))
	if err != nil {
		c.logger.Debug("backend request failed", zap.String("operation", op), zap.Error(err))
	}
	return body, err
}

func (c *Client) attempt(ctx context.Context, op, method string, query url.Values, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, retry.Unrecoverable(fmt.Errorf("%s: encode request: %w", op, err))
		}
		reqBody = bytes.NewReader(encoded)
	}

	target := c.endpoint.JoinPath(op)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("%s: build request: %w", op, err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &classify.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &classify.TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &classify.HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

// retryable reports whether a failed attempt may be repeated: transport failures
// and 503 responses are transient, everything else is final.
func retryable(err error) bool {
	var transportErr *classify.TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var httpErr *classify.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// breakerSuccess keeps client-side rejections (4xx) from tripping the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var httpErr *classify.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode < http.StatusInternalServerError
	}
	return false
}
