package chain

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-supervisor/errors"
	"github.com/wippyai/wasm-supervisor/metrics"
)

// ContentType marks a body as a chained payload: the previous hop's output
// values in the codec arena layout.
const ContentType = "application/vnd.wasmiot.chain"

const maxResponseBytes = 64 << 20

// Target is the endpoint of a next hop on another node.
type Target struct {
	// Address is the node's base URL, e.g. http://10.0.0.7:3000.
	Address string `json:"address" yaml:"address"`
	Path    string `json:"path" yaml:"path"`
}

// URL joins the address and path.
func (t Target) URL() string {
	return strings.TrimRight(t.Address, "/") + "/" + strings.TrimLeft(t.Path, "/")
}

func (t Target) String() string { return t.URL() }

// ClientConfig tunes the outbound client.
type ClientConfig struct {
	// Timeout bounds one attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultClientConfig returns the defaults used by the daemon.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Client forwards payloads to next hops.
type Client struct {
	http    *http.Client
	cfg     ClientConfig
	logger  *zap.Logger
	metrics *metrics.Collector
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

func WithMetrics(m *metrics.Collector) ClientOption {
	return func(cl *Client) { cl.metrics = m }
}

// NewClient creates an outbound client.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	c := &Client{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	c.logger = c.logger.With(zap.String("component", "chain"))
	return c
}

// transportError marks a failure worth retrying.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// Forward sends payload to target under rc and returns the remote result.
// Only transport faults are retried, with exponential backoff and the same
// request context on every attempt. A remote Failure is returned as-is in the
// Result. The returned error is transport (retries exhausted) or
// deadline_exceeded (rc's deadline passed while forwarding).
func (c *Client) Forward(ctx context.Context, target Target, rc Context, payload []byte) (*Result, error) {
	url := target.URL()
	log := c.logger.With(
		zap.String("request_id", rc.RequestID),
		zap.Int("hop", rc.Hop),
		zap.String("target", url))

	if rc.Expired(time.Now()) {
		c.metrics.RecordForward("deadline")
		return nil, errors.DeadlineExceeded(rc.Hop-1, nil)
	}

	attempt := 0
	op := func() (*Result, error) {
		attempt++
		res, err := c.once(ctx, url, rc, payload)
		if err == nil {
			return res, nil
		}
		var te *transportError
		if !stderrors.As(err, &te) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		b.InitialInterval = c.cfg.InitialBackoff
	}
	if c.cfg.MaxBackoff > 0 {
		b.MaxInterval = c.cfg.MaxBackoff
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxRetries + 1),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.RecordForwardRetry()
			log.Warn("forward failed, retrying", zap.Error(err), zap.Duration("backoff", next))
		}),
	}
	if rc.HasDeadline() {
		opts = append(opts, backoff.WithMaxElapsedTime(time.Until(rc.Deadline)))
	}

	res, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		outcome := "ok"
		if !res.Success {
			outcome = "remote_failure"
		}
		c.metrics.RecordForward(outcome)
		log.Debug("forwarded", zap.Int("attempts", attempt), zap.Bool("success", res.Success))
		return res, nil
	}

	if rc.Expired(time.Now()) || stderrors.Is(err, context.DeadlineExceeded) {
		c.metrics.RecordForward("deadline")
		return nil, errors.DeadlineExceeded(rc.Hop-1, err)
	}
	c.metrics.RecordForward("transport")
	log.Error("forward failed", zap.Int("attempts", attempt), zap.Error(err))
	return nil, errors.WithHop(errors.Transport(url, err), rc.Hop-1)
}

func (c *Client) once(ctx context.Context, url string, rc Context, payload []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", "application/json")
	rc.Inject(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transportError{err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &transportError{err}
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil || (!res.Success && res.Failure == nil) {
		return &Result{
			RequestID: rc.RequestID,
			Hop:       rc.Hop,
			Failure: &Failure{
				Kind:    errors.KindRemoteFailure,
				Hop:     rc.Hop,
				Message: fmt.Sprintf("%s answered %s: %s", url, resp.Status, snippet(body)),
			},
		}, nil
	}
	return &res, nil
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
