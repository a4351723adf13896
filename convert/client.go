package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/pdfdesk/connectivity"
	"github.com/hazyhaar/pdfdesk/observability"
)

// Caller dispatches a named service call. *connectivity.Router is the
// production implementation.
type Caller interface {
	Call(ctx context.Context, service string, payload []byte) ([]byte, error)
}

// Image is one rendered page of an image conversion.
type Image struct {
	Page int    `json:"page"`
	Data string `json:"data"`
}

// Result is the service answer. Which fields are set depends on the kind.
type Result struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename,omitempty"`
	Data     string `json:"data,omitempty"` // base64 document
	Message  string `json:"message,omitempty"`

	SizeBytes int64 `json:"size_bytes,omitempty"`

	Text       string `json:"text,omitempty"`
	Pages      int    `json:"pages,omitempty"`
	Characters int    `json:"characters,omitempty"`

	OriginalSizeBytes       int64   `json:"original_size_bytes,omitempty"`
	CompressedSizeBytes     int64   `json:"compressed_size_bytes,omitempty"`
	CompressionRatioPercent float64 `json:"compression_ratio_percent,omitempty"`
	Quality                 string  `json:"quality,omitempty"`

	Format     string  `json:"format,omitempty"`
	TotalPages int     `json:"totalPages,omitempty"`
	Images     []Image `json:"images,omitempty"`

	Error  string `json:"error,omitempty"`
	Cached bool   `json:"cached,omitempty"`
}

// Client converts documents through a Caller.
type Client struct {
	caller  Caller
	cache   *Cache
	metrics *observability.MetricsManager
	audit   *observability.AuditLogger
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCache enables result caching.
func WithCache(c *Cache) Option { return func(cl *Client) { cl.cache = c } }

// WithMetrics records conversion durations, sizes and cache hits.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(cl *Client) { cl.metrics = mm }
}

// WithAudit records every conversion in the audit trail.
func WithAudit(a *observability.AuditLogger) Option {
	return func(cl *Client) { cl.audit = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(cl *Client) { cl.logger = l } }

// NewClient creates a Client.
func NewClient(caller Caller, opts ...Option) *Client {
	c := &Client{caller: caller, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Cache returns the result cache, or nil.
func (c *Client) Cache() *Cache { return c.cache }

// Convert validates req, then runs the conversion or serves it from cache.
// Errors are ErrInvalidInput, ErrTimeout, ErrUnavailable or *RemoteError.
func (c *Client) Convert(ctx context.Context, kind Kind, req Request) (*Result, error) {
	start := time.Now()
	res, err := c.convert(ctx, kind, &req)
	if c.audit != nil {
		c.audit.LogAsync(c.audit.Entry(ctx, "convert", "convert."+string(kind),
			map[string]any{"filename": req.Filename, "cached": res != nil && res.Cached},
			err, time.Since(start)))
	}
	return res, err
}

func (c *Client) convert(ctx context.Context, kind Kind, req *Request) (*Result, error) {
	pdf, err := req.Normalize(kind)
	if err != nil {
		return nil, err
	}
	labels := map[string]string{"kind": string(kind)}

	key := Key(kind, req.options(kind), pdf)
	if res, ok := c.cache.Get(key); ok {
		c.metrics.Count(observability.MetricConvertCacheHit, labels)
		res.Cached = true
		return &res, nil
	}

	payload, err := req.payload(kind)
	if err != nil {
		return nil, fmt.Errorf("convert: encode request: %w", err)
	}

	start := time.Now()
	body, err := c.caller.Call(ctx, kind.Service(), payload)
	c.metrics.Duration(observability.MetricConvertDurationMs, time.Since(start), labels)
	if err != nil {
		return nil, c.mapCallError(ctx, kind, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: %s is disabled", ErrUnavailable, kind.Service())
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &RemoteError{Kind: kind, Message: "malformed response: " + err.Error()}
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "conversion failed"
		}
		return nil, &RemoteError{Kind: kind, Message: msg}
	}

	c.metrics.Record(&observability.Metric{
		Name:   observability.MetricConvertBytes,
		Value:  float64(len(body)),
		Labels: labels,
		Unit:   "bytes",
	})
	c.cache.Add(key, res)
	c.logger.InfoContext(ctx, "convert: done",
		"kind", kind, "filename", res.Filename, "input_bytes", len(pdf), "duration", time.Since(start))
	return &res, nil
}

// mapCallError turns connectivity errors into the package errors.
func (c *Client) mapCallError(ctx context.Context, kind Kind, err error) error {
	var (
		status   *connectivity.ErrRemoteStatus
		notFound *connectivity.ErrServiceNotFound
		open     *connectivity.ErrCircuitOpen
	)
	switch {
	case errors.As(err, &status):
		msg := remoteMessage(status.Body)
		if status.StatusCode == http.StatusRequestTimeout || status.StatusCode == http.StatusGatewayTimeout {
			return fmt.Errorf("%w: %s", ErrTimeout, msg)
		}
		return &RemoteError{Kind: kind, StatusCode: status.StatusCode, Message: msg}
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrTimeout, kind)
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &notFound), errors.As(err, &open):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		c.logger.WarnContext(ctx, "convert: call failed", "kind", kind, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// remoteMessage extracts the error of a {success:false,error} body, or
// returns the body itself.
func remoteMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	if len(body) == 0 {
		return "empty response"
	}
	return string(body)
}

// Health checks that the remote service answers.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	body, err := c.caller.Call(ctx, HealthService, nil)
	if err != nil {
		return nil, c.mapCallError(ctx, "health", err)
	}
	if !json.Valid(body) {
		return nil, &RemoteError{Kind: "health", Message: "malformed response"}
	}
	return body, nil
}
