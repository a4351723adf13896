package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hazyhaar/pdfdesk/horosafe"
)

type httpFactory struct {
	policy  horosafe.URLPolicy
	maxBody int64
}

// HTTPOption configures HTTPFactory.
type HTTPOption func(*httpFactory)

// WithURLPolicy sets the outbound URL policy. The default rejects private
// and loopback endpoints.
func WithURLPolicy(p horosafe.URLPolicy) HTTPOption {
	return func(f *httpFactory) { f.policy = p }
}

// WithMaxResponseBody caps response reads. Default horosafe.MaxResponseBody.
func WithMaxResponseBody(n int64) HTTPOption {
	return func(f *httpFactory) { f.maxBody = n }
}

// HTTPFactory creates Handlers that send the payload to an HTTP endpoint.
// The route config selects the method (POST by default; GET and HEAD send
// no body), the content type (application/json by default) and extra
// headers. Non-2xx answers become *ErrRemoteStatus. Timeouts belong to the
// Policy, not to the client.
//
//	router.RegisterTransport("http", connectivity.HTTPFactory())
func HTTPFactory(opts ...HTTPOption) TransportFactory {
	f := &httpFactory{maxBody: horosafe.MaxResponseBody}
	for _, o := range opts {
		o(f)
	}
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		if err := f.policy.ValidateURL(endpoint); err != nil {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}
		cfg, err := ParseRouteConfig(config)
		if err != nil {
			return nil, nil, err
		}

		method := strings.ToUpper(cfg.Method)
		if method == "" {
			method = http.MethodPost
		}
		contentType := cfg.ContentType
		if contentType == "" {
			contentType = "application/json"
		}

		client := &http.Client{}

		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			var body io.Reader
			if method != http.MethodGet && method != http.MethodHead {
				body = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: create request: %w", err)
			}
			if body != nil {
				req.Header.Set("Content-Type", contentType)
			}
			req.Header.Set("Accept", "application/json")
			for k, v := range cfg.Headers {
				req.Header.Set(k, v)
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do request: %w", err)
			}
			defer resp.Body.Close()

			data, err := horosafe.LimitedReadAll(resp.Body, f.maxBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read response: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, &ErrRemoteStatus{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: data}
			}
			return data, nil
		}

		return handler, client.CloseIdleConnections, nil
	}
}
