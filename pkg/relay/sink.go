package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/statestore/pkg/errmodel"
)

// Sink receives the raw payload of every relayed entry.
type Sink interface {
	Deliver(ctx context.Context, payload []byte) error
}

// HTTPSink POSTs payloads to a webhook. A 2xx response means delivered.
type HTTPSink struct {
	url    string
	client *retryablehttp.Client
}

// NewHTTPSink builds a sink for webhookURL. retries is the number of extra
// attempts on connection errors and 5xx responses; 0 sends each payload once.
func NewHTTPSink(webhookURL string, retries int, logger *slog.Logger) (*HTTPSink, error) {
	u, err := normalizeWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := cleanhttp.DefaultPooledClient()
	base.Transport = otelhttp.NewTransport(base.Transport)
	base.Timeout = 30 * time.Second

	c := retryablehttp.NewClient()
	c.HTTPClient = base
	c.RetryMax = max(retries, 0)
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.Logger = logger.With("component", "sink")
	// Hand the final response back so the status can be reported.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &HTTPSink{url: u, client: c}, nil
}

// URL returns the normalized webhook URL.
func (s *HTTPSink) URL() string { return s.url }

func (s *HTTPSink) Deliver(ctx context.Context, payload []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// With the passthrough handler a 5xx comes back as both a response and
	// an error; the response wins so the status is reported.
	resp, err := s.client.Do(req)
	if resp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return errmodel.New(errmodel.CategoryNetwork, errmodel.CodeSinkFailed, "webhook request failed: "+err.Error(), nil, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errmodel.New(errmodel.CategoryNetwork, errmodel.CodeSinkFailed,
			fmt.Sprintf("webhook responded %s", resp.Status), map[string]any{"status": resp.StatusCode}, nil)
	}
	return nil
}

// normalizeWebhookURL validates the URL and pins "localhost" to 127.0.0.1 so
// the sink never resolves it to an IPv6 address the receiver is not bound to.
func normalizeWebhookURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid webhook url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid webhook url %q: missing host", raw)
	}
	if strings.EqualFold(u.Hostname(), "localhost") {
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort("127.0.0.1", port)
		} else {
			u.Host = "127.0.0.1"
		}
	}
	return u.String(), nil
}
