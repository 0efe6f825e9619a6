package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vozlab/arivoz/internal/resilience"
)

// WebhookResult is the outcome of one webhook call that reached the server.
type WebhookResult struct {
	// Accepted is true when the server took the payload (2xx). A 4xx means
	// the server rejected the business content — that is a domain-level
	// outcome, not a transport error.
	Accepted bool

	// Body is the decoded JSON response, when any.
	Body map[string]any
}

// WebhookGateway calls named webhooks on behalf of domains.
type WebhookGateway interface {
	Call(ctx context.Context, name string, payload map[string]any) (WebhookResult, error)
}

// HTTPGateway is a WebhookGateway over HTTP POST with a circuit breaker per
// endpoint. A flapping CRM must not add seconds of timeout to every call's
// critical path; once the breaker opens, calls fail fast and the domain's
// OnError branch handles it.
type HTTPGateway struct {
	endpoints map[string]string
	client    *http.Client
	breakers  map[string]*resilience.CircuitBreaker
	log       *slog.Logger
}

var _ WebhookGateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a gateway for the given name→URL map.
func NewHTTPGateway(endpoints map[string]string, log *slog.Logger) *HTTPGateway {
	if log == nil {
		log = slog.Default()
	}
	g := &HTTPGateway{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		breakers:  make(map[string]*resilience.CircuitBreaker, len(endpoints)),
		log:       log.With(slog.String("component", "webhook")),
	}
	for name := range endpoints {
		g.breakers[name] = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "webhook-" + name,
			MaxFailures:  3,
			ResetTimeout: 20 * time.Second,
		})
	}
	return g
}

// Call implements [WebhookGateway].
func (g *HTTPGateway) Call(ctx context.Context, name string, payload map[string]any) (WebhookResult, error) {
	url, ok := g.endpoints[name]
	if !ok {
		return WebhookResult{}, fmt.Errorf("domain: unknown webhook %q", name)
	}

	var res WebhookResult
	err := g.breakers[name].Execute(func() error {
		var execErr error
		res, execErr = g.post(ctx, url, payload)
		return execErr
	})
	if err != nil {
		return WebhookResult{}, fmt.Errorf("domain: webhook %s: %w", name, err)
	}
	return res, nil
}

func (g *HTTPGateway) post(ctx context.Context, url string, payload map[string]any) (WebhookResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return WebhookResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return WebhookResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return WebhookResult{Accepted: true, Body: decodeBody(resp.Body)}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Business rejection: the breaker must not count these as failures.
		return WebhookResult{Accepted: false, Body: decodeBody(resp.Body)}, nil
	default:
		return WebhookResult{}, fmt.Errorf("status %d", resp.StatusCode)
	}
}

func decodeBody(r io.Reader) map[string]any {
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&body); err != nil {
		return nil
	}
	return body
}
