package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/corvidlabs/beacon/internal/notify"
)

// PushProvider delivers notifications through an external push
// notification API keyed by device token.
type PushProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	cache    *probeCache
	logger   *slog.Logger
}

// NewPushProvider creates a push provider for the given API endpoint.
// availabilityTTL controls how long health probe results are cached.
func NewPushProvider(endpoint, apiKey string, timeout, availabilityTTL time.Duration, logger *slog.Logger) *PushProvider {
	p := &PushProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
	p.cache = newProbeCache(availabilityTTL, p.probe)
	return p
}

// Name implements Provider.
func (p *PushProvider) Name() string { return "push" }

// Available implements Provider with a cached health probe.
func (p *PushProvider) Available(ctx context.Context) bool {
	if p.endpoint == "" {
		return false
	}
	return p.cache.available(ctx)
}

func (p *PushProvider) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("push provider probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// pushSendRequest is the push API send payload.
type pushSendRequest struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Deliver implements Provider. The send is retried once on transient
// failure; the overall attempt stays bounded by ctx.
func (p *PushProvider) Deliver(ctx context.Context, req *notify.Request, target notify.Target) error {
	if target.PushToken == "" {
		return fmt.Errorf("no push token for user %s", target.UserID)
	}

	payload, err := json.Marshal(pushSendRequest{
		Token: target.PushToken,
		Title: req.Title,
		Body:  req.Body,
		Data:  req.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	return retry.Do(
		func() error {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
				p.endpoint+"/v1/send", bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

			start := time.Now()
			resp, err := p.client.Do(httpReq)
			if err != nil {
				p.logger.Warn("push API request failed, will retry",
					"request_id", req.ID,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				p.logger.Warn("push API returned non-2xx status",
					"status_code", resp.StatusCode,
					"request_id", req.ID)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			return nil
		},
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.MaxJitter(100*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("retrying push send", "attempt", n, "request_id", req.ID, "error", err)
		}),
	)
}
