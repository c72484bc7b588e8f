package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/corvidlabs/beacon/internal/notify"
)

// AltPushProvider is the secondary push channel. It speaks a different
// wire format than the primary push API and is typically last in the
// failover order.
type AltPushProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	cache    *probeCache
	logger   *slog.Logger
}

// NewAltPushProvider creates the alternate push provider.
func NewAltPushProvider(endpoint, apiKey string, timeout, availabilityTTL time.Duration, logger *slog.Logger) *AltPushProvider {
	p := &AltPushProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
	p.cache = newProbeCache(availabilityTTL, p.probe)
	return p
}

// Name implements Provider.
func (p *AltPushProvider) Name() string { return "altpush" }

// Available implements Provider with a cached health probe.
func (p *AltPushProvider) Available(ctx context.Context) bool {
	if p.endpoint == "" {
		return false
	}
	return p.cache.available(ctx)
}

func (p *AltPushProvider) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("altpush provider probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// altPushMessage is the alternate push API payload.
type altPushMessage struct {
	Recipient    string            `json:"recipient"`
	Notification altPushContent    `json:"notification"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type altPushContent struct {
	Heading string `json:"heading"`
	Text    string `json:"text"`
}

// Deliver implements Provider.
func (p *AltPushProvider) Deliver(ctx context.Context, req *notify.Request, target notify.Target) error {
	if target.PushToken == "" {
		return fmt.Errorf("no push token for user %s", target.UserID)
	}

	payload, err := json.Marshal(altPushMessage{
		Recipient: target.PushToken,
		Notification: altPushContent{
			Heading: req.Title,
			Text:    req.Body,
		},
		Metadata: req.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal altpush message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("altpush send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
