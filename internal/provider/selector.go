package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/corvidlabs/beacon/internal/metrics"
	"github.com/corvidlabs/beacon/internal/notify"
)

// Selector tries providers in priority order until one succeeds.
type Selector struct {
	providers []Provider
	timeout   time.Duration
	logger    *slog.Logger

	now func() time.Time
}

// NewSelector creates a Selector over the given providers, in priority
// order. timeout caps each individual delivery attempt; it must be
// strictly shorter than the upstream command-processing deadline.
func NewSelector(providers []Provider, timeout time.Duration, logger *slog.Logger) *Selector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Selector{
		providers: providers,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Deliver attempts each provider in order and returns the ordered
// attempt log. On success the log's last entry is the successful
// attempt. If every provider fails or is unavailable, the error is
// notify.ErrAllProvidersExhausted.
func (s *Selector) Deliver(ctx context.Context, req *notify.Request, target notify.Target) ([]notify.Attempt, error) {
	attempts := make([]notify.Attempt, 0, len(s.providers))

	for _, p := range s.providers {
		if !p.Available(ctx) {
			attempts = append(attempts, notify.Attempt{
				RequestID:     req.ID,
				Provider:      p.Name(),
				Outcome:       notify.OutcomeSkipped,
				Timestamp:     s.now(),
				FailureReason: "provider unavailable",
			})
			metrics.Deliveries.WithLabelValues(p.Name(), string(notify.OutcomeSkipped)).Inc()
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		start := s.now()
		err := p.Deliver(attemptCtx, req, target)
		latency := s.now().Sub(start)
		cancel()

		attempt := notify.Attempt{
			RequestID: req.ID,
			Provider:  p.Name(),
			Latency:   latency,
			Timestamp: start,
		}
		if err != nil {
			attempt.Outcome = notify.OutcomeFailure
			attempt.FailureReason = err.Error()
			attempts = append(attempts, attempt)
			metrics.Deliveries.WithLabelValues(p.Name(), string(notify.OutcomeFailure)).Inc()
			s.logger.Warn("provider delivery failed",
				"provider", p.Name(),
				"request_id", req.ID,
				"user_id", target.UserID,
				"error", err)
			continue
		}

		attempt.Outcome = notify.OutcomeSuccess
		attempts = append(attempts, attempt)
		metrics.Deliveries.WithLabelValues(p.Name(), string(notify.OutcomeSuccess)).Inc()
		metrics.DeliveryDuration.WithLabelValues(p.Name()).Observe(latency.Seconds())
		return attempts, nil
	}

	return attempts, notify.ErrAllProvidersExhausted
}

// Report returns the current availability of every provider in
// priority order.
func (s *Selector) Report(ctx context.Context) []Availability {
	out := make([]Availability, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, Availability{
			Provider:    p.Name(),
			Available:   p.Available(ctx),
			LastChecked: s.now(),
		})
	}
	return out
}
