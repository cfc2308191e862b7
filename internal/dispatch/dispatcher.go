package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/ErmakovEv/pwa-test/internal/models"
)

const DefaultTimeout = 10 * time.Second

// Transport performs one encrypted push to one endpoint and reports the push
// service's HTTP status.
type Transport interface {
	Send(ctx context.Context, endpoint models.Endpoint, payload []byte) (int, error)
}

// Observer receives every delivery outcome.
type Observer interface {
	DeliveryOutcome(status models.DeliveryStatus, gone bool, elapsed time.Duration)
}

// Outcome is the result of a single delivery attempt.
type Outcome struct {
	Endpoint   string
	Index      int
	Status     models.DeliveryStatus
	StatusCode int
	Reason     string
	// Gone is set when the push service reports the subscription as expired.
	Gone     bool
	Duration time.Duration
}

func (o Outcome) Delivered() bool {
	return o.Status == models.StatusDelivered
}

type Dispatcher struct {
	transport Transport
	observer  Observer
	logger    zerolog.Logger
	timeout   time.Duration
}

func NewDispatcher(transport Transport, observer Observer, logger zerolog.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		transport: transport,
		observer:  observer,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		timeout:   timeout,
	}
}

// Deliver makes exactly one attempt to push content to endpoint.
func (d *Dispatcher) Deliver(ctx context.Context, endpoint models.Endpoint, content models.Content) Outcome {
	payload, err := json.Marshal(content)
	if err != nil {
		return d.record(failed(0, endpoint, fmt.Sprintf("encode payload: %v", err), 0))
	}
	return d.deliver(ctx, 0, endpoint, payload)
}

// DeliverAll fans out one attempt per endpoint concurrently. The returned
// outcomes are aligned with endpoints. A failing or panicking attempt never
// affects its siblings.
func (d *Dispatcher) DeliverAll(ctx context.Context, endpoints []models.Endpoint, content models.Content) []Outcome {
	outcomes := make([]Outcome, len(endpoints))
	if len(endpoints) == 0 {
		return outcomes
	}

	payload, err := json.Marshal(content)
	if err != nil {
		for i, e := range endpoints {
			outcomes[i] = d.record(failed(i, e, fmt.Sprintf("encode payload: %v", err), 0))
		}
		return outcomes
	}

	var wg conc.WaitGroup
	for i, e := range endpoints {
		wg.Go(func() {
			outcomes[i] = d.deliver(ctx, i, e, payload)
		})
	}
	wg.Wait()

	return outcomes
}

// deliver runs one attempt with panic isolation and records its outcome.
func (d *Dispatcher) deliver(ctx context.Context, index int, endpoint models.Endpoint, payload []byte) Outcome {
	start := time.Now()
	var o Outcome
	recovered := panics.Try(func() {
		o = d.attempt(ctx, index, endpoint, payload)
	})
	if recovered != nil {
		o = failed(index, endpoint, fmt.Sprintf("panic: %v", recovered.Value), time.Since(start))
	}
	return d.record(o)
}

func (d *Dispatcher) attempt(ctx context.Context, index int, endpoint models.Endpoint, payload []byte) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	code, err := d.transport.Send(ctx, endpoint, payload)
	elapsed := time.Since(start)

	if err != nil {
		return failed(index, endpoint, err.Error(), elapsed)
	}

	switch {
	case code >= 200 && code < 300:
		return Outcome{
			Endpoint:   endpoint.Key(),
			Index:      index,
			Status:     models.StatusDelivered,
			StatusCode: code,
			Duration:   elapsed,
		}
	case code == http.StatusNotFound || code == http.StatusGone:
		o := failed(index, endpoint, "subscription expired", elapsed)
		o.StatusCode = code
		o.Gone = true
		return o
	default:
		o := failed(index, endpoint, fmt.Sprintf("unexpected status %d", code), elapsed)
		o.StatusCode = code
		return o
	}
}

func (d *Dispatcher) record(o Outcome) Outcome {
	if d.observer != nil {
		d.observer.DeliveryOutcome(o.Status, o.Gone, o.Duration)
	}

	if o.Delivered() {
		d.logger.Info().
			Int("index", o.Index).
			Int("status_code", o.StatusCode).
			Dur("elapsed", o.Duration).
			Msg("push delivered")
	} else {
		d.logger.Warn().
			Int("index", o.Index).
			Int("status_code", o.StatusCode).
			Bool("gone", o.Gone).
			Str("reason", o.Reason).
			Str("endpoint", truncate(o.Endpoint, 50)).
			Msg("push failed")
	}
	return o
}

func failed(index int, endpoint models.Endpoint, reason string, elapsed time.Duration) Outcome {
	return Outcome{
		Endpoint: endpoint.Key(),
		Index:    index,
		Status:   models.StatusFailed,
		Reason:   reason,
		Duration: elapsed,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
