package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/retry"

	"github.com/ErmakovEv/pwa-test/internal/dispatch"
	"github.com/ErmakovEv/pwa-test/internal/models"
	"github.com/ErmakovEv/pwa-test/internal/storage"
)

// Deliverer pushes content to a set of endpoints.
type Deliverer interface {
	DeliverAll(ctx context.Context, endpoints []models.Endpoint, content models.Content) []dispatch.Outcome
}

type OutcomeRecorder interface {
	JobOutcome(status models.JobStatus)
}

// Processor is the fire handler for due jobs. It resolves the user's
// endpoints at fire time, so subscriptions added after scheduling still
// receive the push.
type Processor struct {
	registry  storage.Registry
	deliverer Deliverer
	recorder  OutcomeRecorder
	logger    zerolog.Logger
}

func NewProcessor(registry storage.Registry, deliverer Deliverer, recorder OutcomeRecorder, logger zerolog.Logger) *Processor {
	return &Processor{
		registry:  registry,
		deliverer: deliverer,
		recorder:  recorder,
		logger:    logger.With().Str("component", "processor").Logger(),
	}
}

// Fire implements Firer.
func (p *Processor) Fire(ctx context.Context, job *models.Job) error {
	_, err := p.Process(ctx, job)
	return err
}

// Process fans the job out to every endpoint registered for its user. An
// error is returned only when the registry cannot be read; delivery failures
// are reported in the outcomes.
func (p *Processor) Process(ctx context.Context, job *models.Job) ([]dispatch.Outcome, error) {
	log := p.logger.With().Str("job_id", job.ID).Str("user_id", job.UserID).Logger()

	var endpoints []models.Endpoint
	err := retry.DoContext(ctx, storeStrategy, func() error {
		var listErr error
		endpoints, listErr = p.registry.ListEndpoints(ctx, job.UserID)
		return listErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints for user %s: %w", job.UserID, err)
	}

	if len(endpoints) == 0 {
		log.Info().Msg("no subscriptions for user, nothing to send")
		p.record(models.JobNoSubscribers)
		return nil, nil
	}

	log.Info().Int("endpoints", len(endpoints)).Msg("sending push to user")

	outcomes := p.deliverer.DeliverAll(ctx, endpoints, job.Content.WithDefaults())

	delivered := 0
	for _, o := range outcomes {
		if o.Delivered() {
			delivered++
		}
	}
	log.Info().
		Int("delivered", delivered).
		Int("failed", len(outcomes)-delivered).
		Msg("job dispatched")

	p.record(models.JobDispatched)
	return outcomes, nil
}

// HandleMessage consumes a due job published by the API process. Malformed
// messages are dropped. A failing job is requeued once; when the redelivered
// copy fails too it is dropped so a registry outage cannot spin the queue.
func (p *Processor) HandleMessage(ctx context.Context, delivery amqp091.Delivery) error {
	var job models.Job
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		p.logger.Error().Err(err).Msg("failed to unmarshal job, dropping message")
		return nil
	}
	if job.UserID == "" {
		p.logger.Error().Str("job_id", job.ID).Msg("job without user id, dropping message")
		return nil
	}

	if err := p.Fire(ctx, &job); err != nil {
		if delivery.Redelivered {
			p.logger.Error().
				Err(err).
				Str("job_id", job.ID).
				Str("user_id", job.UserID).
				Msg("redelivered job failed again, dropping message")
			return nil
		}
		return err
	}
	return nil
}

func (p *Processor) record(status models.JobStatus) {
	if p.recorder != nil {
		p.recorder.JobOutcome(status)
	}
}
