package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/retry"

	"github.com/ErmakovEv/pwa-test/internal/models"
)

const (
	Exchange   = "push"
	DueQueue   = "push.due"
	RoutingKey = "due"
)

// Manager moves due jobs from the API process to delivery workers.
type Manager struct {
	client    *rabbitmq.RabbitClient
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    zerolog.Logger
}

func NewManager(url string, logger zerolog.Logger) (*Manager, error) {
	config := rabbitmq.ClientConfig{
		URL:       url,
		Heartbeat: 10 * time.Second,
		ReconnectStrat: retry.Strategy{
			Attempts: 10,
			Delay:    2 * time.Second,
			Backoff:  2,
		},
		ProducingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
		ConsumingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
	}

	client, err := rabbitmq.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	if err := declareTopology(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	m := &Manager{
		client:    client,
		publisher: rabbitmq.NewPublisher(client, Exchange, "application/json"),
		logger:    logger.With().Str("component", "queue").Logger(),
	}
	m.logger.Info().Str("exchange", Exchange).Str("queue", DueQueue).Msg("RabbitMQ manager initialized")
	return m, nil
}

func declareTopology(client *rabbitmq.RabbitClient) error {
	if err := client.DeclareExchange(Exchange, "direct", true, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err := client.DeclareQueue(
		DueQueue,
		Exchange,
		RoutingKey,
		true,
		false,
		true,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare due queue: %w", err)
	}
	return nil
}

// Fire implements worker.Firer by publishing the due job for a delivery
// worker to pick up.
func (m *Manager) Fire(ctx context.Context, job *models.Job) error {
	body, err := EncodeJob(job)
	if err != nil {
		return err
	}

	if err := m.publisher.Publish(ctx, body, RoutingKey); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	m.logger.Debug().Str("job_id", job.ID).Msg("due job published")
	return nil
}

func (m *Manager) StartConsumer(ctx context.Context, workers int, handler rabbitmq.MessageHandler) {
	if workers < 1 {
		workers = 1
	}
	config := rabbitmq.ConsumerConfig{
		Queue:         DueQueue,
		ConsumerTag:   "push-delivery",
		AutoAck:       false,
		Workers:       workers,
		PrefetchCount: workers * 2,
		Ask: rabbitmq.AskConfig{
			Multiple: false,
		},
		Nack: rabbitmq.NackConfig{
			Multiple: false,
			Requeue:  true,
		},
		Args: nil,
	}

	m.consumer = rabbitmq.NewConsumer(m.client, config, handler)

	go func() {
		if err := m.consumer.Start(ctx); err != nil {
			m.logger.Error().Err(err).Msg("consumer stopped with error")
		}
	}()

	m.logger.Info().Int("workers", workers).Msg("consumer started")
}

func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

func EncodeJob(job *models.Job) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return body, nil
}
