package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ErmakovEv/pwa-test/internal/config"
	"github.com/ErmakovEv/pwa-test/internal/dispatch"
	"github.com/ErmakovEv/pwa-test/internal/logger"
	"github.com/ErmakovEv/pwa-test/internal/metrics"
	"github.com/ErmakovEv/pwa-test/internal/push"
	"github.com/ErmakovEv/pwa-test/internal/queue"
	"github.com/ErmakovEv/pwa-test/internal/storage"
	"github.com/ErmakovEv/pwa-test/internal/worker"
)

func main() {
	envErr := config.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info", false)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty).With().Str("service", "worker").Logger()
	if envErr != nil {
		log.Debug().Err(envErr).Msg(".env file not loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The worker reads subscriptions written by the API process.
	store, err := storage.NewRedisStorage(cfg.Storage.RedisURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer store.Close()

	queueManager, err := queue.NewManager(cfg.Delivery.AMQPURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create RabbitMQ manager")
	}
	defer queueManager.Close()

	transport, err := push.NewWebPushTransport(push.Config{
		PublicKey:  cfg.Push.VAPIDPublicKey,
		PrivateKey: cfg.Push.VAPIDPrivateKey,
		Subscriber: cfg.Push.Subscriber,
		TTL:        cfg.Push.TTL,
		Urgency:    cfg.Push.Urgency,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create push transport")
	}

	m := metrics.New()
	dispatcher := dispatch.NewDispatcher(transport, m, log, cfg.Push.Timeout)
	processor := worker.NewProcessor(store, dispatcher, m, log)

	queueManager.StartConsumer(ctx, cfg.Scheduler.FireWorkers, processor.HandleMessage)
	log.Info().Msg("worker started")

	<-ctx.Done()
	log.Info().Interface("stats", m.Snapshot()).Msg("worker stopped")
}
