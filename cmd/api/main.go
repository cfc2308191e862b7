package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ErmakovEv/pwa-test/internal/config"
	"github.com/ErmakovEv/pwa-test/internal/dispatch"
	"github.com/ErmakovEv/pwa-test/internal/handlers"
	"github.com/ErmakovEv/pwa-test/internal/logger"
	"github.com/ErmakovEv/pwa-test/internal/metrics"
	"github.com/ErmakovEv/pwa-test/internal/push"
	"github.com/ErmakovEv/pwa-test/internal/queue"
	"github.com/ErmakovEv/pwa-test/internal/storage"
	"github.com/ErmakovEv/pwa-test/internal/worker"
)

type backend interface {
	storage.Registry
	storage.JobStore
}

func main() {
	envErr := config.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info", false)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	if envErr != nil {
		log.Debug().Err(envErr).Msg(".env file not loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store backend
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		redisStore, err := storage.NewRedisStorage(cfg.Storage.RedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer redisStore.Close()
		store = redisStore
	default:
		store = storage.NewMemoryStorage()
	}

	m := metrics.New()

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

	var firer worker.Firer
	switch cfg.Delivery.Mode {
	case config.DeliveryQueue:
		queueManager, err := queue.NewManager(cfg.Delivery.AMQPURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create RabbitMQ manager")
		}
		defer queueManager.Close()
		firer = queueManager
	default:
		dispatcher := dispatch.NewDispatcher(transport, m, log, cfg.Push.Timeout)
		firer = worker.NewProcessor(store, dispatcher, m, log)
	}

	scheduler := worker.NewScheduler(firer, log,
		worker.WithFireWorkers(cfg.Scheduler.FireWorkers),
		worker.WithRecorder(m),
		worker.WithJobStore(persistentJobs(cfg, store)),
	)
	if _, err := scheduler.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("failed to restore pending jobs")
	}
	scheduler.Start(ctx)

	handler := handlers.NewNotifyHandler(store, scheduler, m, transport.PublicKey(), log)
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handlers.NewRouter(handler, m.Handler(), cfg.Server.RequestTimeout, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("storage", cfg.Storage.Backend).
			Str("delivery", cfg.Delivery.Mode).
			Msg("API server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	scheduler.Stop()
	log.Info().Msg("shutdown complete")
}

// persistentJobs returns the job store for durable backends only.
func persistentJobs(cfg *config.Config, store storage.JobStore) storage.JobStore {
	if cfg.Storage.Backend == config.BackendRedis {
		return store
	}
	return nil
}
