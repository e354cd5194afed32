package main

import (
	"context"
	"fmt"

	"github.com/book-expert/avatar-service/internal/api"
	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/facade"
	"github.com/book-expert/avatar-service/internal/job"
	"github.com/book-expert/avatar-service/internal/media"
	"github.com/book-expert/avatar-service/internal/model"
	"github.com/book-expert/avatar-service/internal/notify"
	"github.com/book-expert/avatar-service/internal/registry/memstore"
	"github.com/book-expert/avatar-service/internal/registry/natskv"
	"github.com/book-expert/avatar-service/internal/registry/postgres"
	"github.com/book-expert/avatar-service/internal/speech"
	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/book-expert/avatar-service/internal/storage/fileapi"
	"github.com/book-expert/avatar-service/internal/storage/local"
	"github.com/book-expert/avatar-service/internal/storage/natsobj"
	"github.com/book-expert/avatar-service/internal/storage/s3"
	"github.com/book-expert/avatar-service/internal/voice"
	"github.com/book-expert/avatar-service/internal/worker"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

// components holds everything run() starts and later tears down.
type components struct {
	backends  *storage.Backends
	scheduler *job.Scheduler
	worker    *worker.NatsWorker
	api       *api.Server
	closers   []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func wire(ctx context.Context, cfg *config.Config, log *logger.Logger) (*components, error) {
	built := &components{}

	natsConnection, jetStream, err := connectNATS(cfg, log)
	if err != nil {
		return nil, err
	}

	if natsConnection != nil {
		built.closers = append(built.closers, natsConnection.Close)
	}

	records, err := openRegistry(ctx, cfg, jetStream, built)
	if err != nil {
		built.close()

		return nil, err
	}

	policy := storage.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Storage.RetryAttempts

	remote, err := openRemote(ctx, cfg, jetStream, log)
	if err != nil {
		built.close()

		return nil, err
	}

	var remoteStore core.ArtifactStore
	if remote != nil {
		remoteStore = storage.WithRetry(remote, policy, log)
	}

	localStore := storage.WithRetry(local.New(cfg.Storage.DataRoot), policy, log)
	built.backends = storage.NewBackends(localStore, remoteStore, cfg.Storage.DataRoot)

	layout := cfg.Layout()
	speechClient := speech.NewHTTPClient(cfg.Services.TTSURL, cfg.ServiceTimeout())
	facadeClient := facade.NewHTTPClient(cfg.Services.Face2FaceURL, cfg.ServiceTimeout())
	processor := media.NewProcessor(media.DefaultFFmpeg, media.DefaultFFprobe, media.ExecRunner{})

	healthErr := speechClient.HealthCheck(ctx)
	if healthErr != nil {
		log.Warn("Speech service at %s is not healthy yet: %v", cfg.Services.TTSURL, healthErr)
	}

	hub := api.NewHub(log)
	publisher := notify.Fanout{hub, notify.Logging{Log: log}}

	if cfg.NATS.PublishStatusEvent && natsConnection != nil {
		publisher = append(publisher, notify.NewNATSPublisher(natsConnection, cfg.NATS.JobStatusSubject))
	}

	voices := voice.NewService(records, speechClient, built.backends, layout, log)
	models := model.NewService(records, processor, voices, built.backends, layout, cfg.Orchestrator.Language, log)
	jobs := job.NewService(records, records, built.backends, layout, publisher, log)

	built.scheduler = job.NewScheduler(
		records, records, voices, facadeClient, processor,
		built.backends, layout, publisher, log, job.OptionsFromConfig(cfg),
	)

	if natsConnection != nil {
		built.worker = worker.NewNatsWorker(natsConnection, cfg.NATS.JobSubmitSubject, jobs, cfg.Paths.ImportDir, log)
	}

	roots := api.Roots{Import: cfg.Paths.ImportDir, Export: cfg.Paths.ExportDir}
	built.api = api.NewServer(jobs, models, voices, hub, roots, log)

	return built, nil
}

func connectNATS(cfg *config.Config, log *logger.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	if cfg.NATS.URL == "" {
		log.Warn("nats.url is empty; the job command worker and status events are disabled")

		return nil, nil, nil
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetStream, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Info("Connected to NATS at %s", cfg.NATS.URL)

	return natsConnection, jetStream, nil
}

func openRegistry(
	ctx context.Context,
	cfg *config.Config,
	jetStream nats.JetStreamContext,
	built *components,
) (core.Registry, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		store, err := postgres.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres registry: %w", err)
		}

		built.closers = append(built.closers, store.Close)

		err = store.Migrate(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to migrate postgres registry: %w", err)
		}

		return store, nil
	case config.DriverMemory:
		return memstore.New(), nil
	default:
		store, err := natskv.New(jetStream, cfg.NATS.RegistryBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to open NATS registry: %w", err)
		}

		return store, nil
	}
}

// openRemote returns nil when remote storage is disabled or unreachable at
// startup; jobs then fall back to local mode.
func openRemote(
	ctx context.Context,
	cfg *config.Config,
	jetStream nats.JetStreamContext,
	log *logger.Logger,
) (core.ArtifactStore, error) {
	if !cfg.Storage.RemoteEnabled {
		return nil, nil
	}

	switch cfg.Storage.Type {
	case config.StorageTypeS3:
		store, err := s3.New(s3.Config{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 store: %w", err)
		}

		return store, nil
	case config.StorageTypeNATS:
		store, err := natsobj.New(jetStream, cfg.NATS.ArtifactBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS object store: %w", err)
		}

		return store, nil
	default:
		client := fileapi.NewClient(cfg.Storage.APIEndpoint, cfg.ServiceTimeout())

		healthErr := client.HealthCheck(ctx)
		if healthErr != nil {
			log.Warn("File API at %s is unavailable, remote storage disabled: %v", cfg.Storage.APIEndpoint, healthErr)

			return nil, nil
		}

		return client, nil
	}
}
