// main package for the avatar-service
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	envFile         = ".env"
	shutdownTimeout = 15 * time.Second
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func loadEnv() error {
	err := godotenv.Load(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	return nil
}

func run(ctx context.Context) error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "avatar-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	err = loadEnv()
	if err != nil {
		bootstrapLog.Error("%v", err)

		return err
	}

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "avatar-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	// 4. Wire the components
	components, err := wire(ctx, cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to initialize components: %v", err)

		return err
	}
	defer components.close()

	finalLog.System("Avatar-Service successfully initialized. API on %s, data root %s, remote storage %t",
		cfg.HTTP.ListenAddr, cfg.Storage.DataRoot, components.backends.RemoteAvailable())

	return serve(ctx, components, cfg, finalLog)
}

func serve(ctx context.Context, components *components, cfg *config.Config, log *logger.Logger) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return components.scheduler.Run(groupCtx)
	})

	if components.worker != nil {
		group.Go(func() error {
			return components.worker.Run(groupCtx)
		})
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           components.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group.Go(func() error {
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		log.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.System("Avatar-Service stopped.")

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
