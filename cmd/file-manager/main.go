// main package for the file-manager, the REST file API used as the "api"
// remote artifact backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/avatar-service/internal/fileserver"
	"github.com/book-expert/logger"
	"github.com/urfave/cli/v3"
)

// Flag names.
const (
	flagRoot   = "root"
	flagAddr   = "addr"
	flagLogDir = "log-dir"
)

const (
	logFileName     = "file-manager.log"
	shutdownTimeout = 10 * time.Second
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "file-manager",
		Usage: "Serve a storage root over the file upload/download API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagRoot,
				Usage:    "Storage root directory",
				Required: true,
			},
			&cli.StringFlag{
				Name:  flagAddr,
				Usage: "Listen address",
				Value: ":3000",
			},
			&cli.StringFlag{
				Name:  flagLogDir,
				Usage: "Directory for the log file",
				Value: os.TempDir(),
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	log, err := logger.New(cmd.String(flagLogDir), logFileName)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	server, err := fileserver.New(cmd.String(flagRoot), log)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cmd.String(flagAddr),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		errChan <- httpServer.ListenAndServe()
	}()

	log.System("File manager serving %s on %s", cmd.String(flagRoot), cmd.String(flagAddr))

	select {
	case serveErr := <-errChan:
		if !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", serveErr)
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}

	log.System("File manager stopped.")

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newApp().Run(ctx, os.Args)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "file-manager exited with error: %v\n", err)
		os.Exit(1)
	}
}
