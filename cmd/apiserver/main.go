// Command apiserver runs the inbound HTTP API: webhook ingest, downstream
// receive (rate limited), search/aggregates, and health. Graceful shutdown
// races a signal channel against an error channel; on a signal the server
// is stopped with http.Server.Shutdown, bounded by a 10-second timeout.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaywh/webhookd/internal/app"
	"github.com/relaywh/webhookd/internal/bootstrap"
)

func main() {
	ctx := context.Background()

	rt, err := bootstrap.Connect(ctx)
	if err != nil {
		// No logger yet if config/connect failed; fall back to stderr.
		println("apiserver: " + err.Error())
		os.Exit(1)
	}
	defer rt.Close(context.Background())

	if err := run(rt); err != nil {
		rt.Logger.Error("apiserver exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(rt *bootstrap.Runtime) error {
	srv, err := app.BuildHTTPServer(context.Background(), rt)
	if err != nil {
		return err
	}

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		rt.Logger.Info("apiserver listening", zap.String("addr", srv.Addr))
		errChan <- srv.ListenAndServe()
	}()

	select {
	case <-termChan:
		rt.Logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
