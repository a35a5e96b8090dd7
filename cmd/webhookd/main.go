// Command webhookd runs the API server and the worker pool in a single
// process, for local development and small deployments that don't need
// the API and worker scaled independently.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
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
		println("webhookd: " + err.Error())
		os.Exit(1)
	}
	defer rt.Close(context.Background())

	if err := run(rt); err != nil {
		rt.Logger.Error("webhookd exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(rt *bootstrap.Runtime) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := app.BuildHTTPServer(ctx, rt)
	if err != nil {
		return err
	}
	pool, scheduler := app.BuildWorker(rt)

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)

	httpErrChan := make(chan error, 1)
	go func() {
		rt.Logger.Info("webhookd API listening", zap.String("addr", srv.Addr))
		httpErrChan <- srv.ListenAndServe()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := pool.Run(ctx); err != nil {
			rt.Logger.Error("delivery pool exited with error", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := scheduler.Run(ctx); err != nil {
			rt.Logger.Error("retry scheduler exited with error", zap.Error(err))
		}
	}()

	var httpErr error
	select {
	case <-termChan:
		rt.Logger.Info("shutdown signal received")
	case httpErr = <-httpErrChan:
		if httpErr != nil && errors.Is(httpErr, http.ErrServerClosed) {
			httpErr = nil
		}
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && httpErr == nil {
		httpErr = err
	}
	return httpErr
}
