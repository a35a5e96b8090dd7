// Command worker runs the delivery worker pool and the retry scheduler
// side by side, cancelled together on shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/relaywh/webhookd/internal/app"
	"github.com/relaywh/webhookd/internal/bootstrap"
)

func main() {
	ctx := context.Background()

	rt, err := bootstrap.Connect(ctx)
	if err != nil {
		println("worker: " + err.Error())
		os.Exit(1)
	}
	defer rt.Close(context.Background())

	run(rt)
}

func run(rt *bootstrap.Runtime) {
	pool, scheduler := app.BuildWorker(rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)

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

	<-termChan
	rt.Logger.Info("shutdown signal received")
	cancel()
	wg.Wait()
}
