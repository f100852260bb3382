package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ShoshinNikita/imgcache/cmd"
	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

func main() {
	cfg, err := imgcache.ParseConfig()
	if err != nil {
		rlog.Errorf("invalid config: %s", err)
		os.Exit(1)
	}

	rlog.SetLevel(cfg.LogLevel)

	cfg.BuildInfo.Print()
	cfg.Print()

	app := cmd.NewApp(cfg)

	// Always shutdown the app to save preferences and stop external commands (for example, rclone).
	var (
		exitCode      int
		startFinished <-chan struct{}
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rlog.Info("shutdown")
		if err := app.Shutdown(ctx); err != nil {
			rlog.Error(err)
			exitCode = 1
		}

		if startFinished != nil {
			<-startFinished
		}

		os.Exit(exitCode)
	}()

	if err := app.Prepare(); err != nil {
		rlog.Error(err)
		exitCode = 1
		return
	}

	termCtx, termCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	startFinished = app.Start(func() {
		exitCode = 1
		termCtxCancel()
	})

	<-termCtx.Done()
}
