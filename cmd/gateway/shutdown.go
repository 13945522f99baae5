package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/gateway"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// runGateway runs the gateway and handles shutdown.
func runGateway(app *application, flags cliFlags, logger observability.Logger) {
	if err := app.gateway.Start(context.Background()); err != nil {
		fatalWithSync(logger, "failed to start gateway", observability.Error(err))
		return
	}

	startAdminServer(app)

	var watcher *config.Watcher
	if flags.watch {
		watcher = startConfigWatcher(app, flags.configPath)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	waitForShutdown(app, watcher, sigCh)
}

// waitForShutdown waits for a shutdown signal and performs a graceful
// shutdown.
func waitForShutdown(app *application, watcher *config.Watcher, sigCh <-chan os.Signal) {
	sig := <-sigCh
	app.logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	timeout := time.Duration(app.config.Transport.ShutdownTimeout)
	if timeout <= 0 {
		timeout = gateway.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdown(shutdownCtx, app, watcher)
}

// shutdown stops every component in dependency order.
func shutdown(ctx context.Context, app *application, watcher *config.Watcher) {
	if watcher != nil {
		_ = watcher.Stop()
		app.reload.configWatcherStatus.Set(0)
	}

	if err := app.gateway.Stop(ctx); err != nil {
		app.logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	// The admin server outlives the listeners so the drain stays visible.
	if app.adminServer != nil {
		app.logger.Info("stopping admin server")
		if err := app.adminServer.Shutdown(ctx); err != nil {
			app.logger.Error("failed to stop admin server gracefully", observability.Error(err))
		}
	}

	if err := app.gateway.Close(); err != nil {
		app.logger.Error("failed to release gateway resources", observability.Error(err))
	}

	if err := app.tracer.Shutdown(ctx); err != nil {
		app.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	app.logger.Info("avaproxy stopped")
}
