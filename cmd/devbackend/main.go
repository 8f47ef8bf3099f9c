package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	appconfig "github.com/dishcart/dishcart/internal/config"
	"github.com/dishcart/dishcart/internal/devbackend"
	"github.com/dishcart/dishcart/internal/telemetry"
)

func newLogger(cfg appconfig.Config) *log.Logger {
	prefix := fmt.Sprintf("[%s-devbackend] ", cfg.ServiceName)
	logger := log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
	return logger
}

func setupTelemetry(lc fx.Lifecycle, cfg appconfig.Config) {
	var cleanup func()
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			cleanup = telemetry.InitTracer(cfg.ServiceName + "-devbackend")
			return nil
		},
		OnStop: func(context.Context) error {
			if cleanup != nil {
				cleanup()
			}
			return nil
		},
	})
}

func newBackend(logger *log.Logger) *devbackend.Server {
	// Human pacing: agents visibly step through their states.
	return devbackend.New(logger, devbackend.Options{StepDelay: 1 * time.Second})
}

func registerHTTPServer(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, shutdowner fx.Shutdowner, backend *devbackend.Server) {
	httpServer := &http.Server{
		Addr:    cfg.DevBackend.Addr,
		Handler: backend.Router(),
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Printf("Stub backend listening on %s", cfg.DevBackend.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Printf("HTTP server error: %v", err)
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	})
}

func main() {
	_ = godotenv.Load()

	app := fx.New(
		fx.Provide(
			appconfig.Load,
			newLogger,
			newBackend,
		),
		fx.Invoke(
			setupTelemetry,
			registerHTTPServer,
		),
	)

	app.Run()
}
