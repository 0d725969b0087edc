package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/emberveil/sagalog/internal/cli"
	"github.com/emberveil/sagalog/internal/platform/config"
	"github.com/emberveil/sagalog/internal/platform/otel"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg cli.Config
	if err := config.ParseEnv(&cfg); err != nil {
		config.Exitf("parse config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	shutdown, err := otel.Setup(ctx, "sagalog")
	if err != nil {
		config.Exitf("setup tracing: %v", err)
	}
	defer func() {
		_ = shutdown(context.Background())
	}()

	app := cli.NewApp(cfg, logger)
	defer func() {
		_ = app.Close()
	}()

	root := cli.NewRoot(app)
	if err := root.ExecuteContext(ctx); err != nil {
		config.Exitf("sagalog: %v", err)
	}
}
