// Command worker runs a goodq worker process: it executes jobs for the
// configured queues and, with -migrate, applies the schema first.
//
// Handler registration is application code; wire yours in where indicated.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/queueworks/goodq"
	"github.com/queueworks/goodq/config"
	ctxlog "github.com/queueworks/goodq/internal/log"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply schema migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := goodq.New(ctx, cfg, logger)
	if err != nil {
		stop()
		log.Fatalf("connect: %v", err)
	}
	defer app.Close()

	if *migrate {
		if err := app.Install(ctx); err != nil {
			stop()
			log.Fatalf("migrate: %v", err)
		}
		logger.Info("migrations applied")
	}

	// Register application handlers here, e.g.:
	//
	//	app.Register(&goodq.Handler{
	//		Name: "Reports::NightlyRollup",
	//		Perform: func(ctx context.Context, job *goodq.Job, args []any) goodq.Outcome {
	//			return goodq.Ok(nil)
	//		},
	//	})

	if err := app.Run(ctx); err != nil {
		logger.Error("run", "error", err)
		os.Exit(1)
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
