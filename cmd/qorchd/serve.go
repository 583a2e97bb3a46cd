package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Abraxas-365/qorch/pkg/api"
	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const httpShutdownTimeout = 30 * time.Second

func createServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, a worker and the leader duties",
		Long: `
Runs a full orchestrator node: the job API on PORT, a worker that claims and
executes jobs (unless WORKER_ENABLED=false), and the leader election loop that
drives recovery, retention and queue-depth sampling while this node leads.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if cfg.HTTP.JWTSecret == "" {
				return errors.New("JWT_SECRET must be set to serve the API")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := NewContainer(cfg)
			defer c.Cleanup()

			app := api.NewApp(api.Config{
				Version:   cfg.HTTP.Version,
				Debug:     cfg.Node.Debug,
				AccessLog: cfg.HTTP.AccessLog,
			}, api.Deps{
				Jobs:     api.NewJobHandlers(c.Jobs),
				Tokens:   c.Tokens,
				Gatherer: c.Registry,
				Checks:   c.HealthChecks(),
				Leader:   c.Selector.AmILeader,
			})

			g, gctx := errgroup.WithContext(ctx)
			c.runBackground(gctx, g, cfg.Worker.Enabled)
			g.Go(func() error { return serveHTTP(gctx, app, cfg.HTTP.Port) })

			banner("🚀 qorchd serving on port " + cfg.HTTP.Port)
			logx.WithFields(logx.Fields{
				"node":     cfg.Node.ID,
				"worker":   cfg.Worker.Enabled,
				"backends": describeBackends(c.Backends),
			}).Info("node started")

			return waitForShutdown(g)
		},
	}
}

func createWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker and the leader duties without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := NewContainer(cfg)
			defer c.Cleanup()

			g, gctx := errgroup.WithContext(ctx)
			c.runBackground(gctx, g, true)

			banner("🚀 qorchd worker " + cfg.Node.ID)
			logx.WithField("backends", describeBackends(c.Backends)).Info("worker node started")

			return waitForShutdown(g)
		},
	}
}

// runBackground starts the election loop, the policy reloader and optionally
// the worker on g.
func (c *Container) runBackground(ctx context.Context, g *errgroup.Group, withWorker bool) {
	logx.Info("🔄 Starting background services...")

	g.Go(func() error { return c.Selector.Run(ctx) })

	if c.Reloader != nil {
		g.Go(func() error {
			c.Reloader.Run(ctx)
			return nil
		})
	}

	if withWorker {
		g.Go(func() error { return c.Worker.Run(ctx) })
	}
}

func serveHTTP(ctx context.Context, app *fiber.App, port string) error {
	errCh := make(chan error, 1)
	go func() {
		logx.Infof("💚 Health Check: http://localhost:%s/health", port)
		errCh <- app.Listen(":" + port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logx.Info("Shutting down HTTP server...")
	if err := app.ShutdownWithTimeout(httpShutdownTimeout); err != nil {
		logx.Errorf("Server forced to shutdown: %v", err)
	}
	return nil
}

func waitForShutdown(g *errgroup.Group) error {
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logx.WithError(err).Error("🛑 node stopped with error")
		return err
	}
	logx.Info("✅ node exited")
	return nil
}
