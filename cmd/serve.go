package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/metrics"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/service"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator API and the metrics server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, baseLogger, err := loadConfig()
		if err != nil {
			return err
		}
		metricsServer := metrics.NewServer(cfg.Metrics, baseLogger.With(zap.String("component", "metrics-server")))
		metricsServer.SetReady(false)
		inst := metricsServer.Instrumentation()

		runCtx, cancelRunCtx := context.WithCancel(context.Background())
		defer cancelRunCtx()

		a, err := newApp(runCtx, cfg, baseLogger, inst)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		logger := a.logger

		metricsServer.AddDependencies(a.gateway, a.store)

		opts := a.workflowOptions(inst)
		manager := service.NewManager(service.ManagerOptions{
			Gateway:         opts.Gateway,
			Recorder:        opts.Recorder,
			Runs:            a.store,
			Enricher:        a.enricher,
			Instrumentation: inst,
			Logger:          a.base.With(zap.String("component", "service-manager")),
			OnBanSuccess:    opts.OnBanSuccess,
			OnReloadRequest: opts.OnReloadRequest,
		})

		apiServer, err := service.NewServer(cfg.API, manager, a.base.With(zap.String("component", "api-server")))
		if err != nil {
			logger.Error("could not create API server", zap.Error(err))
			return err
		}

		serversGroup, serversCtx := errgroup.WithContext(runCtx)

		serversGroup.Go(func() error {
			return metricsServer.Start(serversCtx)
		})

		serversGroup.Go(func() error {
			return apiServer.Start(serversCtx, func() { metricsServer.SetReady(true) })
		})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)

		done := make(chan struct{})
		defer close(done)

		go func() {
			select {
			case <-sigCh:
				logger.Info("shutdown signal received")
				metricsServer.SetReady(false)
				cancelRunCtx()
				timeout := cfg.Shutdown.ShutdownTimeout()
				timer := time.NewTimer(timeout)
				defer timer.Stop()
				select {
				case <-done:
				case <-timer.C:
					logger.Error("shutdown timed out", zap.String("timeout", timeout.String()))
					os.Exit(1)
				}
			case <-done:
				return
			}
		}()

		if err := serversGroup.Wait(); err != nil && runCtx.Err() == nil {
			logger.Error("server exited with error", zap.Error(err))
			return err
		}
		return nil
	},
}
