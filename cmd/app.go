package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/audit"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/config"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/enrich"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/gateway"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/logging"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/metrics"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/notify"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/workflow"
)

// app bundles the collaborators built from the configuration file.
type app struct {
	cfg      *config.Config
	base     *zap.Logger
	logger   *zap.Logger
	gateway  *gateway.Client
	store    *audit.InstrumentedStore
	recorder *audit.Recorder
	notifier *notify.Notifier
	enricher *enrich.Enricher
}

// loadConfig reads the file named by --config and builds the base logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	path, err := filepath.Abs(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	baseLogger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, baseLogger, nil
}

// bootstrap loads the configuration and builds an uninstrumented app for
// one-shot commands.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, baseLogger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, baseLogger, nil)
}

// newApp builds every collaborator. inst may be nil.
func newApp(ctx context.Context, cfg *config.Config, baseLogger *zap.Logger, inst *metrics.Instrumentation) (*app, error) {
	var err error
	a := &app{
		cfg:    cfg,
		base:   baseLogger,
		logger: baseLogger.With(zap.String("component", "cli")),
	}

	a.gateway, err = gateway.NewFromConfig(cfg.Backend, baseLogger.With(zap.String("component", "gateway")), inst)
	if err != nil {
		a.logger.Error("could not build backend gateway", zap.Error(err))
		return nil, a.closeWith(err)
	}

	a.store, err = audit.Build(ctx, baseLogger.With(zap.String("component", "audit")), cfg.Audit, inst)
	if err != nil {
		a.logger.Error("could not build audit store", zap.Error(err))
		return nil, a.closeWith(err)
	}
	a.recorder = audit.NewRecorder(a.store, baseLogger.With(zap.String("component", "audit")))

	a.notifier, err = notify.Build(ctx, baseLogger.With(zap.String("component", "notify")), cfg.Notify, inst)
	if err != nil {
		a.logger.Error("could not build notification publisher", zap.Error(err))
		return nil, a.closeWith(err)
	}

	a.enricher, err = enrich.Open(cfg.Enrich, baseLogger.With(zap.String("component", "enrich")))
	if err != nil {
		a.logger.Error("could not open enrichment databases", zap.Error(err))
		return nil, a.closeWith(err)
	}

	return a, nil
}

// workflowOptions wires a workflow to the app collaborators.
func (a *app) workflowOptions(inst *metrics.Instrumentation) workflow.Options {
	return workflow.Options{
		Gateway:         a.gateway,
		Recorder:        a.recorder,
		Instrumentation: inst,
		Logger:          a.base,
		OnBanSuccess:    a.notifier.Hook(),
		OnReloadRequest: a.notifier.Hook(),
	}
}

func (a *app) closeWith(cause error) error {
	if err := a.Close(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Close releases every collaborator and flushes the logger.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.notifier.Close(), a.enricher.Close())
	_ = a.base.Sync()
	return errors.Join(errs...)
}
