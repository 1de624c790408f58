// Package app wires configuration into the running pieces of the extractor:
// the compiled study, the patient source, the results store and the sinks.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jcvi-cohort-engine/internal/codelist"
	"github.com/jcvi-cohort-engine/internal/cohort"
	"github.com/jcvi-cohort-engine/internal/config"
	"github.com/jcvi-cohort-engine/internal/database"
	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/internal/eventstore"
	"github.com/jcvi-cohort-engine/internal/results"
	"github.com/jcvi-cohort-engine/internal/sink"
	"github.com/jcvi-cohort-engine/internal/study"
)

// App holds the loaded study and everything opened on its behalf. Close
// releases what was opened, in reverse order.
type App struct {
	Config   *domain.Config
	Logger   *logrus.Logger
	Registry *codelist.Registry
	Dates    *domain.ReferenceDates
	Study    *study.Study

	db      *database.DB
	closers []func() error
}

// New validates the configuration, builds the logger and compiles the study.
// No backend connection is made.
func New(manager *config.Manager) (*App, error) {
	if err := manager.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := manager.GetConfig()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if used := manager.ConfigFileUsed(); used != "" {
		logger.WithField("config_file", used).Debug("Configuration loaded")
	}

	return NewWithLogger(cfg, logger)
}

// NewWithLogger is New for an already validated configuration.
func NewWithLogger(cfg *domain.Config, logger *logrus.Logger) (*App, error) {
	registry, err := codelist.LoadManifest(cfg.Study.CodelistManifest, cfg.Study.CodelistDir, logger)
	if err != nil {
		return nil, fmt.Errorf("loading codelists: %w", err)
	}

	dates, err := config.LoadReferenceDates(cfg.Study.DatesFile)
	if err != nil {
		return nil, err
	}

	st, err := study.New(registry, dates)
	if err != nil {
		return nil, fmt.Errorf("compiling study: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"codelists":  registry.Len(),
		"references": len(dates.Names()),
		"groups":     st.Groups.Graph().Len(),
		"covariates": st.Covariates.Graph().Len(),
	}).Info("Study compiled")

	return &App{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Dates:    dates,
		Study:    st,
	}, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases every resource opened through the app.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Database opens, once, the PostgreSQL pool of the configured database.
func (a *App) Database(ctx context.Context) (*database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := database.NewConnection(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.onClose(func() error {
		db.Close()
		return nil
	})
	return db, nil
}

// Backend opens the configured clinical data backend without any caching.
func (a *App) Backend(ctx context.Context) (eventstore.Source, error) {
	switch a.Config.Backend.Type {
	case "sqlite":
		src, err := eventstore.NewSQLiteSource(a.Config.Backend.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.onClose(src.Close)
		return src, nil
	case "postgres":
		db, err := a.Database(ctx)
		if err != nil {
			return nil, err
		}
		return eventstore.NewPostgresSource(db.Pool), nil
	default:
		return nil, fmt.Errorf("invalid backend type: %q", a.Config.Backend.Type)
	}
}

// Importer opens the backend for loading patients.
func (a *App) Importer(ctx context.Context) (eventstore.Importer, error) {
	src, err := a.Backend(ctx)
	if err != nil {
		return nil, err
	}
	imp, ok := src.(eventstore.Importer)
	if !ok {
		return nil, fmt.Errorf("backend %s does not support imports", a.Config.Backend.Type)
	}
	return imp, nil
}

// Source opens the backend behind the configured cache and the rate
// limiter and circuit breaker.
func (a *App) Source(ctx context.Context) (eventstore.Source, error) {
	src, err := a.Backend(ctx)
	if err != nil {
		return nil, err
	}

	if a.Config.Cache.Enabled {
		redisClient, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		cached, err := eventstore.NewCachedSource(src, a.Config.Cache, redisClient, a.Logger)
		if err != nil {
			return nil, err
		}
		src = cached
	}

	return eventstore.NewResilientSource(src, a.Config.Resilience, a.Logger), nil
}

func (a *App) redisClient() (*redis.Client, error) {
	if a.Config.Cache.RedisURL == "" {
		return nil, nil
	}
	client, err := eventstore.NewRedisClient(a.Config.Cache)
	if err != nil {
		return nil, err
	}
	a.onClose(client.Close)
	return client, nil
}

// Results opens the configured results store, or returns nil when results
// are not persisted.
func (a *App) Results() (results.Store, error) {
	store, err := OpenResults(a.Config.Results)
	if err != nil || store == nil {
		return nil, err
	}
	a.onClose(store.Close)
	return store, nil
}

// OpenResults opens the store selected by cfg. It returns nil for an empty
// driver.
func OpenResults(cfg domain.ResultsConfig) (results.Store, error) {
	var (
		store results.Store
		err   error
	)
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		store, err = results.NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		store, err = results.NewPostgresStoreFromURL(cfg.URL)
	default:
		return nil, fmt.Errorf("invalid results driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening results store: %w", err)
	}
	return store, nil
}

// Sinks builds the sink fan-out of a run: the flat file, the results store
// when one is given and the Kafka publisher when enabled.
func (a *App) Sinks(store results.Store) (sink.Sink, error) {
	var sinks []sink.Sink

	if path := a.Config.Output.Path; path != "" {
		file, err := sink.OpenFile(a.Config.Output.Format, path, nil)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, file)
	}

	if store != nil {
		sinks = append(sinks, sink.NewStoreSink(store, false))
	}

	if a.Config.Kafka.Enabled {
		kafka, err := sink.NewKafkaSink(a.Config.Kafka, a.Logger)
		if err != nil {
			sink.NewMultiSink(sinks...).Close()
			return nil, err
		}
		sinks = append(sinks, kafka)
	}

	multi := sink.NewMultiSink(sinks...)
	a.onClose(multi.Close)
	return multi, nil
}

// Runner builds a cohort runner with the configured worker pool.
func (a *App) Runner(source eventstore.Source, out sink.Sink, opts ...cohort.Option) *cohort.Runner {
	base := []cohort.Option{
		cohort.WithWorkers(a.Config.Runner.Workers),
		cohort.WithInternalVariables(a.Config.Runner.IncludeInternal),
	}
	if out != nil {
		base = append(base, cohort.WithSink(out))
	}
	return cohort.NewRunner(source, a.Study, a.Logger, append(base, opts...)...)
}
