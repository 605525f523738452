package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pincer-filter-engine/internal/codeset"
	"github.com/pincer-filter-engine/internal/config"
	"github.com/pincer-filter-engine/internal/database"
	"github.com/pincer-filter-engine/internal/domain"
	"github.com/pincer-filter-engine/internal/executor"
	"github.com/pincer-filter-engine/internal/logging"
	"github.com/pincer-filter-engine/internal/results"
	"github.com/pincer-filter-engine/internal/rules"
	"github.com/pincer-filter-engine/internal/timeline"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	migrationsPath := flag.String("migrations", "./migrations", "path to results schema migrations")
	flag.Parse()

	// Load configuration
	configManager, err := config.NewManager(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := logging.NewLogger(cfg.Logging)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, aborting run...")
		cancel()
	}()

	if err := run(ctx, configManager, *migrationsPath, logger); err != nil {
		logger.WithError(err).Fatal("Filter run failed")
	}
}

func run(ctx context.Context, configManager *config.Manager, migrationsPath string, logger *logrus.Logger) error {
	cfg := configManager.GetConfig()

	// Code sets and catalog load before any data: an unknown code set
	// name or rule kind must stop the run here.
	registry := codeset.NewRegistry(logger)
	if err := registry.LoadDir(cfg.CodeSets.Dir); err != nil {
		return err
	}
	catalog, err := rules.LoadCatalog(cfg.Catalog.Path, registry, logger)
	if err != nil {
		return err
	}

	store, err := loadStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	asOf, err := configManager.SnapshotDate()
	if err != nil {
		return err
	}

	exec := executor.New(logger, cfg.Engine.Workers)
	result, err := exec.Run(ctx, store, catalog, asOf)
	if err != nil {
		return err
	}

	sink, err := openSink(configManager, migrationsPath, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	if err := sink.Write(ctx, result); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"run_id":   result.RunID,
		"matches":  len(result.Matches),
		"patients": result.PatientsEvaluated,
		"faults":   result.Faults,
	}).Info("Results written")
	return nil
}

func loadStore(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (*timeline.Store, error) {
	switch cfg.DataSource.Driver {
	case "sqlite":
		src, err := timeline.NewSQLiteSource(cfg.DataSource.Path, logger)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		return src.Load(ctx, cfg.Engine.CacheSize)
	default: // postgres, validated earlier
		db, err := database.NewConnection(ctx, database.Config{
			Host:        cfg.DataSource.Host,
			Port:        cfg.DataSource.Port,
			Database:    cfg.DataSource.Database,
			Username:    cfg.DataSource.Username,
			Password:    cfg.DataSource.Password,
			SSLMode:     cfg.DataSource.SSLMode,
			MaxConns:    cfg.DataSource.MaxConns,
			MinConns:    cfg.DataSource.MinConns,
			MaxConnLife: cfg.DataSource.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return timeline.NewPostgresSource(db, logger).Load(ctx, cfg.Engine.CacheSize)
	}
}

func openSink(configManager *config.Manager, migrationsPath string, logger *logrus.Logger) (results.Sink, error) {
	cfg := configManager.GetConfig()
	switch cfg.Output.Driver {
	case "csv":
		return results.NewCSVSink(cfg.Output.Path)
	case "sqlite":
		return results.NewSQLiteSink(cfg.Output.Path)
	default: // postgres, validated earlier
		url := database.Config{
			Host:     cfg.Output.Host,
			Port:     cfg.Output.Port,
			Database: cfg.Output.Database,
			Username: cfg.Output.Username,
			Password: cfg.Output.Password,
			SSLMode:  cfg.Output.SSLMode,
		}.URL()

		runner, err := database.NewMigrationRunner(url, migrationsPath, logger)
		if err != nil {
			return nil, err
		}
		if err := runner.Up(); err != nil {
			runner.Close()
			return nil, err
		}
		if err := runner.Close(); err != nil {
			logger.WithError(err).Warn("Could not close migration runner")
		}

		return results.NewPostgresSinkFromURL(configManager.GetOutputConnectionString())
	}
}
