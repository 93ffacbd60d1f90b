package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"time"

	"autoanalysis/internal/config"
	"autoanalysis/internal/daemon"
	"autoanalysis/internal/executor"
	"autoanalysis/internal/heartbeat"
	"autoanalysis/internal/intake"
	"autoanalysis/internal/jobdir"
	"autoanalysis/internal/logging"
	"autoanalysis/internal/models"
	"autoanalysis/internal/notify"
	"autoanalysis/internal/reconcile"
	"autoanalysis/internal/slurm"
	"autoanalysis/internal/status"
	"autoanalysis/internal/submit"
	"autoanalysis/internal/transfer"
	"autoanalysis/internal/workerpool"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// run wires the daemon for role and blocks until it stops.
func run(ctx context.Context, role config.Role, cfg *config.Config) error {
	logSettings(role, cfg)

	tempDir := cfg.TempDirectory
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	mailExec, err := executor.NewExecutor(executor.Options{TempDir: tempDir, DryRun: dryRun})
	if err != nil {
		return err
	}
	notifier := notify.NewMailer(mailExec, cfg.MailCommand, cfg.MailFrom)
	alive := heartbeat.NewWindow(heartbeat.DefaultThreshold)

	opts := daemon.Options{
		Role:       role,
		Notifier:   notifier,
		AdminEmail: cfg.AdminEmail,
		Interval:   cfg.Interval(),
		Alive:      alive,
	}

	ticker, err := newTicker(role, cfg, notifier)
	if err != nil {
		daemon.New(opts).Fatal(err)
		return fmt.Errorf("%w: %v", errFatal, err)
	}
	opts.Ticker = ticker

	if cfg.StatusAddress != "" {
		srv := status.NewServer(string(role), cfg.StatusSecret, alive)
		opts.Publisher = srv
		go func() {
			if err := srv.Start(ctx, cfg.StatusAddress); err != nil {
				log.Error().Err(err).Msg("status API stopped")
			}
		}()
	}

	d := daemon.New(opts)
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("%w: %v", errFatal, err)
	}
	log.Info().Msgf("%s stopped", role.Title())
	return nil
}

func newTicker(role config.Role, cfg *config.Config, notifier notify.Notifier) (daemon.Ticker, error) {
	if role == config.RoleSubmission {
		c, err := newCollector(cfg, notifier, role)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	e, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func newEngine(cfg *config.Config) (*reconcile.Engine, error) {
	exec, err := executor.NewExecutor(executor.Options{
		Retries: cfg.NumberRetries,
		Delay:   cfg.RetryDelay(),
		TempDir: cfg.TempDirectory,
		DryRun:  dryRun,
	})
	if err != nil {
		return nil, err
	}
	return reconcile.NewEngine(reconcile.Options{
		Runner:     exec,
		Dispatcher: workerpool.NewPool(exec, cfg.MaxConcurrentCommands),
		Monitor:    slurm.NewMonitor(exec, cfg.QueueCommand, cfg.SlurmPartition, cfg.SlurmUserTruncated),
		Classifier: jobdir.NewClassifier(cfg.LocalJobDirectory, cfg.AvailableNodes),
		Remote:     transfer.NewRemote(cfg.RemoteHost, cfg.RemoteJobDirectory),
		Assembler:  submit.NewAssembler(cfg.SubmitCommand, cfg.SubmitNice, dryRun),
		LocalRoot:  cfg.LocalJobDirectory,
		DryRun:     dryRun,
	}), nil
}

func newCollector(cfg *config.Config, notifier notify.Notifier, role config.Role) (*intake.Collector, error) {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return intake.NewCollector(intake.Options{
		Source:           intake.NewGormSource(db),
		Root:             cfg.RemoteJobDirectory,
		Notifier:         notifier,
		AdminEmail:       cfg.AdminEmail,
		NotifyRequesters: cfg.NotifyRequesters,
		Title:            role.Title(),
		DryRun:           dryRun,
	}), nil
}

func openDatabase(dsn string) (*gorm.DB, error) {
	gormLogger := logger.New(
		stdlog.New(logging.Writer(zerolog.WarnLevel), "", 0),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func logSettings(role config.Role, cfg *config.Config) {
	ev := log.Info().
		Str("role", string(role)).
		Str("config", cfg.Path).
		Str("adminEmail", cfg.AdminEmail).
		Float64("hoursToWait", cfg.HoursToWait).
		Str("remoteJobDirectory", cfg.RemoteJobDirectory).
		Bool("verbose", verbose).
		Bool("dryRun", dryRun)
	if role == config.RoleExecution {
		ev = ev.
			Str("remoteHost", cfg.RemoteHost).
			Str("localJobDirectory", cfg.LocalJobDirectory).
			Str("tempDirectory", cfg.TempDirectory).
			Str("slurmPartition", cfg.SlurmPartition).
			Str("slurmUserTruncated", cfg.SlurmUserTruncated).
			Int("maxConcurrentCommands", cfg.MaxConcurrentCommands).
			Int("numberRetries", cfg.NumberRetries)
	}
	ev.Msg("Config settings")
}
