package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/filecoin-project/go-clock"

	"github.com/yourorg/assetledger/internal/config"
	"github.com/yourorg/assetledger/internal/delivery"
	"github.com/yourorg/assetledger/internal/incident"
	"github.com/yourorg/assetledger/internal/inventory"
	"github.com/yourorg/assetledger/internal/ledger"
	"github.com/yourorg/assetledger/internal/metrics"
	"github.com/yourorg/assetledger/internal/mirror"
	"github.com/yourorg/assetledger/internal/schedule"
	"github.com/yourorg/assetledger/internal/snapshot"
	"github.com/yourorg/assetledger/internal/snapshotrun"
	"github.com/yourorg/assetledger/internal/storage"
)

// app holds every wired component. Commands use the parts they need.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     clock.Clock
	db        *storage.DB
	settings  *ledger.Settings
	ledger    *ledger.Store
	recorder  *ledger.Recorder
	inventory *inventory.Store
	incidents *incident.Engine
	schedules *schedule.Store
	runs      *snapshotrun.RunStore
	mirror    *mirror.Log
	runner    *snapshotrun.Runner
}

func newLogger(cfg config.Config) *slog.Logger {
	level, _ := cfg.SlogLevel()
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare schema: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New(), clock: clock.New(), db: db}
	a.settings = ledger.NewSettings(db)
	if cfg.Ledger.EnabledDefault {
		if err := a.settings.SeedLedgerEnabled(ctx, true); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("seed ledger toggle: %w", err)
		}
	}
	a.ledger = ledger.NewStore(db, a.settings, a.clock, logger)
	a.recorder = ledger.NewRecorder(a.ledger, logger, a.metrics)
	a.inventory = inventory.NewStore(db, a.recorder, a.clock)
	a.incidents = incident.NewEngine(db, a.inventory, a.recorder, incident.Options{
		Window:    cfg.IncidentWindow(),
		Threshold: cfg.Incident.Threshold,
		Clock:     a.clock,
		Logger:    logger,
		Metrics:   a.metrics,
	})
	a.schedules = schedule.NewStore(db, a.clock)
	a.runs = snapshotrun.NewRunStore(db, a.recorder)

	var objects delivery.ObjectStore
	if cfg.ObjectStore.Enabled || cfg.Mirror.ObjectEnabled {
		objects, err = delivery.NewMinioStore(delivery.MinioConfig{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			UseSSL:    cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("object store: %w", err)
		}
	}

	var archive []delivery.Channel
	if cfg.Local.Enabled {
		archive = append(archive, delivery.LocalChannel{Dir: cfg.Local.Dir})
	}
	if cfg.ObjectStore.Enabled {
		archive = append(archive, delivery.ObjectStoreChannel{
			Store:      objects,
			Prefix:     cfg.ObjectStore.Prefix,
			MaxRetries: uint64(cfg.ObjectStore.MaxRetries),
			Timeout:    cfg.ObjectStore.Timeout,
		})
	}

	var mirrors []mirror.Channel
	if cfg.Mirror.LocalEnabled {
		mirrors = append(mirrors, mirror.FileChannel{Path: cfg.Mirror.LocalPath})
	}
	if cfg.Mirror.ObjectEnabled {
		mirrors = append(mirrors, mirror.ObjectChannel{Store: objects, Key: cfg.Mirror.ObjectKey})
	}
	a.mirror = mirror.NewLog(logger, a.metrics, mirrors...)

	var mailer delivery.Mailer
	smtpCfg := delivery.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		UseTLS:   cfg.SMTP.UseTLS,
		From:     cfg.SMTP.From,
		Timeout:  cfg.SMTP.Timeout,
	}
	if smtpCfg.Configured() {
		mailer = delivery.NewSMTPMailer(smtpCfg)
	}

	var pdf snapshot.PDFRenderer
	if cfg.Snapshot.PDFEnabled {
		pdf = snapshot.ChromePDFRenderer{ExecPath: cfg.Snapshot.ChromiumPath, Timeout: cfg.Snapshot.ChromiumTimeout}
	}

	a.runner = snapshotrun.NewRunner(
		snapshot.NewBuilder(a.inventory, pdf, a.clock, logger),
		delivery.NewDispatcher(cfg.Snapshot.DeliveryTimeout, logger, a.metrics),
		a.runs,
		a.schedules,
		snapshotrun.Options{
			Archive:        archive,
			Mailer:         mailer,
			PrimaryChannel: cfg.Snapshot.PrimaryChannel,
			Mirror:         a.mirror,
			Clock:          a.clock,
			Logger:         logger,
			Metrics:        a.metrics,
		},
	)
	logger.Info("assetledger wired",
		"driver", cfg.Database.Driver,
		"archiveChannels", len(archive),
		"mirrorChannels", a.mirror.Channels(),
		"mail", mailer != nil,
		"pdf", pdf != nil,
	)
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
