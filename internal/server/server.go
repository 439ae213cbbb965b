package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"github.com/gofiber/fiber/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/backup"
	"github.com/maibot/chatpoints/internal/config"
	"github.com/maibot/chatpoints/internal/eventlog"
	"github.com/maibot/chatpoints/internal/infra"
	"github.com/maibot/chatpoints/internal/ledger"
	"github.com/maibot/chatpoints/internal/routes"
	"github.com/maibot/chatpoints/internal/scheduler"
	"github.com/maibot/chatpoints/internal/settings"
	"github.com/maibot/chatpoints/internal/store"
	"github.com/maibot/chatpoints/internal/wagering"
)

// Document names in the backend.
const (
	docLedger    = "ledger"
	docEvents    = "events"
	docScheduler = "scheduler"
	docBets      = "bets"

	eventStream       = "chatpoints:events"
	eventStreamMaxLen = 10_000
)

// Server wraps the Fiber application and the long-running game components.
type Server struct {
	app    *fiber.App
	cfg    config.Config
	logger *zap.Logger

	Coordinator *wagering.Coordinator
	worker      *scheduler.Worker
	settings    *settings.Holder
	backup      *backup.Job
	cron        *cron.Cron
	docs        []*store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// New loads every document from res.Backend, wires the coordinator and
// delegates route wiring to routes.Setup.
func New(ctx context.Context, cfg config.Config, res *infra.Resources, clk clock.Clock, logger *zap.Logger) (*Server, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{cfg: cfg, logger: logger}

	open := func(name string, opts ...store.Option) (*store.Store, error) {
		doc, err := store.Open(ctx, res.Backend, name, logger, opts...)
		if err != nil {
			return nil, err
		}
		s.docs = append(s.docs, doc)
		return doc, nil
	}
	ledgerDoc, err := open(docLedger, store.WithMigrations(ledger.Migrations()...))
	if err != nil {
		return nil, err
	}
	eventsDoc, err := open(docEvents)
	if err != nil {
		return nil, err
	}
	queueDoc, err := open(docScheduler)
	if err != nil {
		return nil, err
	}
	betsDoc, err := open(docBets)
	if err != nil {
		return nil, err
	}

	l, err := ledger.New(ledgerDoc, logger)
	if err != nil {
		return nil, err
	}
	notifiers := []eventlog.Notifier{eventlog.NewLoggerNotifier(logger)}
	if res.Cache != nil {
		notifiers = append(notifiers, eventlog.NewStreamNotifier(res.Cache, eventStream, eventStreamMaxLen))
	}
	events, err := eventlog.New(eventsDoc, clk, logger, notifiers...)
	if err != nil {
		return nil, err
	}
	queue, err := scheduler.NewQueue(queueDoc)
	if err != nil {
		return nil, err
	}
	s.worker = scheduler.NewWorker(queue, clk, cfg.SchedulerInterval, logger)

	s.settings, err = settings.NewHolder(cfg.SettingsPath, logger)
	if err != nil {
		return nil, err
	}
	s.Coordinator, err = wagering.New(wagering.Deps{
		Ledger:    l,
		Events:    events,
		Scheduler: s.worker,
		Settings:  s.settings,
		Bets:      betsDoc,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	s.backup = backup.New(cfg.BackupDir, cfg.BackupKeep, clk, logger, s.docs...)

	s.app = fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: routes.ErrorHandler(logger),
	})
	if err := routes.Setup(s.app, routes.Deps{
		Cfg:         cfg,
		Coordinator: s.Coordinator,
		Documents:   s.docs,
		DB:          res.DB,
		Cache:       res.Cache,
		Logger:      logger,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// App exposes the Fiber application, e.g. for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Start recovers stranded reservations when configured and launches the
// scheduler worker, the settings watcher and the backup cron.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.RecoverOnStart {
		if _, err := s.Coordinator.RecoverStranded(ctx); err != nil {
			if !errors.Is(err, store.ErrPersistence) {
				return fmt.Errorf("recover stranded reservations: %w", err)
			}
			s.logger.Warn("recovered reservations not persisted", zap.Error(err))
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler worker stopped", zap.Error(err))
		}
	}()

	if s.cfg.WatchSettings {
		if err := s.settings.Watch(ctx); err != nil {
			s.logger.Warn("settings watcher unavailable", zap.Error(err))
		}
	}
	if s.cfg.BackupSpec != "" {
		c, err := s.backup.Schedule(ctx, s.cfg.BackupSpec)
		if err != nil {
			return err
		}
		s.cron = c
		s.cron.Start()
		s.logger.Info("backups scheduled", zap.String("spec", s.cfg.BackupSpec), zap.String("dir", s.cfg.BackupDir))
	}
	return nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops accepting requests, stops the background loops and
// flushes every document.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	for _, doc := range s.docs {
		if err := doc.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
