package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-share/internal/catalog"
	"github.com/example/ride-share/internal/config"
	"github.com/example/ride-share/internal/dispatch"
	"github.com/example/ride-share/internal/eventlog"
	"github.com/example/ride-share/internal/history"
	httpapi "github.com/example/ride-share/internal/http"
	"github.com/example/ride-share/internal/inbox"
	"github.com/example/ride-share/internal/ledger"
	"github.com/example/ride-share/internal/logging"
	"github.com/example/ride-share/internal/messaging"
	"github.com/example/ride-share/internal/payments"
	"github.com/example/ride-share/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		panic(err)
	}
	log, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func openStore(ctx context.Context, cfg config.ServerConfig, log *zap.Logger) (storage.Store, pinger, error) {
	if cfg.PGDSN == "" {
		log.Info("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil, nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		log.Info("migrations applied")
	}
	return pg, pg, nil
}

func run(ctx context.Context, cfg config.ServerConfig, log *zap.Logger) error {
	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	var closers []io.Closer
	closers = append(closers, store)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("close failed", zap.Error(err))
			}
		}
	}()

	prefs := dispatch.NewPreferences()
	dispatcher := dispatch.New(prefs, cfg.NotifyTimeout, log)
	ws := dispatch.NewWSRegistry()
	var push dispatch.Channel
	if cfg.PushEndpoint != "" {
		push = dispatch.NewFCMDispatcher(cfg.PushEndpoint, cfg.PushKey)
	}
	dispatcher.Register(dispatch.NewPushDispatcher(ws, push), true)

	if len(cfg.KafkaBrokers) > 0 {
		producer := eventlog.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, producer)
		dispatcher.Register(producer, false)
	}
	if cfg.NATSURL != "" {
		publisher, err := eventlog.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return err
		}
		closers = append(closers, publisher)
		dispatcher.Register(publisher, false)
	}
	if cfg.StripeAPIKey != "" {
		dispatcher.Register(payments.NewSettlement(payments.NewStripeClient(cfg.StripeAPIKey), cfg.Currency, log), false)
	}

	var unread *inbox.RedisInbox
	if cfg.RedisAddr != "" {
		unread = inbox.NewRedisInbox(cfg.RedisAddr, cfg.RedisPassword)
		closers = append(closers, unread)
	}

	rides := catalog.New(store, log)
	relay := messaging.New(store, dispatcher, log)
	hist := history.New(nil, rides, store, dispatcher, log)
	requests := ledger.New(rides, relay, hist, store, dispatcher, log)
	rides.SetCanceller(requests)
	hist.SetRequests(requests)

	snap, err := store.Load(ctx)
	if err != nil {
		return err
	}
	rides.Restore(snap.Rides)
	requests.Restore(snap.Requests)
	hist.Restore(snap.History)
	relay.Restore(snap.Conversations)
	log.Info("state restored",
		zap.Int("rides", len(snap.Rides)),
		zap.Int("requests", len(snap.Requests)),
		zap.Int("history", len(snap.History)),
		zap.Int("conversations", len(snap.Conversations)))

	deps := httpapi.Deps{
		Catalog: rides,
		Ledger:  requests,
		History: hist,
		Relay:   relay,
		Prefs:   prefs,
		WS:      ws,
		Logger:  log,
		Ready: func(ctx context.Context) error {
			if db != nil {
				if err := db.Ping(ctx); err != nil {
					return err
				}
			}
			if unread != nil {
				return unread.Ping(ctx)
			}
			return nil
		},
	}
	if unread != nil {
		deps.Inbox = unread
	}
	api := httpapi.NewServer(httpapi.Options{
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Currency:          cfg.Currency,
	}, deps)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("ride-share listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		err := srv.Shutdown(shutdownCtx)
		if derr := dispatcher.Close(shutdownCtx); derr != nil {
			log.Warn("notification drain incomplete", zap.Error(derr))
		}
		return err
	})
	return g.Wait()
}
