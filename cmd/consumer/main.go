package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/ride-share/internal/config"
	"github.com/example/ride-share/internal/inbox"
	"github.com/example/ride-share/internal/logging"
	"github.com/example/ride-share/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total lifecycle events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful inbox updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		panic(err)
	}
	log, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	counters := inbox.NewRedisInbox(cfg.RedisAddr, cfg.RedisPassword)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := counters.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		log.Info("metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = counters.Close()
	}()

	log.Info("consumer listening",
		zap.String("topic", cfg.KafkaTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroup))

	if err := consume(ctx, r, counters, log); err != nil {
		log.Error("consumer stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume runs until ctx is cancelled, backing off on broker errors.
func consume(ctx context.Context, r messageReader, counters InboxUpdater, log *zap.Logger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()
		handleMessage(ctx, m, counters, log)
	}
}

func handleMessage(ctx context.Context, m kafka.Message, counters InboxUpdater, log *zap.Logger) {
	var ev models.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RecipientID == "" || ev.Type == "" {
		msgsInvalid.Inc()
		if err == nil {
			err = errors.New("missing recipient or type")
		}
		log.Warn("invalid message", zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}

	if err := updateInboxWithRetry(ctx, counters, &ev, 3, 200*time.Millisecond); err != nil {
		redisErrors.Inc()
		log.Error("inbox update failed", zap.String("recipient_id", ev.RecipientID), zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	redisUpdates.Inc()
}

// InboxUpdater is the subset of the inbox the consumer writes to.
type InboxUpdater interface {
	Incr(ctx context.Context, userID string, c models.Category) error
}

// updateInboxWithRetry bumps the recipient's unread counter with retry/backoff.
func updateInboxWithRetry(ctx context.Context, counters InboxUpdater, ev *models.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = counters.Incr(ctx, ev.RecipientID, ev.Type.Category()); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
