package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/metrics"
)

// Defaults for KafkaConfig.
const (
	DefaultMaxPollRecords = 500
	DefaultHandlerRetries = 5
	DefaultRetryDelay     = 2 * time.Second
)

// KafkaConfig configures a KafkaSource.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Group   string

	// MaxPollRecords caps the items handed to the handler at once.
	MaxPollRecords int

	// HandlerRetries bounds redelivery of a failing group before Run gives up.
	HandlerRetries int
	RetryDelay     time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// KafkaSource consumes item ids from a Kafka topic with at-least-once
// delivery: offsets are committed only after the handler succeeded.
type KafkaSource struct {
	cfg    KafkaConfig
	client *kgo.Client
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  bool
	closeErr sync.Once
}

// NewKafkaSource creates a consumer-group client. Nothing is fetched until Run.
func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, serrors.ConfigError("queue brokers are required", nil)
	}
	if cfg.Topic == "" || cfg.Group == "" {
		return nil, serrors.ConfigError("queue topic and group are required", nil)
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultMaxPollRecords
	}
	if cfg.HandlerRetries == 0 {
		cfg.HandlerRetries = DefaultHandlerRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, serrors.ConfigError("create kafka client", err)
	}
	return &KafkaSource{
		cfg:    cfg,
		client: client,
		logger: logger.With(slog.String("topic", cfg.Topic), slog.String("group", cfg.Group)),
	}, nil
}

// Run polls until ctx ends, Stop is called, or the handler keeps failing.
// Fatal handler errors are not retried. Run returns nil when stopped and the
// handler's last error otherwise.
func (s *KafkaSource) Run(ctx context.Context, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("queue_consumer_started")
	for {
		fetches := s.client.PollRecords(ctx, s.cfg.MaxPollRecords)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			s.logger.Info("queue_consumer_stopped")
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.Warn("queue_fetch_error",
				slog.Int("partition", int(partition)),
				slog.String("error", err.Error()))
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		items := s.decode(records)
		if len(items) > 0 {
			var fatal error
			err := serrors.Retry(ctx, s.retryConfig(), func() error {
				err := handle(ctx, items)
				if serrors.IsFatal(err) {
					fatal = err
					return nil
				}
				return err
			})
			if err == nil {
				err = fatal
			}
			if err != nil {
				if ctx.Err() != nil {
					s.logger.Info("queue_consumer_stopped")
					return nil
				}
				s.logger.Error("queue_handler_failed",
					slog.Int("items", len(items)),
					slog.String("error", err.Error()))
				return err
			}
		}

		if err := s.client.CommitRecords(ctx, records...); err != nil && ctx.Err() == nil {
			// The group redelivers from the last committed offset; items are idempotent.
			s.logger.Warn("queue_commit_failed", slog.String("error", err.Error()))
		}
	}
}

func (s *KafkaSource) retryConfig() serrors.RetryConfig {
	cfg := serrors.FixedDelay(s.cfg.RetryDelay, s.cfg.HandlerRetries)
	cfg.OnRetry = func(attempt int, err error) {
		s.logger.Warn("queue_handler_retry",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return cfg
}

// decode parses records, skipping malformed ones so they cannot block the partition.
func (s *KafkaSource) decode(records []*kgo.Record) []Item {
	items := make([]Item, 0, len(records))
	for _, rec := range records {
		it, err := ParseItem(rec.Key, rec.Value)
		if err != nil {
			s.cfg.Metrics.QueueItems("malformed", 1)
			s.logger.Warn("queue_item_malformed",
				slog.Int("partition", int(rec.Partition)),
				slog.Int64("offset", rec.Offset),
				slog.String("error", err.Error()))
			continue
		}
		items = append(items, it)
	}
	return items
}

// Stop halts delivery. A Run in progress returns after the current handler call.
func (s *KafkaSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("queue_stop_requested")
}

// Close leaves the consumer group and releases the client.
func (s *KafkaSource) Close() {
	s.closeErr.Do(s.client.Close)
}

var _ Control = (*KafkaSource)(nil)
