// Package schema runs the per-worker schema lifecycle against the shared
// coordination store: registration, the periodic poll of the current
// schema, alias switchover and self-eviction.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/scoresync/internal/coord"
	serrors "github.com/Aman-CERP/scoresync/internal/errors"
	"github.com/Aman-CERP/scoresync/internal/indexmeta"
	"github.com/Aman-CERP/scoresync/internal/metrics"
	"github.com/Aman-CERP/scoresync/internal/search"
)

// DefaultPollInterval is how often the current schema is read.
const DefaultPollInterval = 5 * time.Second

// Schema events reported to metrics.
const (
	EventRegistered = "registered"
	EventClaimed    = "claimed"
	EventBootstrap  = "alias_bootstrap"
	EventSwitchover = "switchover"
	EventEvicted    = "evicted"
)

// Action is what a poll decided.
type Action int

const (
	// ActionNone means the current schema did not change.
	ActionNone Action = iota
	// ActionBaseline means this was the first observation.
	ActionBaseline
	// ActionSwitchover means the current schema changed to this worker's schema.
	ActionSwitchover
	// ActionEvict means the current schema changed to another schema.
	ActionEvict
)

func (a Action) String() string {
	switch a {
	case ActionBaseline:
		return "baseline"
	case ActionSwitchover:
		return "switchover"
	case ActionEvict:
		return "evict"
	default:
		return "none"
	}
}

// Decision is the outcome of one poll.
type Decision struct {
	Action   Action
	Previous string
	Current  string
}

// Config configures a Coordinator.
type Config struct {
	SchemaID string
	Alias    string

	// WorkerID identifies this worker in logs and metadata. Generated when empty.
	WorkerID string

	PollInterval time.Duration

	// ClosePrevious closes the index the alias pointed at before a switchover.
	ClosePrevious bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Coordinator tracks one worker's schema. Poll decisions depend only on
// the previously observed current schema and the live value.
type Coordinator struct {
	cfg    Config
	store  coord.Store
	engine search.Engine
	meta   *indexmeta.Store
	logger *slog.Logger

	mu          sync.Mutex
	index       *indexmeta.Metadata
	observed    string
	hasObserved bool

	// retiring is the index a switchover took the alias from and has not
	// yet marked Outdated.
	retiring string
}

// New creates a Coordinator.
func New(store coord.Store, engine search.Engine, meta *indexmeta.Store, cfg Config) (*Coordinator, error) {
	if cfg.SchemaID == "" {
		return nil, serrors.New(serrors.ErrCodeSchemaMissing, "schema id is required", nil)
	}
	if cfg.Alias == "" {
		return nil, serrors.ConfigError("alias is required", nil)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		cfg:    cfg,
		store:  store,
		engine: engine,
		meta:   meta,
		logger: logger.With(slog.String("schema", cfg.SchemaID), slog.String("worker_id", cfg.WorkerID)),
	}, nil
}

// SchemaID returns the schema this coordinator works for.
func (c *Coordinator) SchemaID() string { return c.cfg.SchemaID }

// WorkerID returns the worker id.
func (c *Coordinator) WorkerID() string { return c.cfg.WorkerID }

// Register records the worker's schema as active and claims the current
// schema if nobody has. When this schema is current and the alias does not
// exist yet, the alias is created pointing at index.
func (c *Coordinator) Register(ctx context.Context, index *indexmeta.Metadata) (claimed bool, err error) {
	c.mu.Lock()
	c.index = index
	c.mu.Unlock()

	if err := c.store.AddActive(ctx, c.cfg.SchemaID); err != nil {
		return false, err
	}
	c.cfg.Metrics.SchemaEvent(EventRegistered)

	claimed, current, err := c.store.ClaimCurrent(ctx, c.cfg.SchemaID)
	if err != nil {
		return false, err
	}
	if claimed {
		c.cfg.Metrics.SchemaEvent(EventClaimed)
	}
	c.logger.Info("schema_registered",
		slog.String("index", index.IndexName),
		slog.String("current_schema", current),
		slog.Bool("claimed", claimed))

	// The value seen here is the first baseline, so a change made before
	// the first poll is still acted on.
	c.adopt(Decision{Current: current})

	if current == c.cfg.SchemaID {
		if err := c.bootstrapAlias(ctx, index.IndexName); err != nil {
			return claimed, err
		}
	}
	return claimed, nil
}

func (c *Coordinator) bootstrapAlias(ctx context.Context, index string) error {
	target, err := c.engine.AliasTarget(ctx, c.cfg.Alias)
	if err != nil {
		return err
	}
	if target != "" {
		return nil
	}
	if _, err := c.engine.SwapAlias(ctx, c.cfg.Alias, index); err != nil {
		return err
	}
	c.cfg.Metrics.SchemaEvent(EventBootstrap)
	c.logger.Info("alias_bootstrapped", slog.String("alias", c.cfg.Alias), slog.String("index", index))
	return nil
}

// Observe reads the current schema and decides what to do. The live value
// is not adopted as the baseline; Poll does that once the action succeeded.
func (c *Coordinator) Observe(ctx context.Context) (Decision, error) {
	live, err := c.store.CurrentSchema(ctx)
	if err != nil {
		return Decision{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d := Decision{Previous: c.observed, Current: live}
	switch {
	case !c.hasObserved:
		d.Action = ActionBaseline
	case live == c.observed:
		d.Action = ActionNone
	case live == c.cfg.SchemaID:
		d.Action = ActionSwitchover
	default:
		d.Action = ActionEvict
	}
	return d, nil
}

func (c *Coordinator) adopt(d Decision) {
	c.mu.Lock()
	c.observed, c.hasObserved = d.Current, true
	c.mu.Unlock()
}

// Poll observes the current schema and applies the decision. cancel ends
// the worker's run on eviction. A failed switchover or eviction keeps the
// previous baseline, so the next poll retries it.
func (c *Coordinator) Poll(ctx context.Context, cancel context.CancelCauseFunc) (Decision, error) {
	d, err := c.Observe(ctx)
	if err != nil {
		return d, err
	}
	switch d.Action {
	case ActionBaseline:
		c.logger.Debug("schema_baseline", slog.String("current_schema", d.Current))
	case ActionSwitchover:
		err = c.Switchover(ctx)
	case ActionEvict:
		err = c.Evict(ctx, d.Current, cancel)
	}
	if err != nil {
		return d, err
	}
	c.adopt(d)
	return d, nil
}

// Run polls every PollInterval, and on store change notifications when the
// store supports them, until ctx ends or the worker is evicted. Poll
// errors are logged and retried on the next tick.
func (c *Coordinator) Run(ctx context.Context, cancel context.CancelCauseFunc) error {
	var changes <-chan struct{}
	if n, ok := c.store.(coord.Notifier); ok {
		ch, err := n.Watch(ctx)
		if err != nil {
			c.logger.Warn("schema_watch_unavailable", slog.String("error", err.Error()))
		} else {
			changes = ch
		}
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d, err := c.Poll(ctx, cancel)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("schema_poll_failed",
				slog.String("action", d.Action.String()),
				slog.String("error", err.Error()))
		}
		if d.Action == ActionEvict {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
			}
		}
	}
}

// Switchover points the alias at this worker's index, marks the index
// Current and the previously aliased index Outdated (closing it when
// configured).
func (c *Coordinator) Switchover(ctx context.Context) error {
	index := c.currentIndex()
	if index == nil {
		return serrors.InternalError("switchover before registration", nil)
	}

	previous, err := c.engine.SwapAlias(ctx, c.cfg.Alias, index.IndexName)
	if err != nil {
		return err
	}

	// A retried switchover finds the alias already swapped; the index it
	// replaced is remembered from the attempt that swapped it.
	c.mu.Lock()
	if previous != "" && previous != index.IndexName {
		c.retiring = previous
	}
	previous = c.retiring
	c.mu.Unlock()

	if err := c.meta.Transition(ctx, index, indexmeta.StateCurrent); err != nil {
		return err
	}
	c.cfg.Metrics.SchemaEvent(EventSwitchover)
	c.logger.Info("schema_switchover",
		slog.String("alias", c.cfg.Alias),
		slog.String("index", index.IndexName),
		slog.String("previous_index", previous))

	if previous == "" {
		return nil
	}
	if err := c.retire(ctx, previous); err != nil {
		return err
	}
	c.mu.Lock()
	c.retiring = ""
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) retire(ctx context.Context, name string) error {
	prev, err := c.meta.Load(ctx, name)
	if err != nil {
		c.logger.Warn("previous_index_metadata_unreadable", slog.String("index", name), slog.String("error", err.Error()))
	} else if prev != nil {
		if err := c.meta.Transition(ctx, prev, indexmeta.StateOutdated); err != nil && !errors.Is(err, serrors.ErrIndexUnavailable) {
			return err
		}
	}
	if !c.cfg.ClosePrevious {
		return nil
	}
	if err := c.engine.CloseIndex(ctx, name); err != nil {
		return err
	}
	c.logger.Info("previous_index_closed", slog.String("index", name))
	return nil
}

// Evict deregisters this worker's schema, marks its index Outdated and
// cancels the run with an ErrSchemaEvicted cause. The run is cancelled even
// when the bookkeeping fails.
func (c *Coordinator) Evict(ctx context.Context, current string, cancel context.CancelCauseFunc) error {
	cause := serrors.EvictedError(c.cfg.SchemaID, current)
	c.logger.Warn("schema_evicted",
		slog.String("current_schema", current),
		slog.String("reason", fmt.Sprintf("current schema changed to %q", current)))
	c.cfg.Metrics.SchemaEvent(EventEvicted)

	var errs []error
	if index := c.currentIndex(); index != nil {
		// The new current worker may already have closed this index.
		if err := c.meta.Transition(ctx, index, indexmeta.StateOutdated); err != nil && !errors.Is(err, serrors.ErrIndexUnavailable) {
			errs = append(errs, err)
		}
	}
	if err := c.store.RemoveActive(ctx, c.cfg.SchemaID); err != nil {
		errs = append(errs, err)
	}
	if cancel != nil {
		cancel(cause)
	}
	if len(errs) > 0 {
		return fmt.Errorf("evict schema %s: %w", c.cfg.SchemaID, errs[0])
	}
	return nil
}

func (c *Coordinator) currentIndex() *indexmeta.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}
