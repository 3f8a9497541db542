package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ontoforge/oms/pkg/canonicalize"
	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/observability"
	"github.com/ontoforge/oms/pkg/outbox"
)

const (
	// DefaultMaxRetries is the consecutive-failure budget per event before the
	// event is routed to the dead-letter stream.
	DefaultMaxRetries = 5
	// DefaultLeaseTTL bounds how long a crashed instance blocks a standby.
	DefaultLeaseTTL = 30 * time.Second
	// DefaultCheckpointEvery and DefaultCheckpointInterval bound warm-start
	// replay cost: a checkpoint is cut on whichever threshold trips first.
	DefaultCheckpointEvery    = 100
	DefaultCheckpointInterval = time.Minute
)

// HandlerOutput is what a handler returns on success.
type HandlerOutput struct {
	// State is the full materialized state after applying the event.
	State json.RawMessage
	// SideEffects are staged to the outbox by the consumer; handlers never
	// publish directly.
	SideEffects []outbox.Event
	// Result is an optional handler-specific value surfaced to the caller.
	Result any

	CreatedResources []string
	UpdatedResources []string
}

// Handler applies one event to the consumer's state. It must be a pure
// function of (state, event): all external effects go through SideEffects.
type Handler func(ctx context.Context, state json.RawMessage, env *contracts.EventEnvelope) (*HandlerOutput, error)

// IdempotentResult is the outcome of Process.
type IdempotentResult struct {
	Processed        bool     `json:"processed"`
	WasDuplicate     bool     `json:"was_duplicate"`
	PrevCommit       string   `json:"prev_commit"`
	NewCommit        string   `json:"new_commit"`
	Result           any      `json:"result,omitempty"`
	SideEffects      []string `json:"side_effects,omitempty"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`

	Status contracts.ProcessingStatus `json:"status"`
}

// Consumer processes events exactly once per (consumer_id, event_id). State
// transitions are hash-chained: each processing record carries the state
// commit before and after the event.
type Consumer struct {
	id       string
	version  string
	accepts  *semver.Constraints
	handler  Handler
	states   StateStore
	records  RecordStore
	cps      CheckpointStore
	outbox   *outbox.Publisher
	owner    string
	leaseTTL time.Duration

	maxRetries         int
	checkpointEvery    int
	checkpointInterval time.Duration

	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.Provider

	// Writes are single-threaded by the lease, so plain fields suffice.
	sinceCheckpoint int
	lastCheckpoint  time.Time
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithCheckpoints enables checkpointing against the store.
func WithCheckpoints(cps CheckpointStore, every int, interval time.Duration) Option {
	return func(c *Consumer) {
		c.cps = cps
		if every > 0 {
			c.checkpointEvery = every
		}
		if interval > 0 {
			c.checkpointInterval = interval
		}
	}
}

// WithOutbox routes handler side effects through the publisher.
func WithOutbox(p *outbox.Publisher) Option { return func(c *Consumer) { c.outbox = p } }

// WithMaxRetries overrides the dead-letter threshold.
func WithMaxRetries(n int) Option { return func(c *Consumer) { c.maxRetries = n } }

// WithLease names this instance for single-writer enforcement. Two instances
// with different owners cannot process for the same consumer id concurrently.
func WithLease(owner string, ttl time.Duration) Option {
	return func(c *Consumer) {
		c.owner = owner
		if ttl > 0 {
			c.leaseTTL = ttl
		}
	}
}

// WithVersionConstraint gates events on their envelope version, e.g. "^1.0.0".
// Events outside the constraint are skipped with a record.
func WithVersionConstraint(constraint string) Option {
	return func(c *Consumer) {
		cons, err := semver.NewConstraint(constraint)
		if err != nil {
			panic(fmt.Sprintf("consumer: bad version constraint %q: %v", constraint, err))
		}
		c.accepts = cons
	}
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(c *Consumer) { c.clock = clock } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(c *Consumer) { c.logger = l } }

// WithMetrics traces Process and reports processing lag against the provider.
func WithMetrics(p *observability.Provider) Option { return func(c *Consumer) { c.metrics = p } }

// New creates a consumer.
func New(id, version string, handler Handler, states StateStore, records RecordStore, opts ...Option) *Consumer {
	c := &Consumer{
		id:                 id,
		version:            version,
		handler:            handler,
		states:             states,
		records:            records,
		maxRetries:         DefaultMaxRetries,
		leaseTTL:           DefaultLeaseTTL,
		checkpointEvery:    DefaultCheckpointEvery,
		checkpointInterval: DefaultCheckpointInterval,
		clock:              time.Now,
		logger:             slog.Default().With("component", "consumer", "consumer_id", id),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// emptyState is the canonical state of a consumer that has seen no events.
var emptyState = json.RawMessage(`{}`)

func stateCommit(state json.RawMessage) (string, error) {
	if len(state) == 0 {
		state = emptyState
	}
	return canonicalize.CanonicalHash(state)
}

// Process applies one event. Replaying an already-succeeded event id returns
// the recorded outcome without touching state or re-staging side effects.
func (c *Consumer) Process(ctx context.Context, env *contracts.EventEnvelope) (*IdempotentResult, error) {
	if c.metrics == nil {
		return c.process(ctx, env)
	}
	ctx, finish := c.metrics.TrackOperation(ctx, "consumer.process",
		attribute.String("consumer.id", c.id),
		attribute.String("event.type", env.Type))
	res, err := c.process(ctx, env)
	finish(err)
	return res, err
}

func (c *Consumer) process(ctx context.Context, env *contracts.EventEnvelope) (*IdempotentResult, error) {
	started := c.clock()

	prior, err := c.records.Get(ctx, c.id, env.EventID)
	if err != nil && err != contracts.ErrNotFound {
		return nil, &contracts.StoreUnavailableError{Store: "processing-records", Cause: err}
	}
	if prior != nil && prior.Status == contracts.ProcessingSuccess {
		return &IdempotentResult{
			Processed:    false,
			WasDuplicate: true,
			PrevCommit:   prior.OutputCommit,
			NewCommit:    prior.OutputCommit,
			Status:       contracts.ProcessingSuccess,
		}, nil
	}

	if c.owner != "" {
		if err := c.states.AcquireLease(ctx, c.id, c.owner, c.leaseTTL); err != nil {
			return nil, err
		}
	}

	state, err := c.loadState(ctx)
	if err != nil {
		return nil, err
	}
	inputCommit := state.StateCommit

	if c.accepts != nil {
		if skip, reason := c.incompatible(env.Version); skip {
			return c.recordSkip(ctx, env, state, inputCommit, reason, started)
		}
	}

	out, handlerErr := c.handler(ctx, state.State, env)
	if handlerErr != nil {
		return c.recordFailure(ctx, env, state, prior, inputCommit, handlerErr, started)
	}

	outputCommit, err := stateCommit(out.State)
	if err != nil {
		return nil, &contracts.IntegrityError{Reason: fmt.Sprintf("state not canonicalizable: %v", err)}
	}

	subjects, err := c.stageSideEffects(ctx, env, out.SideEffects)
	if err != nil {
		return nil, err
	}

	now := c.clock().UTC()
	elapsed := now.Sub(started.UTC()).Milliseconds()
	rec := &contracts.EventProcessingRecord{
		EventID:          env.EventID,
		EventType:        env.Type,
		EventVersion:     env.Version,
		ConsumerID:       c.id,
		ConsumerVersion:  c.version,
		InputCommit:      inputCommit,
		OutputCommit:     outputCommit,
		ProcessedAt:      now,
		DurationMS:       elapsed,
		Status:           contracts.ProcessingSuccess,
		SideEffects:      subjects,
		CreatedResources: out.CreatedResources,
		UpdatedResources: out.UpdatedResources,
		IdempotencyKey:   fmt.Sprintf("%s:%s", c.id, env.EventID),
	}
	if prior != nil {
		rec.RetryCount = prior.RetryCount
	}

	state.State = out.State
	state.StateCommit = outputCommit
	state.StateVersion++
	state.LastEventID = env.EventID
	ts := env.CreatedAt
	state.LastTimestamp = &ts
	if env.Sequence != nil {
		state.LastSequence = env.Sequence
	}
	state.EventsProcessed++
	state.ErrorCount = 0
	state.Healthy = true
	state.LastHeartbeat = now
	if err := c.persist(ctx, rec, state); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		lag := now.Sub(env.CreatedAt).Milliseconds()
		if lag < 0 {
			lag = 0
		}
		c.metrics.RecordConsumerLag(ctx, c.id, lag)
	}

	c.maybeCheckpoint(ctx, env, state)

	return &IdempotentResult{
		Processed:        true,
		PrevCommit:       inputCommit,
		NewCommit:        outputCommit,
		Result:           out.Result,
		SideEffects:      subjects,
		ProcessingTimeMS: elapsed,
		Status:           contracts.ProcessingSuccess,
	}, nil
}

// persist commits the processing record and the state row. Stores providing
// the combined TxStore write get record and state in one transaction; the
// sequential fallback writes the record first, so a crash between the writes
// replays as a duplicate instead of double-applying the event.
func (c *Consumer) persist(ctx context.Context, rec *contracts.EventProcessingRecord, state *contracts.ConsumerState) error {
	if tx, ok := c.records.(TxStore); ok {
		return tx.PutRecordAndState(ctx, rec, state)
	}
	if err := c.records.Put(ctx, rec); err != nil {
		return &contracts.StoreUnavailableError{Store: "processing-records", Cause: err}
	}
	if err := c.states.Put(ctx, state); err != nil {
		return &contracts.StoreUnavailableError{Store: "consumer-states", Cause: err}
	}
	return nil
}

// Health returns the current state row, or an unhealthy placeholder for a
// consumer that never ran.
func (c *Consumer) Health(ctx context.Context) (*contracts.ConsumerState, error) {
	state, err := c.states.Get(ctx, c.id)
	if err == contracts.ErrNotFound {
		return &contracts.ConsumerState{ConsumerID: c.id, ConsumerVersion: c.version, Healthy: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Heartbeat renews the writer lease and refreshes last_heartbeat.
func (c *Consumer) Heartbeat(ctx context.Context) error {
	if c.owner != "" {
		if err := c.states.RenewLease(ctx, c.id, c.owner, c.leaseTTL); err != nil {
			return err
		}
	}
	state, err := c.states.Get(ctx, c.id)
	if err != nil {
		if err == contracts.ErrNotFound {
			return nil
		}
		return err
	}
	state.LastHeartbeat = c.clock().UTC()
	return c.states.Put(ctx, state)
}

// Close releases the writer lease.
func (c *Consumer) Close(ctx context.Context) error {
	if c.owner == "" {
		return nil
	}
	return c.states.ReleaseLease(ctx, c.id, c.owner)
}

func (c *Consumer) loadState(ctx context.Context) (*contracts.ConsumerState, error) {
	state, err := c.states.Get(ctx, c.id)
	if err == contracts.ErrNotFound {
		return c.freshState(ctx)
	}
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "consumer-states", Cause: err}
	}
	return state, nil
}

// freshState starts from the newest valid checkpoint when one exists, so a
// replica does not have to replay the full log.
func (c *Consumer) freshState(ctx context.Context) (*contracts.ConsumerState, error) {
	commit, err := stateCommit(nil)
	if err != nil {
		return nil, err
	}
	state := &contracts.ConsumerState{
		ConsumerID:      c.id,
		ConsumerVersion: c.version,
		StateCommit:     commit,
		State:           emptyState,
		Healthy:         true,
	}
	if c.cps == nil {
		return state, nil
	}
	cp, err := c.cps.Latest(ctx, c.id)
	if err == contracts.ErrNotFound {
		return state, nil
	}
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "consumer-checkpoints", Cause: err}
	}
	state.State = cp.StateData
	state.StateCommit = cp.StateCommit
	state.LastEventID = cp.EventID
	state.LastSequence = cp.Sequence
	c.logger.Info("warm-started from checkpoint",
		"event_id", cp.EventID, "state_commit", cp.StateCommit)
	return state, nil
}

func (c *Consumer) incompatible(version string) (bool, string) {
	if version == "" {
		return true, "event has no version"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return true, fmt.Sprintf("unparseable event version %q", version)
	}
	if !c.accepts.Check(v) {
		return true, fmt.Sprintf("event version %s outside supported range", version)
	}
	return false, ""
}

func (c *Consumer) recordSkip(ctx context.Context, env *contracts.EventEnvelope, state *contracts.ConsumerState, inputCommit, reason string, started time.Time) (*IdempotentResult, error) {
	now := c.clock().UTC()
	rec := &contracts.EventProcessingRecord{
		EventID:         env.EventID,
		EventType:       env.Type,
		EventVersion:    env.Version,
		ConsumerID:      c.id,
		ConsumerVersion: c.version,
		InputCommit:     inputCommit,
		OutputCommit:    inputCommit,
		ProcessedAt:     now,
		DurationMS:      now.Sub(started.UTC()).Milliseconds(),
		Status:          contracts.ProcessingSkipped,
		Error:           reason,
		IdempotencyKey:  fmt.Sprintf("%s:%s", c.id, env.EventID),
	}
	state.EventsSkipped++
	state.LastHeartbeat = now
	if err := c.persist(ctx, rec, state); err != nil {
		return nil, err
	}
	c.logger.Warn("event skipped", "event_id", env.EventID, "reason", reason)
	return &IdempotentResult{
		Processed:        false,
		PrevCommit:       inputCommit,
		NewCommit:        inputCommit,
		ProcessingTimeMS: rec.DurationMS,
		Status:           contracts.ProcessingSkipped,
	}, nil
}

// recordFailure writes the failed record and returns the handler error so the
// bus layer nacks the delivery. State is left untouched. Once the retry budget
// is exhausted the event goes to the dead-letter stream and the consumer is
// marked unhealthy.
func (c *Consumer) recordFailure(ctx context.Context, env *contracts.EventEnvelope, state *contracts.ConsumerState, prior *contracts.EventProcessingRecord, inputCommit string, handlerErr error, started time.Time) (*IdempotentResult, error) {
	now := c.clock().UTC()
	rec := &contracts.EventProcessingRecord{
		EventID:         env.EventID,
		EventType:       env.Type,
		EventVersion:    env.Version,
		ConsumerID:      c.id,
		ConsumerVersion: c.version,
		InputCommit:     inputCommit,
		ProcessedAt:     now,
		DurationMS:      now.Sub(started.UTC()).Milliseconds(),
		Status:          contracts.ProcessingFailed,
		Error:           handlerErr.Error(),
		RetryCount:      1,
		IdempotencyKey:  fmt.Sprintf("%s:%s", c.id, env.EventID),
	}
	if prior != nil {
		rec.RetryCount = prior.RetryCount + 1
	}

	state.EventsFailed++
	state.ErrorCount++
	state.LastHeartbeat = now
	exhausted := rec.RetryCount >= c.maxRetries
	if exhausted {
		state.Healthy = false
	}
	if err := c.persist(ctx, rec, state); err != nil {
		return nil, err
	}

	if exhausted {
		c.deadLetter(ctx, env, handlerErr, rec.RetryCount)
	}
	c.logger.Error("handler failed",
		"event_id", env.EventID, "retry", rec.RetryCount,
		"dead_lettered", exhausted, "error", handlerErr)
	return nil, handlerErr
}

// deadLetter routes the poisoned event to oms.dlq.routed.<consumer_id> via the
// outbox. Best effort: the failed record already preserves the evidence.
func (c *Consumer) deadLetter(ctx context.Context, env *contracts.EventEnvelope, cause error, retries int) {
	if c.outbox == nil {
		return
	}
	_, err := c.outbox.Stage(ctx, outbox.Event{
		Aggregate:   "dlq",
		Action:      "routed",
		Branch:      c.id,
		AggregateID: env.EventID,
		Payload: map[string]any{
			"consumer_id": c.id,
			"event":       env,
			"error":       cause.Error(),
			"retries":     retries,
		},
		CausationID: env.EventID,
	})
	if err != nil {
		c.logger.Error("dead-letter stage failed", "event_id", env.EventID, "error", err)
	}
}

func (c *Consumer) stageSideEffects(ctx context.Context, env *contracts.EventEnvelope, effects []outbox.Event) ([]string, error) {
	if len(effects) == 0 {
		return nil, nil
	}
	if c.outbox == nil {
		return nil, &contracts.IntegrityError{Reason: "handler produced side effects but consumer has no outbox"}
	}
	subjects := make([]string, 0, len(effects))
	for _, ev := range effects {
		if ev.CausationID == "" {
			ev.CausationID = env.EventID
		}
		if ev.CorrelationID == "" {
			ev.CorrelationID = env.CorrelationID
		}
		if _, err := c.outbox.Stage(ctx, ev); err != nil {
			return nil, err
		}
		subjects = append(subjects, ev.Subject())
	}
	return subjects, nil
}

func (c *Consumer) maybeCheckpoint(ctx context.Context, env *contracts.EventEnvelope, state *contracts.ConsumerState) {
	if c.cps == nil {
		return
	}
	now := c.clock().UTC()
	if c.lastCheckpoint.IsZero() {
		c.lastCheckpoint = now
	}
	c.sinceCheckpoint++
	if c.sinceCheckpoint < c.checkpointEvery && now.Sub(c.lastCheckpoint) < c.checkpointInterval {
		return
	}
	cp := &contracts.ConsumerCheckpoint{
		ConsumerID:  c.id,
		EventID:     env.EventID,
		Sequence:    env.Sequence,
		StateCommit: state.StateCommit,
		StateData:   state.State,
		CreatedAt:   now,
	}
	if err := c.cps.Put(ctx, cp); err != nil {
		c.logger.Warn("checkpoint write failed", "event_id", env.EventID, "error", err)
		return
	}
	c.sinceCheckpoint = 0
	c.lastCheckpoint = now
	c.logger.Debug("checkpoint written", "event_id", env.EventID, "state_commit", state.StateCommit)
}
