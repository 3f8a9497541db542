package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ontoforge/oms/pkg/bus"
	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/observability"
)

const (
	// DefaultMaxRetries is the delivery attempts before a row is parked failed.
	DefaultMaxRetries = 8
	// DefaultPollInterval is the idle poll cadence.
	DefaultPollInterval = 500 * time.Millisecond

	backoffBase = time.Second
	backoffCap  = 5 * time.Minute
)

// Relay is the single writer for one outbox shard: it drains pending rows in
// id order, publishes them as CloudEvents, and applies exponential backoff per
// row on transient bus failures. Run exactly one relay per (shard, shards)
// pair across the deployment.
type Relay struct {
	store      Store
	transport  bus.Bus
	shard      int
	shards     int
	maxRetries int
	poll       time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
	clock      func() time.Time
	metrics    *observability.Provider

	// nextTry holds per-row backoff deadlines. Only the relay goroutine
	// touches it, so no lock is needed.
	nextTry map[int64]time.Time
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithMaxRetries overrides the permanent-failure threshold.
func WithMaxRetries(n int) RelayOption { return func(r *Relay) { r.maxRetries = n } }

// WithPollInterval overrides the idle poll cadence.
func WithPollInterval(d time.Duration) RelayOption { return func(r *Relay) { r.poll = d } }

// WithRateLimit caps publishes per second for this shard.
func WithRateLimit(perSecond float64, burst int) RelayOption {
	return func(r *Relay) { r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithRelayClock overrides the clock for testing.
func WithRelayClock(clock func() time.Time) RelayOption { return func(r *Relay) { r.clock = clock } }

// WithRelayLogger overrides the default logger.
func WithRelayLogger(l *slog.Logger) RelayOption { return func(r *Relay) { r.logger = l } }

// WithRelayMetrics counts delivery outcomes against the provider.
func WithRelayMetrics(p *observability.Provider) RelayOption { return func(r *Relay) { r.metrics = p } }

// NewRelay creates the relay for one shard of the outbox.
func NewRelay(store Store, transport bus.Bus, shard, shards int, opts ...RelayOption) *Relay {
	if shards <= 0 {
		shards = 1
	}
	r := &Relay{
		store:      store,
		transport:  transport,
		shard:      shard,
		shards:     shards,
		maxRetries: DefaultMaxRetries,
		poll:       DefaultPollInterval,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		logger:     slog.Default().With("component", "outbox-relay", "shard", shard),
		clock:      time.Now,
		nextTry:    make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the shard until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil {
				r.logger.Warn("drain failed, will retry", "error", err)
			}
		}
	}
}

// Drain publishes every due pending row once. It returns the number of rows
// delivered. Exposed so tests and a shutdown flush can force a pass.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	rows, err := r.store.Pending(ctx, r.shard, r.shards, 256)
	if err != nil {
		return 0, err
	}
	now := r.clock().UTC()
	delivered := 0
	for _, rec := range rows {
		if due, ok := r.nextTry[rec.ID]; ok && now.Before(due) {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return delivered, err
		}
		if err := r.publish(ctx, rec); err != nil {
			r.noteFailure(ctx, rec, err)
			continue
		}
		delete(r.nextTry, rec.ID)
		r.recordDelivery(ctx, "delivered")
		if err := r.store.MarkDelivered(ctx, rec.ID); err != nil {
			r.logger.Warn("delivered but not marked; bus dedup absorbs the redo",
				"outbox_id", rec.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (r *Relay) publish(ctx context.Context, rec *contracts.OutboxRecord) error {
	data, err := EncodeCloudEvent(rec)
	if err != nil {
		return err
	}
	err = r.transport.Publish(ctx, &bus.Message{
		ID:      rec.Envelope.EventID,
		Subject: rec.Subject,
		Data:    data,
	})
	if errors.Is(err, bus.ErrDuplicate) {
		// An earlier attempt made it through before the crash; done.
		return nil
	}
	return err
}

func (r *Relay) recordDelivery(ctx context.Context, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordOutboxDelivery(ctx, outcome)
	}
}

func (r *Relay) noteFailure(ctx context.Context, rec *contracts.OutboxRecord, cause error) {
	if rec.RetryCount+1 >= r.maxRetries {
		delete(r.nextTry, rec.ID)
		r.recordDelivery(ctx, "parked")
		if err := r.store.MarkFailed(ctx, rec.ID, cause.Error()); err != nil {
			r.logger.Error("could not park failed row", "outbox_id", rec.ID, "error", err)
			return
		}
		r.logger.Error("outbox row parked after retry budget",
			"outbox_id", rec.ID, "subject", rec.Subject,
			"event_id", rec.Envelope.EventID, "retries", rec.RetryCount+1, "error", cause)
		return
	}
	r.recordDelivery(ctx, "retry")
	backoff := backoffBase << rec.RetryCount
	if backoff > backoffCap || backoff <= 0 {
		backoff = backoffCap
	}
	r.nextTry[rec.ID] = r.clock().UTC().Add(backoff)
	if err := r.store.MarkRetry(ctx, rec.ID, cause.Error()); err != nil {
		r.logger.Warn("could not record retry", "outbox_id", rec.ID, "error", err)
	}
	r.logger.Warn("publish failed, backing off",
		"outbox_id", rec.ID, "subject", rec.Subject,
		"retry", rec.RetryCount+1, "backoff", backoff, "error", cause)
}
