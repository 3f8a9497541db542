package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/ontoforge/oms/pkg/contracts"
)

// ReplayOptions control a replay pass over an event sequence.
type ReplayOptions struct {
	// FromEventID / ToEventID bound the window, inclusive on both ends. Empty
	// means unbounded.
	FromEventID string
	ToEventID   string

	// SkipSideEffects suppresses outbox staging during the pass.
	SkipSideEffects bool
	// DryRun computes the final state commit without writing anything.
	DryRun bool
	// ForceReprocess bypasses the (consumer_id, event_id) short-circuit and
	// reapplies already-processed events, writing a fresh record with an
	// attempt-suffixed idempotency key.
	ForceReprocess bool
}

// ReplayReport summarizes a replay pass.
type ReplayReport struct {
	ConsumerID       string        `json:"consumer_id"`
	Total            int           `json:"total"`
	Processed        int           `json:"processed"`
	Duplicates       int           `json:"duplicates"`
	Skipped          int           `json:"skipped"`
	Failed           int           `json:"failed"`
	FinalStateCommit string        `json:"final_state_commit"`
	DryRun           bool          `json:"dry_run"`
	Duration         time.Duration `json:"duration"`
}

// Replay applies the events in order under the replay options. Events already
// processed successfully are counted as duplicates and leave state untouched
// unless ForceReprocess is set.
func (c *Consumer) Replay(ctx context.Context, events []*contracts.EventEnvelope, opts ReplayOptions) (*ReplayReport, error) {
	started := c.clock()

	if c.owner != "" && !opts.DryRun {
		if err := c.states.AcquireLease(ctx, c.id, c.owner, c.leaseTTL); err != nil {
			return nil, err
		}
	}

	state, err := c.loadState(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{ConsumerID: c.id, DryRun: opts.DryRun}
	inWindow := opts.FromEventID == ""
	for _, env := range events {
		if !inWindow {
			if env.EventID != opts.FromEventID {
				continue
			}
			inWindow = true
		}
		report.Total++

		if err := c.replayOne(ctx, env, state, opts, report); err != nil {
			return nil, err
		}

		if opts.ToEventID != "" && env.EventID == opts.ToEventID {
			break
		}
	}

	report.FinalStateCommit = state.StateCommit
	report.Duration = c.clock().Sub(started)
	c.logger.Info("replay complete",
		"total", report.Total, "processed", report.Processed,
		"duplicates", report.Duplicates, "failed", report.Failed,
		"dry_run", opts.DryRun, "state_commit", report.FinalStateCommit)
	return report, nil
}

func (c *Consumer) replayOne(ctx context.Context, env *contracts.EventEnvelope, state *contracts.ConsumerState, opts ReplayOptions, report *ReplayReport) error {
	prior, err := c.records.Get(ctx, c.id, env.EventID)
	if err != nil && err != contracts.ErrNotFound {
		return &contracts.StoreUnavailableError{Store: "processing-records", Cause: err}
	}
	if prior != nil && prior.Status == contracts.ProcessingSuccess && !opts.ForceReprocess {
		report.Duplicates++
		return nil
	}

	if c.accepts != nil {
		if skip, _ := c.incompatible(env.Version); skip {
			report.Skipped++
			return nil
		}
	}

	applied := c.clock()
	out, handlerErr := c.handler(ctx, state.State, env)
	if handlerErr != nil {
		report.Failed++
		c.logger.Warn("replay handler failed", "event_id", env.EventID, "error", handlerErr)
		return nil
	}
	outputCommit, err := stateCommit(out.State)
	if err != nil {
		return &contracts.IntegrityError{Reason: fmt.Sprintf("state not canonicalizable: %v", err)}
	}
	inputCommit := state.StateCommit

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
	report.Processed++

	if opts.DryRun {
		return nil
	}

	var subjects []string
	if !opts.SkipSideEffects {
		subjects, err = c.stageSideEffects(ctx, env, out.SideEffects)
		if err != nil {
			return err
		}
	}
	now := c.clock().UTC()
	key := fmt.Sprintf("%s:%s", c.id, env.EventID)
	if prior != nil && opts.ForceReprocess {
		key = fmt.Sprintf("%s#attempt-%d", key, prior.RetryCount+1)
	}
	rec := &contracts.EventProcessingRecord{
		EventID:          env.EventID,
		EventType:        env.Type,
		EventVersion:     env.Version,
		ConsumerID:       c.id,
		ConsumerVersion:  c.version,
		InputCommit:      inputCommit,
		OutputCommit:     outputCommit,
		ProcessedAt:      now,
		DurationMS:       now.Sub(applied.UTC()).Milliseconds(),
		Status:           contracts.ProcessingSuccess,
		SideEffects:      subjects,
		CreatedResources: out.CreatedResources,
		UpdatedResources: out.UpdatedResources,
		IdempotencyKey:   key,
	}
	if prior != nil {
		rec.RetryCount = prior.RetryCount + 1
	}
	state.LastHeartbeat = now
	return c.persist(ctx, rec, state)
}
