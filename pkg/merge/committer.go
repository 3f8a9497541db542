package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ontoforge/oms/pkg/author"
	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/ledger"
	"github.com/ontoforge/oms/pkg/outbox"
)

// MergeLedger is the slice of the commit ledger the committer needs.
type MergeLedger interface {
	ledger.Ledger
	ledger.MergeAppender
}

// CommitRequest asks for a merge of source into target to be computed and,
// when committable, written.
type CommitRequest struct {
	Source *Snapshot
	Target *Snapshot
	Base   *Snapshot
	Opts   Options

	Message string
	User    *contracts.UserContext
}

// Outcome pairs the merge result with the commit that landed, when one did.
type Outcome struct {
	Result *Result
	Commit *contracts.Commit
}

// Committer turns a committable merge result into a single merge commit with
// both parents, plus a merge.completed event in the same logical write. It
// never writes partial state: a conflicted or dry-run merge leaves the ledger
// untouched.
type Committer struct {
	engine    *Engine
	graph     MergeLedger
	authors   *author.Attributor
	publisher *outbox.Publisher
	logger    *slog.Logger
}

// NewCommitter wires the committer.
func NewCommitter(engine *Engine, graph MergeLedger, authors *author.Attributor, publisher *outbox.Publisher, opts ...CommitterOption) *Committer {
	c := &Committer{
		engine:    engine,
		graph:     graph,
		authors:   authors,
		publisher: publisher,
		logger:    slog.Default().With("component", "merge-committer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CommitterOption configures a Committer.
type CommitterOption func(*Committer)

// WithCommitterLogger overrides the default logger.
func WithCommitterLogger(l *slog.Logger) CommitterOption {
	return func(c *Committer) { c.logger = l }
}

// Merge computes the merge and commits it when the result is clean or fully
// auto-resolved. The commit's first parent is the target head, the second the
// source head; conflicts and dry runs return without writing.
func (c *Committer) Merge(ctx context.Context, req CommitRequest) (*Outcome, error) {
	res, err := c.engine.Merge(ctx, req.Source, req.Target, req.Base, req.Opts)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Result: res}
	if res.Status == contracts.MergeConflicted || req.Opts.DryRun {
		return out, nil
	}

	// The target head must still be the snapshot we merged against;
	// AppendMerge re-checks under its own transaction.
	head, err := c.graph.Head(ctx, req.Target.BranchID)
	if err != nil {
		return nil, err
	}
	if head != req.Target.CommitID {
		return out, &contracts.ConflictError{
			ResourceType: "branch",
			ResourceID:   req.Target.BranchID,
			Expected:     req.Target.CommitID,
			Actual:       head,
		}
	}

	who, err := c.authors.Secure(req.User)
	if err != nil {
		return nil, err
	}
	message := req.Message
	if message == "" {
		message = fmt.Sprintf("merge %s into %s", req.Source.BranchID, req.Target.BranchID)
	}

	delta, err := mergeDelta(req.Target, res.MergedObjects)
	if err != nil {
		return nil, err
	}
	commit, err := c.graph.AppendMerge(ctx, req.Target.BranchID,
		req.Target.CommitID, req.Source.CommitID, who, message, delta)
	if err != nil {
		return nil, err
	}
	out.Commit = commit

	_, err = c.publisher.Stage(ctx, outbox.Event{
		Aggregate:   "merge",
		Action:      "completed",
		Branch:      req.Target.BranchID,
		AggregateID: req.Target.BranchID,
		Payload: map[string]any{
			"source_branch": req.Source.BranchID,
			"target_branch": req.Target.BranchID,
			"source_commit": req.Source.CommitID,
			"target_commit": req.Target.CommitID,
			"merge_commit":  commit.ID,
			"status":        res.Status,
			"conflicts":     len(res.Conflicts),
		},
		SourceCommit: commit.ID,
	})
	if err != nil {
		// The merge commit is durable; without the event downstream never
		// learns of it, so surface the failure to the caller.
		return out, err
	}

	c.logger.Info("merge committed",
		"source", req.Source.BranchID, "target", req.Target.BranchID,
		"commit", commit.ID, "status", res.Status, "objects", len(res.MergedObjects))
	return out, nil
}

// mergeDelta renders the merged objects as a ledger delta, deleting objects
// the merge dropped from the target.
func mergeDelta(target *Snapshot, merged []*ObjectDoc) (ledger.Delta, error) {
	delta := make(ledger.Delta, len(merged))
	kept := make(map[string]struct{}, len(merged))
	for _, obj := range merged {
		body, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("merge: object %s not serializable: %w", obj.ID, err)
		}
		delta[obj.ID] = &contracts.Document{ID: obj.ID, Type: obj.Type, Body: body}
		kept[obj.ID] = struct{}{}
	}
	for _, obj := range target.Objects {
		if _, ok := kept[obj.ID]; !ok {
			delta[obj.ID] = nil
		}
	}
	return delta, nil
}
