// Package occ implements optimistic concurrency control over the version
// ledger: parent-commit validation, retry with a fresh HEAD, and the advisory
// lock scope reserved for structural operations. Ordinary document updates
// never block; two concurrent writers race on the version ledger and the
// loser retries or surfaces a conflict.
package occ

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ontoforge/oms/pkg/author"
	"github.com/ontoforge/oms/pkg/canonicalize"
	"github.com/ontoforge/oms/pkg/contracts"
	"github.com/ontoforge/oms/pkg/ledger"
	"github.com/ontoforge/oms/pkg/observability"
)

// DefaultMaxRetries is how many times an update refetches HEAD and re-runs
// its mutator after losing a race.
const DefaultMaxRetries = 3

// Mutator transforms the current document into its successor. current is nil
// when the resource does not exist yet. Mutators must be pure functions of
// their input: under retry they re-run against a fresh document.
type Mutator func(current *contracts.Document) (*contracts.Document, error)

// UpdateRequest describes one optimistic update.
type UpdateRequest struct {
	Branch       string
	ResourceType string
	ResourceID   string
	// ParentCommit is the commit the caller read the document at. Empty means
	// the caller expects to create the resource.
	ParentCommit string
	Message      string
	Mutate       Mutator
	// NoRetry disables the retry loop. Callers with non-idempotent mutators
	// must set it and handle ConflictError themselves.
	NoRetry    bool
	MaxRetries int // 0 selects DefaultMaxRetries unless NoRetry is set
	User       *contracts.UserContext
}

// Result reports a successful update.
type Result struct {
	NewCommit    string
	ParentCommit string
	Version      int64
	Document     *contracts.Document
	Attempts     int
}

// Engine validates parent commits against the version ledger and appends the
// winning write to both the version ledger and the branch lineage.
type Engine struct {
	versions VersionStore
	graph    ledger.Ledger
	authors  *author.Attributor
	logger   *slog.Logger
	clock    func() time.Time
	metrics  *observability.Provider
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics counts lost-race retries against the provider.
func WithMetrics(p *observability.Provider) Option { return func(e *Engine) { e.metrics = p } }

// NewEngine creates an OCC engine over the version ledger and the graph store.
func NewEngine(versions VersionStore, graph ledger.Ledger, authors *author.Attributor, opts ...Option) *Engine {
	e := &Engine{
		versions: versions,
		graph:    graph,
		authors:  authors,
		logger:   slog.Default().With("component", "occ-engine"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Update performs one optimistic update. On a parent mismatch it retries with
// the fresh HEAD, re-running the mutator over the winner's document, up to the
// retry budget; the final failure surfaces as a ConflictError carrying the
// actual HEAD so the caller can rebase.
func (e *Engine) Update(ctx context.Context, req UpdateRequest) (*Result, error) {
	if req.Mutate == nil {
		return nil, errors.New("occ: update requires a mutator")
	}
	authorStr, err := e.authors.Secure(req.User)
	if err != nil {
		return nil, fmt.Errorf("occ: author attribution failed: %w", err)
	}

	retries := req.MaxRetries
	if req.NoRetry {
		retries = 0
	} else if retries <= 0 {
		retries = DefaultMaxRetries
	}

	expected := req.ParentCommit
	var lastConflict *contracts.ConflictError
	for attempt := 0; attempt <= retries; attempt++ {
		res, conflict, err := e.attempt(ctx, req, expected, authorStr, attempt)
		if err != nil {
			return nil, err
		}
		if conflict == nil {
			res.Attempts = attempt + 1
			return res, nil
		}
		lastConflict = conflict
		if e.metrics != nil {
			e.metrics.RecordOCCRetry(ctx, req.ResourceType)
		}
		// Rebase onto the winner and go again.
		expected = conflict.Actual
		e.logger.Debug("update lost race, rebasing",
			"resource_type", req.ResourceType, "resource_id", req.ResourceID,
			"attempt", attempt+1, "head", expected)
	}
	return nil, lastConflict
}

// attempt runs one validate-mutate-write cycle. A recoverable race is reported
// through the conflict return; hard failures through the error.
func (e *Engine) attempt(ctx context.Context, req UpdateRequest, expected, authorStr string, attempt int) (*Result, *contracts.ConflictError, error) {
	head, err := e.versions.Head(ctx, req.ResourceType, req.ResourceID)
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		head = nil
	case err != nil:
		return nil, nil, &contracts.StoreUnavailableError{Store: "version-ledger", Cause: err}
	}

	current := ""
	var nextVersion int64 = 1
	if head != nil {
		current = head.CurrentCommit
		nextVersion = head.Version + 1
	}
	if current != expected {
		return nil, &contracts.ConflictError{
			ResourceType: req.ResourceType,
			ResourceID:   req.ResourceID,
			Expected:     expected,
			Actual:       current,
		}, nil
	}

	var doc *contracts.Document
	if head != nil {
		doc, err = e.graph.Read(ctx, req.Branch, "", req.ResourceID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, err
		}
	}
	next, err := req.Mutate(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("occ: mutator failed: %w", err)
	}
	if next == nil {
		return nil, nil, errors.New("occ: mutator returned no document")
	}

	newCommit, err := canonicalize.ShortHash(next, 12)
	if err != nil {
		return nil, nil, fmt.Errorf("occ: commit hash failed: %w", err)
	}

	row := &contracts.ResourceVersion{
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		Version:       nextVersion,
		ParentCommit:  expected,
		CurrentCommit: newCommit,
		CreatedAt:     e.clock().UTC(),
		CreatedBy:     req.User.UserID,
	}
	if err := e.versions.Append(ctx, row); err != nil {
		if errors.Is(err, ErrVersionExists) {
			// A concurrent writer took the slot; report the race with the
			// fresh HEAD so the caller rebases onto it.
			fresh, herr := e.versions.Head(ctx, req.ResourceType, req.ResourceID)
			if herr != nil {
				return nil, nil, &contracts.StoreUnavailableError{Store: "version-ledger", Cause: herr}
			}
			return nil, &contracts.ConflictError{
				ResourceType: req.ResourceType,
				ResourceID:   req.ResourceID,
				Expected:     expected,
				Actual:       fresh.CurrentCommit,
			}, nil
		}
		return nil, nil, &contracts.StoreUnavailableError{Store: "version-ledger", Cause: err}
	}

	commit, err := e.appendToBranch(ctx, req.Branch, authorStr, req.Message, next)
	if err != nil {
		return nil, nil, err
	}
	e.logger.Info("document updated",
		"resource_type", req.ResourceType, "resource_id", req.ResourceID,
		"version", nextVersion, "commit", newCommit, "branch_commit", commit.ID,
		"attempts", attempt+1)

	return &Result{
		NewCommit:    newCommit,
		ParentCommit: expected,
		Version:      nextVersion,
		Document:     next,
	}, nil, nil
}

// appendToBranch lands the document on the branch lineage. The branch HEAD
// moves independently of the per-resource chain, so a parent mismatch here is
// just another writer on the same branch and we retry on the fresh HEAD.
func (e *Engine) appendToBranch(ctx context.Context, branch, authorStr, message string, doc *contracts.Document) (*contracts.Commit, error) {
	for attempt := 0; attempt < 32; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		head, err := e.graph.Head(ctx, branch)
		if err != nil {
			return nil, err
		}
		commit, err := e.graph.Append(ctx, branch, head, authorStr, message, ledger.Delta{doc.ID: doc})
		if err == nil {
			return commit, nil
		}
		if !errors.Is(err, ledger.ErrParentMismatch) {
			return nil, err
		}
	}
	return nil, &contracts.StoreUnavailableError{Store: "ledger", Cause: errors.New("branch append retries exhausted")}
}

// Head returns the version-ledger HEAD row for a resource.
func (e *Engine) Head(ctx context.Context, resourceType, resourceID string) (*contracts.ResourceVersion, error) {
	return e.versions.Head(ctx, resourceType, resourceID)
}

// History returns up to limit version rows newest-first.
func (e *Engine) History(ctx context.Context, resourceType, resourceID string, limit int) ([]*contracts.ResourceVersion, error) {
	return e.versions.History(ctx, resourceType, resourceID, limit)
}
