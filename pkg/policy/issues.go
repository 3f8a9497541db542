package policy

import (
	"context"
	"errors"
	"regexp"
	"sync"
)

var (
	// ErrIssueMalformed means the id does not look like a tracker reference.
	ErrIssueMalformed = errors.New("policy: malformed issue id")
	// ErrIssueUnknown means the tracker has no such issue.
	ErrIssueUnknown = errors.New("policy: issue not found")
)

// IssueChecker validates change-control issue references.
type IssueChecker interface {
	Validate(ctx context.Context, issueID string) error
}

// issueShape accepts tracker keys like OMS-123.
var issueShape = regexp.MustCompile(`^[A-Z][A-Z0-9]*-[0-9]+$`)

// PatternChecker accepts any well-formed issue id. Used when no tracker
// integration is configured; existence is then the tracker's problem.
type PatternChecker struct{}

func (PatternChecker) Validate(_ context.Context, issueID string) error {
	if !issueShape.MatchString(issueID) {
		return ErrIssueMalformed
	}
	return nil
}

// IssueRegistry is an in-process tracker: ids must be well-formed and
// registered. Backs tests and air-gapped deployments.
type IssueRegistry struct {
	mu     sync.RWMutex
	issues map[string]struct{}
}

// NewIssueRegistry creates an empty registry.
func NewIssueRegistry(ids ...string) *IssueRegistry {
	r := &IssueRegistry{issues: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		r.issues[id] = struct{}{}
	}
	return r
}

// Register adds an issue id.
func (r *IssueRegistry) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issues[id] = struct{}{}
}

func (r *IssueRegistry) Validate(_ context.Context, issueID string) error {
	if !issueShape.MatchString(issueID) {
		return ErrIssueMalformed
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.issues[issueID]; !ok {
		return ErrIssueUnknown
	}
	return nil
}
