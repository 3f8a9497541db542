package policy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ontoforge/oms/pkg/contracts"
)

const (
	// MinJustificationLen is the floor for override justifications.
	MinJustificationLen = 50
	// DefaultOverrideTTL bounds how long an approval stays redeemable.
	DefaultOverrideTTL = time.Hour
)

var (
	ErrJustificationTooShort = errors.New("policy: override justification under 50 characters")
	ErrOverrideNotApproved   = errors.New("policy: override not approved")
	ErrOverrideExpired       = errors.New("policy: override approval expired")
	ErrNotApprover           = errors.New("policy: caller may not approve overrides")
)

// OverrideStore persists override requests.
type OverrideStore interface {
	Insert(ctx context.Context, req *contracts.OverrideRequest) error
	Get(ctx context.Context, id string) (*contracts.OverrideRequest, error)
	Update(ctx context.Context, req *contracts.OverrideRequest) error
}

// MemoryOverrideStore is the in-process OverrideStore.
type MemoryOverrideStore struct {
	mu   sync.Mutex
	rows map[string]*contracts.OverrideRequest
}

// NewMemoryOverrideStore creates an empty store.
func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{rows: make(map[string]*contracts.OverrideRequest)}
}

func (s *MemoryOverrideStore) Insert(ctx context.Context, req *contracts.OverrideRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.rows[req.ID] = &cp
	return nil
}

func (s *MemoryOverrideStore) Get(ctx context.Context, id string) (*contracts.OverrideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryOverrideStore) Update(ctx context.Context, req *contracts.OverrideRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[req.ID]; !ok {
		return contracts.ErrNotFound
	}
	cp := *req
	s.rows[req.ID] = &cp
	return nil
}

// Overrides manages the emergency-override lifecycle:
// PENDING → APPROVED (by an approver role, with token) → redeemed or EXPIRED.
type Overrides struct {
	store  OverrideStore
	matrix Matrix
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// OverrideOption configures the service.
type OverrideOption func(*Overrides)

// WithOverrideTTL overrides the approval lifetime.
func WithOverrideTTL(ttl time.Duration) OverrideOption {
	return func(o *Overrides) { o.ttl = ttl }
}

// WithOverrideClock overrides the clock for testing.
func WithOverrideClock(clock func() time.Time) OverrideOption {
	return func(o *Overrides) { o.clock = clock }
}

// NewOverrides creates the service. The matrix decides who may approve.
func NewOverrides(store OverrideStore, matrix Matrix, opts ...OverrideOption) *Overrides {
	o := &Overrides{
		store:  store,
		matrix: matrix,
		ttl:    DefaultOverrideTTL,
		clock:  time.Now,
		logger: slog.Default().With("component", "policy-overrides"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request files a fresh PENDING override.
func (o *Overrides) Request(ctx context.Context, requester *contracts.UserContext, resource ResourceType, action Action, branch, justification string) (*contracts.OverrideRequest, error) {
	if len(justification) < MinJustificationLen {
		return nil, ErrJustificationTooShort
	}
	req := &contracts.OverrideRequest{
		ID:             uuid.New().String(),
		RequesterID:    requester.UserID,
		RequesterRoles: requester.Roles,
		Resource:       string(resource),
		Action:         string(action),
		Branch:         branch,
		Justification:  justification,
		Status:         contracts.OverridePending,
		CreatedAt:      o.clock().UTC(),
	}
	if err := o.store.Insert(ctx, req); err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "overrides", Cause: err}
	}
	o.logger.Info("override requested",
		"override_id", req.ID, "requester", requester.UserID,
		"resource", req.Resource, "action", req.Action)
	return req, nil
}

// Approve moves a PENDING request to APPROVED, mints its token, and starts
// the expiry clock. Approvers may not approve their own requests.
func (o *Overrides) Approve(ctx context.Context, id string, approver *contracts.UserContext) (*contracts.OverrideRequest, error) {
	if !o.matrix.Check(approver.Roles, ResourceProposal, ActionApprove) {
		return nil, ErrNotApprover
	}
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != contracts.OverridePending {
		return nil, fmt.Errorf("policy: override %s is %s, not PENDING", id, req.Status)
	}
	if req.RequesterID == approver.UserID {
		return nil, ErrNotApprover
	}
	now := o.clock().UTC()
	req.Status = contracts.OverrideApproved
	req.ApprovedBy = approver.UserID
	req.ApprovedAt = &now
	req.ExpiresAt = now.Add(o.ttl)
	req.OverrideToken = mintToken()
	if err := o.store.Update(ctx, req); err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "overrides", Cause: err}
	}
	o.logger.Warn("emergency override approved",
		"override_id", id, "approved_by", approver.UserID, "expires_at", req.ExpiresAt)
	return req, nil
}

// Deny moves a PENDING request to DENIED.
func (o *Overrides) Deny(ctx context.Context, id string, approver *contracts.UserContext) error {
	if !o.matrix.Check(approver.Roles, ResourceProposal, ActionReject) {
		return ErrNotApprover
	}
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != contracts.OverridePending {
		return fmt.Errorf("policy: override %s is %s, not PENDING", id, req.Status)
	}
	req.Status = contracts.OverrideDenied
	req.ApprovedBy = approver.UserID
	return o.store.Update(ctx, req)
}

// Redeem checks an approved override at enforcement time: status APPROVED,
// token match, not expired. Expired approvals are marked EXPIRED in place.
func (o *Overrides) Redeem(ctx context.Context, id, token string) (*contracts.OverrideRequest, error) {
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != contracts.OverrideApproved {
		return nil, ErrOverrideNotApproved
	}
	if o.clock().UTC().After(req.ExpiresAt) {
		req.Status = contracts.OverrideExpired
		if uerr := o.store.Update(ctx, req); uerr != nil {
			o.logger.Warn("could not mark override expired", "override_id", id, "error", uerr)
		}
		return nil, ErrOverrideExpired
	}
	if subtle.ConstantTimeCompare([]byte(req.OverrideToken), []byte(token)) != 1 {
		return nil, ErrOverrideNotApproved
	}
	return req, nil
}

func mintToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("policy: entropy unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
