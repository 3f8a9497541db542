// Package author derives tamper-evident author strings from verified caller
// identities and verifies them on the read path. The canonical form is
//
//	username (user_id) [verified|ts:<rfc3339>|hash:<8hex>|roles:<csv>|tenant:<id>]
//
// with [service] in place of [verified] for service accounts, and an optional
// trailing delegation segment
//
//	[delegated|on_behalf_of:<id>|reason:<str>]
//
// The hash is an HMAC-SHA256 truncation over (username, user_id, ts) keyed by
// a key derived from the process secret, so a string cannot be forged or
// altered without detection.
package author

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/ontoforge/oms/pkg/contracts"
)

// MaxAge is how long an author stamp stays verifiable before it is stale.
const MaxAge = 24 * time.Hour

// ErrSecretRequired is returned when no secret is configured outside
// development mode.
var ErrSecretRequired = errors.New("author: attribution secret required outside development mode")

// VerifyReason explains a verification outcome.
type VerifyReason string

const (
	ReasonOK           VerifyReason = "ok"
	ReasonFormat       VerifyReason = "format"
	ReasonUserMismatch VerifyReason = "user_mismatch"
	ReasonHashMismatch VerifyReason = "hash_mismatch"
	ReasonStale        VerifyReason = "stale"
	ReasonUnverified   VerifyReason = "unverified"
)

// VerifyResult is the outcome of verifying an author string.
type VerifyResult struct {
	Valid  bool
	Reason VerifyReason
}

// ParsedAuthor is the structured form of an author string. Parsing never
// requires the secret; only Verify does.
type ParsedAuthor struct {
	Username       string
	UserID         string
	ServiceAccount bool
	Timestamp      time.Time
	Hash           string
	Roles          []string
	Tenant         string
	Delegated      bool
	OnBehalfOf     string
	DelegateReason string
}

// EffectiveUser returns the user the action counts for: the delegation target
// if present, else the author.
func (p *ParsedAuthor) EffectiveUser() string {
	if p.Delegated && p.OnBehalfOf != "" {
		return p.OnBehalfOf
	}
	return p.UserID
}

// Attributor stamps and verifies author strings. The HMAC key is derived from
// the process secret with HKDF so the raw secret never keys two primitives.
type Attributor struct {
	key     []byte
	devMode bool
	clock   func() time.Time
}

// New creates an Attributor. An empty secret is fatal unless devMode is set;
// in development mode strings are stamped without a hash and carry a dev role
// so downstream consumers can detect the degraded attribution.
func New(secret string, devMode bool) (*Attributor, error) {
	a := &Attributor{devMode: devMode, clock: time.Now}
	if secret == "" {
		if !devMode {
			return nil, ErrSecretRequired
		}
		return a, nil
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("oms/author-attribution/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("author: key derivation failed: %w", err)
	}
	a.key = key
	return a, nil
}

// WithClock overrides the clock for testing.
func (a *Attributor) WithClock(clock func() time.Time) *Attributor {
	a.clock = clock
	return a
}

// Secure renders the author string for a verified caller context.
func (a *Attributor) Secure(user *contracts.UserContext) (string, error) {
	return a.render(user, "", "")
}

// Delegated renders an author string acting on behalf of another user.
func (a *Attributor) Delegated(delegator *contracts.UserContext, onBehalfOf, reason string) (string, error) {
	if onBehalfOf == "" {
		return "", &contracts.IntegrityError{Reason: "delegation requires a target user"}
	}
	return a.render(delegator, onBehalfOf, strings.ReplaceAll(reason, "]", ""))
}

func (a *Attributor) render(user *contracts.UserContext, onBehalfOf, reason string) (string, error) {
	if user == nil || user.UserID == "" || user.Username == "" {
		return "", &contracts.IntegrityError{Reason: "author requires a verified user context"}
	}
	ts := a.clock().UTC().Format(time.RFC3339)

	kind := "verified"
	if user.IsServiceAccount {
		kind = "service"
	}

	roles := user.Roles
	if a.key == nil {
		// Development mode: no hash, mark the string detectable downstream.
		roles = append(append([]string{}, roles...), "dev")
	}
	rolesCSV := strings.Join(roles, ",")

	meta := []string{kind, "ts:" + ts}
	if a.key != nil {
		meta = append(meta, "hash:"+a.stamp(user.Username, user.UserID, ts, rolesCSV, user.Tenant, onBehalfOf, reason))
	}
	if rolesCSV != "" {
		meta = append(meta, "roles:"+rolesCSV)
	}
	if user.Tenant != "" {
		meta = append(meta, "tenant:"+user.Tenant)
	}

	s := fmt.Sprintf("%s (%s) [%s]", user.Username, user.UserID, strings.Join(meta, "|"))
	if onBehalfOf != "" {
		s = fmt.Sprintf("%s [delegated|on_behalf_of:%s|reason:%s]", s, onBehalfOf, reason)
	}
	return s, nil
}

var authorPattern = regexp.MustCompile(
	`^(.+) \(([^()\s]+)\) \[(verified|service)((?:\|[^|\[\]]+)*)\]` +
		`(?: \[delegated\|on_behalf_of:([^|\[\]]+)\|reason:([^\[\]]*)\])?$`)

// Parse decodes an author string into its structured form. It never needs the
// secret and never judges the hash; use Verify for that.
func Parse(s string) (*ParsedAuthor, error) {
	m := authorPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, &contracts.IntegrityError{Reason: "author string has invalid format"}
	}
	p := &ParsedAuthor{
		Username:       m[1],
		UserID:         m[2],
		ServiceAccount: m[3] == "service",
	}
	for _, part := range strings.Split(strings.TrimPrefix(m[4], "|"), "|") {
		switch {
		case strings.HasPrefix(part, "ts:"):
			ts, err := time.Parse(time.RFC3339, strings.TrimPrefix(part, "ts:"))
			if err != nil {
				return nil, &contracts.IntegrityError{Reason: "author timestamp is not RFC3339"}
			}
			p.Timestamp = ts
		case strings.HasPrefix(part, "hash:"):
			p.Hash = strings.TrimPrefix(part, "hash:")
		case strings.HasPrefix(part, "roles:"):
			p.Roles = strings.Split(strings.TrimPrefix(part, "roles:"), ",")
		case strings.HasPrefix(part, "tenant:"):
			p.Tenant = strings.TrimPrefix(part, "tenant:")
		}
	}
	if p.Timestamp.IsZero() {
		return nil, &contracts.IntegrityError{Reason: "author string missing timestamp"}
	}
	if m[5] != "" {
		p.Delegated = true
		p.OnBehalfOf = m[5]
		p.DelegateReason = m[6]
	}
	return p, nil
}

// Verify checks the tamper-evidence of an author string at the given instant.
// Without a configured secret the result degrades to unverified rather than
// producing false positives.
func (a *Attributor) Verify(s string, now time.Time) VerifyResult {
	p, err := Parse(s)
	if err != nil {
		return VerifyResult{Valid: false, Reason: ReasonFormat}
	}
	if a.key == nil {
		return VerifyResult{Valid: false, Reason: ReasonUnverified}
	}
	if p.Hash == "" {
		return VerifyResult{Valid: false, Reason: ReasonHashMismatch}
	}
	want := a.stamp(p.Username, p.UserID, p.Timestamp.UTC().Format(time.RFC3339),
		strings.Join(p.Roles, ","), p.Tenant, p.OnBehalfOf, p.DelegateReason)
	if !hmac.Equal([]byte(want), []byte(p.Hash)) {
		return VerifyResult{Valid: false, Reason: ReasonHashMismatch}
	}
	if now.Sub(p.Timestamp) > MaxAge {
		return VerifyResult{Valid: false, Reason: ReasonStale}
	}
	return VerifyResult{Valid: true, Reason: ReasonOK}
}

// VerifyFor additionally checks that the string attributes to the expected user.
func (a *Attributor) VerifyFor(s, expectedUserID string, now time.Time) VerifyResult {
	p, err := Parse(s)
	if err != nil {
		return VerifyResult{Valid: false, Reason: ReasonFormat}
	}
	if p.UserID != expectedUserID {
		return VerifyResult{Valid: false, Reason: ReasonUserMismatch}
	}
	return a.Verify(s, now)
}

// stamp computes the first 8 hex characters of HMAC-SHA256 over every field
// the author string renders. Covering all fields means any parsed-but-altered
// byte flips the digest, not only the identity triple.
func (a *Attributor) stamp(fields ...string) string {
	mac := hmac.New(sha256.New, a.key)
	fmt.Fprint(mac, strings.Join(fields, "|"))
	return hex.EncodeToString(mac.Sum(nil))[:8]
}
