package author

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/oms/pkg/contracts"
)

var testClock = func() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func newTestAttributor(t *testing.T) *Attributor {
	t.Helper()
	a, err := New("unit-test-secret", false)
	require.NoError(t, err)
	return a.WithClock(testClock)
}

func testUser() *contracts.UserContext {
	return &contracts.UserContext{
		UserID:   "u-1001",
		Username: "alice",
		Roles:    []string{"developer"},
		Tenant:   "acme",
	}
}

func TestSecureRoundTrip(t *testing.T) {
	a := newTestAttributor(t)

	s, err := a.Secure(testUser())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(s, "alice (u-1001) [verified|ts:2026-03-14T09:26:53Z|hash:"), s)

	p, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "u-1001", p.UserID)
	assert.False(t, p.ServiceAccount)
	assert.Equal(t, []string{"developer"}, p.Roles)
	assert.Equal(t, "acme", p.Tenant)
	assert.Len(t, p.Hash, 8)

	res := a.Verify(s, testClock())
	assert.True(t, res.Valid)
	assert.Equal(t, ReasonOK, res.Reason)
}

func TestServiceAccountStamp(t *testing.T) {
	a := newTestAttributor(t)
	u := testUser()
	u.IsServiceAccount = true

	s, err := a.Secure(u)
	require.NoError(t, err)
	require.Contains(t, s, "[service|")

	p, err := Parse(s)
	require.NoError(t, err)
	assert.True(t, p.ServiceAccount)
}

func TestVerifyDetectsAnySingleByteMutation(t *testing.T) {
	a := newTestAttributor(t)
	s, err := a.Secure(testUser())
	require.NoError(t, err)

	for i := 0; i < len(s); i++ {
		mutated := []byte(s)
		mutated[i] ^= 0x01
		res := a.Verify(string(mutated), testClock())
		assert.False(t, res.Valid, "mutation at byte %d must not verify: %q", i, string(mutated))
	}
}

func TestVerifyStale(t *testing.T) {
	a := newTestAttributor(t)
	s, err := a.Secure(testUser())
	require.NoError(t, err)

	res := a.Verify(s, testClock().Add(MaxAge+time.Minute))
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonStale, res.Reason)
}

func TestVerifyForUserMismatch(t *testing.T) {
	a := newTestAttributor(t)
	s, err := a.Secure(testUser())
	require.NoError(t, err)

	res := a.VerifyFor(s, "u-9999", testClock())
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonUserMismatch, res.Reason)

	res = a.VerifyFor(s, "u-1001", testClock())
	assert.True(t, res.Valid)
}

func TestMissingSecretFatalOutsideDev(t *testing.T) {
	_, err := New("", false)
	require.ErrorIs(t, err, ErrSecretRequired)
}

func TestDevModeStampsWithoutHash(t *testing.T) {
	a, err := New("", true)
	require.NoError(t, err)
	a.WithClock(testClock)

	s, err := a.Secure(testUser())
	require.NoError(t, err)
	assert.NotContains(t, s, "hash:")
	assert.Contains(t, s, "roles:developer,dev")

	// Degraded verification: no false positives, just unverified.
	res := a.Verify(s, testClock())
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonUnverified, res.Reason)
}

func TestDelegation(t *testing.T) {
	a := newTestAttributor(t)

	s, err := a.Delegated(testUser(), "u-2002", "migration backfill")
	require.NoError(t, err)

	p, err := Parse(s)
	require.NoError(t, err)
	assert.True(t, p.Delegated)
	assert.Equal(t, "u-2002", p.OnBehalfOf)
	assert.Equal(t, "migration backfill", p.DelegateReason)
	assert.Equal(t, "u-2002", p.EffectiveUser())

	// The base segment still verifies.
	res := a.Verify(s, testClock())
	assert.True(t, res.Valid)
}

func TestParseRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"alice",
		"alice (u-1) [unknown|ts:2026-03-14T09:26:53Z]",
		"alice (u-1) [verified|ts:not-a-time]",
		"alice (u-1) [verified]", // missing timestamp
	}
	for _, s := range cases {
		_, err := Parse(s)
		assert.Error(t, err, "expected parse failure for %q", s)
	}
}
