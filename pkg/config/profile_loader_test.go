package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfile = `
version: "1"
public_paths:
  - /healthz
  - /metrics
routes:
  - method: POST
    pattern: /api/v1/schemas
    resource: SCHEMA
    action: create
rbac:
  developer:
    - resource: SCHEMA
      actions: [read, create]
`

func writeProfile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicyProfile(t *testing.T) {
	path := writeProfile(t, t.TempDir(), "profile_prod.yaml", sampleProfile)

	p, err := LoadPolicyProfile(path)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []string{"/healthz", "/metrics"}, p.PublicPaths)
	require.Len(t, p.Routes, 1)
	assert.Equal(t, "SCHEMA", p.Routes[0].Resource)
}

func TestLoadPolicyProfileEmptyPathMeansDefaults(t *testing.T) {
	p, err := LoadPolicyProfile("")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestLoadPolicyProfileMissingFile(t *testing.T) {
	_, err := LoadPolicyProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadAllPolicyProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_staging.yaml", sampleProfile)
	writeProfile(t, dir, "profile_prod.yaml", sampleProfile)
	writeProfile(t, dir, "unrelated.yaml", sampleProfile)

	profiles, err := LoadAllPolicyProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Contains(t, profiles, "staging")
	assert.Contains(t, profiles, "prod")
}

func TestLoadPolicyProfileRejectsIncompleteRoute(t *testing.T) {
	path := writeProfile(t, t.TempDir(), "profile_bad.yaml", `
routes:
  - method: POST
    pattern: /api/v1/schemas
`)
	_, err := LoadPolicyProfile(path)
	require.Error(t, err)
}
