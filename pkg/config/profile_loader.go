package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ontoforge/oms/pkg/policy"
)

// LoadPolicyProfile reads a policy profile YAML from path. An empty path
// returns nil, which callers treat as "use the built-in defaults".
func LoadPolicyProfile(path string) (*policy.Profile, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load policy profile %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	profile, err := policy.LoadProfile(f)
	if err != nil {
		return nil, fmt.Errorf("parse policy profile %q: %w", path, err)
	}
	return profile, nil
}

// LoadAllPolicyProfiles loads every profile_*.yaml under dir, keyed by the
// code embedded in the filename (profile_staging.yaml -> staging). Deployments
// keep per-environment route tables side by side this way.
func LoadAllPolicyProfiles(dir string) (map[string]*policy.Profile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*policy.Profile, len(matches))
	for _, path := range matches {
		profile, err := LoadPolicyProfile(path)
		if err != nil {
			return nil, err
		}
		base := filepath.Base(path)
		code := base[len("profile_") : len(base)-len(".yaml")]
		profiles[code] = profile
	}
	return profiles, nil
}
