package policy

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Profile is the externalized policy surface: operators ship route tables and
// RBAC grants as YAML so policy changes do not need a deployment.
type Profile struct {
	Version     string            `yaml:"version"`
	PublicPaths []string          `yaml:"public_paths"`
	Routes      []ProfileRoute    `yaml:"routes"`
	RBAC        map[string][]Rule `yaml:"rbac"`
}

// ProfileRoute is one route binding in a profile.
type ProfileRoute struct {
	Method   string `yaml:"method"`
	Pattern  string `yaml:"pattern"`
	Resource string `yaml:"resource"`
	Action   string `yaml:"action"`
}

// Rule grants a role a set of actions on one resource.
type Rule struct {
	Resource string   `yaml:"resource"`
	Actions  []string `yaml:"actions"`
}

// LoadProfile parses a YAML profile.
func LoadProfile(r io.Reader) (*Profile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("policy: read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: parse profile: %w", err)
	}
	for _, r := range p.Routes {
		if r.Method == "" || r.Pattern == "" || r.Resource == "" || r.Action == "" {
			return nil, fmt.Errorf("policy: profile route %q %q is incomplete", r.Method, r.Pattern)
		}
	}
	return &p, nil
}

// Table compiles the profile's route table. An empty profile falls back to
// the stock routes so a partial profile cannot silently open the gate.
func (p *Profile) Table() (*RouteTable, error) {
	public := p.PublicPaths
	if public == nil {
		public = DefaultPublicPaths()
	}
	if len(p.Routes) == 0 {
		return NewRouteTable(public, DefaultRoutes())
	}
	routes := make([]Route, 0, len(p.Routes))
	for _, r := range p.Routes {
		routes = append(routes, Route{
			Method:   r.Method,
			Pattern:  r.Pattern,
			Resource: ResourceType(r.Resource),
			Action:   Action(r.Action),
		})
	}
	return NewRouteTable(public, routes)
}

// Matrix builds the profile's RBAC matrix, or the canonical one when the
// profile declares no grants.
func (p *Profile) Matrix() Matrix {
	if len(p.RBAC) == 0 {
		return DefaultMatrix()
	}
	m := make(Matrix)
	for role, rules := range p.RBAC {
		for _, rule := range rules {
			for _, action := range rule.Actions {
				m.Grant(role, ResourceType(rule.Resource), Action(action))
			}
		}
	}
	return m
}
