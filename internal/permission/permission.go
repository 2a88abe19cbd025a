// Package permission maps session roles to the UI capabilities they grant.
//
// Resolution is a pure lookup: no I/O, no hidden state, safe to call on
// every render. The role table is deployment data; DefaultTable is used
// when the configuration supplies none.
package permission

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role identifies a session's role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleGuest    Role = "guest"
)

// Capabilities is the set of actions and views a role may use.
type Capabilities struct {
	CanAct        bool `yaml:"can_act" mapstructure:"can_act" json:"canAct"`
	CanViewAlerts bool `yaml:"can_view_alerts" mapstructure:"can_view_alerts" json:"canViewAlerts"`
}

func (c Capabilities) count() int {
	n := 0
	if c.CanAct {
		n++
	}
	if c.CanViewAlerts {
		n++
	}
	return n
}

// Table is a role → capabilities mapping with an explicit fallback entry.
type Table struct {
	Roles    map[Role]Capabilities `yaml:"roles"`
	Fallback Role                  `yaml:"fallback"`
}

// DefaultTable returns the built-in role table.
func DefaultTable() Table {
	return Table{
		Roles: map[Role]Capabilities{
			RoleAdmin:    {CanAct: true, CanViewAlerts: true},
			RoleOperator: {CanAct: true, CanViewAlerts: true},
			RoleViewer:   {},
			RoleGuest:    {},
		},
		Fallback: RoleGuest,
	}
}

// LoadTable reads a role table from a yaml file:
//
//	roles:
//	  admin: {can_act: true, can_view_alerts: true}
//	  viewer: {can_act: false, can_view_alerts: true}
//	fallback: viewer
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("reading role table: %w", err)
	}
	var raw struct {
		Roles    map[string]Capabilities `yaml:"roles"`
		Fallback string                  `yaml:"fallback"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Table{}, fmt.Errorf("parsing role table: %w", err)
	}
	return FromMap(raw.Roles, raw.Fallback), nil
}

// FromMap builds a Table from loosely keyed data, normalizing role names.
func FromMap(roles map[string]Capabilities, fallback string) Table {
	t := Table{
		Roles:    make(map[Role]Capabilities, len(roles)),
		Fallback: Normalize(fallback),
	}
	for name, caps := range roles {
		t.Roles[Normalize(name)] = caps
	}
	return t
}

// Normalize trims and lower-cases a role string.
func Normalize(role string) Role {
	return Role(strings.ToLower(strings.TrimSpace(role)))
}

// Resolver resolves roles against a validated Table.
type Resolver struct {
	roles    map[Role]Capabilities
	fallback Role
}

// NewResolver validates t and returns a Resolver. An empty fallback is
// replaced by the most restrictive entry (fewest capabilities, ties broken
// by name).
func NewResolver(t Table) (*Resolver, error) {
	if len(t.Roles) == 0 {
		return nil, fmt.Errorf("role table is empty")
	}
	roles := make(map[Role]Capabilities, len(t.Roles))
	for r, c := range t.Roles {
		n := Normalize(string(r))
		if n == "" {
			return nil, fmt.Errorf("role table contains an empty role name")
		}
		roles[n] = c
	}

	fallback := Normalize(string(t.Fallback))
	if fallback == "" {
		fallback = mostRestrictive(roles)
	}
	if _, ok := roles[fallback]; !ok {
		return nil, fmt.Errorf("fallback role %q is not in the role table", fallback)
	}
	return &Resolver{roles: roles, fallback: fallback}, nil
}

// MustResolver is NewResolver for tables known to be valid.
func MustResolver(t Table) *Resolver {
	r, err := NewResolver(t)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the capabilities for role. Unknown or empty roles get
// the fallback entry.
func (r *Resolver) Resolve(role string) Capabilities {
	return r.roles[r.Canonical(role)]
}

// Canonical returns the table role that role resolves to.
func (r *Resolver) Canonical(role string) Role {
	n := Normalize(role)
	if _, ok := r.roles[n]; ok {
		return n
	}
	return r.fallback
}

// Fallback returns the role used for unknown input.
func (r *Resolver) Fallback() Role { return r.fallback }

// Roles returns the known roles in name order.
func (r *Resolver) Roles() []Role {
	out := make([]Role, 0, len(r.roles))
	for role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Gate removes CanAct unless the live channel is open. Actions that need
// the channel are never offered without one.
func Gate(c Capabilities, open bool) Capabilities {
	if !open {
		c.CanAct = false
	}
	return c
}

func mostRestrictive(roles map[Role]Capabilities) Role {
	var best Role
	bestCount := -1
	for role, caps := range roles {
		n := caps.count()
		if bestCount < 0 || n < bestCount || (n == bestCount && role < best) {
			best, bestCount = role, n
		}
	}
	return best
}
