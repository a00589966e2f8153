// Package auth validates which flows a user may run, based on a YAML
// access map keyed by email address or mail domain.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrDenied is returned when the principal has no grant covering the
// requested (org, project, flow).
var ErrDenied = errors.New("access denied")

// Grant is one principal's access: the account it acts as and the
// flows it may run per org and project. A flow list containing "*"
// allows every flow of that project.
type Grant struct {
	Account  string                         `yaml:"account"`
	Projects map[string]map[string][]string `yaml:"projects"`
}

// AccessMap holds all grants. Individual user entries take precedence
// over domain entries.
type AccessMap struct {
	Users   map[string]Grant `yaml:"users"`
	Domains map[string]Grant `yaml:"domains"`
}

// LoadAccessMap reads and parses the YAML access map at path.
func LoadAccessMap(path string) (*AccessMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read access map %s: %w", path, err)
	}
	return ParseAccessMap(data)
}

// ParseAccessMap parses YAML access map content.
func ParseAccessMap(data []byte) (*AccessMap, error) {
	var m AccessMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse access map: %w", err)
	}
	return &m, nil
}

// Resolve finds the grant for an email: the user entry if present,
// otherwise the entry for the mail domain.
func (m *AccessMap) Resolve(email string) (Grant, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	if grant, ok := m.Users[email]; ok {
		return grant, true
	}
	if _, domain, ok := strings.Cut(email, "@"); ok {
		if grant, ok := m.Domains[domain]; ok {
			return grant, true
		}
	}
	return Grant{}, false
}

// Authorize checks that email may run flow in (org, project).
func (m *AccessMap) Authorize(email, org, project, flow string) (Grant, error) {
	grant, ok := m.Resolve(email)
	if !ok {
		return Grant{}, fmt.Errorf("%w: no grant for %s", ErrDenied, email)
	}
	projects, ok := grant.Projects[org]
	if !ok {
		return Grant{}, fmt.Errorf("%w: %s has no access to org %s", ErrDenied, email, org)
	}
	flows, ok := projects[project]
	if !ok {
		return Grant{}, fmt.Errorf("%w: %s has no access to project %s/%s", ErrDenied, email, org, project)
	}
	for _, allowed := range flows {
		if allowed == flow || allowed == "*" {
			return grant, nil
		}
	}
	return Grant{}, fmt.Errorf("%w: %s may not run flow %s in %s/%s", ErrDenied, email, flow, org, project)
}
