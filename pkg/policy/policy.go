// Package policy holds per-client admission policies and resolves the policy
// that applies to a client id.
package policy

import (
	"strings"

	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/bmatcuk/doublestar/v4"
)

// ClientPolicy bounds what a client may submit. Zero limits are unlimited.
type ClientPolicy struct {
	// ClientPattern is an exact client id or a doublestar pattern ("team-*").
	ClientPattern     string   `json:"client"`
	AllowedOperations []string `json:"allowed_operations"`
	// AllowedBackends holds backend names or patterns; "*" allows all.
	AllowedBackends []string `json:"allowed_backends"`
	MaxQueuedJobs   int      `json:"max_queued_jobs"`
	RatePerMinute   int      `json:"rate_per_minute"`
	MaxShotsPerJob  int      `json:"max_shots_per_job"`
	// FairShareWeight is the client's target share of completed work.
	// Zero disables the fairness adjustment.
	FairShareWeight float64 `json:"fair_share_weight"`
	// PriorityCeiling is the most urgent class the client may reach.
	PriorityCeiling string `json:"priority_ceiling,omitempty"`
}

// AllowsOperation reports whether op (a scope such as "jobs:submit") is granted.
func (p *ClientPolicy) AllowsOperation(op string) bool {
	return kernel.ScopeGranted(p.AllowedOperations, op)
}

// AllowsBackend reports whether the named backend matches an allowed entry.
func (p *ClientPolicy) AllowsBackend(name string) bool {
	for _, pattern := range p.AllowedBackends {
		if pattern == name || pattern == "*" {
			return true
		}
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Ceiling returns the parsed priority ceiling, Normal when unset or invalid.
func (p *ClientPolicy) Ceiling() jobx.PriorityClass {
	c, ok := jobx.ParsePriority(p.PriorityCeiling)
	if !ok {
		return jobx.PriorityNormal
	}
	return c
}

// Clone returns a deep copy.
func (p ClientPolicy) Clone() ClientPolicy {
	p.AllowedOperations = append([]string(nil), p.AllowedOperations...)
	p.AllowedBackends = append([]string(nil), p.AllowedBackends...)
	return p
}

// Validate checks a policy read from an external source.
func (p *ClientPolicy) Validate() error {
	if strings.TrimSpace(p.ClientPattern) == "" {
		return InvalidPolicy(p.ClientPattern, "client pattern is required")
	}
	if !doublestar.ValidatePattern(p.ClientPattern) {
		return InvalidPolicy(p.ClientPattern, "malformed client pattern")
	}
	for _, b := range p.AllowedBackends {
		if !doublestar.ValidatePattern(b) {
			return InvalidPolicy(p.ClientPattern, "malformed backend pattern "+b)
		}
	}
	if p.MaxQueuedJobs < 0 || p.RatePerMinute < 0 || p.MaxShotsPerJob < 0 {
		return InvalidPolicy(p.ClientPattern, "limits must not be negative")
	}
	if p.FairShareWeight < 0 || p.FairShareWeight > 1 {
		return InvalidPolicy(p.ClientPattern, "fair share weight must be within [0, 1]")
	}
	if _, ok := jobx.ParsePriority(p.PriorityCeiling); !ok {
		return InvalidPolicy(p.ClientPattern, "unknown priority ceiling "+p.PriorityCeiling)
	}
	return nil
}

// Document is the full set of policies published by a Source.
type Document struct {
	// Default applies to clients no entry matches. Nil keeps the current default.
	Default  *ClientPolicy  `json:"default,omitempty"`
	Policies []ClientPolicy `json:"policies"`
}

// Validate validates every policy and rejects duplicate patterns.
func (d *Document) Validate() error {
	seen := make(map[string]struct{}, len(d.Policies))
	for i := range d.Policies {
		p := &d.Policies[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.ClientPattern]; dup {
			return InvalidPolicy(p.ClientPattern, "duplicate client pattern")
		}
		seen[p.ClientPattern] = struct{}{}
	}
	if d.Default != nil {
		def := *d.Default
		if def.ClientPattern == "" {
			def.ClientPattern = "*"
		}
		if err := def.Validate(); err != nil {
			return err
		}
	}
	return nil
}
