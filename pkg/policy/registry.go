package policy

import (
	"sort"
	"strings"
	"sync"

	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/bmatcuk/doublestar/v4"
)

// Registry resolves the policy for a client: an exact match first, then the
// most specific matching pattern, then the default. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	def      ClientPolicy
	exact    map[string]ClientPolicy
	patterns []ClientPolicy
}

func NewRegistry(def ClientPolicy, policies ...ClientPolicy) *Registry {
	r := &Registry{}
	r.replace(def, policies)
	return r
}

// Lookup returns a copy of the policy that applies to client.
func (r *Registry) Lookup(client kernel.ClientID) ClientPolicy {
	id := client.String()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.exact[id]; ok {
		return p.Clone()
	}
	for _, p := range r.patterns {
		if ok, err := doublestar.Match(p.ClientPattern, id); err == nil && ok {
			return p.Clone()
		}
	}
	return r.def.Clone()
}

// Apply swaps in a validated document. A nil Default keeps the current one.
func (r *Registry) Apply(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	r.mu.RLock()
	def := r.def
	r.mu.RUnlock()
	if doc.Default != nil {
		def = *doc.Default
	}
	r.replace(def, doc.Policies)
	return nil
}

// Default returns the fallback policy.
func (r *Registry) Default() ClientPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def.Clone()
}

// Snapshot returns every configured policy, exact entries first, in a stable order.
func (r *Registry) Snapshot() []ClientPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientPolicy, 0, len(r.exact)+len(r.patterns))
	keys := make([]string, 0, len(r.exact))
	for k := range r.exact {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, r.exact[k].Clone())
	}
	for _, p := range r.patterns {
		out = append(out, p.Clone())
	}
	return out
}

func (r *Registry) replace(def ClientPolicy, policies []ClientPolicy) {
	exact := make(map[string]ClientPolicy)
	var patterns []ClientPolicy
	for _, p := range policies {
		if isPattern(p.ClientPattern) {
			patterns = append(patterns, p.Clone())
			continue
		}
		exact[p.ClientPattern] = p.Clone()
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		si, sj := specificity(patterns[i].ClientPattern), specificity(patterns[j].ClientPattern)
		if si != sj {
			return si > sj
		}
		return patterns[i].ClientPattern < patterns[j].ClientPattern
	})

	if def.ClientPattern == "" {
		def.ClientPattern = "*"
	}

	r.mu.Lock()
	r.def = def.Clone()
	r.exact = exact
	r.patterns = patterns
	r.mu.Unlock()
}

const metaChars = "*?[]{}\\"

func isPattern(s string) bool {
	return strings.ContainsAny(s, metaChars)
}

// specificity counts literal characters; "team-a-*" beats "team-*" beats "*".
func specificity(pattern string) int {
	n := 0
	for _, r := range pattern {
		if !strings.ContainsRune(metaChars, r) {
			n++
		}
	}
	return n
}
