package alerting

import (
	"sync"

	"github.com/pilot-net/alertcore/pkg/types"
)

type compiledPolicy struct {
	policy   *types.EscalationPolicy
	selector Selector
}

// PolicyRouter binds alerts to escalation policies. Policies are tried in
// order and the first matching selector wins; catch-all policies are only
// used when nothing more specific matches, and one must always exist.
type PolicyRouter struct {
	mu       sync.RWMutex
	policies []*compiledPolicy
}

// NewPolicyRouter creates a router from an initial policy set.
func NewPolicyRouter(policies []types.EscalationPolicy) (*PolicyRouter, error) {
	r := &PolicyRouter{}
	if err := r.SetPolicies(policies); err != nil {
		return nil, err
	}
	return r, nil
}

func compilePolicy(p types.EscalationPolicy) (*compiledPolicy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	sel, err := ParseSelector(p.Selector)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "policy." + p.ID + ".selector", Reason: err.Error()}
	}
	return &compiledPolicy{policy: p.Clone(), selector: sel}, nil
}

func hasCatchAll(policies []*compiledPolicy) bool {
	for _, cp := range policies {
		if cp.policy.CatchAll() {
			return true
		}
	}
	return false
}

// SetPolicies replaces every policy. Nothing is activated on error.
func (r *PolicyRouter) SetPolicies(policies []types.EscalationPolicy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		if seen[p.ID] {
			return &types.ConflictError{Kind: "policy", ID: p.ID, Reason: "duplicate policy id"}
		}
		seen[p.ID] = true
		cp, err := compilePolicy(p)
		if err != nil {
			return err
		}
		compiled = append(compiled, cp)
	}
	if !hasCatchAll(compiled) {
		return &types.ConfigurationError{Field: "policies", Reason: "a catch-all policy with an empty selector is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = compiled
	return nil
}

// Create adds a policy, failing with ConflictError if the id exists.
func (r *PolicyRouter) Create(p types.EscalationPolicy) error {
	if _, ok := r.Get(p.ID); ok {
		return &types.ConflictError{Kind: "policy", ID: p.ID, Reason: "policy already exists"}
	}
	return r.Upsert(p)
}

// Upsert creates or replaces a policy in place.
func (r *PolicyRouter) Upsert(p types.EscalationPolicy) error {
	cp, err := compilePolicy(p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]*compiledPolicy, 0, len(r.policies)+1)
	replaced := false
	for _, existing := range r.policies {
		if existing.policy.ID == p.ID {
			next = append(next, cp)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, cp)
	}
	if !hasCatchAll(next) {
		return &types.ConfigurationError{Field: "policy." + p.ID + ".selector", Reason: "update would remove the last catch-all policy"}
	}
	r.policies = next
	return nil
}

// Route returns a private copy of the policy for labels.
func (r *PolicyRouter) Route(labels map[string]string) *types.EscalationPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var fallback *compiledPolicy
	for _, cp := range r.policies {
		if cp.policy.CatchAll() {
			if fallback == nil {
				fallback = cp
			}
			continue
		}
		if cp.selector.Matches(labels) {
			return cp.policy.Clone()
		}
	}
	if fallback == nil {
		return nil
	}
	return fallback.policy.Clone()
}

// Get returns a copy of a policy by id.
func (r *PolicyRouter) Get(id string) (*types.EscalationPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cp := range r.policies {
		if cp.policy.ID == id {
			return cp.policy.Clone(), true
		}
	}
	return nil, false
}

// Policies returns copies of every policy in routing order.
func (r *PolicyRouter) Policies() []types.EscalationPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.EscalationPolicy, 0, len(r.policies))
	for _, cp := range r.policies {
		out = append(out, *cp.policy.Clone())
	}
	return out
}
