// Package rules holds the species-scoped compliance rule set.
package rules

import (
	"fmt"
	"strings"
	"sync"

	"herbtrace/pkg/domain"
)

// Registry stores rules in registration order. It performs lookups only;
// evaluation lives in the validation package. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	order []string
	rules map[string]domain.Rule
}

// NewRegistry constructs a registry holding the supplied rules.
func NewRegistry(rules ...domain.Rule) (*Registry, error) {
	r := &Registry{rules: make(map[string]domain.Rule)}
	for _, rule := range rules {
		if err := r.Put(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RulesFor returns the active rules for species in registration order.
func (r *Registry) RulesFor(species string) []domain.Rule {
	species = strings.TrimSpace(species)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Rule
	for _, id := range r.order {
		rule := r.rules[id]
		meta := rule.Meta()
		if meta.Active && strings.EqualFold(meta.Species, species) {
			out = append(out, rule)
		}
	}
	return out
}

// Put registers rule, replacing any rule with the same id in place.
func (r *Registry) Put(rule domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	meta := rule.Meta()
	if strings.TrimSpace(meta.ID) == "" {
		return fmt.Errorf("rule id is required")
	}
	if strings.TrimSpace(meta.Species) == "" {
		return fmt.Errorf("rule %s: species is required", meta.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[meta.ID]; !exists {
		r.order = append(r.order, meta.ID)
	}
	r.rules[meta.ID] = rule
	return nil
}

// Deactivate marks a rule inactive so evaluation ignores it.
func (r *Registry) Deactivate(id string) (domain.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, domain.NotFoundError{Entity: "rule", ID: id}
	}
	rule = domain.WithActive(rule, false)
	r.rules[id] = rule
	return rule, nil
}

// Get returns the rule registered under id, active or not.
func (r *Registry) Get(id string) (domain.Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// Rules returns every registered rule in registration order.
func (r *Registry) Rules() []domain.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Rule, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rules[id])
	}
	return out
}
