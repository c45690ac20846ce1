package routing

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/morezero/peer-broker/pkg/model"
)

const tableLogPrefix = "routing:table"

var (
	// ErrRuleNotFound is returned when removing an unknown rule.
	ErrRuleNotFound = errors.New("routing rule not found")
	// ErrInvalidRule is returned for rules without a usable route.
	ErrInvalidRule = errors.New("invalid routing rule")
)

type tableEntry struct {
	id   model.Identifier
	seq  uint64
	rule model.RoutingRule
}

// Table holds the routing overrides. Rules are matched in insertion order.
type Table struct {
	mu    sync.RWMutex
	seq   uint64
	rules map[model.Identifier]tableEntry
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{rules: make(map[model.Identifier]tableEntry)}
}

// Add stores rule and returns its ROUTING id. Only ADAPTER and COMPONENT routes are
// accepted.
func (t *Table) Add(rule model.RoutingRule) (model.Identifier, error) {
	switch rule.Route.Type {
	case model.TypeAdapter, model.TypeComponent:
	default:
		return model.Identifier{}, fmt.Errorf("%s - route %q: %w", tableLogPrefix, rule.Route, ErrInvalidRule)
	}
	if rule.Route.ID == "" {
		return model.Identifier{}, fmt.Errorf("%s - empty route id: %w", tableLogPrefix, ErrInvalidRule)
	}

	id := model.Routing(uuid.NewString())
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.rules[id] = tableEntry{id: id, seq: t.seq, rule: rule}
	return id, nil
}

// Remove deletes the rule with id.
func (t *Table) Remove(id model.Identifier) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rules[id]; !ok {
		return fmt.Errorf("%s - %s: %w", tableLogPrefix, id, ErrRuleNotFound)
	}
	delete(t.rules, id)
	return nil
}

// Match returns the distinct routes of every rule matching msg, in rule order.
func (t *Table) Match(msg model.Message) []model.Identifier {
	var routes []model.Identifier
	seen := make(map[model.Identifier]bool)
	for _, e := range t.sorted() {
		if !e.rule.Matches(msg) || seen[e.rule.Route] {
			continue
		}
		seen[e.rule.Route] = true
		routes = append(routes, e.rule.Route)
	}
	return routes
}

// Rules returns every rule keyed by id.
func (t *Table) Rules() map[model.Identifier]model.RoutingRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.Identifier]model.RoutingRule, len(t.rules))
	for id, e := range t.rules {
		out[id] = e.rule
	}
	return out
}

func (t *Table) sorted() []tableEntry {
	t.mu.RLock()
	entries := make([]tableEntry, 0, len(t.rules))
	for _, e := range t.rules {
		entries = append(entries, e)
	}
	t.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}
