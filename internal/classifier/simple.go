package classifier

import (
	"fmt"
	"sync"

	"github.com/netmate-project/meter-core/internal/netheader"
)

// Simple is the linear matcher of spec §4.3.a: for each rule, iterate its
// filters; a rule matches iff every filter matches.
//
// Grounded on _examples/original_source/src/netmate/ClassifierSimple.cc's
// classify() loop.
type Simple struct {
	mu    sync.RWMutex
	rules map[uint32]*Rule
}

// NewSimple constructs an empty Simple classifier.
func NewSimple() *Simple {
	return &Simple{rules: make(map[uint32]*Rule)}
}

// Check validates a rule set without installing it (spec §4.3 "check").
func (c *Simple) Check(rules []*Rule) error {
	seen := make(map[uint32]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %d", r.ID)
		}
		seen[r.ID] = true
		if err := r.Validate(); err != nil {
			return err
		}
		if r.ID >= MaxRules/2 {
			return &ErrCapacity{Bound: "rule id", Limit: MaxRules / 2}
		}
	}
	return nil
}

// AddRule installs a rule, per spec §4.3 "add_rule".
func (c *Simple) AddRule(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID >= MaxRules/2 {
		return &ErrCapacity{Bound: "rule id", Limit: MaxRules / 2}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rules[r.ID]; exists {
		return fmt.Errorf("rule %d already installed", r.ID)
	}
	c.rules[r.ID] = r
	return nil
}

// DelRule removes a rule, per spec §4.3 "del_rule".
func (c *Simple) DelRule(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rules[id]; !exists {
		return fmt.Errorf("rule %d not installed", id)
	}
	delete(c.rules, id)
	return nil
}

// Classify returns the deduplicated, sorted count of matching rule ids for
// pkt, stamping pkt.Match/pkt.Reverse as a side effect (spec §4.3).
func (c *Simple) Classify(pkt *netheader.Meta) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pkt.MatchCount = 0
	pkt.Reverse = false

	var ids []uint32
	for id, r := range c.rules {
		if ruleMatchesFilters(r.Filters, pkt) {
			ids = append(ids, id)
			continue
		}
		if r.Bidirectional && len(r.ReverseFilters) > 0 && ruleMatchesFilters(r.ReverseFilters, pkt) {
			ids = append(ids, id)
			pkt.Reverse = true
		}
	}

	ids = SortMatches(ids)
	for _, id := range ids {
		if !pkt.AddMatch(id) {
			break
		}
	}
	return pkt.MatchCount
}
