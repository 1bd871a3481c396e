package classifier

import (
	"fmt"
	"sort"

	"github.com/netmate-project/meter-core/internal/netheader"
)

// Classifier is the shared interface both back-ends implement, per spec
// §4.3: "The classifier exposes: check(rules), add_rule(rule),
// del_rule(rule), and classify(pkt) -> match_count."
type Classifier interface {
	Check(rules []*Rule) error
	AddRule(r *Rule) error
	DelRule(id uint32) error
	Classify(pkt *netheader.Meta) int
}

// MaxRules bounds the id space both back-ends share (original source's
// ClassifierRFCConf.h MAX_RULES, doubled to host forward+reverse entries
// for bidirectional rules — spec §4.3.a).
const MaxRules = 2048

// ErrCapacity is returned when a rule add would exceed a classifier
// resource bound (spec §4.3 "Resource bounds").
type ErrCapacity struct {
	Bound string
	Limit int
}

func (e *ErrCapacity) Error() string {
	return fmt.Sprintf("classifier capacity exceeded: %s limit is %d", e.Bound, e.Limit)
}

// matchFilter evaluates a single filter's predicate against pkt, per spec
// §4.3.a.
func matchFilter(f *Filter, pkt *netheader.Meta) bool {
	window, ok := pkt.Window(f.Refer, f.Offset, f.Len)
	if !ok {
		return false
	}

	if f.Kind == MatchWildcard {
		return true
	}

	var tmp [32]byte
	masked := tmp[:f.Len]
	for i := 0; i < f.Len; i++ {
		masked[i] = window[i] & f.Mask[i]
	}

	switch f.Kind {
	case MatchExact:
		return bytesEqual(masked, f.Values[0])
	case MatchRange:
		return bytesCompare(masked, f.Values[0]) >= 0 && bytesCompare(masked, f.Values[1]) <= 0
	case MatchSet:
		for _, v := range f.Values {
			if bytesEqual(masked, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// bytesCompare compares two equal-length big-endian byte strings, matching
// ClassifierSimple.cc's memcmp-based range test.
func bytesCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ruleMatchesFilters reports whether every filter in fs matches pkt (a
// conjunction, per spec §3 "Rule ... names a conjunction of filters").
func ruleMatchesFilters(fs []Filter, pkt *netheader.Meta) bool {
	for i := range fs {
		if !matchFilter(&fs[i], pkt) {
			return false
		}
	}
	return true
}

// SortMatches sorts and deduplicates a match-id slice in place, returning
// the deduplicated length. Both back-ends funnel their raw results through
// this so that spec §4.3's "deterministic, sorted, deduplicated" guarantee
// holds identically for Simple and RFC (spec §8 invariant 1).
func SortMatches(ids []uint32) []uint32 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	var last uint32
	seenAny := false
	for _, id := range ids {
		if seenAny && id == last {
			continue
		}
		out = append(out, id)
		last = id
		seenAny = true
	}
	return out
}
