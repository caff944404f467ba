// Package topic implements hierarchical topic names and the ordered,
// duplicate-free Filter set that describes a destination's interests
// (spec §3 "Topic"/"Filter", §4.3).
package topic

import (
	"sort"
	"strings"
)

// Separator joins hierarchical topic path components.
const Separator = "/"

// Reserved component markers for internal store channels
// (spec §3: "Reserved components <reserved> and <master>|<clone>").
const (
	Reserved = "<reserved>"
	Master   = "<master>"
	Clone    = "<clone>"
)

// MasterTopic returns the reserved inbound topic of the master of the
// named store: "<name>/<reserved>/<master>".
func MasterTopic(name string) string {
	return strings.Join([]string{name, Reserved, Master}, Separator)
}

// CloneTopic returns the reserved inbound topic of clones of the named
// store: "<name>/<reserved>/<clone>".
func CloneTopic(name string) string {
	return strings.Join([]string{name, Reserved, Clone}, Separator)
}

// Matches reports whether topic t is covered by filter entry prefix,
// i.e. prefix is t itself or an ancestor of t in the '/'-separated
// hierarchy ("a/b/c" matches filter entry "a/b").
func Matches(prefix, t string) bool {
	if prefix == t {
		return true
	}
	return strings.HasPrefix(t, prefix+Separator)
}

// Filter is an ordered, duplicate-free sequence of topics. The zero value
// is the empty filter. All mutation goes through Add, which maintains the
// sorted-unique invariant (spec §3: "after any mutation the filter is
// sorted and unique"), mirroring core_state::add_to_filter in
// original_source (insert, sort, std::unique) bit for bit.
type Filter struct {
	topics []string
}

// New builds a Filter from the given topics, sorted and de-duplicated.
func New(topics ...string) Filter {
	var f Filter
	f.Add(topics)
	return f
}

// Add inserts xs into the filter, then sorts and de-duplicates. It
// reports whether the filter's contents actually changed, so callers
// know whether a FILTER_UPDATE broadcast is warranted (spec §4.3).
func (f *Filter) Add(xs []string) bool {
	before := len(f.topics)
	f.topics = append(f.topics, xs...)
	sort.Strings(f.topics)
	f.topics = dedup(f.topics)
	return before != len(f.topics)
}

func dedup(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// Topics returns the filter's entries in sorted order. Callers must not
// mutate the returned slice.
func (f Filter) Topics() []string { return f.topics }

// Len reports the number of entries.
func (f Filter) Len() int { return len(f.topics) }

// Matches reports whether t is covered by any entry of the filter.
func (f Filter) Matches(t string) bool {
	for _, p := range f.topics {
		if Matches(p, t) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (f Filter) Clone() Filter {
	cp := make([]string, len(f.topics))
	copy(cp, f.topics)
	return Filter{topics: cp}
}

// Union returns a new Filter containing every entry of f and other.
func (f Filter) Union(other Filter) Filter {
	u := f.Clone()
	u.Add(other.topics)
	return u
}
