package launchenv

import (
	"os"
	"sort"
	"strings"
)

// Snapshot is an immutable name -> value mapping.
// The zero value is an empty snapshot.
type Snapshot struct {
	m map[string]string
}

// NewSnapshot copies vars into a new Snapshot.
func NewSnapshot(vars map[string]string) Snapshot {
	m := make(map[string]string, len(vars))
	for k, v := range vars {
		m[k] = v
	}
	return Snapshot{m: m}
}

// FromEnviron parses NAME=VALUE entries as returned by os.Environ.
// Entries without '=' are ignored; for duplicates the last entry wins.
func FromEnviron(environ []string) Snapshot {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}
	return Snapshot{m: m}
}

// Capture snapshots the current process environment.
func Capture() Snapshot { return FromEnviron(os.Environ()) }

func (s Snapshot) Len() int { return len(s.m) }

func (s Snapshot) Get(name string) (string, bool) {
	v, ok := s.m[name]
	return v, ok
}

// Names returns the variable names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.m))
	for k := range s.m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Each calls fn for every variable in name order.
func (s Snapshot) Each(fn func(name, value string)) {
	for _, k := range s.Names() {
		fn(k, s.m[k])
	}
}

// Map returns a copy of the underlying mapping.
func (s Snapshot) Map() map[string]string {
	out := make(map[string]string, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}

// Merge returns a new snapshot with the variables of overlay replacing
// those of s.
func (s Snapshot) Merge(overlay Snapshot) Snapshot {
	m := s.Map()
	for k, v := range overlay.m {
		m[k] = v
	}
	return Snapshot{m: m}
}

// Filter returns the subset of s selected by only/prefixes minus exclude.
// When both only and prefixes are empty every name is selected.
func (s Snapshot) Filter(only, prefixes, exclude []string) Snapshot {
	keep := make(map[string]bool, len(only))
	for _, n := range only {
		keep[n] = true
	}
	drop := make(map[string]bool, len(exclude))
	for _, n := range exclude {
		drop[n] = true
	}
	selectAll := len(only) == 0 && len(prefixes) == 0

	m := make(map[string]string, len(s.m))
	for k, v := range s.m {
		if drop[k] {
			continue
		}
		if !selectAll && !keep[k] && !hasAnyPrefix(k, prefixes) {
			continue
		}
		m[k] = v
	}
	return Snapshot{m: m}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
