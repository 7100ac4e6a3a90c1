package cohort

import (
	"github.com/fc3r-data/brainmap/internal/monitoring"
)

// Policy holds the inclusion rules applied to the scanned cohort.
// The zero value keeps every case that has a reference image.
type Policy struct {
	// FilterByModality drops cases missing the requested optional
	// modalities. With RequireAll unset a single present modality is
	// enough; with it set, all requested modalities must be present.
	FilterByModality bool
	RequireAll       bool

	// Sessions is an explicit allow-list of session labels. Empty means
	// no session filtering. Session-less cases match an entry equal to
	// the canonical session.
	Sessions []string
}

// SelectedCases is the immutable selected set consulted by every
// downstream stage. It is produced exactly once per run.
type SelectedCases struct {
	cases []Case
	byID  map[CaseID]int
}

// Cases returns the selected cases in scan order.
func (s SelectedCases) Cases() []Case { return s.cases }

// Len returns the number of selected cases.
func (s SelectedCases) Len() int { return len(s.cases) }

// Contains reports whether the case participates in the run.
func (s SelectedCases) Contains(id CaseID) bool {
	_, ok := s.byID[id]
	return ok
}

// Groups returns the distinct group labels of the selected cases, in
// first-appearance order.
func (s SelectedCases) Groups() []string {
	var groups []string
	seen := make(map[string]bool)
	for _, c := range s.cases {
		g := GroupForSession(c.ID.Session)
		if !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}
	return groups
}

// InGroup returns the selected cases whose session maps to the group.
func (s SelectedCases) InGroup(group string) []Case {
	var out []Case
	for _, c := range s.cases {
		if GroupForSession(c.ID.Session) == group {
			out = append(out, c)
		}
	}
	return out
}

// Select applies the policy rules, in order: session allow-list, then
// modality presence. Modality filtering only applies when enabled and at
// least one optional modality was requested; otherwise every case with a
// reference image is kept.
func Select(cases []Case, p Policy, requested []string) SelectedCases {
	sel := SelectedCases{byID: make(map[CaseID]int)}
	for _, c := range cases {
		if len(p.Sessions) > 0 && !sessionAllowed(c, p.Sessions) {
			monitoring.Skipf(c.ID.String(), "session not in allow-list")
			continue
		}
		if p.FilterByModality && len(requested) > 0 && !hasRequested(c, requested, p.RequireAll) {
			monitoring.Skipf(c.ID.String(), "missing requested modalities")
			continue
		}
		sel.byID[c.ID] = len(sel.cases)
		sel.cases = append(sel.cases, c)
	}
	return sel
}

func sessionAllowed(c Case, allowed []string) bool {
	for _, s := range allowed {
		if c.ID.Session == s {
			return true
		}
		// Session-less datasets carry the canonical session; let an
		// allow-list written with explicit labels still match them.
		if c.Sessionless && s == CanonicalSession {
			return true
		}
	}
	return false
}

func hasRequested(c Case, requested []string, requireAll bool) bool {
	count := 0
	for _, mod := range requested {
		if c.HasModality(mod) {
			count++
		}
	}
	if requireAll {
		return count == len(requested)
	}
	return count > 0
}
