package cohort

// DefaultGroup is the fallback label for sessions outside the partition
// table, including session-less datasets.
const DefaultGroup = "G0"

// GroupForSession maps a session label to its cohort group. Pairs of
// consecutive sessions share a group: {1,2} G1, {3,4} G2, {5,6} G3.
// Anything unmapped falls back to DefaultGroup.
//
// Template construction and modality averaging must both batch through
// this function so their groupings never diverge.
func GroupForSession(session string) string {
	n, ok := SessionIndex(session)
	if !ok {
		return DefaultGroup
	}
	switch {
	case n >= 1 && n <= 2:
		return "G1"
	case n >= 3 && n <= 4:
		return "G2"
	case n >= 5 && n <= 6:
		return "G3"
	default:
		return DefaultGroup
	}
}
