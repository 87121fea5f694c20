// Package classification implements only the single join operation the
// submission dispatcher's Finalize step needs (spec.md §4.5, Open Question
// 1). The full classification lattice is an external collaborator
// (spec.md §1) this core never reimplements.
package classification

// Unrestricted is the bottom element of the lattice: the least restrictive
// classification, and the starting point for a Finalize join.
const Unrestricted = "UNRESTRICTED"

// rank orders a small, fixed set of classification levels from least to most
// restrictive. Any classification string this core has not been told about
// is treated as more restrictive than every known level, so an unrecognized
// label never silently loses information in a join.
var rank = map[string]int{
	Unrestricted:   0,
	"RESTRICTED":   1,
	"CONFIDENTIAL": 2,
	"SECRET":       3,
}

func levelOf(c string) int {
	if lvl, ok := rank[c]; ok {
		return lvl
	}
	return len(rank) + 1
}

// Max returns the join (least upper bound) of two classifications: the more
// restrictive of the two. Ties and unknown labels resolve lexicographically
// so the result is deterministic regardless of argument order.
func Max(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	la, lb := levelOf(a), levelOf(b)
	switch {
	case la > lb:
		return a
	case lb > la:
		return b
	default:
		if a < b {
			return b
		}
		return a
	}
}

// Join folds Max over a sequence of classifications, starting from
// Unrestricted, matching original_source's
// `Classification.max_classification` accumulation in finalize_submission.
func Join(cs []string) string {
	out := Unrestricted
	for _, c := range cs {
		out = Max(out, c)
	}
	return out
}
