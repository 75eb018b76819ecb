package assign

import (
	"strings"

	"pluriform/internal/core"
)

// memberLocations is the lowercased union of the members' extracted
// location strings.
func memberLocations(members []core.Article) map[string]struct{} {
	out := make(map[string]struct{})
	for i := range members {
		for _, loc := range members[i].Locations {
			loc = strings.ToLower(strings.TrimSpace(loc))
			if loc != "" {
				out[loc] = struct{}{}
			}
		}
	}
	return out
}

// disjoint reports whether two sets share no element. Empty sets are
// trivially disjoint.
func disjoint(a, b map[string]struct{}) bool {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for k := range small {
		if _, ok := large[k]; ok {
			return false
		}
	}
	return true
}
