package authz

import "sort"

// Authorize reports whether granted contains every scope in required.
// Scopes are compared as exact strings with no hierarchy or wildcards.
// A key with no granted scopes is never authorized, even for a route that
// requires none.
func Authorize(granted, required []string) bool {
	if len(granted) == 0 {
		return false
	}

	set := toSet(granted)
	for _, s := range required {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the sorted, de-duplicated required scopes absent from granted.
func Missing(granted, required []string) []string {
	set := toSet(granted)
	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, s := range required {
		if _, ok := set[s]; ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		missing = append(missing, s)
	}
	sort.Strings(missing)
	return missing
}

// Normalize returns a sorted copy of scopes without duplicates. It never
// returns nil so JSON renders an empty list as [].
func Normalize(scopes []string) []string {
	set := toSet(scopes)
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func toSet(scopes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}
