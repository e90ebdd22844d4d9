package auth

import "strings"

// FilterScopes trims entries, drops empties and removes duplicates while
// keeping first-seen order.
func FilterScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	filtered := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		filtered = append(filtered, scope)
	}
	return filtered
}

// ResolveScopes narrows requested to what the client is allowed.
//
// An empty request grants every allowed scope. A request that shares nothing
// with the allowed set also falls back to every allowed scope instead of
// failing; changing that is a product decision, not a bug fix.
func ResolveScopes(requested, allowed []string) []string {
	allowed = FilterScopes(allowed)
	if len(allowed) == 0 {
		return []string{}
	}

	requested = FilterScopes(requested)
	if len(requested) == 0 {
		return allowed
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, scope := range allowed {
		allowedSet[scope] = struct{}{}
	}

	granted := make([]string, 0, len(requested))
	for _, scope := range requested {
		if _, ok := allowedSet[scope]; ok {
			granted = append(granted, scope)
		}
	}
	if len(granted) == 0 {
		return allowed
	}
	return granted
}

func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func SplitScopes(scope string) []string {
	return FilterScopes(strings.Fields(scope))
}

func HasScope(granted []string, required string) bool {
	for _, scope := range granted {
		if scope == required {
			return true
		}
	}
	return false
}
