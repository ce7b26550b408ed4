// Package classify assigns support categories to conversations and screens
// them for safety signals that force human escalation.
package classify

// Category is one value of the closed support taxonomy. Providers may only
// produce these values; anything else is coerced to Uncategorized.
type Category string

const (
	Tracking      Category = "tracking"
	Billing       Category = "billing"
	Retention     Category = "retention"
	DamageClaim   Category = "damage_claim"
	AddressChange Category = "address_change"
	PauseSkip     Category = "pause_skip"
	Gratitude     Category = "gratitude"
	General       Category = "general"

	// Uncategorized is the fallback when no provider verdict survives
	// validation. It is never auto-sent.
	Uncategorized Category = "uncategorized"
)

// Categories lists every taxonomy value, Uncategorized included.
func Categories() []Category {
	return []Category{
		Tracking, Billing, Retention, DamageClaim,
		AddressChange, PauseSkip, Gratitude, General,
		Uncategorized,
	}
}

// CategoryNames returns the taxonomy as plain strings, for config validation.
func CategoryNames() []string {
	cats := Categories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	return names
}

// Valid reports whether s is a member of the taxonomy.
func Valid(s string) bool {
	for _, c := range Categories() {
		if string(c) == s {
			return true
		}
	}
	return false
}
