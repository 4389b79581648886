package snapshot

// Dedupe keeps the first occurrence of every key, in input order. It is
// idempotent: Dedupe(Dedupe(x)) equals Dedupe(x).
func Dedupe[T any, K comparable](items []T, key func(T) K) []T {
	seen := make(map[K]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := key(it)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Cap truncates items to at most n entries. n <= 0 means no cap.
func Cap[T any](items []T, n int) []T {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[:n]
}

// Filter returns the items for which keep returns true.
func Filter[T any](items []T, keep func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

type medicationKey struct {
	name, dosage string
}

func observationKey(o ObservationSummary) string { return o.Text }
func allergyKey(a AllergySummary) string         { return a.Text }
func conditionKey(c ConditionSummary) string     { return c.Text }
func medicationKeyOf(m MedicationSummary) medicationKey {
	return medicationKey{name: m.Name, dosage: m.Dosage}
}
