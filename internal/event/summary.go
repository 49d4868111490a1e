package event

const (
	maxSummary     = 128
	maxBreakSearch = 10
)

// TrimSummary reduces detail to a summary line of at most 128 characters.
// The cut lands on a word boundary when one exists within the last 10
// characters of the limit, otherwise at the limit itself.
func TrimSummary(detail string) string {
	if len(detail) <= maxSummary {
		return detail
	}
	if detail[maxSummary] == ' ' {
		return detail[:maxSummary]
	}

	last := maxSummary - 1 - maxBreakSearch
	if last < 0 {
		last = 0
	}
	for i := maxSummary - 1; i > last; i-- {
		if detail[i] == ' ' {
			return detail[:i+1]
		}
	}
	return detail[:maxSummary]
}
