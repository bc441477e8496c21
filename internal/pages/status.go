package pages

import "fmt"

// FetchStatus is the lifecycle state of a registry entry.
type FetchStatus string

// Registry states persisted in fetch_registry.status.
const (
	StatusPending    FetchStatus = "pending"
	StatusInProgress FetchStatus = "in_progress"
	StatusCompleted  FetchStatus = "completed"
	StatusFailed     FetchStatus = "failed"
)

var transitions = map[FetchStatus][]FetchStatus{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
	StatusCompleted:  nil,
}

// CanTransition reports whether from -> to is a legal registry transition.
func CanTransition(from, to FetchStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s FetchStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// InFlight reports whether another worker may currently own the fetch.
func (s FetchStatus) InFlight() bool {
	return s == StatusPending || s == StatusInProgress
}

// ParseFetchStatus converts a stored value into a FetchStatus.
func ParseFetchStatus(raw string) (FetchStatus, error) {
	s := FetchStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown fetch status %q", raw)
	}
	return s, nil
}

// ReviewStatus is per-association review metadata.
type ReviewStatus string

// Review states persisted in project_pages.review_status.
const (
	ReviewUnreviewed  ReviewStatus = "unreviewed"
	ReviewRelevant    ReviewStatus = "relevant"
	ReviewIrrelevant  ReviewStatus = "irrelevant"
	ReviewNeedsReview ReviewStatus = "needs_review"
)

// Valid reports whether r is a known review status.
func (r ReviewStatus) Valid() bool {
	switch r {
	case ReviewUnreviewed, ReviewRelevant, ReviewIrrelevant, ReviewNeedsReview:
		return true
	default:
		return false
	}
}

// OrDefault returns r, or ReviewUnreviewed when r is empty.
func (r ReviewStatus) OrDefault() ReviewStatus {
	if r == "" {
		return ReviewUnreviewed
	}
	return r
}
