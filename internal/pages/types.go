package pages

import "time"

// PageID is the durable identifier of a stored page.
type PageID int64

// ProjectID identifies a research project.
type ProjectID int64

// DomainID identifies a domain tracked inside a project.
type DomainID int64

// UserID identifies an application user.
type UserID int64

// Record is one row of an archive capture index (CDX).
type Record struct {
	URL        string `json:"url" validate:"required"`
	Timestamp  string `json:"timestamp" validate:"required"`
	MimeType   string `json:"mime_type,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Length     int64  `json:"length,omitempty"`
	// Source names the upstream archive that produced the record.
	Source string `json:"source,omitempty"`
}

// Key returns the normalized capture key of the record.
func (r Record) Key() (Key, error) {
	return NewKey(r.URL, r.Timestamp)
}

// Provenance records who first asked for a capture.
type Provenance struct {
	ProjectID ProjectID `json:"project_id"`
	DomainID  DomainID  `json:"domain_id"`
	UserID    UserID    `json:"user_id"`
}

// Page is the canonical stored capture. Exactly one exists per Key.
type Page struct {
	ID         PageID
	Key        Key
	MimeType   string
	StatusCode int
	// Digest is the hex SHA-256 of the stored body.
	Digest    string
	Size      int64
	BlobURI   string
	FetchedAt time.Time
	CreatedAt time.Time
}

// RegistryEntry tracks the fetch state of one Key.
type RegistryEntry struct {
	Key    Key
	Status FetchStatus
	// PageID is set once Status is completed; zero otherwise.
	PageID        PageID
	Origin        Provenance
	Attempts      int
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Waiter is a project that classified a Key while its fetch was unresolved and
// must be linked when the fetch completes.
type Waiter struct {
	Key Key
	Provenance
}

// Link associates a stored page with a project.
type Link struct {
	PageID       PageID
	ProjectID    ProjectID
	DomainID     DomainID
	UserID       UserID
	Priority     int
	ReviewStatus ReviewStatus
	Starred      bool
	Tags         []string
}

// ProjectPage is a page as seen through one project's association.
type ProjectPage struct {
	PageID       PageID       `json:"page_id"`
	URL          string       `json:"url"`
	Timestamp    string       `json:"timestamp"`
	DomainID     DomainID     `json:"domain_id"`
	Priority     int          `json:"priority"`
	ReviewStatus ReviewStatus `json:"review_status"`
	Starred      bool         `json:"starred"`
	Tags         []string     `json:"tags"`
	LinkedAt     time.Time    `json:"linked_at"`
}

// FetchRequest hands a scheduled capture to the external fetcher.
type FetchRequest struct {
	ID          string     `json:"id"`
	Key         Key        `json:"key"`
	Record      Record     `json:"record"`
	Origin      Provenance `json:"origin"`
	RequestedAt time.Time  `json:"requested_at"`
}
