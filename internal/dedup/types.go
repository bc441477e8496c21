package dedup

import "github.com/JakeFAU/sharedpages/internal/pages"

// ClassifyRequest is one batch of capture records for a (project, domain) pair.
type ClassifyRequest struct {
	ProjectID pages.ProjectID
	DomainID  pages.DomainID
	UserID    pages.UserID
	Records   []pages.Record
}

func (r ClassifyRequest) provenance() pages.Provenance {
	return pages.Provenance{ProjectID: r.ProjectID, DomainID: r.DomainID, UserID: r.UserID}
}

// LinkedPage is a key that resolved to a stored page.
type LinkedPage struct {
	Key    pages.Key    `json:"key"`
	PageID pages.PageID `json:"page_id"`
}

// Stats counts how a batch was resolved.
type Stats struct {
	Total      int `json:"total"`
	Unique     int `json:"unique"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
	CacheHits  int `json:"cache_hits"`
	StoreHits  int `json:"store_hits"`
	Linked     int `json:"linked"`
	Pending    int `json:"pending"`
	Scheduled  int `json:"scheduled"`
	Retried    int `json:"retried"`
	RaceLost   int `json:"race_lost"`
	NewLinks   int `json:"new_links"`
}

// Result partitions the unique valid keys of a batch. Every key lands in
// exactly one bucket and each bucket is sorted by (URL, Timestamp).
type Result struct {
	Linked    []LinkedPage `json:"linked"`
	Pending   []pages.Key  `json:"pending"`
	Scheduled []pages.Key  `json:"scheduled"`
	Stats     Stats        `json:"stats"`
}
