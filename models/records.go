package models

import "time"

// SellerCandidate is a directory entry before it is persisted.
type SellerCandidate struct {
	Name     string `json:"name"`
	StoreURL string `json:"store_url"`
}

// ListingCandidate is a product card extracted from a seller search page,
// before its card name has been resolved.
type ListingCandidate struct {
	ExternalID int64   `json:"external_id"`
	CardName   string  `json:"card_name"`
	DetailURL  string  `json:"detail_url,omitempty"`
	Price      float64 `json:"price"`
	Quantity   int     `json:"quantity"`
	Condition  string  `json:"condition"`
	Foil       bool    `json:"foil"`
	Language   string  `json:"language"`
}

// Status reports whether a source was crawled to its natural end.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
)

// SellerResult is the outcome of crawling and persisting one seller.
type SellerResult struct {
	Seller     string
	Status     Status
	Pages      int
	Extracted  int
	Skipped    int
	Unresolved int
	Ambiguous  int
	Written    int
	Failed     int
	Err        error
	Duration   time.Duration
}

// RunReport aggregates a full listing crawl.
type RunReport struct {
	StartTime   time.Time
	EndTime     time.Time
	Sellers     int
	Complete    int
	Partial     int
	Extracted   int
	Skipped     int
	Unresolved  int
	Written     int
	Failed      int
	Results     []SellerResult
	FailedNames []string
}

// Add folds a seller result into the report.
func (r *RunReport) Add(res SellerResult) {
	r.Sellers++
	if res.Status == StatusComplete {
		r.Complete++
	} else {
		r.Partial++
		r.FailedNames = append(r.FailedNames, res.Seller)
	}
	r.Extracted += res.Extracted
	r.Skipped += res.Skipped
	r.Unresolved += res.Unresolved
	r.Written += res.Written
	r.Failed += res.Failed
	r.Results = append(r.Results, res)
}

// DiscoveryReport is the outcome of the seller directory pass.
type DiscoveryReport struct {
	Status   Status
	Pages    int
	Found    int
	Skipped  int
	Inserted int
	Updated  int
	Err      error
}

// ImportReport is the outcome of a reference catalog import.
type ImportReport struct {
	Decoded int
	Skipped int
	Written int
	Failed  int
	Batches int
	Err     error
}
