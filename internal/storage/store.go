package storage

import (
	"time"
)

// Permanent-ban report review states.
const (
	ReportPending   = "pending"
	ReportConfirmed = "confirmed"
	ReportInvalid   = "invalid"
)

// Login handoff states.
const (
	LoginOffline = "offline"
	LoginScan    = "scan"
)

// Report is an operator-facing permanent-ban report, keyed by phone number.
type Report struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phoneNumber"`
	Source      string    `json:"source"`
	Status      string    `json:"status"`
	Remarks     string    `json:"remarks,omitempty"`
	ReportedAt  time.Time `json:"reportedAt"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Handoff is a pending mobile↔PC login handoff, keyed by phone device.
type Handoff struct {
	Name        string    `json:"name"`
	PhoneDevice string    `json:"phone_device"`
	LoginStatus string    `json:"login_status"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store is the local embedded persistence interface.
type Store interface {
	// Permanent-ban reports
	GetReport(phone string) (*Report, error)
	PutReport(rec Report) error
	ListReports() ([]Report, error)

	// Login handoff queue
	PutHandoff(rec Handoff) error
	// TakeHandoff deletes and returns the record for phoneDevice. When
	// wantStatus is non-empty a record in any other state is left in place
	// and (nil, nil) is returned.
	TakeHandoff(phoneDevice, wantStatus string) (*Handoff, error)
	CountHandoffs() (int, error)

	// APIRateGate: rolling-window API budget.
	// Returns allowed=true if within budget; atomically appends timestamp on allowed.
	APIRateGate(endpoint string, window time.Duration, max int) (bool, error)

	// Janitor helpers
	PruneStaleHandoffs(maxAge time.Duration) (int, error)
	PruneExpiredRateEntries(window time.Duration) (int, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
