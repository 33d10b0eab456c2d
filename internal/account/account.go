package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source names a datastore that holds account records.
type Source string

const (
	SourceMain      Source = "main"
	SourceSecondary Source = "secondary"
)

// Mode selects which datastores participate in loading and resolution.
type Mode string

const (
	ModeMain      Mode = "main"
	ModeSecondary Mode = "secondary"
	ModeBoth      Mode = "both"
)

// ParseMode validates a configured source mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeMain, ModeSecondary, ModeBoth:
		return m, nil
	}
	return "", fmt.Errorf("source mode must be main, secondary, or both; got %q", s)
}

// UsesMain reports whether the main store participates under m.
func (m Mode) UsesMain() bool { return m == ModeMain || m == ModeBoth }

// UsesSecondary reports whether the secondary store participates under m.
func (m Mode) UsesSecondary() bool { return m == ModeSecondary || m == ModeBoth }

// Account status values written by the login automation.
const (
	StatusActive  = "active"
	StatusBanned  = "banned"
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusLogout  = "logout"
)

// Proxy is the egress proxy bound to an account.
type Proxy struct {
	Host     string `json:"host,omitempty" bson:"host,omitempty"`
	Port     int    `json:"port,omitempty" bson:"port,omitempty"`
	Username string `json:"username,omitempty" bson:"username,omitempty"`
	Password string `json:"password,omitempty" bson:"password,omitempty"`
}

// Account is a stored account record.
type Account struct {
	PhoneNumber    string    `json:"phoneNumber" bson:"phoneNumber"`
	Name           string    `json:"name" bson:"name"`
	Status         string    `json:"status" bson:"status"`
	IsHandle       bool      `json:"isHandle" bson:"isHandle"`
	IsPermanentBan bool      `json:"isPermanentBan,omitempty" bson:"isPermanentBan,omitempty"`
	Proxy          *Proxy    `json:"proxy,omitempty" bson:"proxy,omitempty"`
	LastLogin      time.Time `json:"lastLogin" bson:"lastLogin"`
	UpdatedAt      time.Time `json:"updatedAt" bson:"updatedAt"`

	// DBSource is set in memory by whoever read the record; never persisted.
	DBSource Source `json:"dbSource,omitempty" bson:"-"`
}

// Projection is the slice of an account handed to a rotation consumer.
type Projection struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phoneNumber"`
	Proxy       *Proxy `json:"proxy,omitempty"`
	DBSource    Source `json:"dbSource"`
}

// Project returns the dispensable projection of a.
func (a Account) Project() Projection {
	return Projection{
		Name:        a.Name,
		PhoneNumber: a.PhoneNumber,
		Proxy:       a.Proxy,
		DBSource:    a.DBSource,
	}
}

// StatusCode is the ordinal classification of an account.
type StatusCode int

const (
	CodeNotFound       StatusCode = 0
	CodeBannedPending  StatusCode = 1
	CodeBannedHandled  StatusCode = 2
	CodePermanentlyBan StatusCode = 3
	CodeOnline         StatusCode = 4
	CodeOther          StatusCode = 5
)

func (c StatusCode) String() string {
	switch c {
	case CodeNotFound:
		return "not_found"
	case CodeBannedPending:
		return "banned_pending"
	case CodeBannedHandled:
		return "banned_handled"
	case CodePermanentlyBan:
		return "permanently_banned"
	case CodeOnline:
		return "online"
	case CodeOther:
		return "other"
	}
	return "unknown"
}

// Classify reduces a (possibly absent) record to a status code.
// Permanent ban wins over any transient ban state.
func Classify(a *Account) StatusCode {
	switch {
	case a == nil:
		return CodeNotFound
	case a.IsPermanentBan:
		return CodePermanentlyBan
	case a.Status == StatusBanned && !a.IsHandle:
		return CodeBannedPending
	case a.Status == StatusBanned && a.IsHandle:
		return CodeBannedHandled
	case a.Status == StatusOnline:
		return CodeOnline
	default:
		return CodeOther
	}
}

// Store is a single account datastore.
// FindByPhone and UpdateHandled return (nil, nil) when no record matches.
type Store interface {
	Name() Source

	FindEligibleBanned(ctx context.Context) ([]Account, error)
	FindHandledBanned(ctx context.Context) ([]Account, error)
	FindInactive(ctx context.Context, since time.Time) ([]Account, error)
	FindByPhone(ctx context.Context, phone string) (*Account, error)

	UpdateHandled(ctx context.Context, phone string) (*Account, error)
	UpdateLastLogin(ctx context.Context, phone string, at time.Time) (*Account, error)
	SetPermanentBan(ctx context.Context, phone string) (*Account, error)

	Ping(ctx context.Context) error
	Close() error
}

// --- Errors -----------------------------------------------------------------

// ErrNotFound is returned when nothing matches: no eligible accounts, or no
// record for a phone number in any configured store.
var ErrNotFound = errors.New("not found")

// ErrInvalidPhone is returned when a phone number is required but empty.
var ErrInvalidPhone = errors.New("phoneNumber is required")

// ErrExhausted is returned when the current rotation generation has been fully dispensed.
type ErrExhausted struct {
	RemainingMinutes int
}

func (e *ErrExhausted) Error() string {
	return fmt.Sprintf("all accounts for this period dispensed; retry in %d minutes", e.RemainingMinutes)
}

// ErrConflict is returned when a create would duplicate an existing record.
type ErrConflict struct {
	Msg string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("conflict: %s", e.Msg)
}

// MaskPhone keeps the first two and last two characters of a phone number for logging.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
