package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/developingchet/autologin-svc/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu       sync.Mutex
	reports  map[string]storage.Report
	handoffs map[string]storage.Handoff
	rate     map[string][]int64 // endpoint -> Unix-nano timestamps

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Now stamps handoffs; defaults to time.Now.
	Now func() time.Time

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		reports:  make(map[string]storage.Report),
		handoffs: make(map[string]storage.Handoff),
		rate:     make(map[string][]int64),
		errors:   make(map[string]error),
		Now:      time.Now,
		Size:     1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Permanent-ban reports --------------------------------------------------

func (m *MockStore) GetReport(phone string) (*storage.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetReport"); err != nil {
		return nil, err
	}
	rec, ok := m.reports[phone]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (m *MockStore) PutReport(rec storage.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PutReport"); err != nil {
		return err
	}
	m.reports[rec.PhoneNumber] = rec
	return nil
}

// ListReports returns reports ordered by phone number, matching bbolt key order.
func (m *MockStore) ListReports() ([]storage.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListReports"); err != nil {
		return nil, err
	}
	out := make([]storage.Report, 0, len(m.reports))
	for _, r := range m.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhoneNumber < out[j].PhoneNumber })
	return out, nil
}

// --- Login handoff queue ----------------------------------------------------

func (m *MockStore) PutHandoff(rec storage.Handoff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PutHandoff"); err != nil {
		return err
	}
	rec.UpdatedAt = m.Now().UTC()
	m.handoffs[rec.PhoneDevice] = rec
	return nil
}

func (m *MockStore) TakeHandoff(phoneDevice, wantStatus string) (*storage.Handoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("TakeHandoff"); err != nil {
		return nil, err
	}
	rec, ok := m.handoffs[phoneDevice]
	if !ok || (wantStatus != "" && rec.LoginStatus != wantStatus) {
		return nil, nil
	}
	delete(m.handoffs, phoneDevice)
	return &rec, nil
}

func (m *MockStore) CountHandoffs() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("CountHandoffs"); err != nil {
		return 0, err
	}
	return len(m.handoffs), nil
}

// --- APIRateGate ------------------------------------------------------------

func (m *MockStore) APIRateGate(endpoint string, window time.Duration, max int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("APIRateGate"); err != nil {
		return false, err
	}
	if max <= 0 {
		return true, nil
	}
	cutoff := time.Now().Add(-window).UnixNano()
	now := time.Now().UnixNano()
	ts := m.rate[endpoint]

	pruned := ts[:0]
	for _, t := range ts {
		if t >= cutoff {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= max {
		m.rate[endpoint] = pruned
		return false, nil
	}
	m.rate[endpoint] = append(pruned, now)
	return true, nil
}

// --- Janitor helpers --------------------------------------------------------

func (m *MockStore) PruneStaleHandoffs(maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneStaleHandoffs"); err != nil {
		return 0, err
	}
	cutoff := m.Now().UTC().Add(-maxAge)
	pruned := 0
	for dev, rec := range m.handoffs {
		if rec.UpdatedAt.Before(cutoff) {
			delete(m.handoffs, dev)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MockStore) PruneExpiredRateEntries(window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneExpiredRateEntries"); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-window).UnixNano()
	total := 0
	for ep, ts := range m.rate {
		pruned := ts[:0]
		for _, t := range ts {
			if t >= cutoff {
				pruned = append(pruned, t)
			}
		}
		total += len(ts) - len(pruned)
		if len(pruned) == 0 {
			delete(m.rate, ep)
		} else {
			m.rate[ep] = pruned
		}
	}
	return total, nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	return nil
}

var _ storage.Store = (*MockStore)(nil)
