package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/developingchet/autologin-svc/internal/account"
)

// MockAccountStore implements account.Store over an ordered in-memory slice.
// All methods are safe for concurrent use.
type MockAccountStore struct {
	mu       sync.Mutex
	name     account.Source
	accounts []account.Account

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// sticky is returned by every method until cleared
	sticky error

	// Call counts per method
	calls map[string]int
}

// NewMockAccountStore returns an empty store reporting the given source name.
func NewMockAccountStore(name account.Source) *MockAccountStore {
	return &MockAccountStore{
		name:   name,
		errors: make(map[string]error),
		calls:  make(map[string]int),
	}
}

// Add appends records in query order. Existing phone numbers are replaced in place.
func (m *MockAccountStore) Add(accts ...account.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range accts {
		if i := m.indexOf(a.PhoneNumber); i >= 0 {
			m.accounts[i] = a
			continue
		}
		m.accounts = append(m.accounts, a)
	}
}

// Get returns a copy of the stored record, or nil.
func (m *MockAccountStore) Get(phone string) *account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexOf(phone); i >= 0 {
		cp := m.accounts[i]
		return &cp
	}
	return nil
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockAccountStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Fail makes every method return err until Fail(nil) is called.
func (m *MockAccountStore) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sticky = err
}

// Calls returns how many times method was invoked.
func (m *MockAccountStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockAccountStore) enter(method string) error {
	m.calls[method]++
	if m.sticky != nil {
		return m.sticky
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockAccountStore) indexOf(phone string) int {
	for i := range m.accounts {
		if m.accounts[i].PhoneNumber == phone {
			return i
		}
	}
	return -1
}

func (m *MockAccountStore) tagged(a account.Account) account.Account {
	a.DBSource = m.name
	return a
}

func (m *MockAccountStore) filter(pred func(account.Account) bool) []account.Account {
	var out []account.Account
	for _, a := range m.accounts {
		if pred(a) {
			out = append(out, m.tagged(a))
		}
	}
	return out
}

func (m *MockAccountStore) mutate(phone string, fn func(*account.Account)) *account.Account {
	i := m.indexOf(phone)
	if i < 0 {
		return nil
	}
	fn(&m.accounts[i])
	m.accounts[i].UpdatedAt = time.Now().UTC()
	cp := m.tagged(m.accounts[i])
	return &cp
}

// --- account.Store ----------------------------------------------------------

func (m *MockAccountStore) Name() account.Source { return m.name }

func (m *MockAccountStore) FindEligibleBanned(_ context.Context) ([]account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindEligibleBanned"); err != nil {
		return nil, err
	}
	return m.filter(func(a account.Account) bool {
		return a.Status == account.StatusBanned && !a.IsHandle
	}), nil
}

func (m *MockAccountStore) FindHandledBanned(_ context.Context) ([]account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindHandledBanned"); err != nil {
		return nil, err
	}
	return m.filter(func(a account.Account) bool {
		return a.Status == account.StatusBanned && a.IsHandle
	}), nil
}

func (m *MockAccountStore) FindInactive(_ context.Context, since time.Time) ([]account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindInactive"); err != nil {
		return nil, err
	}
	return m.filter(func(a account.Account) bool {
		return a.LastLogin.Before(since)
	}), nil
}

func (m *MockAccountStore) FindByPhone(_ context.Context, phone string) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindByPhone"); err != nil {
		return nil, err
	}
	if i := m.indexOf(phone); i >= 0 {
		cp := m.tagged(m.accounts[i])
		return &cp, nil
	}
	return nil, nil
}

func (m *MockAccountStore) UpdateHandled(_ context.Context, phone string) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateHandled"); err != nil {
		return nil, err
	}
	return m.mutate(phone, func(a *account.Account) { a.IsHandle = true }), nil
}

func (m *MockAccountStore) UpdateLastLogin(_ context.Context, phone string, at time.Time) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateLastLogin"); err != nil {
		return nil, err
	}
	return m.mutate(phone, func(a *account.Account) { a.LastLogin = at.UTC() }), nil
}

func (m *MockAccountStore) SetPermanentBan(_ context.Context, phone string) (*account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetPermanentBan"); err != nil {
		return nil, err
	}
	return m.mutate(phone, func(a *account.Account) { a.IsPermanentBan = true }), nil
}

func (m *MockAccountStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *MockAccountStore) Close() error {
	return nil
}
