package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/autologin-svc/internal/videocall"
)

// MockConversationStore implements videocall.Store in memory.
// All methods are safe for concurrent use.
type MockConversationStore struct {
	mu    sync.Mutex
	convs map[string]videocall.Conversation
	clock time.Time

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
}

// NewMockConversationStore returns an empty store.
func NewMockConversationStore() *MockConversationStore {
	return &MockConversationStore{
		convs:  make(map[string]videocall.Conversation),
		clock:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		errors: make(map[string]error),
	}
}

// Add inserts or replaces a conversation. Each call advances the store clock
// so UpdatedAt ordering follows insertion order.
func (m *MockConversationStore) Add(key string, hasVideoCall bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	m.convs[key] = videocall.Conversation{
		ConversationKey: key,
		HasVideoCall:    hasVideoCall,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Get returns a copy of the stored conversation.
func (m *MockConversationStore) Get(key string) (videocall.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[key]
	return c, ok
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockConversationStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockConversationStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockConversationStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *MockConversationStore) FindByKey(_ context.Context, key string) (*videocall.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("FindByKey"); err != nil {
		return nil, err
	}
	c, ok := m.convs[key]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MockConversationStore) SetVideoCall(_ context.Context, key string, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetVideoCall"); err != nil {
		return false, err
	}
	c, ok := m.convs[key]
	if !ok || c.HasVideoCall == active {
		return false, nil
	}
	c.HasVideoCall = active
	c.UpdatedAt = m.tick()
	m.convs[key] = c
	return true, nil
}

func (m *MockConversationStore) ListActive(_ context.Context) ([]videocall.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListActive"); err != nil {
		return nil, err
	}
	out := []videocall.Conversation{}
	for _, c := range m.convs {
		if c.HasVideoCall {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MockConversationStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popError("Ping")
}

func (m *MockConversationStore) Close() error { return nil }

var _ videocall.Store = (*MockConversationStore)(nil)
