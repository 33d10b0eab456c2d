// Package videocall gates one video call per conversation and notifies a
// downstream webhook when a call completes.
package videocall

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Outcome codes reported to API callers.
var (
	ErrConversationNotFound = errors.New("conversation_not_found")
	ErrCallAlreadyActive    = errors.New("call_already_active")
	ErrCallNotActive        = errors.New("call_not_active")
	ErrWebhookFailed        = errors.New("webhook_failed")
)

// Conversation is a chat between an account and a recipient.
type Conversation struct {
	ConversationKey string    `json:"conversationKey" bson:"conversationKey"`
	HasVideoCall    bool      `json:"hasVideoCall" bson:"hasVideoCall"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Store persists conversations. Lookups return (nil, nil) when absent.
type Store interface {
	FindByKey(ctx context.Context, key string) (*Conversation, error)
	// SetVideoCall flips hasVideoCall to active only if it currently holds
	// the opposite value, and reports whether a record changed.
	SetVideoCall(ctx context.Context, key string, active bool) (bool, error)
	// ListActive returns conversations with hasVideoCall set, newest update first.
	ListActive(ctx context.Context) ([]Conversation, error)
	Ping(ctx context.Context) error
	Close() error
}

// ConversationKey builds the order-independent key for two phone numbers:
// digits only, sorted, joined by "_".
func ConversationKey(accountPhone, recipientPhone string) string {
	phones := []string{digits(accountPhone), digits(recipientPhone)}
	sort.Strings(phones)
	return phones[0] + "_" + phones[1]
}

func digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
