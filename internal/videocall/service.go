package videocall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/developingchet/autologin-svc/internal/account"
	"github.com/developingchet/autologin-svc/internal/pool"
	"github.com/rs/zerolog"
)

// ActionCompleted is the pool job action for a completed-call notification.
const ActionCompleted = "video_call_completed"

// ErrMissingKey is returned when a conversation key is empty.
var ErrMissingKey = errors.New("conversationKey is required")

// Enqueuer accepts webhook jobs without blocking. *pool.Pool satisfies it.
type Enqueuer interface {
	Enqueue(job pool.Job) bool
}

// CheckResult is the outcome of Check.
type CheckResult struct {
	CanCall         bool   `json:"canCall"`
	ConversationKey string `json:"conversationKey"`
	Reason          string `json:"reason,omitempty"`
	Message         string `json:"message"`
}

// ActiveList is the outcome of List.
type ActiveList struct {
	Conversations []Conversation `json:"conversations"`
	Count         int            `json:"count"`
}

// Notification is the webhook body for a completed call.
type Notification struct {
	ConversationKey string    `json:"conversationKey"`
	CompletedAt     time.Time `json:"completedAt"`
}

// Service implements video-call gating over a conversation store.
type Service struct {
	store Store
	jobs  Enqueuer
	now   func() time.Time
	log   zerolog.Logger
}

// NewService returns a Service. jobs may be nil, in which case completed
// calls are recorded without a webhook notification.
func NewService(store Store, jobs Enqueuer, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		jobs:  jobs,
		now:   time.Now,
		log:   log.With().Str("component", "videocall").Logger(),
	}
}

// Check reports whether a video call may start between the two phones.
func (s *Service) Check(ctx context.Context, accountPhone, recipientPhone string) (CheckResult, error) {
	if digits(accountPhone) == "" || digits(recipientPhone) == "" {
		return CheckResult{}, account.ErrInvalidPhone
	}
	key := ConversationKey(accountPhone, recipientPhone)

	c, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return CheckResult{}, fmt.Errorf("check %s: %w", key, err)
	}
	switch {
	case c == nil:
		return CheckResult{
			ConversationKey: key,
			Reason:          ErrConversationNotFound.Error(),
			Message:         "conversation not found",
		}, nil
	case c.HasVideoCall:
		return CheckResult{
			ConversationKey: key,
			Reason:          ErrCallAlreadyActive.Error(),
			Message:         "a video call already exists for this conversation",
		}, nil
	}
	return CheckResult{CanCall: true, ConversationKey: key, Message: "video call allowed"}, nil
}

// Complete marks the conversation's call as taken and queues the webhook.
// If the notification cannot be queued the flag is rolled back and
// ErrWebhookFailed is returned.
func (s *Service) Complete(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrMissingKey
	}
	changed, err := s.store.SetVideoCall(ctx, key, true)
	if err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	if !changed {
		return s.explainUnchanged(ctx, key, ErrCallAlreadyActive)
	}

	if s.jobs == nil {
		s.log.Info().Str("conversation", key).Msg("video call recorded, webhook disabled")
		return nil
	}
	job := pool.Job{
		Action:  ActionCompleted,
		Key:     key,
		Payload: Notification{ConversationKey: key, CompletedAt: s.now().UTC()},
	}
	if !s.jobs.Enqueue(job) {
		// The caller may already be gone; the rollback must still land.
		if _, rbErr := s.store.SetVideoCall(context.WithoutCancel(ctx), key, false); rbErr != nil {
			s.log.Error().Err(rbErr).Str("conversation", key).Msg("rollback of hasVideoCall failed")
		}
		return fmt.Errorf("%w: delivery queue full", ErrWebhookFailed)
	}
	s.log.Info().Str("conversation", key).Msg("video call recorded, webhook queued")
	return nil
}

// Reset clears an active call flag.
func (s *Service) Reset(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrMissingKey
	}
	changed, err := s.store.SetVideoCall(ctx, key, false)
	if err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	if !changed {
		return s.explainUnchanged(ctx, key, ErrCallNotActive)
	}
	s.log.Info().Str("conversation", key).Msg("video call reset")
	return nil
}

// List returns every conversation with an active call, newest first.
func (s *Service) List(ctx context.Context) (ActiveList, error) {
	rows, err := s.store.ListActive(ctx)
	if err != nil {
		return ActiveList{}, fmt.Errorf("list video calls: %w", err)
	}
	if rows == nil {
		rows = []Conversation{}
	}
	return ActiveList{Conversations: rows, Count: len(rows)}, nil
}

// Ping checks the conversation store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// explainUnchanged distinguishes a missing conversation from one already in
// the target state after a conditional update matched nothing.
func (s *Service) explainUnchanged(ctx context.Context, key string, stateErr error) error {
	c, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", key, err)
	}
	if c == nil {
		return ErrConversationNotFound
	}
	return stateErr
}
