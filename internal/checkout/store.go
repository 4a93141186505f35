package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNoCheckout    = errors.New("no checkout in progress")
	ErrDraftNotFound = errors.New("checkout draft not found or already used")
)

// StateStore keeps one checkout per user in Redis.
type StateStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStateStore(client *redis.Client, ttl time.Duration) *StateStore {
	return &StateStore{client: client, ttl: ttl}
}

func (s *StateStore) Load(ctx context.Context, userID uuid.UUID) (*State, error) {
	data, err := s.client.Get(ctx, stateKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoCheckout
	}
	if err != nil {
		return nil, fmt.Errorf("redis get checkout: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal checkout: %w", err)
	}
	return &st, nil
}

func (s *StateStore) Save(ctx context.Context, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal checkout: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(st.UserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set checkout: %w", err)
	}
	return nil
}

func (s *StateStore) Delete(ctx context.Context, userID uuid.UUID) error {
	return s.client.Del(ctx, stateKey(userID)).Err()
}

// DraftStore holds checkout drafts keyed by an unguessable token.
type DraftStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDraftStore(client *redis.Client, ttl time.Duration) *DraftStore {
	return &DraftStore{client: client, ttl: ttl}
}

// Put stores the draft and returns its token.
func (s *DraftStore) Put(ctx context.Context, draft CheckoutDraft) (string, error) {
	data, err := json.Marshal(draft)
	if err != nil {
		return "", fmt.Errorf("marshal draft: %w", err)
	}
	token := uuid.NewString()
	if err := s.client.Set(ctx, draftKey(token), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis set draft: %w", err)
	}
	return token, nil
}

// Take returns the draft and deletes it, so a token restores at most once.
func (s *DraftStore) Take(ctx context.Context, token string) (*CheckoutDraft, error) {
	if _, err := uuid.Parse(token); err != nil {
		return nil, ErrDraftNotFound
	}
	data, err := s.client.GetDel(ctx, draftKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis take draft: %w", err)
	}
	var draft CheckoutDraft
	if err := json.Unmarshal(data, &draft); err != nil {
		return nil, fmt.Errorf("unmarshal draft: %w", err)
	}
	return &draft, nil
}

func stateKey(userID uuid.UUID) string {
	return fmt.Sprintf("checkout:session:%s", userID)
}

func draftKey(token string) string {
	return fmt.Sprintf("checkout:draft:%s", token)
}
