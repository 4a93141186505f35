package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const guestCartTTL = 30 * 24 * time.Hour

// GuestStore keeps anonymous carts in Redis as a JSON list of lines.
type GuestStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewGuestStore(client *redis.Client) *GuestStore {
	return &GuestStore{client: client, ttl: guestCartTTL}
}

func (s *GuestStore) Load(ctx context.Context, guestID string) ([]Line, error) {
	data, err := s.client.Get(ctx, guestKey(guestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get guest cart: %w", err)
	}
	return decodeLines(data)
}

// Save replaces the guest cart. An empty cart deletes the key.
func (s *GuestStore) Save(ctx context.Context, guestID string, lines []Line) error {
	if len(lines) == 0 {
		return s.Delete(ctx, guestID)
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("marshal guest cart: %w", err)
	}
	if err := s.client.Set(ctx, guestKey(guestID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set guest cart: %w", err)
	}
	return nil
}

func (s *GuestStore) Delete(ctx context.Context, guestID string) error {
	if err := s.client.Del(ctx, guestKey(guestID)).Err(); err != nil {
		return fmt.Errorf("redis delete guest cart: %w", err)
	}
	return nil
}

// Take reads and deletes the guest cart in one transaction.
func (s *GuestStore) Take(ctx context.Context, guestID string) ([]Line, error) {
	key := guestKey(guestID)
	var get *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis take guest cart: %w", err)
	}

	data, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis take guest cart: %w", err)
	}
	return decodeLines(data)
}

func decodeLines(data []byte) ([]Line, error) {
	var lines []Line
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("unmarshal guest cart: %w", err)
	}
	return lines, nil
}

func guestKey(guestID string) string {
	return fmt.Sprintf("cart:guest:%s", guestID)
}

func mergedKey(guestID string) string {
	return fmt.Sprintf("cart:merged:%s", guestID)
}
