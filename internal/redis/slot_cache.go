package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlotCache stores encoded free-slot lists per doctor and date.
type SlotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSlotCache(client *redis.Client, ttl time.Duration) *SlotCache {
	return &SlotCache{client: client, ttl: ttl}
}

func slotKey(doctorID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("slots:%s:%s", doctorID.String(), date.Format("2006-01-02"))
}

func (c *SlotCache) GetSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, slotKey(doctorID, date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached slots: %w", err)
	}
	return data, true, nil
}

func (c *SlotCache) SetSlots(ctx context.Context, doctorID uuid.UUID, date time.Time, payload []byte) error {
	if c.ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, slotKey(doctorID, date), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached slots: %w", err)
	}
	return nil
}

func (c *SlotCache) InvalidateSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) error {
	if err := c.client.Del(ctx, slotKey(doctorID, date)).Err(); err != nil {
		return fmt.Errorf("invalidate cached slots: %w", err)
	}
	return nil
}
