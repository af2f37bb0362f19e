// Package block persists participant block lists in Redis so a block outlives
// the connection it was made on. Records are Redis sets with a sliding TTL:
//
//	Key:   block:<participant>
//	Value: set of blocked participant ids
//	TTL:   BlockTTL, refreshed on every new block
//
// A second counter tracks how often a participant was blocked by others:
//
//	Key:   blocked:<participant>
//	Value: count
//	TTL:   ReceivedTTL, set on first increment
package block

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BlockPrefix is the Redis key prefix for block sets.
	BlockPrefix = "block:"

	// ReceivedPrefix is the Redis key prefix for received-block counters.
	ReceivedPrefix = "blocked:"

	// BlockTTL is how long a block list lives without new entries.
	BlockTTL = 30 * 24 * time.Hour

	// ReceivedTTL is the window of the received-block counter.
	ReceivedTTL = 24 * time.Hour
)

// ErrSelfBlock is returned when a participant tries to block itself.
var ErrSelfBlock = errors.New("block: participant cannot block itself")

// Store manages block lists in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new block store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Block records that from blocks target and returns how many times target
// has been blocked within ReceivedTTL.
func (s *Store) Block(ctx context.Context, from, target string) (int, error) {
	if from == target {
		return 0, ErrSelfBlock
	}

	key := BlockPrefix + from
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, target)
	pipe.Expire(ctx, key, BlockTTL)
	received := pipe.Incr(ctx, ReceivedPrefix+target)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("block: add %s: %w", target, err)
	}

	count := received.Val()
	// Set TTL only on first increment so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, ReceivedPrefix+target, ReceivedTTL).Err(); err != nil {
			return int(count), fmt.Errorf("block: expire counter: %w", err)
		}
	}
	return int(count), nil
}

// Unblock removes target from from's block list.
func (s *Store) Unblock(ctx context.Context, from, target string) error {
	return s.client.SRem(ctx, BlockPrefix+from, target).Err()
}

// List returns every id id has blocked, in no particular order.
func (s *Store) List(ctx context.Context, id string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, BlockPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("block: list %s: %w", id, err)
	}
	return ids, nil
}

// IsBlocked reports whether either participant blocked the other.
func (s *Store) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	pipe := s.client.Pipeline()
	ab := pipe.SIsMember(ctx, BlockPrefix+a, b)
	ba := pipe.SIsMember(ctx, BlockPrefix+b, a)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("block: check %s/%s: %w", a, b, err)
	}
	return ab.Val() || ba.Val(), nil
}

// ReceivedCount returns how often id was blocked within ReceivedTTL.
func (s *Store) ReceivedCount(ctx context.Context, id string) (int, error) {
	n, err := s.client.Get(ctx, ReceivedPrefix+id).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}
