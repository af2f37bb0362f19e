package profile

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ProfilePrefix is the Redis key prefix of profile hashes written by the
// profile service.
const ProfilePrefix = "profile:"

// record mirrors the profile hash. List fields are comma separated.
type record struct {
	ID            string `redis:"id"`
	Bio           string `redis:"bio"`
	Interests     string `redis:"interests"`
	Country       string `redis:"country"`
	City          string `redis:"city"`
	Timezone      string `redis:"timezone"`
	Languages     string `redis:"languages"`
	SessionLength string `redis:"session_length"`
	Maturity      string `redis:"maturity"`
	ChatType      string `redis:"chat_type"`
	Age           int    `redis:"age"`
	AgeMin        int    `redis:"age_min"`
	AgeMax        int    `redis:"age_max"`
}

// RedisSource reads profile hashes from Redis.
type RedisSource struct {
	client *redis.Client
}

// NewRedisSource creates a source on an existing Redis client.
func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

func (s *RedisSource) Lookup(ctx context.Context, id string) (Snapshot, bool, error) {
	var rec record
	if err := s.client.HGetAll(ctx, ProfilePrefix+id).Scan(&rec); err != nil {
		return Snapshot{}, false, fmt.Errorf("profile: lookup %s: %w", id, err)
	}
	if rec.ID == "" {
		return Snapshot{}, false, nil
	}
	return Snapshot{
		Bio:           rec.Bio,
		Interests:     splitList(rec.Interests),
		Country:       rec.Country,
		City:          rec.City,
		Timezone:      rec.Timezone,
		Languages:     splitList(rec.Languages),
		SessionLength: rec.SessionLength,
		Maturity:      rec.Maturity,
		ChatType:      rec.ChatType,
		Age:           rec.Age,
		AgeMin:        rec.AgeMin,
		AgeMax:        rec.AgeMax,
	}, true, nil
}

// Save writes snap as id's profile hash. The pairing server never calls it;
// it exists for fixtures and tooling.
func (s *RedisSource) Save(ctx context.Context, id string, snap Snapshot) error {
	fields := map[string]interface{}{
		"id":             id,
		"bio":            snap.Bio,
		"interests":      strings.Join(snap.Interests, ","),
		"country":        snap.Country,
		"city":           snap.City,
		"timezone":       snap.Timezone,
		"languages":      strings.Join(snap.Languages, ","),
		"session_length": snap.SessionLength,
		"maturity":       snap.Maturity,
		"chat_type":      snap.ChatType,
		"age":            snap.Age,
		"age_min":        snap.AgeMin,
		"age_max":        snap.AgeMax,
	}
	return s.client.HSet(ctx, ProfilePrefix+id, fields).Err()
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
