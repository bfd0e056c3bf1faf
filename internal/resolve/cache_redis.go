package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"streamengine/internal/domain"
)

const redisCachePrefix = "sengine:resolve:"

// RedisCacheBackend stores ranked resolve results in Redis as JSON.
type RedisCacheBackend struct {
	client *redis.Client
}

func NewRedisCacheBackend(client *redis.Client) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

// cachedSource keeps the upstream request headers, which the public JSON
// form of StreamSource omits.
type cachedSource struct {
	domain.StreamSource
	Headers map[string]string `json:"headers,omitempty"`
}

type cachedPayload struct {
	PrimarySourceID string              `json:"primarySourceId"`
	Mode            domain.PlaybackMode `json:"mode"`
	Sources         []cachedSource      `json:"sources"`
}

func (r *RedisCacheBackend) Get(ctx context.Context, key string) (domain.ResolveResult, bool, error) {
	data, err := r.client.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ResolveResult{}, false, nil
		}
		return domain.ResolveResult{}, false, err
	}
	var payload cachedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.ResolveResult{}, false, err
	}
	result := domain.ResolveResult{
		PrimarySourceID: payload.PrimarySourceID,
		Mode:            payload.Mode,
		Sources:         make([]domain.StreamSource, 0, len(payload.Sources)),
	}
	for _, cs := range payload.Sources {
		src := cs.StreamSource
		src.Headers = cs.Headers
		result.Sources = append(result.Sources, src)
	}
	return result, true, nil
}

func (r *RedisCacheBackend) Set(ctx context.Context, key string, result domain.ResolveResult, ttl time.Duration) error {
	payload := cachedPayload{
		PrimarySourceID: result.PrimarySourceID,
		Mode:            result.Mode,
		Sources:         make([]cachedSource, 0, len(result.Sources)),
	}
	for _, src := range result.Sources {
		payload.Sources = append(payload.Sources, cachedSource{StreamSource: src, Headers: src.Headers})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCachePrefix+key, data, ttl).Err()
}

func (r *RedisCacheBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisCachePrefix+key).Err()
}

func (r *RedisCacheBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
