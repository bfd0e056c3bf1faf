package resolve

import (
	"context"
	"log/slog"
	"time"

	"streamengine/internal/domain"
	"streamengine/internal/metrics"
)

type cachedResult struct {
	result    domain.ResolveResult
	expiresAt time.Time
}

// cacheKey ignores the media type so fallback lookups by PlaybackKey hit
// the same entry as the resolve that produced it.
func cacheKey(q domain.TitleQuery) string {
	return domain.PlaybackKey{TitleID: q.TitleID, Season: q.Season, Episode: q.Episode}.String()
}

func (s *Service) getCached(ctx context.Context, key string) (domain.ResolveResult, bool) {
	now := s.now()
	s.cacheMu.RLock()
	entry, ok := s.cache[key]
	s.cacheMu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		metrics.ResolveCacheHitsTotal.Inc()
		return entry.result, true
	}

	if s.redisCache != nil {
		result, found, err := s.redisCache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("redis cache get failed", slog.String("key", key), slog.String("error", err.Error()))
		} else if found {
			metrics.ResolveCacheHitsTotal.Inc()
			s.storeLocal(key, result, now)
			return result, true
		}
	}
	metrics.ResolveCacheMissesTotal.Inc()
	return domain.ResolveResult{}, false
}

func (s *Service) setCached(ctx context.Context, key string, result domain.ResolveResult) {
	s.storeLocal(key, result, s.now())
	if s.redisCache != nil {
		if err := s.redisCache.Set(ctx, key, result, s.cacheTTL); err != nil {
			s.logger.Warn("redis cache set failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

func (s *Service) storeLocal(key string, result domain.ResolveResult, now time.Time) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if len(s.cache) >= maxCacheEntries {
		for k, v := range s.cache {
			if !now.Before(v.expiresAt) {
				delete(s.cache, k)
			}
		}
		if len(s.cache) >= maxCacheEntries {
			var oldestKey string
			var oldest time.Time
			for k, v := range s.cache {
				if oldestKey == "" || v.expiresAt.Before(oldest) {
					oldestKey, oldest = k, v.expiresAt
				}
			}
			delete(s.cache, oldestKey)
		}
	}
	s.cache[key] = cachedResult{result: result, expiresAt: now.Add(s.cacheTTL)}
}

// LastResult returns the ranked list produced by the most recent resolve
// for key, if it is still cached.
func (s *Service) LastResult(ctx context.Context, key domain.PlaybackKey) (domain.ResolveResult, bool) {
	return s.getCached(ctx, key.String())
}

// Invalidate drops the cached result for key.
func (s *Service) Invalidate(ctx context.Context, key domain.PlaybackKey) {
	s.cacheMu.Lock()
	delete(s.cache, key.String())
	s.cacheMu.Unlock()
	if s.redisCache != nil {
		if err := s.redisCache.Delete(ctx, key.String()); err != nil {
			s.logger.Warn("redis cache delete failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		}
	}
}
