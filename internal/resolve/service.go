package resolve

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"streamengine/internal/domain/ports"
	"streamengine/internal/providers/common"
)

const (
	defaultProviderTimeout = 15 * time.Second
	defaultCacheTTL        = 10 * time.Minute
	defaultMaxConcurrency  = 8
	maxCacheEntries        = 512
)

// Service fans a title query out to every configured provider and ranks
// the merged candidates.
type Service struct {
	providers      []ports.SourceProvider
	timeout        time.Duration
	maxConcurrency int
	retry          common.RetryConfig
	catalog        ports.TitleCatalog
	tieBreak       TieBreak
	priority       map[string]int
	logger         *slog.Logger
	now            func() time.Time

	cacheTTL   time.Duration
	cacheMu    sync.RWMutex
	cache      map[string]cachedResult
	redisCache *RedisCacheBackend

	healthMu sync.Mutex
	health   map[string]*providerHealth

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int
}

type ServiceOption func(*Service)

// WithRedisCache mirrors ranked results into Redis so they survive restarts.
func WithRedisCache(backend *RedisCacheBackend) ServiceOption {
	return func(s *Service) {
		s.redisCache = backend
	}
}

func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func WithCatalog(catalog ports.TitleCatalog) ServiceOption {
	return func(s *Service) {
		s.catalog = catalog
	}
}

func WithTieBreak(tb TieBreak) ServiceOption {
	return func(s *Service) {
		s.tieBreak = tb
	}
}

// WithProviderPriority overrides the default priority, which follows the
// order providers were passed to NewService.
func WithProviderPriority(names ...string) ServiceOption {
	return func(s *Service) {
		priority := make(map[string]int, len(names))
		for i, name := range names {
			key := providerKey(name)
			if key == "" {
				continue
			}
			if _, ok := priority[key]; !ok {
				priority[key] = i
			}
		}
		s.priority = priority
	}
}

// WithProviderRateLimit paces outgoing requests per provider.
func WithProviderRateLimit(limit rate.Limit, burst int) ServiceOption {
	return func(s *Service) {
		s.rateLimit = limit
		s.rateBurst = burst
	}
}

func WithMaxConcurrency(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

func WithRetryConfig(cfg common.RetryConfig) ServiceOption {
	return func(s *Service) {
		s.retry = cfg
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(providers []ports.SourceProvider, timeout time.Duration, opts ...ServiceOption) *Service {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	s := &Service{
		providers:      providers,
		timeout:        timeout,
		maxConcurrency: defaultMaxConcurrency,
		retry:          common.DefaultRetryConfig(),
		tieBreak:       TieBreakSeeds,
		logger:         slog.Default(),
		now:            time.Now,
		cacheTTL:       defaultCacheTTL,
		cache:          make(map[string]cachedResult),
		health:         make(map[string]*providerHealth),
		limiters:       make(map[string]*rate.Limiter),
		rateLimit:      rate.Inf,
	}
	s.priority = make(map[string]int, len(providers))
	for i, p := range providers {
		key := providerKey(p.Name())
		if _, ok := s.priority[key]; !ok {
			s.priority[key] = i
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Providers returns the configured provider names in priority order.
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for _, p := range s.providers {
		names = append(names, p.Name())
	}
	return names
}

func (s *Service) providerPriority(name string) int {
	if p, ok := s.priority[providerKey(name)]; ok {
		return p
	}
	return len(s.priority) + 1
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
