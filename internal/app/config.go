package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr       string
	LogLevel       string
	LogFormat      string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int

	MongoURI      string // empty = in-memory fallback state
	MongoDatabase string
	FallbackTTL   time.Duration

	RedisAddr     string // empty = in-process caches only
	RedisPassword string
	RedisDB       int

	ResolveProviderTimeout time.Duration
	ResolveCacheTTL        time.Duration
	ResolveTieBreak        string
	ResolveMaxConcurrency  int
	ResolveProviderRPS     float64
	ProviderPriority       []string

	DirectProviders []DirectProviderConfig
	DirectFastPath  string
	DirectMaxServer int

	TorznabEndpoint string
	TorznabAPIKey   string
	TorznabLimit    int
	Trackers        []string

	TMDBAPIKey             string
	OpenSubtitlesAPIKey    string
	OpenSubtitlesUserAgent string
	CatalogCacheTTL        time.Duration

	TorrentDataDir        string
	MaxSessions           int // 0 = unlimited
	TorrentIdleGrace      time.Duration
	TorrentConnectTimeout time.Duration
	TorrentReadMaxWait    time.Duration
	TorrentReadahead      int64

	FFMPEGPath            string
	FFProbePath           string
	ProbeTimeout          time.Duration
	TranscodeAudioBitrate string
	TranscodeEnabled      bool
}

// DirectProviderConfig is one embed-page provider. Templates may contain
// {titleId}, {season}, {episode} and {server}.
type DirectProviderConfig struct {
	Name             string
	MovieTemplates   []string
	EpisodeTemplates []string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "text")),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:   float64(getEnvInt64("HTTP_RATE_LIMIT_RPS", 100)),
		RateLimitBurst: int(getEnvInt64("HTTP_RATE_LIMIT_BURST", 200)),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "streamengine"),
		FallbackTTL:   getEnvDuration("FALLBACK_STATE_TTL", 6*time.Hour),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       int(getEnvInt64("REDIS_DB", 0)),

		ResolveProviderTimeout: getEnvDuration("RESOLVE_PROVIDER_TIMEOUT", 15*time.Second),
		ResolveCacheTTL:        getEnvDuration("RESOLVE_CACHE_TTL", 10*time.Minute),
		ResolveTieBreak:        strings.ToLower(getEnv("RESOLVE_TIE_BREAK", "seeds")),
		ResolveMaxConcurrency:  int(getEnvInt64("RESOLVE_MAX_CONCURRENCY", 8)),
		ResolveProviderRPS:     float64(getEnvInt64("RESOLVE_PROVIDER_RPS", 0)),
		ProviderPriority:       getEnvList("RESOLVE_PROVIDER_PRIORITY"),

		DirectProviders: parseDirectProviders(os.Getenv("DIRECT_PROVIDERS")),
		DirectFastPath:  strings.ToLower(getEnv("DIRECT_FAST_PATH", "")),
		DirectMaxServer: int(getEnvInt64("DIRECT_MAX_SERVERS", 10)),

		TorznabEndpoint: getEnv("TORZNAB_URL", ""),
		TorznabAPIKey:   getEnv("TORZNAB_API_KEY", ""),
		TorznabLimit:    int(getEnvInt64("TORZNAB_LIMIT", 50)),
		Trackers:        getEnvList("TORRENT_TRACKERS"),

		TMDBAPIKey:             getEnv("TMDB_API_KEY", ""),
		OpenSubtitlesAPIKey:    getEnv("OPENSUBTITLES_API_KEY", ""),
		OpenSubtitlesUserAgent: getEnv("OPENSUBTITLES_USER_AGENT", "streamengine v1"),
		CatalogCacheTTL:        getEnvDuration("CATALOG_CACHE_TTL", 24*time.Hour),

		TorrentDataDir:        getEnv("TORRENT_DATA_DIR", "data"),
		MaxSessions:           int(getEnvInt64("TORRENT_MAX_SESSIONS", 0)),
		TorrentIdleGrace:      getEnvDuration("TORRENT_IDLE_GRACE", 60*time.Second),
		TorrentConnectTimeout: getEnvDuration("TORRENT_CONNECT_TIMEOUT", 45*time.Second),
		TorrentReadMaxWait:    getEnvDuration("TORRENT_READ_MAX_WAIT", 30*time.Second),
		TorrentReadahead:      getEnvInt64("TORRENT_READAHEAD_BYTES", 16<<20),

		FFMPEGPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		ProbeTimeout:          getEnvDuration("PROBE_TIMEOUT", 20*time.Second),
		TranscodeAudioBitrate: getEnv("TRANSCODE_AUDIO_BITRATE", "192k"),
		TranscodeEnabled:      getEnvBool("TRANSCODE_ENABLED", true),
	}
}

// parseDirectProviders reads "name=movieTemplate;episodeTemplate" entries
// separated by commas. Either template may be empty. Entries sharing a name
// are merged into one provider so its source ids stay unique.
func parseDirectProviders(raw string) []DirectProviderConfig {
	var out []DirectProviderConfig
	index := make(map[string]int)
	for _, entry := range strings.Split(raw, ",") {
		name, templates, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			continue
		}
		movie, episode, _ := strings.Cut(templates, ";")
		movie, episode = strings.TrimSpace(movie), strings.TrimSpace(episode)
		if movie == "" && episode == "" {
			continue
		}
		i, seen := index[name]
		if !seen {
			i = len(out)
			index[name] = i
			out = append(out, DirectProviderConfig{Name: name})
		}
		if movie != "" {
			out[i].MovieTemplates = append(out[i].MovieTemplates, movie)
		}
		if episode != "" {
			out[i].EpisodeTemplates = append(out[i].EpisodeTemplates, episode)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
