package app

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func clearEnvs(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnvs(t,
		"HTTP_ADDR", "LOG_LEVEL", "LOG_FORMAT", "CORS_ALLOWED_ORIGINS",
		"HTTP_RATE_LIMIT_RPS", "HTTP_RATE_LIMIT_BURST",
		"MONGO_URI", "MONGO_DB", "FALLBACK_STATE_TTL", "REDIS_ADDR", "REDIS_DB",
		"RESOLVE_PROVIDER_TIMEOUT", "RESOLVE_CACHE_TTL", "RESOLVE_TIE_BREAK",
		"RESOLVE_MAX_CONCURRENCY", "DIRECT_PROVIDERS", "DIRECT_MAX_SERVERS",
		"TORRENT_DATA_DIR", "TORRENT_MAX_SESSIONS", "TORRENT_IDLE_GRACE",
		"TORRENT_CONNECT_TIMEOUT", "TORRENT_READ_MAX_WAIT",
		"FFMPEG_PATH", "FFPROBE_PATH", "PROBE_TIMEOUT", "TRANSCODE_ENABLED",
	)

	cfg := LoadConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "text"},
		{"RateLimitRPS", cfg.RateLimitRPS, float64(100)},
		{"RateLimitBurst", cfg.RateLimitBurst, 200},
		{"MongoURI", cfg.MongoURI, ""},
		{"MongoDatabase", cfg.MongoDatabase, "streamengine"},
		{"FallbackTTL", cfg.FallbackTTL, 6 * time.Hour},
		{"RedisAddr", cfg.RedisAddr, ""},
		{"ResolveProviderTimeout", cfg.ResolveProviderTimeout, 15 * time.Second},
		{"ResolveCacheTTL", cfg.ResolveCacheTTL, 10 * time.Minute},
		{"ResolveTieBreak", cfg.ResolveTieBreak, "seeds"},
		{"ResolveMaxConcurrency", cfg.ResolveMaxConcurrency, 8},
		{"DirectMaxServer", cfg.DirectMaxServer, 10},
		{"TorrentDataDir", cfg.TorrentDataDir, "data"},
		{"MaxSessions", cfg.MaxSessions, 0},
		{"TorrentIdleGrace", cfg.TorrentIdleGrace, 60 * time.Second},
		{"TorrentConnectTimeout", cfg.TorrentConnectTimeout, 45 * time.Second},
		{"TorrentReadMaxWait", cfg.TorrentReadMaxWait, 30 * time.Second},
		{"FFMPEGPath", cfg.FFMPEGPath, "ffmpeg"},
		{"FFProbePath", cfg.FFProbePath, "ffprobe"},
		{"ProbeTimeout", cfg.ProbeTimeout, 20 * time.Second},
		{"TranscodeEnabled", cfg.TranscodeEnabled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	if cfg.AllowedOrigins != nil || cfg.DirectProviders != nil {
		t.Errorf("expected empty lists, got %v and %v", cfg.AllowedOrigins, cfg.DirectProviders)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	setEnvs(t, map[string]string{
		"HTTP_ADDR":               ":9090",
		"LOG_LEVEL":               "DEBUG",
		"CORS_ALLOWED_ORIGINS":    "http://a.local, http://b.local ,",
		"MONGO_URI":               "mongodb://mongo:27017",
		"RESOLVE_TIE_BREAK":       "Provider",
		"RESOLVE_CACHE_TTL":       "90",
		"TORRENT_CONNECT_TIMEOUT": "1m30s",
		"TORRENT_MAX_SESSIONS":    "4",
		"TRANSCODE_ENABLED":       "false",
	})

	cfg := LoadConfig()

	if cfg.HTTPAddr != ":9090" || cfg.LogLevel != "debug" || cfg.MongoURI != "mongodb://mongo:27017" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if want := []string{"http://a.local", "http://b.local"}; !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	if cfg.ResolveTieBreak != "provider" {
		t.Errorf("ResolveTieBreak = %q", cfg.ResolveTieBreak)
	}
	if cfg.ResolveCacheTTL != 90*time.Second {
		t.Errorf("plain seconds: ResolveCacheTTL = %v", cfg.ResolveCacheTTL)
	}
	if cfg.TorrentConnectTimeout != 90*time.Second {
		t.Errorf("TorrentConnectTimeout = %v", cfg.TorrentConnectTimeout)
	}
	if cfg.MaxSessions != 4 || cfg.TranscodeEnabled {
		t.Errorf("MaxSessions = %d TranscodeEnabled = %v", cfg.MaxSessions, cfg.TranscodeEnabled)
	}
}

func TestGetEnvFallbacks(t *testing.T) {
	setEnvs(t, map[string]string{
		"TEST_NEGATIVE": "-5",
		"TEST_GARBAGE":  "abc",
		"TEST_BOOL":     "maybe",
		"TEST_DURATION": "-3s",
	})

	if got := getEnvInt64("TEST_NEGATIVE", 7); got != 7 {
		t.Errorf("negative int: got %d", got)
	}
	if got := getEnvInt64("TEST_GARBAGE", 7); got != 7 {
		t.Errorf("garbage int: got %d", got)
	}
	if got := getEnvBool("TEST_BOOL", true); !got {
		t.Errorf("garbage bool: got %v", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("negative duration: got %v", got)
	}
}

func TestParseDirectProviders(t *testing.T) {
	raw := "VidSrc=https://v.example/embed/movie/{titleId}/{server};https://v.example/embed/tv/{titleId}/{season}/{episode}/{server}," +
		" moviesonly = https://m.example/{titleId} ," +
		"broken," +
		"=https://x.example/{titleId}," +
		"empty=;," +
		"vidsrc=https://mirror.example/movie/{titleId}"

	got := parseDirectProviders(raw)
	want := []DirectProviderConfig{
		{
			Name:             "vidsrc",
			MovieTemplates:   []string{"https://v.example/embed/movie/{titleId}/{server}", "https://mirror.example/movie/{titleId}"},
			EpisodeTemplates: []string{"https://v.example/embed/tv/{titleId}/{season}/{episode}/{server}"},
		},
		{Name: "moviesonly", MovieTemplates: []string{"https://m.example/{titleId}"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseDirectProviders() = %+v, want %+v", got, want)
	}
}
