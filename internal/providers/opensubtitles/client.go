package opensubtitles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"streamengine/internal/domain/ports"
	"streamengine/internal/providers/common"
)

const (
	defaultBaseURL   = "https://api.opensubtitles.com/api/v1"
	defaultUserAgent = "stream-engine v1.0"
	redisCacheKey    = "sengine:opensubs:"
	maxSearchBytes   = 1 << 20
	maxFileBytes     = 4 << 20
)

var ErrDisabled = errors.New("opensubtitles is not configured")

type Config struct {
	APIKey    string
	BaseURL   string
	UserAgent string
	Client    *http.Client
	Redis     *redis.Client
	CacheTTL  time.Duration
}

type Client struct {
	apiKey    string
	baseURL   string
	userAgent string
	http      *http.Client
	redis     *redis.Client
	cacheTTL  time.Duration
	retry     common.RetryConfig
}

type searchResponse struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Language string `json:"language"`
			Release  string `json:"release"`
			Format   string `json:"format"`
			Files    []struct {
				FileID   int    `json:"file_id"`
				FileName string `json:"file_name"`
			} `json:"files"`
		} `json:"attributes"`
	} `json:"data"`
}

type downloadResponse struct {
	Link     string `json:"link"`
	FileName string `json:"file_name"`
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = common.NewHTTPClient(10 * time.Second)
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 6 * time.Hour
	}
	return &Client{
		apiKey:    strings.TrimSpace(cfg.APIKey),
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		http:      httpClient,
		redis:     cfg.Redis,
		cacheTTL:  cacheTTL,
		retry:     common.DefaultRetryConfig(),
	}
}

func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

func (c *Client) Search(ctx context.Context, q ports.SubtitleQuery) ([]ports.ExternalSubtitle, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	params := url.Values{}
	id := strings.TrimSpace(q.TitleID)
	if strings.HasPrefix(strings.ToLower(id), "tt") {
		params.Set("imdb_id", strings.TrimLeft(id[2:], "0"))
	} else {
		params.Set("tmdb_id", id)
	}
	if q.Season > 0 {
		params.Set("season_number", strconv.Itoa(q.Season))
	}
	if q.Episode > 0 {
		params.Set("episode_number", strconv.Itoa(q.Episode))
	}
	if q.Lang != "" {
		params.Set("languages", strings.ToLower(q.Lang))
	}
	reqURL := c.baseURL + "/subtitles?" + params.Encode()

	cacheKey := redisCacheKey + "search:" + params.Encode()
	if c.redis != nil {
		if data, err := c.redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached []ports.ExternalSubtitle
			if json.Unmarshal(data, &cached) == nil {
				return cached, nil
			}
		}
	}

	body, err := common.FetchBody(ctx, c.http, c.retry, maxSearchBytes, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var response searchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode subtitles: %w", err)
	}
	out := make([]ports.ExternalSubtitle, 0, len(response.Data))
	for _, item := range response.Data {
		if len(item.Attributes.Files) == 0 {
			continue
		}
		format := item.Attributes.Format
		if format == "" {
			format = "srt"
		}
		out = append(out, ports.ExternalSubtitle{
			FileID:   strconv.Itoa(item.Attributes.Files[0].FileID),
			Language: item.Attributes.Language,
			Release:  item.Attributes.Release,
			Format:   format,
		})
	}

	if c.redis != nil {
		if data, err := json.Marshal(out); err == nil {
			_ = c.redis.Set(ctx, cacheKey, data, c.cacheTTL).Err()
		}
	}
	return out, nil
}

// Download returns the raw subtitle file for fileID.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	fileNum, err := strconv.Atoi(strings.TrimSpace(fileID))
	if err != nil {
		return nil, fmt.Errorf("invalid file id %q", fileID)
	}

	cacheKey := redisCacheKey + "file:" + fileID
	if c.redis != nil {
		if data, err := c.redis.Get(ctx, cacheKey).Bytes(); err == nil {
			return data, nil
		}
	}

	payload, _ := json.Marshal(map[string]int{"file_id": fileNum})
	body, err := common.FetchBody(ctx, c.http, c.retry, maxSearchBytes, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/download", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	var link downloadResponse
	if err := json.Unmarshal(body, &link); err != nil {
		return nil, fmt.Errorf("decode download link: %w", err)
	}
	if link.Link == "" {
		return nil, errors.New("empty download link")
	}

	data, err := common.FetchBody(ctx, c.http, c.retry, maxFileBytes, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.Link, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	if c.redis != nil {
		_ = c.redis.Set(ctx, cacheKey, data, c.cacheTTL).Err()
	}
	return data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
}

var _ ports.SubtitleSearcher = (*Client)(nil)
