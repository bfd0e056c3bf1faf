package tmdb

import (
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

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
	"streamengine/internal/providers/common"
)

const (
	defaultBaseURL  = "https://api.themoviedb.org/3"
	defaultLanguage = "en-US"
	redisCacheKey   = "sengine:tmdb:"
	maxBodyBytes    = 512 * 1024
)

var ErrTitleNotFound = errors.New("title not found in catalog")

type Client struct {
	apiKey   string
	baseURL  string
	language string
	http     *http.Client
	redis    *redis.Client
	cacheTTL time.Duration
	retry    common.RetryConfig
}

type Config struct {
	APIKey   string
	BaseURL  string
	Language string
	Client   *http.Client
	Redis    *redis.Client
	CacheTTL time.Duration
}

type titleResult struct {
	ID            int    `json:"id"`
	Title         string `json:"title,omitempty"`
	Name          string `json:"name,omitempty"`
	OriginalTitle string `json:"original_title,omitempty"`
	OriginalName  string `json:"original_name,omitempty"`
	ReleaseDate   string `json:"release_date,omitempty"`
	FirstAirDate  string `json:"first_air_date,omitempty"`
}

func (r titleResult) info() ports.TitleInfo {
	name := r.Title
	if name == "" {
		name = r.Name
	}
	original := r.OriginalTitle
	if original == "" {
		original = r.OriginalName
	}
	date := r.ReleaseDate
	if date == "" {
		date = r.FirstAirDate
	}
	year := 0
	if len(date) >= 4 {
		year, _ = strconv.Atoi(date[:4])
	}
	return ports.TitleInfo{Name: name, OriginalName: original, Year: year}
}

type findResponse struct {
	MovieResults []titleResult `json:"movie_results"`
	TVResults    []titleResult `json:"tv_results"`
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
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 7 * 24 * time.Hour
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = defaultLanguage
	}
	return &Client{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: language,
		http:     httpClient,
		redis:    cfg.Redis,
		cacheTTL: cacheTTL,
		retry:    common.DefaultRetryConfig(),
	}
}

func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// Lookup resolves an IMDb ("tt…") or TMDB numeric id to a display title.
// Without an API key the id itself is returned as the name.
func (c *Client) Lookup(ctx context.Context, titleID string, mediaType domain.MediaType) (ports.TitleInfo, error) {
	titleID = strings.TrimSpace(titleID)
	if titleID == "" {
		return ports.TitleInfo{}, ErrTitleNotFound
	}
	if !c.Enabled() {
		return ports.TitleInfo{Name: titleID}, nil
	}

	cacheKey := fmt.Sprintf("%s%s:%s:%s", redisCacheKey, mediaType, titleID, c.language)
	if c.redis != nil {
		data, err := c.redis.Get(ctx, cacheKey).Bytes()
		if err == nil {
			var info ports.TitleInfo
			if json.Unmarshal(data, &info) == nil {
				return info, nil
			}
		}
	}

	info, err := c.fetch(ctx, titleID, mediaType)
	if err != nil {
		return ports.TitleInfo{}, err
	}

	if c.redis != nil {
		if data, err := json.Marshal(info); err == nil {
			_ = c.redis.Set(ctx, cacheKey, data, c.cacheTTL).Err()
		}
	}
	return info, nil
}

func (c *Client) fetch(ctx context.Context, titleID string, mediaType domain.MediaType) (ports.TitleInfo, error) {
	params := url.Values{
		"api_key":  {c.apiKey},
		"language": {c.language},
	}
	var path string
	if strings.HasPrefix(strings.ToLower(titleID), "tt") {
		params.Set("external_source", "imdb_id")
		path = "/find/" + url.PathEscape(titleID)
	} else if _, err := strconv.Atoi(titleID); err == nil {
		kind := "movie"
		if mediaType == domain.MediaSeries {
			kind = "tv"
		}
		path = "/" + kind + "/" + titleID
	} else {
		return ports.TitleInfo{Name: titleID}, nil
	}

	reqURL := c.baseURL + path + "?" + params.Encode()
	body, err := common.FetchBody(ctx, c.http, c.retry, maxBodyBytes, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	})
	if err != nil {
		var statusErr *common.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return ports.TitleInfo{}, ErrTitleNotFound
		}
		return ports.TitleInfo{}, err
	}

	if strings.HasPrefix(path, "/find/") {
		var response findResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return ports.TitleInfo{}, err
		}
		results := response.MovieResults
		if mediaType == domain.MediaSeries || len(results) == 0 {
			if len(response.TVResults) > 0 {
				results = response.TVResults
			}
		}
		if len(results) == 0 {
			return ports.TitleInfo{}, ErrTitleNotFound
		}
		return results[0].info(), nil
	}

	var result titleResult
	if err := json.Unmarshal(body, &result); err != nil {
		return ports.TitleInfo{}, err
	}
	return result.info(), nil
}

var _ ports.TitleCatalog = (*Client)(nil)
