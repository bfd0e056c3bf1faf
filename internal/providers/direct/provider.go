package direct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"streamengine/internal/domain"
	"streamengine/internal/providers/common"
)

const (
	defaultUserAgent   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36"
	defaultMaxServers  = 10
	defaultConcurrency = 4
	defaultTimeout     = 15 * time.Second
	maxPageBytes       = 4 << 20
)

type Config struct {
	Name    string
	Website string
	// Templates may contain {titleId}, {season}, {episode} and {server}.
	MovieTemplates   []string
	EpisodeTemplates []string
	MaxServers       int
	Concurrency      int
	UserAgent        string
	Client           *http.Client
	Retry            common.RetryConfig
	// FastPath marks this provider's sources as the designated auto-play path.
	FastPath bool
}

// Provider resolves titles through embed player pages that expose a
// progressive or HLS stream URL.
type Provider struct {
	name        string
	website     string
	movies      []string
	episodes    []string
	maxServers  int
	concurrency int
	userAgent   string
	client      *http.Client
	retry       common.RetryConfig
	fastPath    bool
}

func NewProvider(cfg Config) *Provider {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = "direct"
	}
	client := cfg.Client
	if client == nil {
		client = common.NewHTTPClient(defaultTimeout)
	}
	maxServers := cfg.MaxServers
	if maxServers <= 0 {
		maxServers = defaultMaxServers
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = common.DefaultRetryConfig()
	}
	return &Provider{
		name:        name,
		website:     strings.TrimSpace(cfg.Website),
		movies:      cfg.MovieTemplates,
		episodes:    cfg.EpisodeTemplates,
		maxServers:  maxServers,
		concurrency: concurrency,
		userAgent:   userAgent,
		client:      client,
		retry:       retry,
		fastPath:    cfg.FastPath,
	}
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Kind() domain.ProviderKind {
	return domain.ProviderDirect
}

type embedTarget struct {
	url    string
	server int
}

type extracted struct {
	target  embedTarget
	url     string
	quality string
}

func (p *Provider) Resolve(ctx context.Context, q domain.TitleQuery) ([]domain.StreamSource, error) {
	if strings.TrimSpace(q.TitleID) == "" {
		return nil, errors.New("title id is required")
	}
	targets := p.targets(q)
	if len(targets) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		found    []extracted
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, target := range targets {
		g.Go(func() error {
			streamURL, quality, err := p.extract(gctx, target.url)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				slog.Debug("direct embed failed",
					slog.String("provider", p.name),
					slog.Int("server", target.server),
					slog.String("error", err.Error()),
				)
				return nil
			}
			found = append(found, extracted{target: target, url: streamURL, quality: quality})
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(found) == 0 {
		return nil, firstErr
	}

	sort.Slice(found, func(i, j int) bool { return found[i].target.server < found[j].target.server })
	sources := make([]domain.StreamSource, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, item := range found {
		if _, dup := seen[item.url]; dup {
			continue
		}
		seen[item.url] = struct{}{}
		sources = append(sources, p.toSource(item))
	}
	return sources, nil
}

func (p *Provider) targets(q domain.TitleQuery) []embedTarget {
	templates := p.movies
	if q.MediaType == domain.MediaSeries || q.IsEpisode() {
		templates = p.episodes
	}
	var out []embedTarget
	seen := make(map[string]struct{})
	server := 0
	for _, tpl := range templates {
		for i := 0; i < p.maxServers; i++ {
			u := expandTemplate(tpl, q, i)
			if _, dup := seen[u]; dup {
				break
			}
			seen[u] = struct{}{}
			out = append(out, embedTarget{url: u, server: server})
			server++
			if !strings.Contains(tpl, "{server}") {
				break
			}
		}
	}
	return out
}

func expandTemplate(tpl string, q domain.TitleQuery, server int) string {
	return strings.NewReplacer(
		"{titleId}", url.PathEscape(q.TitleID),
		"{season}", strconv.Itoa(q.Season),
		"{episode}", strconv.Itoa(q.Episode),
		"{server}", strconv.Itoa(server),
	).Replace(tpl)
}

// extract resolves an embed page to its stream URL.
func (p *Provider) extract(ctx context.Context, embedURL string) (string, string, error) {
	page, err := p.fetch(ctx, embedURL, p.website)
	if err != nil {
		return "", "", err
	}
	if streamURL, ok := extractPackedFile(page); ok {
		return streamURL, "", nil
	}

	base, err := url.Parse(embedURL)
	if err != nil {
		return "", "", err
	}
	next, quality, ok := pickQualityLink(base, page)
	if !ok {
		return "", "", fmt.Errorf("no stream found on %s", base.Host)
	}
	landing, err := p.fetch(ctx, next, embedURL)
	if err != nil {
		return "", "", err
	}
	streamURL, ok := extractDownloadURL(landing)
	if !ok {
		return "", "", fmt.Errorf("no download link on %s", base.Host)
	}
	return streamURL, quality, nil
}

func (p *Provider) fetch(ctx context.Context, target, referer string) (string, error) {
	body, err := common.FetchBody(ctx, p.client, p.retry, maxPageBytes, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", p.userAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		if referer != "" {
			req.Header.Set("Referer", referer)
			if origin := originOf(referer); origin != "" {
				req.Header.Set("Origin", origin)
			}
		}
		return req, nil
	})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (p *Provider) toSource(item extracted) domain.StreamSource {
	typ := domain.SourceDirectHTTP
	if strings.Contains(strings.ToLower(item.url), ".m3u8") {
		typ = domain.SourceDirectHLS
	}
	headers := map[string]string{
		"User-Agent": p.userAgent,
		"Referer":    item.target.url,
	}
	if origin := originOf(item.target.url); origin != "" {
		headers["Origin"] = origin
	}
	rel := common.ParseRelease(item.url)
	quality := item.quality
	if quality == "" {
		quality = rel.Quality
	}
	return domain.StreamSource{
		ID:           domain.DirectSourceID(p.name, item.target.server),
		Type:         typ,
		URL:          item.url,
		Quality:      quality,
		Info:         fmt.Sprintf("Server %d", item.target.server+1),
		Provider:     p.name,
		Website:      p.website,
		VideoCodec:   rel.VideoCodec,
		AudioCodec:   rel.AudioCodec,
		Headers:      headers,
		ServerNumber: item.target.server,
		FastPath:     p.fastPath,
	}
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
