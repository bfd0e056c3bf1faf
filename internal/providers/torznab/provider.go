package torznab

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/sync/semaphore"

	"streamengine/internal/domain"
	"streamengine/internal/providers/common"
)

const (
	defaultUserAgent  = "stream-engine/1.0"
	defaultLimit      = 50
	defaultTimeout    = 15 * time.Second
	maxResponseBytes  = 8 << 20
	maxTorrentBytes   = 4 << 20
	torrentFetchLimit = 4
	movieCategories   = "2000"
	seriesCategories  = "5000"
)

type Config struct {
	Name      string
	Endpoint  string
	APIKey    string
	UserAgent string
	Client    *http.Client
	Trackers  []string
	Limit     int
	Retry     common.RetryConfig
}

// Provider queries a Torznab-compatible indexer (Jackett, Prowlarr) and turns
// releases into swarm sources.
type Provider struct {
	name      string
	endpoint  string
	apiKey    string
	userAgent string
	client    *http.Client
	trackers  []string
	limit     int
	retry     common.RetryConfig
}

func NewProvider(cfg Config) *Provider {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if name == "" {
		name = "torznab"
	}
	client := cfg.Client
	if client == nil {
		client = common.NewHTTPClient(defaultTimeout)
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	trackers := cfg.Trackers
	if len(trackers) == 0 {
		trackers = append([]string(nil), common.DefaultTrackers...)
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = common.DefaultRetryConfig()
	}
	return &Provider{
		name:      name,
		endpoint:  strings.TrimSpace(cfg.Endpoint),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		userAgent: userAgent,
		client:    client,
		trackers:  trackers,
		limit:     limit,
		retry:     retry,
	}
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Kind() domain.ProviderKind {
	return domain.ProviderP2P
}

func (p *Provider) isConfigured() bool {
	if p.endpoint == "" {
		return false
	}
	return p.apiKey != "" || endpointHasAPIKey(p.endpoint)
}

func (p *Provider) Resolve(ctx context.Context, q domain.TitleQuery) ([]domain.StreamSource, error) {
	if !p.isConfigured() {
		return nil, errors.New("provider is not configured")
	}
	text := BuildQuery(q)
	if text == "" {
		return nil, errors.New("query is required")
	}

	uri, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	query := uri.Query()
	query.Set("t", "search")
	query.Set("q", text)
	// Jackett only includes infohash/seeders/size attrs with extended output.
	if strings.TrimSpace(query.Get("extended")) == "" {
		query.Set("extended", "1")
	}
	if strings.TrimSpace(query.Get("apikey")) == "" && p.apiKey != "" {
		query.Set("apikey", p.apiKey)
	}
	if strings.TrimSpace(query.Get("cat")) == "" {
		if q.MediaType == domain.MediaSeries {
			query.Set("cat", seriesCategories)
		} else {
			query.Set("cat", movieCategories)
		}
	}
	query.Set("limit", strconv.Itoa(p.limit))
	uri.RawQuery = query.Encode()

	payload, err := common.FetchBody(ctx, p.client, p.retry, maxResponseBytes, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", p.userAgent)
		req.Header.Set("Accept", "application/xml,text/xml,application/rss+xml")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	items, err := parseTorznabResponse(payload)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []domain.StreamSource{}, nil
	}

	infoHashCache := p.prefetchMissingInfoHashes(ctx, items)

	sources := make([]domain.StreamSource, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		src, ok := p.itemToSource(item, q, uri.Host, infoHashCache)
		if !ok {
			continue
		}
		if _, exists := seen[src.ContentID]; exists {
			continue
		}
		seen[src.ContentID] = struct{}{}
		sources = append(sources, src)
		if len(sources) >= p.limit {
			break
		}
	}
	return sources, nil
}

// BuildQuery renders the indexer search text for a title.
func BuildQuery(q domain.TitleQuery) string {
	name := strings.TrimSpace(q.Name)
	if q.Expanded && strings.TrimSpace(q.OriginalName) != "" {
		name = strings.TrimSpace(q.OriginalName)
	}
	if name == "" {
		name = strings.TrimSpace(q.TitleID)
	}
	if name == "" {
		return ""
	}
	switch {
	case q.IsEpisode() && q.Expanded:
		return fmt.Sprintf("%s S%02d", name, q.Season)
	case q.IsEpisode():
		return fmt.Sprintf("%s S%02dE%02d", name, q.Season, q.Episode)
	case q.Year > 0 && !q.Expanded:
		return fmt.Sprintf("%s %d", name, q.Year)
	}
	return name
}

func (p *Provider) itemToSource(item torznabItem, q domain.TitleQuery, endpointHost string, infoHashCache map[string]string) (domain.StreamSource, bool) {
	// Some indexers leave markup or double-escaped entities in titles.
	name := common.CleanHTMLText(item.Title)
	if name == "" {
		return domain.StreamSource{}, false
	}

	attrs := make(map[string]string, len(item.Attrs))
	for _, attr := range item.Attrs {
		key := strings.ToLower(strings.TrimSpace(attr.Name))
		if key == "" {
			continue
		}
		if _, exists := attrs[key]; exists {
			continue
		}
		attrs[key] = strings.TrimSpace(attr.Value)
	}

	magnet := firstMagnet(item.Guid, item.Link, item.Enclosure.URL, attrs["magneturl"])
	infoHash := ""
	if raw, ok := attrs["infohash"]; ok {
		infoHash = common.NormalizeInfoHash(raw)
	}
	if infoHash == "" && magnet != "" {
		infoHash = common.InfoHashFromMagnet(magnet)
	}
	if infoHash == "" && infoHashCache != nil {
		if cached, ok := infoHashCache[downloadURL(item)]; ok {
			infoHash = cached
		}
	}
	if !common.ValidInfoHash(infoHash) {
		return domain.StreamSource{}, false
	}
	if magnet == "" {
		magnet = common.BuildMagnet(infoHash, name, p.trackers)
	}

	rel := common.ParseRelease(name)
	if q.IsEpisode() && !rel.MatchesEpisode(q.Season, q.Episode) {
		return domain.StreamSource{}, false
	}

	sizeBytes := parseI64(attrs["size"])
	if sizeBytes <= 0 && item.Enclosure.Length > 0 {
		sizeBytes = item.Enclosure.Length
	}
	if sizeBytes <= 0 {
		sizeBytes = common.ParseHumanSize(item.Size)
	}

	website := strings.TrimSpace(attrs["indexer"])
	if website == "" {
		website = strings.TrimSpace(attrs["tracker"])
	}
	if website == "" {
		website = endpointHost
	}

	return domain.StreamSource{
		ID:             domain.P2PSourceID(infoHash),
		Type:           domain.SourceP2P,
		URL:            magnet,
		Quality:        rel.Quality,
		Info:           name,
		Provider:       p.name,
		Website:        website,
		Seeds:          parseInt(attrs["seeders"]),
		Size:           sizeBytes,
		Filename:       name,
		VideoCodec:     rel.VideoCodec,
		AudioCodec:     rel.AudioCodec,
		AudioLanguages: rel.Languages,
		ContentID:      infoHash,
	}, true
}

// prefetchMissingInfoHashes downloads .torrent files of items that carry
// neither a magnet nor an infohash attr and hashes their info dict.
func (p *Provider) prefetchMissingInfoHashes(ctx context.Context, items []torznabItem) map[string]string {
	var pending []string
	for _, item := range items {
		if firstMagnet(item.Guid, item.Link, item.Enclosure.URL) != "" || hasAttr(item, "infohash") {
			continue
		}
		if u := downloadURL(item); strings.HasPrefix(u, "http") {
			pending = append(pending, u)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	out := make(map[string]string, len(pending))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(torrentFetchLimit)
	for _, u := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			hash, err := p.fetchInfoHash(ctx, u)
			if err != nil || hash == "" {
				return
			}
			mu.Lock()
			out[u] = hash
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (p *Provider) fetchInfoHash(ctx context.Context, rawURL string) (string, error) {
	payload, err := common.FetchBody(ctx, p.client, common.RetryConfig{MaxAttempts: 1}, maxTorrentBytes, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", p.userAgent)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	mi, err := metainfo.Load(bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	return strings.ToLower(mi.HashInfoBytes().HexString()), nil
}

type torznabResponse struct {
	Channel torznabChannel `xml:"channel"`
}

type torznabChannel struct {
	Items []torznabItem `xml:"item"`
}

type torznabItem struct {
	Title     string           `xml:"title"`
	Guid      string           `xml:"guid"`
	Link      string           `xml:"link"`
	Size      string           `xml:"size"`
	PubDate   string           `xml:"pubDate"`
	Enclosure torznabEnclosure `xml:"enclosure"`
	Attrs     []torznabAttr    `xml:"attr"`
}

type torznabEnclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
}

type torznabAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func parseTorznabResponse(payload []byte) ([]torznabItem, error) {
	var rss torznabResponse
	if err := xml.Unmarshal(payload, &rss); err != nil {
		return nil, fmt.Errorf("invalid torznab XML: %w", err)
	}
	return rss.Channel.Items, nil
}

func firstMagnet(candidates ...string) string {
	for _, candidate := range candidates {
		value := strings.TrimSpace(candidate)
		if strings.HasPrefix(strings.ToLower(value), "magnet:?") {
			return value
		}
	}
	return ""
}

func downloadURL(item torznabItem) string {
	if u := strings.TrimSpace(item.Enclosure.URL); u != "" {
		return u
	}
	return strings.TrimSpace(item.Link)
}

func hasAttr(item torznabItem, name string) bool {
	for _, attr := range item.Attrs {
		if strings.EqualFold(strings.TrimSpace(attr.Name), name) && strings.TrimSpace(attr.Value) != "" {
			return true
		}
	}
	return false
}

func parseInt(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return value
}

func parseI64(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func endpointHasAPIKey(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return strings.TrimSpace(parsed.Query().Get("apikey")) != ""
}
