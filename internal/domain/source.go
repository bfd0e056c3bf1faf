package domain

import (
	"strconv"
	"strings"
)

type SourceType string

const (
	SourceDirectHTTP SourceType = "direct-http"
	SourceDirectHLS  SourceType = "direct-hls"
	SourceP2P        SourceType = "p2p"
)

// IsDirect reports whether the source is served by an HTTP origin.
func (t SourceType) IsDirect() bool {
	return t == SourceDirectHTTP || t == SourceDirectHLS
}

type ProviderKind string

const (
	ProviderDirect ProviderKind = "direct"
	ProviderP2P    ProviderKind = "p2p"
)

type MediaType string

const (
	MediaMovie  MediaType = "movie"
	MediaSeries MediaType = "series"
)

// StreamSource is one playable candidate produced by a provider adapter.
type StreamSource struct {
	ID             string            `json:"id"`
	Type           SourceType        `json:"type"`
	URL            string            `json:"url,omitempty"`
	Quality        string            `json:"quality,omitempty"`
	Info           string            `json:"info,omitempty"`
	Provider       string            `json:"provider"`
	Website        string            `json:"website,omitempty"`
	Seeds          int               `json:"seeds,omitempty"`
	Size           int64             `json:"size,omitempty"`
	Filename       string            `json:"filename,omitempty"`
	VideoCodec     string            `json:"videoCodec,omitempty"`
	AudioCodec     string            `json:"audioCodec,omitempty"`
	AudioLanguages []string          `json:"audioLanguages,omitempty"`
	ContentID      string            `json:"contentId,omitempty"`
	FileIndex      *int              `json:"fileIndex,omitempty"`
	Headers        map[string]string `json:"-"`
	ServerNumber   int               `json:"serverNumber,omitempty"`
	Risky          bool              `json:"risky"`
	Score          int               `json:"score"`
	FastPath       bool              `json:"fastPath,omitempty"`
}

// P2PSourceID is the stable id of a swarm source.
func P2PSourceID(contentID string) string {
	return "p2p:" + strings.ToLower(contentID)
}

// DirectSourceID is the stable id of a direct source served by provider on server.
func DirectSourceID(provider string, server int) string {
	return "direct:" + provider + ":" + strconv.Itoa(server)
}

// TitleQuery identifies what to resolve.
type TitleQuery struct {
	TitleID   string
	MediaType MediaType
	Season    int
	Episode   int
	// Name and Year are filled from the catalog when available.
	Name         string
	OriginalName string
	Year         int
	// Expanded is set on the second, broadened search pass.
	Expanded bool
}

// IsEpisode reports whether the query targets one episode of a series.
func (q TitleQuery) IsEpisode() bool {
	return q.Season > 0 && q.Episode > 0
}

// PlaybackKey identifies one viewing of a title.
type PlaybackKey struct {
	TitleID string `json:"titleId" bson:"titleId"`
	Season  int    `json:"season" bson:"season"`
	Episode int    `json:"episode" bson:"episode"`
}

func (k PlaybackKey) String() string {
	return k.TitleID + ":" + strconv.Itoa(k.Season) + ":" + strconv.Itoa(k.Episode)
}

// Query returns the resolve query for this key.
func (k PlaybackKey) Query() TitleQuery {
	q := TitleQuery{TitleID: k.TitleID, Season: k.Season, Episode: k.Episode, MediaType: MediaMovie}
	if k.Season > 0 || k.Episode > 0 {
		q.MediaType = MediaSeries
	}
	return q
}
