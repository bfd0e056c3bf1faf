package domain

type SubtitleProvider string

const (
	SubtitleExternal SubtitleProvider = "external"
	SubtitleSidecar  SubtitleProvider = "sidecar"
	SubtitleEmbedded SubtitleProvider = "embedded"
)

// SubtitleOff is the selection id meaning no subtitles.
const SubtitleOff = "off"

// SubtitleEntry is one selectable subtitle. DeliveryRef is the URL path the
// player fetches WebVTT from.
type SubtitleEntry struct {
	ID          string           `json:"id"`
	Label       string           `json:"label"`
	Lang        string           `json:"lang,omitempty"`
	Provider    SubtitleProvider `json:"provider"`
	DeliveryRef string           `json:"deliveryRef"`
	Format      string           `json:"format"`
	// DedupeKey is the track index, external id or file index within the provider.
	DedupeKey string `json:"-"`
}

type SubtitleSelection struct {
	Entries  []SubtitleEntry `json:"entries"`
	Selected string          `json:"selected"`
}
