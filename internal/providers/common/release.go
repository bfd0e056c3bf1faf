package common

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cehbz/torrentname"
)

// Release is what a release name tells about its content.
type Release struct {
	Title      string
	Year       int
	Quality    string
	VideoCodec string
	AudioCodec string
	Languages  []string
	Season     int
	Episode    int
	// Pack is set for complete-season or multi-episode releases.
	Pack bool
}

var (
	qualityRe = regexp.MustCompile(`(?i)\b(2160p|4k|1440p|1080p|720p|576p|480p|360p|240p)\b`)
	packRe    = regexp.MustCompile(`(?i)\b(complete|season\s*\d+|s\d{1,2}(?:[ ._-]?s\d{1,2})?)\b`)

	audioTokens = []struct {
		re    *regexp.Regexp
		codec string
	}{
		{regexp.MustCompile(`(?i)\btrue-?hd\b`), "truehd"},
		{regexp.MustCompile(`(?i)\bdts(-?hd)?(-?ma)?\b`), "dts"},
		{regexp.MustCompile(`(?i)(\be-?ac-?3\b|\bddp(\d\.\d)?\b|\bdd\+)`), "eac3"},
		{regexp.MustCompile(`(?i)\b(ac-?3|dd(\d\.\d)?)\b`), "ac3"},
		{regexp.MustCompile(`(?i)\baac(\d\.\d)?\b`), "aac"},
		{regexp.MustCompile(`(?i)\bopus\b`), "opus"},
		{regexp.MustCompile(`(?i)\bmp3\b`), "mp3"},
	}

	languageTokens = map[string]string{
		"english": "en", "eng": "en",
		"french": "fr", "vff": "fr", "vf": "fr", "truefrench": "fr", "fre": "fr",
		"german": "de", "ger": "de",
		"spanish": "es", "spa": "es", "castellano": "es", "latino": "es",
		"italian": "it", "ita": "it",
		"russian": "ru", "rus": "ru",
		"arabic": "ar", "ara": "ar",
		"hindi": "hi", "hin": "hi",
		"japanese": "ja", "jpn": "ja",
		"korean": "ko", "kor": "ko",
		"portuguese": "pt", "por": "pt",
		"turkish": "tr", "tur": "tr",
	}
	multiRe = regexp.MustCompile(`(?i)\b(multi|dual[ ._-]?audio)\b`)

	seasonEpisodeRe = regexp.MustCompile(`(?i)\bs(\d{1,2})[ ._-]?e(\d{1,3})\b`)
	seasonOnlyRe    = regexp.MustCompile(`(?i)\b(?:s|season[ ._-]?)(\d{1,2})\b`)
)

// ParseRelease extracts quality, codecs, languages and episode numbers from a
// release name.
func ParseRelease(name string) Release {
	var rel Release
	if parsed := torrentname.Parse(name); parsed != nil {
		rel.Title = parsed.Title
		rel.Year = parsed.Year
		rel.Season = parsed.Season
		rel.Episode = parsed.Episode
		rel.Pack = parsed.IsComplete
		rel.Quality = normalizeQuality(parsed.Resolution)
		rel.VideoCodec = normalizeVideoCodec(parsed.Codec)
	}
	if rel.Quality == "" {
		rel.Quality = normalizeQuality(qualityRe.FindString(name))
	}
	if rel.VideoCodec == "" {
		rel.VideoCodec = normalizeVideoCodec(name)
	}
	if rel.Season == 0 {
		if m := seasonEpisodeRe.FindStringSubmatch(name); m != nil {
			rel.Season, _ = strconv.Atoi(m[1])
			rel.Episode, _ = strconv.Atoi(m[2])
		} else if m := seasonOnlyRe.FindStringSubmatch(name); m != nil {
			rel.Season, _ = strconv.Atoi(m[1])
		}
	}
	for _, tok := range audioTokens {
		if tok.re.MatchString(name) {
			rel.AudioCodec = tok.codec
			break
		}
	}
	rel.Languages = detectLanguages(name)
	if rel.Season > 0 && rel.Episode == 0 && packRe.MatchString(name) {
		rel.Pack = true
	}
	return rel
}

// MatchesEpisode reports whether the release can contain the given episode.
// Season packs match any episode of their season.
func (r Release) MatchesEpisode(season, episode int) bool {
	if season <= 0 {
		return true
	}
	if r.Season == 0 && r.Episode == 0 {
		return r.Pack
	}
	if r.Season != season {
		return false
	}
	if r.Episode == 0 {
		return true
	}
	return r.Episode == episode
}

// QualityRank orders qualities, higher is better.
func QualityRank(quality string) int {
	switch strings.ToLower(quality) {
	case "2160p":
		return 6
	case "1440p":
		return 5
	case "1080p":
		return 4
	case "720p":
		return 3
	case "576p", "480p":
		return 2
	case "360p", "240p":
		return 1
	}
	return 0
}

func normalizeQuality(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "":
		return ""
	case "4k", "uhd":
		return "2160p"
	}
	if strings.HasSuffix(value, "p") {
		if _, err := strconv.Atoi(strings.TrimSuffix(value, "p")); err == nil {
			return value
		}
	}
	return ""
}

var (
	hevcToken = regexp.MustCompile(`(?i)\b(hevc|[hx]\.?265)\b`)
	avcToken  = regexp.MustCompile(`(?i)\b(avc|[hx]\.?264)\b`)
	av1Token  = regexp.MustCompile(`(?i)\bav1\b`)
	vp9Token  = regexp.MustCompile(`(?i)\bvp9\b`)
)

func normalizeVideoCodec(raw string) string {
	switch {
	case hevcToken.MatchString(raw):
		return "hevc"
	case av1Token.MatchString(raw):
		return "av1"
	case avcToken.MatchString(raw):
		return "h264"
	case vp9Token.MatchString(raw):
		return "vp9"
	}
	return ""
}

func detectLanguages(name string) []string {
	seen := make(map[string]struct{})
	var langs []string
	for _, field := range strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '.' || r == ' ' || r == '_' || r == '-' || r == '[' || r == ']' || r == '(' || r == ')'
	}) {
		code, ok := languageTokens[field]
		if !ok {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		langs = append(langs, code)
	}
	if multiRe.MatchString(name) {
		if _, dup := seen["multi"]; !dup {
			langs = append(langs, "multi")
		}
	}
	return langs
}
