// Package classify scores stream sources for browser playback compatibility.
package classify

import (
	"regexp"
	"strings"

	"streamengine/internal/domain"
)

const (
	videoIncompatiblePenalty = -40
	videoCompatibleBonus     = 10
	audioCompatibleBonus     = 40
	audioAC3Bonus            = 10
	audioIncompatiblePenalty = -50
	maxSeedBonus             = 20
	sameContentBonus         = 25
	sameQualityBonus         = 15
	directBonus              = 5
)

type audioClass int

const (
	audioUnknown audioClass = iota
	audioCompatible
	audioAC3
	audioIncompatible
	audioAmbiguous
)

var (
	hevcRe = regexp.MustCompile(`(?i)\b(hevc|h\.?265|x\.?265|av1)\b`)
	avcRe  = regexp.MustCompile(`(?i)\b(avc|h\.?264|x\.?264|vp9)\b`)

	aacRe    = regexp.MustCompile(`(?i)\b(aac(2\.0|5\.1)?|opus)\b`)
	eac3Re   = regexp.MustCompile(`(?i)(\be-?ac-?3\b|\bddp(2\.0|5\.1|7\.1)?\b|\bdd\+|\bdolby\s*digital\s*plus\b)`)
	dtsRe    = regexp.MustCompile(`(?i)\b(dts(-?hd)?(-?ma)?|dts-?x)\b`)
	truehdRe = regexp.MustCompile(`(?i)\btrue-?hd\b`)
	ac3Re    = regexp.MustCompile(`(?i)\b(ac-?3|dd(2\.0|5\.1)?)\b`)
)

// Score returns the compatibility score of src. baseline, when not nil, is
// the source currently playing and grants affinity to its siblings.
func Score(src domain.StreamSource, baseline *domain.StreamSource) int {
	score := videoScore(src) + AudioScore(audioText(src))

	seedBonus := src.Seeds / 10
	if seedBonus > maxSeedBonus {
		seedBonus = maxSeedBonus
	}
	if seedBonus > 0 {
		score += seedBonus
	}

	if src.Type.IsDirect() {
		score += directBonus
	}

	if baseline != nil {
		if src.ContentID != "" && strings.EqualFold(src.ContentID, baseline.ContentID) {
			score += sameContentBonus
		}
		if src.Quality != "" && strings.EqualFold(src.Quality, baseline.Quality) {
			score += sameQualityBonus
		}
	}
	return score
}

// Risky reports whether the source likely fails to decode in a browser.
func Risky(src domain.StreamSource) bool {
	if isHEVC(videoText(src)) {
		return true
	}
	switch classifyAudio(audioText(src)) {
	case audioIncompatible, audioAmbiguous:
		return true
	}
	return false
}

// AudioScore returns the audio component of the score for a codec name or
// release text.
func AudioScore(text string) int {
	switch classifyAudio(text) {
	case audioCompatible:
		return audioCompatibleBonus
	case audioAC3:
		return audioAC3Bonus
	case audioIncompatible, audioAmbiguous:
		return audioIncompatiblePenalty
	}
	return 0
}

// RiskyAudioCodec reports whether an ffprobe codec name needs re-encoding.
func RiskyAudioCodec(codec string) bool {
	switch strings.ToLower(codec) {
	case "eac3", "dts", "truehd", "mlp", "dts-hd", "dca":
		return true
	}
	return false
}

// RiskyAudioText reports whether a release name or file path names an audio
// codec that needs re-encoding.
func RiskyAudioText(text string) bool {
	switch classifyAudio(text) {
	case audioIncompatible, audioAmbiguous:
		return true
	}
	return false
}

// Classify fills Score and Risky on every source.
func Classify(sources []domain.StreamSource, baseline *domain.StreamSource) {
	for i := range sources {
		sources[i].Score = Score(sources[i], baseline)
		sources[i].Risky = Risky(sources[i])
	}
}

func videoScore(src domain.StreamSource) int {
	text := videoText(src)
	switch {
	case isHEVC(text):
		return videoIncompatiblePenalty
	case avcRe.MatchString(text):
		return videoCompatibleBonus
	}
	return 0
}

func isHEVC(text string) bool {
	return hevcRe.MatchString(text)
}

func videoText(src domain.StreamSource) string {
	if src.VideoCodec != "" {
		return src.VideoCodec
	}
	return src.Filename + " " + src.Info
}

func audioText(src domain.StreamSource) string {
	if src.AudioCodec != "" {
		return src.AudioCodec
	}
	return src.Filename + " " + src.Info
}

func classifyAudio(text string) audioClass {
	text = normalizeCodecText(text)
	var found []audioClass
	add := func(c audioClass) {
		for _, f := range found {
			if f == c {
				return
			}
		}
		found = append(found, c)
	}

	incompatible := false
	if eac3Re.MatchString(text) {
		add(audioIncompatible)
		incompatible = true
		// Strip DD+ tokens so the plain DD pattern does not match them again.
		text = eac3Re.ReplaceAllString(text, " ")
	}
	if dtsRe.MatchString(text) || truehdRe.MatchString(text) {
		if incompatible {
			return audioAmbiguous
		}
		add(audioIncompatible)
		incompatible = true
	}
	if aacRe.MatchString(text) {
		add(audioCompatible)
	}
	if ac3Re.MatchString(text) {
		add(audioAC3)
	}

	switch len(found) {
	case 0:
		return audioUnknown
	case 1:
		return found[0]
	}
	return audioAmbiguous
}

// normalizeCodecText maps ffprobe codec names onto the release tokens matched above.
func normalizeCodecText(text string) string {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "eac3":
		return "eac3"
	case "dca":
		return "dts"
	case "mlp":
		return "truehd"
	}
	return strings.ReplaceAll(text, "_", " ")
}
