package subtitle

import (
	"strings"

	"golang.org/x/text/language"
)

// ISO 639-2/B codes that x/text only knows in their terminology form.
var bibliographic = map[string]string{
	"alb": "sq", "arm": "hy", "baq": "eu", "bur": "my", "chi": "zh",
	"cze": "cs", "dut": "nl", "fre": "fr", "geo": "ka", "ger": "de",
	"gre": "el", "ice": "is", "mac": "mk", "mao": "mi", "may": "ms",
	"per": "fa", "rum": "ro", "slo": "sk", "tib": "bo", "wel": "cy",
}

// Names some releases and containers use instead of codes.
var languageNames = map[string]string{
	"english": "en", "russian": "ru", "ukrainian": "uk", "french": "fr",
	"german": "de", "spanish": "es", "italian": "it", "portuguese": "pt",
	"polish": "pl", "japanese": "ja", "chinese": "zh", "korean": "ko",
}

// NormalizeLang maps ISO 639-1/639-2 codes, regional tags and common names
// to a two-letter code. Unknown input is returned lowercased.
func NormalizeLang(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return ""
	}
	if code, ok := bibliographic[v]; ok {
		return code
	}
	if code, ok := languageNames[v]; ok {
		return code
	}
	if idx := strings.IndexAny(v, "-_"); idx > 0 {
		v = v[:idx]
	}
	base, err := language.ParseBase(v)
	if err != nil {
		return v
	}
	return base.String()
}

// SameLang reports whether two language labels name the same language.
func SameLang(a, b string) bool {
	na, nb := NormalizeLang(a), NormalizeLang(b)
	return na != "" && na == nb
}
