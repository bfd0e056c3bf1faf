package direct

import (
	"regexp"
	"strings"
)

const packAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

var (
	packedSingleRe = regexp.MustCompile(`(?s)return\s+p\}\s*\(\s*'(.*?)'\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*'(.*?)'\.split\(\s*['"]\|['"]\s*\)`)
	packedDoubleRe = regexp.MustCompile(`(?s)return\s+p\}\s*\(\s*"(.*?)"\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*"(.*?)"\.split\(\s*['"]\|['"]\s*\)`)
	wordRe         = regexp.MustCompile(`\b\w+\b`)

	mp4FileRe  = regexp.MustCompile(`file\s*:\s*["'](https?://[^"']+\.mp4[^"']*)["']`)
	m3u8FileRe = regexp.MustCompile(`file\s*:\s*["'](https?://[^"']+\.m3u8[^"']*)["']`)
)

type packedScript struct {
	payload  string
	radix    int
	count    int
	keywords []string
}

// findPackedScript locates an eval(function(p,a,c,k,e,d)...) block.
func findPackedScript(page string) (packedScript, bool) {
	m := packedSingleRe.FindStringSubmatch(page)
	if m == nil {
		m = packedDoubleRe.FindStringSubmatch(page)
	}
	if m == nil {
		return packedScript{}, false
	}
	radix := atoi(m[2])
	count := atoi(m[3])
	if radix < 2 || radix > len(packAlphabet) {
		return packedScript{}, false
	}
	payload := strings.NewReplacer(`\'`, `'`, `\"`, `"`, `\\`, `\`).Replace(m[1])
	return packedScript{
		payload:  payload,
		radix:    radix,
		count:    count,
		keywords: strings.Split(m[4], "|"),
	}, true
}

// unpack substitutes every base-N token in the payload with its keyword.
func (s packedScript) unpack() string {
	return wordRe.ReplaceAllStringFunc(s.payload, func(word string) string {
		idx, ok := parseBase(word, s.radix)
		if !ok || idx >= s.count || idx >= len(s.keywords) || s.keywords[idx] == "" {
			return word
		}
		return s.keywords[idx]
	})
}

func parseBase(word string, radix int) (int, bool) {
	n := 0
	for _, r := range word {
		d := strings.IndexRune(packAlphabet, r)
		if d < 0 || d >= radix {
			return 0, false
		}
		n = n*radix + d
		if n < 0 {
			return 0, false
		}
	}
	return n, true
}

// extractPackedFile returns the stream URL of a packed player page,
// preferring progressive mp4 over HLS.
func extractPackedFile(page string) (string, bool) {
	script, ok := findPackedScript(page)
	if !ok {
		return "", false
	}
	code := script.unpack()
	if m := mp4FileRe.FindStringSubmatch(code); m != nil {
		return m[1], true
	}
	if m := m3u8FileRe.FindStringSubmatch(code); m != nil {
		return m[1], true
	}
	return "", false
}

func atoi(raw string) int {
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
