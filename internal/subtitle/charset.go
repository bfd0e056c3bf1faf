package subtitle

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeText returns data as UTF-8 text. UTF-16 input is recognised by its
// BOM; other non-UTF-8 input is decoded as Windows-1251 or Windows-1252.
func DecodeText(data []byte) string {
	if bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF}) {
		dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
		if out, _, err := transform.Bytes(dec, data); err == nil {
			return string(out)
		}
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, err := guessLegacyCharset(data).NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(decoded)
}

// guessLegacyCharset picks Windows-1251 when high bytes mostly come in runs
// of letters, which is how Cyrillic text looks. Accented Latin text has
// isolated high bytes between ASCII letters.
func guessLegacyCharset(data []byte) encoding.Encoding {
	high, paired := 0, 0
	for i, b := range data {
		if b < 0xC0 {
			continue
		}
		high++
		if i > 0 && data[i-1] >= 0xC0 {
			paired++
		}
	}
	if high > 0 && paired*3 >= high {
		return charmap.Windows1251
	}
	return charmap.Windows1252
}
