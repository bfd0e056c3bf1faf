package common

import (
	"net/url"
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	"streamengine/internal/domain"
)

// DefaultTrackers are appended to magnets that carry none.
var DefaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
}

func NormalizeInfoHash(raw string) string {
	return domain.NormalizeContentID(raw)
}

// ValidInfoHash reports whether raw is a 40-char hex infohash.
func ValidInfoHash(raw string) bool {
	hash := NormalizeInfoHash(raw)
	if len(hash) != 40 {
		return false
	}
	var ih metainfo.Hash
	return ih.FromHexString(hash) == nil
}

func BuildMagnet(infoHash, name string, trackers []string) string {
	hash := NormalizeInfoHash(infoHash)
	if hash == "" {
		return ""
	}
	var builder strings.Builder
	builder.WriteString("magnet:?xt=urn:btih:")
	builder.WriteString(hash)
	if strings.TrimSpace(name) != "" {
		builder.WriteString("&dn=")
		builder.WriteString(url.QueryEscape(strings.TrimSpace(name)))
	}
	for _, tracker := range trackers {
		value := strings.TrimSpace(tracker)
		if value == "" {
			continue
		}
		builder.WriteString("&tr=")
		builder.WriteString(url.QueryEscape(value))
	}
	return builder.String()
}

// InfoHashFromMagnet extracts the lowercase hex infohash of a magnet URI.
func InfoHashFromMagnet(magnet string) string {
	m, err := metainfo.ParseMagnetUri(strings.TrimSpace(magnet))
	if err != nil {
		return ""
	}
	return strings.ToLower(m.InfoHash.HexString())
}
