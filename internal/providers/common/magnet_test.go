package common

import (
	"strings"
	"testing"
)

func TestNormalizeInfoHash(t *testing.T) {
	if got := NormalizeInfoHash("  urn:btih:ABCDEF  "); got != "abcdef" {
		t.Fatalf("NormalizeInfoHash = %q", got)
	}
	if got := NormalizeInfoHash("   "); got != "" {
		t.Fatalf("expected empty hash, got %q", got)
	}
}

func TestValidInfoHash(t *testing.T) {
	if !ValidInfoHash("0123456789ABCDEF0123456789abcdef01234567") {
		t.Fatalf("expected valid hash")
	}
	for _, raw := range []string{"", "abc", strings.Repeat("z", 40)} {
		if ValidInfoHash(raw) {
			t.Fatalf("ValidInfoHash(%q) = true", raw)
		}
	}
}

func TestBuildMagnet(t *testing.T) {
	magnet := BuildMagnet("ABCDEF0123456789ABCDEF0123456789ABCDEF01", "Some Movie", []string{"udp://t1:80/announce", " "})
	if !strings.HasPrefix(magnet, "magnet:?xt=urn:btih:abcdef0123456789abcdef0123456789abcdef01") {
		t.Fatalf("unexpected magnet prefix: %s", magnet)
	}
	if !strings.Contains(magnet, "&dn=Some+Movie") {
		t.Fatalf("missing display name: %s", magnet)
	}
	if strings.Count(magnet, "&tr=") != 1 {
		t.Fatalf("expected one tracker: %s", magnet)
	}
	if BuildMagnet("", "x", nil) != "" {
		t.Fatalf("empty hash should produce empty magnet")
	}
}

func TestInfoHashFromMagnetRoundTrip(t *testing.T) {
	hash := "abcdef0123456789abcdef0123456789abcdef01"
	magnet := BuildMagnet(hash, "Name", DefaultTrackers)
	if got := InfoHashFromMagnet(magnet); got != hash {
		t.Fatalf("InfoHashFromMagnet = %q, want %q", got, hash)
	}
	if got := InfoHashFromMagnet("not a magnet"); got != "" {
		t.Fatalf("expected empty hash, got %q", got)
	}
}
