package common

import "testing"

// ---------------------------------------------------------------------------
// ParseHumanSize
// ---------------------------------------------------------------------------

func TestParseHumanSizeAllUnits(t *testing.T) {
	cases := []struct {
		input string
		want  int64
	}{
		{"1 B", 1},
		{"1 KB", 1024},
		{"1 MB", 1024 * 1024},
		{"1 GB", 1024 * 1024 * 1024},
		{"1 GiB", 1024 * 1024 * 1024},
		{"1 TB", 1024 * 1024 * 1024 * 1024},
		{"123456", 123456},
		{"", 0},
		{"abc GB", 0},
	}
	for _, tc := range cases {
		got := ParseHumanSize(tc.input)
		if got != tc.want {
			t.Errorf("ParseHumanSize(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func TestParseHumanSizeFractional(t *testing.T) {
	got := ParseHumanSize("1,5 GB")
	if got != 1536*1024*1024 {
		t.Fatalf("ParseHumanSize(1,5 GB) = %d", got)
	}
}

func TestCleanHTMLText(t *testing.T) {
	if got := CleanHTMLText("  <b>Hello</b>&amp;   <i>world</i> "); got != "Hello & world" {
		t.Fatalf("CleanHTMLText = %q", got)
	}
}
