package resolve

import (
	"testing"

	"streamengine/internal/domain"
)

func ids(sources []domain.StreamSource) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.ID)
	}
	return out
}

func TestRankSourcesTiers(t *testing.T) {
	priority := map[string]int{"vidsrc": 0, "indexer": 1}
	prio := func(name string) int { return priority[name] }

	sources := []domain.StreamSource{
		{ID: "risky-high", Type: domain.SourceP2P, Provider: "indexer", Risky: true, Score: 90},
		{ID: "p2p-low-seeds", Type: domain.SourceP2P, Provider: "indexer", Score: 50, Seeds: 5},
		{ID: "p2p-high-seeds", Type: domain.SourceP2P, Provider: "indexer", Score: 50, Seeds: 90},
		{ID: "direct", Type: domain.SourceDirectHTTP, Provider: "vidsrc", Score: 10},
	}

	tests := []struct {
		name string
		tb   TieBreak
		want []string
	}{
		{"seeds", TieBreakSeeds, []string{"p2p-high-seeds", "p2p-low-seeds", "direct", "risky-high"}},
		{"provider", TieBreakProvider, []string{"direct", "p2p-high-seeds", "p2p-low-seeds", "risky-high"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ids(rankSources(sources, tc.tb, prio))
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v want %v", got, tc.want)
				}
			}
		})
	}
}

func TestRankSourcesQualityBreaksTies(t *testing.T) {
	sources := []domain.StreamSource{
		{ID: "sd", Type: domain.SourceP2P, Quality: "480p", Score: 10},
		{ID: "uhd", Type: domain.SourceP2P, Quality: "2160p", Score: 10},
	}
	got := ids(rankSources(sources, TieBreakSeeds, func(string) int { return 0 }))
	if got[0] != "uhd" {
		t.Fatalf("expected higher quality first, got %v", got)
	}
}

func TestRankSourcesFastPathHeadsNonRiskyTier(t *testing.T) {
	sources := []domain.StreamSource{
		{ID: "best", Type: domain.SourceP2P, Score: 80},
		{ID: "fast", Type: domain.SourceDirectHTTP, Score: 5, FastPath: true},
		{ID: "risky", Type: domain.SourceP2P, Score: 99, Risky: true},
	}
	got := ids(rankSources(sources, TieBreakSeeds, func(string) int { return 0 }))
	want := []string{"fast", "best", "risky"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}

	sources[1].Risky = true
	got = ids(rankSources(sources, TieBreakSeeds, func(string) int { return 0 }))
	if got[0] != "best" {
		t.Fatalf("risky fast path source must not jump the queue, got %v", got)
	}
}

func TestSelectPrimary(t *testing.T) {
	tests := []struct {
		name     string
		ranked   []domain.StreamSource
		wantID   string
		wantMode domain.PlaybackMode
	}{
		{
			name: "direct non-risky",
			ranked: []domain.StreamSource{
				{ID: "p2p", Type: domain.SourceP2P},
				{ID: "d", Type: domain.SourceDirectHLS},
			},
			wantID: "d", wantMode: domain.ModeAutoplay,
		},
		{
			name: "p2p only",
			ranked: []domain.StreamSource{
				{ID: "p1", Type: domain.SourceP2P},
				{ID: "p2", Type: domain.SourceP2P, Risky: true},
			},
			wantID: "p1", wantMode: domain.ModePreview,
		},
		{
			name: "risky direct only",
			ranked: []domain.StreamSource{
				{ID: "p1", Type: domain.SourceP2P},
				{ID: "d", Type: domain.SourceDirectHTTP, Risky: true},
			},
			wantID: "d", wantMode: domain.ModeAutoplay,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, mode := selectPrimary(tc.ranked)
			if id != tc.wantID || mode != tc.wantMode {
				t.Fatalf("got %s/%s want %s/%s", id, mode, tc.wantID, tc.wantMode)
			}
		})
	}
}

func TestDedupe(t *testing.T) {
	sources := []domain.StreamSource{
		{ID: "p2p:aa", Type: domain.SourceP2P, ContentID: "AA", Score: 10, Provider: "one"},
		{ID: "p2p:aa", Type: domain.SourceP2P, ContentID: "aa", Score: 30, Provider: "two"},
		{ID: "direct:x:0", Type: domain.SourceDirectHTTP, URL: "https://cdn/a.mp4"},
		{ID: "direct:x:1", Type: domain.SourceDirectHTTP, URL: "https://cdn/a.mp4"},
		{ID: "direct:x:2", Type: domain.SourceDirectHTTP, URL: "https://cdn/b.mp4"},
	}
	got := dedupe(sources)
	if len(got) != 3 {
		t.Fatalf("expected 3 sources, got %v", ids(got))
	}
	if got[0].Provider != "two" {
		t.Fatalf("expected higher scored duplicate to win, got %+v", got[0])
	}
	if got[1].ID != "direct:x:0" || got[2].ID != "direct:x:2" {
		t.Fatalf("unexpected direct dedupe: %v", ids(got))
	}
}

func TestDedupeKeepsIDsUnique(t *testing.T) {
	sources := []domain.StreamSource{
		{ID: "direct:vidsrc:0", Type: domain.SourceDirectHTTP, URL: "https://one/a.mp4", Score: 10},
		{ID: "direct:vidsrc:0", Type: domain.SourceDirectHTTP, URL: "https://two/a.mp4", Score: 20},
		{ID: "direct:vidsrc:1", Type: domain.SourceDirectHTTP, URL: "https://one/b.mp4", Score: 5},
	}
	got := dedupe(sources)
	seen := make(map[string]bool)
	for _, src := range got {
		if seen[src.ID] {
			t.Fatalf("duplicate id %s in %v", src.ID, ids(got))
		}
		seen[src.ID] = true
	}
	if len(got) != 2 || got[0].URL != "https://two/a.mp4" {
		t.Fatalf("expected the better source to keep the id, got %+v", got)
	}
}

func TestParseTieBreak(t *testing.T) {
	if ParseTieBreak(" Provider ") != TieBreakProvider {
		t.Fatal("expected provider")
	}
	if ParseTieBreak("") != TieBreakSeeds || ParseTieBreak("nonsense") != TieBreakSeeds {
		t.Fatal("expected seeds default")
	}
}
