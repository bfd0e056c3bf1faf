package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
)

func subtitleFiles() []domain.FileRef {
	return []domain.FileRef{
		{Index: 0, Path: "Movie/Movie.2020.1080p.mkv", Length: 1 << 30},
		{Index: 1, Path: "Movie/Subs/Movie.en.srt", Length: 64},
		{Index: 2, Path: "Movie/Subs/Russian.SRT", Length: 64},
		{Index: 3, Path: "Movie/cover.jpg", Length: 10},
		{Index: 4, Path: "Movie/Subs/signs.ass", Length: 64},
	}
}

func TestSidecarFiles(t *testing.T) {
	got := SidecarFiles(subtitleFiles())
	if len(got) != 3 || got[0].Index != 1 || got[1].Index != 2 || got[2].Index != 4 {
		t.Fatalf("unexpected sidecars: %+v", got)
	}
	if out := SidecarFiles(nil); out == nil || len(out) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", out)
	}
}

func TestAggregateSubtitlesMergesProvidersInOrder(t *testing.T) {
	searcher := &fakeSearcher{results: []ports.ExternalSubtitle{
		{FileID: "101", Language: "en", Release: "Movie.2020.WEB"},
		{FileID: "101", Language: "en", Release: "duplicate"},
		{FileID: "202", Language: "ru"},
	}}
	probe := &fakeProbe{result: domain.ProbeResult{SubtitleTracks: []domain.SubtitleTrack{
		{TrackIndex: 0, Codec: "subrip", Language: "fre", Extractable: true},
		{TrackIndex: 1, Codec: "hdmv_pgs_subtitle", Language: "eng"},
		{TrackIndex: 2, Codec: "ass", Language: "eng", IsForced: true, Extractable: true},
	}}}
	uc := &AggregateSubtitles{
		External: searcher,
		Sessions: &fakeSessions{files: subtitleFiles()},
		Probe:    probe,
	}

	sel, err := uc.Execute(context.Background(), SubtitleRequest{
		TitleID: "tt1", ContentID: "abc", FileIndex: 0, PreferredLang: "rus",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var ids []string
	for _, e := range sel.Entries {
		ids = append(ids, e.ID)
	}
	want := "external:101,external:202,sidecar:1,sidecar:2,sidecar:4,embedded:0,embedded:2"
	if got := strings.Join(ids, ","); got != want {
		t.Fatalf("entries = %s, want %s", got, want)
	}
	if sel.Selected != "external:202" {
		t.Fatalf("selected = %q, want external:202", sel.Selected)
	}
	if searcher.lastQ.Lang != "rus" || searcher.lastQ.TitleID != "tt1" {
		t.Fatalf("unexpected search query: %+v", searcher.lastQ)
	}

	byID := make(map[string]domain.SubtitleEntry)
	for _, e := range sel.Entries {
		byID[e.ID] = e
	}
	if e := byID["sidecar:1"]; e.Lang != "en" || e.DeliveryRef != "/magnet/abc?fileIdx=1&kind=sidecar" || e.Format != "srt" {
		t.Fatalf("unexpected sidecar entry: %+v", e)
	}
	if e := byID["sidecar:2"]; e.Lang != "ru" {
		t.Fatalf("expected lang from file name, got %+v", e)
	}
	if e := byID["embedded:2"]; !strings.HasSuffix(e.Label, "(forced)") || e.DeliveryRef != "/subtitle-extract/abc?fileIdx=0&trackIdx=2" {
		t.Fatalf("unexpected embedded entry: %+v", e)
	}
	if e := byID["external:101"]; e.DeliveryRef != "/subtitle-external/101" || e.Label != "Movie.2020.WEB" {
		t.Fatalf("unexpected external entry: %+v", e)
	}
}

func TestAggregateSubtitlesIsolatesFailures(t *testing.T) {
	uc := &AggregateSubtitles{
		External: &fakeSearcher{err: errors.New("rate limited")},
		Sessions: &fakeSessions{filesErr: domain.ErrNotFound},
		Probe: &fakeProbe{result: domain.ProbeResult{SubtitleTracks: []domain.SubtitleTrack{
			{TrackIndex: 0, Codec: "subrip", Language: "eng", Extractable: true},
		}}},
	}
	sel, err := uc.Execute(context.Background(), SubtitleRequest{TitleID: "tt1", ContentID: "abc", PreferredLang: "de"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(sel.Entries) != 1 || sel.Entries[0].ID != "embedded:0" {
		t.Fatalf("unexpected entries: %+v", sel.Entries)
	}
	if sel.Selected != "embedded:0" {
		t.Fatalf("expected first entry when no language matches, got %q", sel.Selected)
	}
}

func TestAggregateSubtitlesNothingFoundSelectsOff(t *testing.T) {
	uc := &AggregateSubtitles{External: &fakeSearcher{}}
	sel, err := uc.Execute(context.Background(), SubtitleRequest{TitleID: "tt1", FileIndex: -1})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sel.Selected != domain.SubtitleOff || sel.Entries == nil || len(sel.Entries) != 0 {
		t.Fatalf("unexpected selection: %+v", sel)
	}
}

func TestAggregateSubtitlesRequiresTarget(t *testing.T) {
	_, err := (&AggregateSubtitles{}).Execute(context.Background(), SubtitleRequest{})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestDedupeEntriesIsPerProvider(t *testing.T) {
	entries := []domain.SubtitleEntry{
		{ID: "a", Provider: domain.SubtitleSidecar, DedupeKey: "1"},
		{ID: "b", Provider: domain.SubtitleEmbedded, DedupeKey: "1"},
		{ID: "c", Provider: domain.SubtitleSidecar, DedupeKey: "1"},
	}
	got := dedupeEntries(entries)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected dedupe result: %+v", got)
	}
}

func TestLangFromFilename(t *testing.T) {
	tests := map[string]string{
		"Subs/Movie.2020.en.srt": "en",
		"Subs/English.srt":       "en",
		"Subs/movie_rus.srt":     "ru",
		"Subs/Movie.srt":         "",
	}
	for in, want := range tests {
		if got := langFromFilename(in); got != want {
			t.Fatalf("langFromFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSidecarVTT(t *testing.T) {
	srt := "1\r\n00:00:01,000 --> 00:00:02,000\r\nHello\r\n"
	uc := &AggregateSubtitles{Sessions: &fakeSessions{
		files: subtitleFiles(),
		data:  map[int][]byte{1: []byte(srt)},
	}}
	out, err := uc.SidecarVTT(context.Background(), "abc", 1)
	if err != nil {
		t.Fatalf("SidecarVTT: %v", err)
	}
	if !strings.HasPrefix(string(out), "WEBVTT") || !strings.Contains(string(out), "00:00:01.000 --> 00:00:02.000") {
		t.Fatalf("unexpected vtt: %q", out)
	}

	if _, err := uc.SidecarVTT(context.Background(), "abc", 0); !errors.Is(err, domain.ErrInvalidFileIndex) {
		t.Fatalf("video file should be rejected, got %v", err)
	}
	if _, err := uc.SidecarVTT(context.Background(), "abc", 99); !errors.Is(err, domain.ErrInvalidFileIndex) {
		t.Fatalf("out of range index should be rejected, got %v", err)
	}
}

func TestExternalVTT(t *testing.T) {
	uc := &AggregateSubtitles{External: &fakeSearcher{data: []byte("1\n00:00:01,000 --> 00:00:02,000\nHi\n")}}
	out, err := uc.ExternalVTT(context.Background(), "101")
	if err != nil {
		t.Fatalf("ExternalVTT: %v", err)
	}
	if !strings.HasPrefix(string(out), "WEBVTT\n\n00:00:01.000") {
		t.Fatalf("unexpected vtt: %q", out)
	}
	if _, err := (&AggregateSubtitles{}).ExternalVTT(context.Background(), "1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound without searcher, got %v", err)
	}
}

func TestEmbeddedVTTCachesAndForgets(t *testing.T) {
	sessions := &fakeSessions{files: subtitleFiles(), data: map[int][]byte{0: []byte("mkv")}}
	extractor := &fakeExtractor{out: []byte("WEBVTT\n\n")}
	uc := &AggregateSubtitles{
		Sessions:  sessions,
		Extractor: extractor,
		Probe: &fakeProbe{result: domain.ProbeResult{SubtitleTracks: []domain.SubtitleTrack{
			{TrackIndex: 0, Codec: "subrip", Extractable: true},
			{TrackIndex: 1, Codec: "hdmv_pgs_subtitle"},
		}}},
	}

	for i := 0; i < 2; i++ {
		out, err := uc.EmbeddedVTT(context.Background(), "abc", 0, 0)
		if err != nil || string(out) != "WEBVTT\n\n" {
			t.Fatalf("EmbeddedVTT = %q, %v", out, err)
		}
	}
	if extractor.calls.Load() != 1 {
		t.Fatalf("extractor called %d times, want 1", extractor.calls.Load())
	}

	sessions.close("abc")
	_, _ = uc.EmbeddedVTT(context.Background(), "abc", 0, 0)
	if extractor.calls.Load() != 2 {
		t.Fatalf("cache should be dropped on session close")
	}

	if _, err := uc.EmbeddedVTT(context.Background(), "abc", 0, 1); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("bitmap track should be unsupported, got %v", err)
	}
	if _, err := uc.EmbeddedVTT(context.Background(), "abc", 0, 7); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown track should be not found, got %v", err)
	}
	if _, err := uc.EmbeddedVTT(context.Background(), "abc", 0, -1); !errors.Is(err, domain.ErrInvalidFileIndex) {
		t.Fatalf("negative track should be invalid, got %v", err)
	}
}
