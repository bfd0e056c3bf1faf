package torznab

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"streamengine/internal/domain"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:torznab="http://torznab.com/schemas/2015/feed">
<channel>
  <item>
    <title>Some.Show.S01E02.1080p.WEB-DL.DDP5.1.H.264-GRP</title>
    <guid>magnet:?xt=urn:btih:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA&amp;dn=x</guid>
    <torznab:attr name="seeders" value="120"/>
    <torznab:attr name="size" value="1073741824"/>
    <torznab:attr name="indexer" value="demo"/>
  </item>
  <item>
    <title>Some.Show.S01E03.720p.WEB.x264.AAC-GRP</title>
    <link>https://example/download/3</link>
    <torznab:attr name="infohash" value="BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"/>
    <torznab:attr name="seeders" value="40"/>
  </item>
  <item>
    <title>Some.Show.S01.1080p.WEB.x264.AAC-PACK</title>
    <torznab:attr name="infohash" value="CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"/>
    <torznab:attr name="seeders" value="10"/>
  </item>
  <item>
    <title>Duplicate.Some.Show.S01E02.720p</title>
    <torznab:attr name="infohash" value="aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"/>
  </item>
</channel>
</rss>`

func TestResolveMapsItemsToSources(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	p := NewProvider(Config{Name: "jackett", Endpoint: srv.URL + "/api", APIKey: "key", Client: srv.Client()})
	sources, err := p.Resolve(context.Background(), domain.TitleQuery{
		TitleID: "tt1", Name: "Some Show", MediaType: domain.MediaSeries, Season: 1, Episode: 2,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, want := range []string{"t=search", "extended=1", "apikey=key", "cat=5000", "q=Some+Show+S01E02"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}

	// E03 is filtered out, the season pack stays, the duplicate hash is dropped.
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d: %+v", len(sources), sources)
	}
	first := sources[0]
	if first.ID != "p2p:"+strings.Repeat("a", 40) || first.ContentID != strings.Repeat("a", 40) {
		t.Fatalf("unexpected id/contentId: %+v", first)
	}
	if first.Type != domain.SourceP2P || first.Seeds != 120 || first.Size != 1073741824 {
		t.Fatalf("unexpected source: %+v", first)
	}
	if first.Website != "demo" || first.Provider != "jackett" {
		t.Fatalf("unexpected provider/website: %+v", first)
	}
	if first.AudioCodec != "eac3" {
		t.Fatalf("AudioCodec = %q", first.AudioCodec)
	}
	if sources[1].ContentID != strings.Repeat("c", 40) {
		t.Fatalf("expected season pack second, got %+v", sources[1])
	}
	if !strings.HasPrefix(sources[1].URL, "magnet:?xt=urn:btih:") {
		t.Fatalf("expected built magnet, got %q", sources[1].URL)
	}
}

func TestResolveUnconfigured(t *testing.T) {
	p := NewProvider(Config{})
	if _, err := p.Resolve(context.Background(), domain.TitleQuery{TitleID: "tt1"}); err == nil {
		t.Fatalf("expected error for unconfigured provider")
	}
}

func TestResolveHashesTorrentDownloads(t *testing.T) {
	info := metainfo.Info{Name: "Movie.2020.1080p.x264.mkv", PieceLength: 16384, Pieces: make([]byte, 20), Length: 100}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		t.Fatalf("write metainfo: %v", err)
	}
	wantHash := mi.HashInfoBytes().HexString()

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<rss><channel><item><title>Movie.2020.1080p.x264</title>` +
			`<enclosure url="` + srv.URL + `/file.torrent" length="100"/></item></channel></rss>`))
	})
	mux.HandleFunc("/file.torrent", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	p := NewProvider(Config{Endpoint: srv.URL + "/api?apikey=k", Client: srv.Client()})
	sources, err := p.Resolve(context.Background(), domain.TitleQuery{TitleID: "tt1", Name: "Movie", Year: 2020})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(sources) != 1 || sources[0].ContentID != wantHash {
		t.Fatalf("unexpected sources: %+v (want hash %s)", sources, wantHash)
	}
}

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		name string
		q    domain.TitleQuery
		want string
	}{
		{"movie with year", domain.TitleQuery{Name: "Movie", Year: 2020}, "Movie 2020"},
		{"movie expanded", domain.TitleQuery{Name: "Film", OriginalName: "Le Film", Year: 2020, Expanded: true}, "Le Film"},
		{"episode", domain.TitleQuery{Name: "Show", Season: 2, Episode: 5}, "Show S02E05"},
		{"episode expanded", domain.TitleQuery{Name: "Show", Season: 2, Episode: 5, Expanded: true}, "Show S02"},
		{"falls back to id", domain.TitleQuery{TitleID: "tt42"}, "tt42"},
		{"empty", domain.TitleQuery{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildQuery(tt.q); got != tt.want {
				t.Fatalf("BuildQuery = %q, want %q", got, tt.want)
			}
		})
	}
}
