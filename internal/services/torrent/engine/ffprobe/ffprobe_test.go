package ffprobe

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"
)

const sampleOutput = `{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080},
    {"codec_type": "audio", "codec_name": "eac3", "channels": 6, "tags": {"language": "eng", "title": "Atmos"}, "disposition": {"default": 1}},
    {"codec_type": "audio", "codec_name": "aac", "channels": 2, "tags": {"LANGUAGE": "fre"}},
    {"codec_type": "subtitle", "codec_name": "subrip", "tags": {"language": "eng"}, "disposition": {"forced": 1}},
    {"codec_type": "subtitle", "codec_name": "hdmv_pgs_subtitle", "tags": {"language": "ger"}},
    {"codec_type": "video", "codec_name": "mjpeg"}
  ],
  "format": {"duration": "5400.25"}
}`

func TestParseProbeOutput(t *testing.T) {
	res, err := parseProbeOutput([]byte(sampleOutput))
	if err != nil {
		t.Fatalf("parseProbeOutput: %v", err)
	}
	if res.Video == nil || res.Video.Codec != "h264" || res.Video.Height != 1080 {
		t.Fatalf("unexpected video: %+v", res.Video)
	}
	if len(res.AudioTracks) != 2 {
		t.Fatalf("expected 2 audio tracks, got %d", len(res.AudioTracks))
	}
	if a := res.AudioTracks[0]; a.TrackIndex != 0 || a.Codec != "eac3" || !a.IsDefault || a.Channels != 6 || a.Title != "Atmos" {
		t.Fatalf("unexpected first audio track: %+v", a)
	}
	if a := res.AudioTracks[1]; a.TrackIndex != 1 || a.Language != "fre" {
		t.Fatalf("unexpected second audio track: %+v", a)
	}
	if len(res.SubtitleTracks) != 2 {
		t.Fatalf("expected 2 subtitle tracks, got %d", len(res.SubtitleTracks))
	}
	if s := res.SubtitleTracks[0]; !s.Extractable || !s.IsForced || s.Language != "eng" {
		t.Fatalf("unexpected text subtitle: %+v", s)
	}
	if s := res.SubtitleTracks[1]; s.Extractable || s.TrackIndex != 1 {
		t.Fatalf("bitmap subtitle must not be extractable: %+v", s)
	}
	if res.Duration != 5400.25 {
		t.Fatalf("duration = %v", res.Duration)
	}
	if res.Partial {
		t.Fatal("parsed output is not partial")
	}
}

func TestParseProbeOutputEmptyStreams(t *testing.T) {
	res, err := parseProbeOutput([]byte(`{"streams": [], "format": {}}`))
	if err != nil {
		t.Fatalf("parseProbeOutput: %v", err)
	}
	if res.Video != nil || res.AudioTracks == nil || res.SubtitleTracks == nil {
		t.Fatalf("expected empty non-nil track lists, got %+v", res)
	}
}

func TestParseProbeOutputInvalidJSON(t *testing.T) {
	if _, err := parseProbeOutput([]byte("not json")); err == nil {
		t.Fatal("expected error")
	}
}

func TestProbeReaderNilReader(t *testing.T) {
	_, err := New("").ProbeReader(context.Background(), nil)
	if err == nil || err.Error() != "reader is required" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetTagCaseInsensitive(t *testing.T) {
	tests := []struct {
		name string
		tags map[string]string
		want string
	}{
		{"exact", map[string]string{"language": "eng"}, "eng"},
		{"upper", map[string]string{"LANGUAGE": "rus"}, "rus"},
		{"missing", map[string]string{"title": "x"}, ""},
		{"nil", nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := getTag(tc.tags, "language"); got != tc.want {
				t.Fatalf("getTag = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewDefaultBinary(t *testing.T) {
	if New("  ").binary != "ffprobe" {
		t.Fatal("expected default binary")
	}
	if New("/usr/bin/ffprobe").binary != "/usr/bin/ffprobe" {
		t.Fatal("expected custom binary")
	}
}

func TestProbeReaderMissingBinary(t *testing.T) {
	p := New("/nonexistent/ffprobe-binary")
	_, err := p.ProbeReader(context.Background(), bytes.NewReader([]byte("garbage")))
	if err == nil || !strings.Contains(err.Error(), "ffprobe failed") {
		t.Fatalf("expected ffprobe failure, got %v", err)
	}
}

func TestProbeReaderGarbageInput(t *testing.T) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe binary not available, skipping integration test")
	}
	_, err := New("").ProbeReader(context.Background(), bytes.NewReader([]byte("definitely not a video")))
	if err == nil {
		t.Fatal("expected error for garbage input")
	}
}
