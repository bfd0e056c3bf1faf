package transcode

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"streamengine/internal/domain"
)

func TestAudioTranscodeArgs(t *testing.T) {
	args := strings.Join(AudioTranscodeArgs(2, "160k"), " ")
	for _, want := range []string{
		"-i pipe:0",
		"-map 0:v:0 -map 0:a:2",
		"-c:v copy -c:a aac -b:a 160k -ac 2",
		"-f mp4 -movflags frag_keyframe+empty_moov+default_base_moof pipe:1",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
	if !strings.Contains(strings.Join(AudioTranscodeArgs(-1, "192k"), " "), "-map 0:a:0") {
		t.Fatal("negative audio track should fall back to 0")
	}
}

func TestSubtitleExtractArgs(t *testing.T) {
	args := strings.Join(SubtitleExtractArgs(3), " ")
	if !strings.Contains(args, "-map 0:s:3 -f webvtt pipe:1") {
		t.Fatalf("unexpected args %q", args)
	}
}

func TestNewDefaults(t *testing.T) {
	f := New(Config{})
	if f.binary != "ffmpeg" || f.audioBitrate != defaultAudioBitrate {
		t.Fatalf("unexpected defaults: %+v", f)
	}
}

func TestRunFailureWrapsTranscodeError(t *testing.T) {
	f := New(Config{FFmpegPath: "/nonexistent/ffmpeg-binary"})
	var out bytes.Buffer
	err := f.TranscodeAudio(context.Background(), strings.NewReader("x"), 0, &out)
	if !errors.Is(err, domain.ErrTranscodeFailure) {
		t.Fatalf("expected ErrTranscodeFailure, got %v", err)
	}
}

func TestRunCancelledReturnsContextError(t *testing.T) {
	f := New(Config{FFmpegPath: "/nonexistent/ffmpeg-binary"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.ExtractSubtitle(ctx, strings.NewReader("x"), 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExtractSubtitleRejectsNegativeTrack(t *testing.T) {
	_, err := New(Config{}).ExtractSubtitle(context.Background(), strings.NewReader(""), -1)
	if !errors.Is(err, domain.ErrInvalidFileIndex) {
		t.Fatalf("expected ErrInvalidFileIndex, got %v", err)
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	_, _ = b.Write([]byte("gh"))
	if b.String() != "abcd" {
		t.Fatalf("got %q", b.String())
	}
}

func TestLimitedBufferStrict(t *testing.T) {
	b := &limitedBuffer{limit: 4, strict: true}
	if _, err := b.Write([]byte("abc")); err != nil {
		t.Fatalf("Write under limit: %v", err)
	}
	if _, err := b.Write([]byte("de")); !errors.Is(err, errOutputTooLarge) {
		t.Fatalf("expected errOutputTooLarge, got %v", err)
	}
	if !b.overflowed {
		t.Fatal("overflow not recorded")
	}
	if _, err := b.Write([]byte("f")); err == nil {
		t.Fatal("writes after overflow should keep failing")
	}
}

func fakeFFmpeg(t *testing.T, output string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\ncat >/dev/null\nprintf '%s' '" + output + "'\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractSubtitleRejectsOversizedOutput(t *testing.T) {
	vtt := "WEBVTT\n\n00:00.000 --> 00:01.000\nhello\n"
	f := New(Config{FFmpegPath: fakeFFmpeg(t, vtt)})

	got, err := f.ExtractSubtitle(context.Background(), strings.NewReader("x"), 0)
	if err != nil {
		t.Fatalf("ExtractSubtitle: %v", err)
	}
	if !strings.HasPrefix(string(got), "WEBVTT") {
		t.Fatalf("unexpected output %q", got)
	}

	f.subtitleLimit = 8
	got, err = f.ExtractSubtitle(context.Background(), strings.NewReader("x"), 0)
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if got != nil {
		t.Fatalf("oversized track should return no data, got %q", got)
	}
}
