package usecase

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"streamengine/internal/domain"
)

func eac3Probe() domain.ProbeResult {
	return domain.ProbeResult{AudioTracks: []domain.AudioTrack{
		{TrackIndex: 0, Codec: "eac3", IsDefault: true},
		{TrackIndex: 1, Codec: "aac"},
	}}
}

func TestParseTranscodeMode(t *testing.T) {
	tests := []struct {
		raw     string
		want    TranscodeMode
		wantErr bool
	}{
		{"", TranscodeOff, false},
		{"0", TranscodeOff, false},
		{"auto", TranscodeAuto, false},
		{"AUTO", TranscodeAuto, false},
		{"1", TranscodeManual, false},
		{"true", TranscodeManual, false},
		{"maybe", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTranscodeMode(tt.raw)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Fatalf("ParseTranscodeMode(%q) = %q, %v", tt.raw, got, err)
			}
		})
	}
}

func TestDecideAutoAtMostOncePerKey(t *testing.T) {
	uc := &TranscodeAudio{}
	first := uc.Decide("abc", 0, eac3Probe(), TranscodeAuto, -1, "")
	if !first.Transcode || first.AudioTrack != 0 || first.Trigger != "auto" {
		t.Fatalf("first auto decision = %+v", first)
	}
	if st := uc.State("abc", 0); !st.AutoAttempted || !st.Active {
		t.Fatalf("attempt should be recorded before streaming: %+v", st)
	}

	// The attempt failed; a reload must not start another one.
	uc.update(transcodeKey("abc", 0), func(st *domain.TranscodeState) { st.Active = false })
	if second := uc.Decide("abc", 0, eac3Probe(), TranscodeAuto, -1, ""); second.Transcode {
		t.Fatalf("auto transcode must not repeat: %+v", second)
	}
	other := uc.Decide("abc", 1, eac3Probe(), TranscodeAuto, -1, "")
	if !other.Transcode {
		t.Fatalf("a different file is a different key: %+v", other)
	}
}

func TestDecideKeepsActiveTranscodeUntilRestore(t *testing.T) {
	uc := &TranscodeAudio{}
	if plan := uc.Decide("abc", 0, eac3Probe(), TranscodeAuto, -1, ""); !plan.Transcode {
		t.Fatalf("first auto decision = %+v", plan)
	}

	again := uc.Decide("abc", 0, eac3Probe(), TranscodeAuto, -1, "")
	if !again.Transcode || again.AudioTrack != 0 {
		t.Fatalf("reopening an active transcode should keep it: %+v", again)
	}
	if plan, ok := uc.Current("abc", 0); !ok || plan.AudioTrack != 0 {
		t.Fatalf("Current = %+v, %v", plan, ok)
	}

	uc.Restore("abc", 0)
	st := uc.State("abc", 0)
	if st.Active || !st.AutoAttempted {
		t.Fatalf("unexpected state after restore: %+v", st)
	}
	if plan := uc.Decide("abc", 0, eac3Probe(), TranscodeAuto, -1, ""); plan.Transcode {
		t.Fatalf("restore must serve the original audio: %+v", plan)
	}
	if _, ok := uc.Current("abc", 0); ok {
		t.Fatal("no transcode should be active after restore")
	}
}

func TestDecideManualActivatesForLaterAutoRequests(t *testing.T) {
	uc := &TranscodeAudio{}
	uc.Decide("abc", 0, eac3Probe(), TranscodeManual, 1, "")
	plan := uc.Decide("abc", 0, eac3Probe(), TranscodeAuto, -1, "")
	if !plan.Transcode || plan.AudioTrack != 1 {
		t.Fatalf("manual pick should stay active with its track: %+v", plan)
	}
}

func TestDecideAutoNormalizesContentID(t *testing.T) {
	uc := &TranscodeAudio{}
	uc.Decide("ABC", 0, eac3Probe(), TranscodeAuto, -1, "")
	uc.Restore("abc", 0)
	if st := uc.State("urn:btih:abc", 0); st.Active || !st.AutoAttempted {
		t.Fatalf("ids differing in case must share one state: %+v", st)
	}
	if plan := uc.Decide("abc", 0, eac3Probe(), TranscodeAuto, -1, ""); plan.Transcode {
		t.Fatalf("a second casing must not get a second attempt: %+v", plan)
	}
}

func TestDecideAutoUsesReleaseHintWithoutProbe(t *testing.T) {
	partial := domain.ProbeResult{Partial: true}
	tests := []struct {
		name string
		hint string
		want bool
	}{
		{"ddp release", "Movie.2020.1080p.WEB-DL.DDP5.1.H.264-GRP/movie.mkv", true},
		{"dts release", "Movie.2020.1080p.BluRay.DTS-HD.MA.x264/movie.mkv", true},
		{"aac release", "Movie.2020.1080p.WEB.x264.AAC-GRP/movie.mp4", false},
		{"no codec in name", "Movie/movie.mkv", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc := &TranscodeAudio{}
			if plan := uc.Decide("abc", 0, partial, TranscodeAuto, -1, tt.hint); plan.Transcode != tt.want {
				t.Fatalf("Transcode = %v, want %v", plan.Transcode, tt.want)
			}
		})
	}

	uc := &TranscodeAudio{}
	hint := "Movie.2020.1080p.WEB-DL.DDP5.1.H.264-GRP/movie.mkv"
	aac := domain.ProbeResult{AudioTracks: []domain.AudioTrack{{TrackIndex: 0, Codec: "aac", IsDefault: true}}}
	if plan := uc.Decide("abc", 0, aac, TranscodeAuto, -1, hint); plan.Transcode {
		t.Fatal("a probed codec outranks the release name")
	}
}

func TestDecideAutoSkipsSafeAudio(t *testing.T) {
	uc := &TranscodeAudio{}
	plan := uc.Decide("abc", 0, eac3Probe(), TranscodeAuto, 1, "")
	if plan.Transcode || plan.AudioTrack != 1 {
		t.Fatalf("aac track should not transcode: %+v", plan)
	}
	if uc.State("abc", 0).AutoAttempted {
		t.Fatal("no attempt should be recorded for safe audio")
	}
}

func TestDecideManualAndOff(t *testing.T) {
	uc := &TranscodeAudio{}
	for i := 0; i < 2; i++ {
		if plan := uc.Decide("abc", 0, eac3Probe(), TranscodeManual, 1, ""); !plan.Transcode || plan.AudioTrack != 1 {
			t.Fatalf("manual should always transcode: %+v", plan)
		}
	}
	if plan := uc.Decide("abc", 0, eac3Probe(), TranscodeOff, -1, ""); plan.Transcode {
		t.Fatalf("off should never transcode: %+v", plan)
	}
}

func TestStreamPipesSessionThroughTranscoder(t *testing.T) {
	sessions := &fakeSessions{data: map[int][]byte{0: []byte("source-bytes")}}
	tr := &fakeTranscoder{}
	uc := &TranscodeAudio{Sessions: sessions, Transcoder: tr}
	var out bytes.Buffer
	if err := uc.Stream(context.Background(), "abc", 0, TranscodePlan{Transcode: true, AudioTrack: 1}, &out); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if out.String() != "mp4" || string(tr.input) != "source-bytes" || tr.track != 1 {
		t.Fatalf("unexpected pipe: out=%q input=%q track=%d", out.String(), tr.input, tr.track)
	}
}

func TestStreamFailureClearsActive(t *testing.T) {
	sessions := &fakeSessions{data: map[int][]byte{0: []byte("x")}}
	uc := &TranscodeAudio{Sessions: sessions, Transcoder: &fakeTranscoder{err: domain.ErrTranscodeFailure}}
	plan := uc.Decide("abc", 0, eac3Probe(), TranscodeAuto, -1, "")
	err := uc.Stream(context.Background(), "abc", 0, plan, &bytes.Buffer{})
	if !errors.Is(err, domain.ErrTranscodeFailure) {
		t.Fatalf("expected ErrTranscodeFailure, got %v", err)
	}
	if st := uc.State("abc", 0); st.Active || !st.AutoAttempted {
		t.Fatalf("unexpected state after failure: %+v", st)
	}
	if again := uc.Decide("abc", 0, eac3Probe(), TranscodeAuto, -1, ""); again.Transcode {
		t.Fatalf("a failed automatic attempt must not restart: %+v", again)
	}
}

func TestStreamSessionError(t *testing.T) {
	uc := &TranscodeAudio{Sessions: &fakeSessions{readErr: domain.ErrNotFound}, Transcoder: &fakeTranscoder{}}
	err := uc.Stream(context.Background(), "abc", 0, TranscodePlan{}, &bytes.Buffer{})
	if !errors.Is(err, domain.ErrNotFound) || !errors.Is(err, ErrEngine) {
		t.Fatalf("expected wrapped ErrNotFound, got %v", err)
	}
}
