package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"streamengine/internal/domain"
	"streamengine/internal/metrics"
	"streamengine/internal/telemetry"
)

const (
	defaultAudioBitrate   = "192k"
	maxStderrBytes        = 8 << 10
	maxSubtitleBytes      = 16 << 20
	subtitleExtractWindow = 5 * time.Minute
)

type Config struct {
	FFmpegPath   string
	AudioBitrate string
}

// FFmpeg runs one-shot ffmpeg jobs fed from a torrent reader on stdin.
type FFmpeg struct {
	binary        string
	audioBitrate  string
	subtitleLimit int
}

func New(cfg Config) *FFmpeg {
	bin := strings.TrimSpace(cfg.FFmpegPath)
	if bin == "" {
		bin = "ffmpeg"
	}
	bitrate := strings.TrimSpace(cfg.AudioBitrate)
	if bitrate == "" {
		bitrate = defaultAudioBitrate
	}
	return &FFmpeg{binary: bin, audioBitrate: bitrate, subtitleLimit: maxSubtitleBytes}
}

// AudioTranscodeArgs copies the first video stream and re-encodes one audio
// track to stereo AAC in fragmented MP4 on stdout.
func AudioTranscodeArgs(audioTrack int, bitrate string) []string {
	if audioTrack < 0 {
		audioTrack = 0
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-fflags", "+genpts+discardcorrupt",
		"-i", "pipe:0",
		"-map", "0:v:0",
		"-map", "0:a:" + strconv.Itoa(audioTrack),
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", bitrate,
		"-ac", "2",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"pipe:1",
	}
}

// SubtitleExtractArgs converts one embedded text subtitle track to WebVTT.
func SubtitleExtractArgs(trackIndex int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-map", "0:s:" + strconv.Itoa(trackIndex),
		"-f", "webvtt",
		"pipe:1",
	}
}

// TranscodeAudio streams the transcoded file to w until input ends, ctx is
// cancelled or ffmpeg fails.
func (f *FFmpeg) TranscodeAudio(ctx context.Context, input io.Reader, audioTrack int, w io.Writer) error {
	ctx, span := telemetry.Tracer().Start(ctx, "ffmpeg.transcode_audio")
	defer span.End()
	span.SetAttributes(attribute.Int("audio_track", audioTrack))

	metrics.TranscodeActive.Inc()
	defer metrics.TranscodeActive.Dec()

	err := f.run(ctx, AudioTranscodeArgs(audioTrack, f.audioBitrate), input, w)
	if err != nil && ctx.Err() == nil {
		metrics.TranscodeFailuresTotal.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// ExtractSubtitle returns one embedded subtitle track as WebVTT.
func (f *FFmpeg) ExtractSubtitle(ctx context.Context, input io.Reader, trackIndex int) ([]byte, error) {
	if trackIndex < 0 {
		return nil, fmt.Errorf("%w: subtitle track %d", domain.ErrInvalidFileIndex, trackIndex)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, subtitleExtractWindow)
		defer cancel()
	}
	ctx, span := telemetry.Tracer().Start(ctx, "ffmpeg.extract_subtitle")
	defer span.End()
	span.SetAttributes(attribute.Int("subtitle_track", trackIndex))

	out := &limitedBuffer{limit: f.subtitleLimit, strict: true}
	err := f.run(ctx, SubtitleExtractArgs(trackIndex), input, out)
	if out.overflowed {
		err = fmt.Errorf("%w: subtitle track %d exceeds %d bytes", domain.ErrUnsupported, trackIndex, f.subtitleLimit)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out.Bytes(), nil
}

func (f *FFmpeg) run(ctx context.Context, args []string, input io.Reader, w io.Writer) error {
	cmd := exec.CommandContext(ctx, f.binary, args...)
	stderr := &limitedBuffer{limit: maxStderrBytes}
	cmd.Stdin = input
	cmd.Stdout = w
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("%w: %v", domain.ErrTranscodeFailure, err)
	}
	return fmt.Errorf("%w: %v: %s", domain.ErrTranscodeFailure, err, msg)
}

var errOutputTooLarge = errors.New("output exceeds buffer limit")

// limitedBuffer keeps at most limit bytes. The rest is dropped silently
// unless strict is set, in which case the write fails and overflowed sticks.
type limitedBuffer struct {
	buf        bytes.Buffer
	limit      int
	strict     bool
	overflowed bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.overflowed {
		return 0, errOutputTooLarge
	}
	room := b.limit - b.buf.Len()
	if len(p) <= room {
		return b.buf.Write(p)
	}
	if b.strict {
		b.overflowed = true
		return 0, errOutputTooLarge
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *limitedBuffer) String() string { return b.buf.String() }
