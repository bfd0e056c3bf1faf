package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
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
	"streamengine/internal/telemetry"
)

// Bitmap subtitle codecs cannot be converted to WebVTT.
var bitmapSubtitleCodecs = map[string]struct{}{
	"hdmv_pgs_subtitle": {},
	"dvd_subtitle":      {},
	"dvb_subtitle":      {},
	"xsub":              {},
	"dvb_teletext":      {},
}

type Prober struct {
	binary    string
	probeSize string
}

func New(binary string) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{binary: bin, probeSize: "20M"}
}

// ProbeReader runs ffprobe over the first bytes of reader fed on stdin.
func (p *Prober) ProbeReader(ctx context.Context, reader io.Reader) (domain.ProbeResult, error) {
	if reader == nil {
		return domain.ProbeResult{}, errors.New("reader is required")
	}
	return p.runProbe(ctx, []string{
		"-v", "quiet",
		"-probesize", p.probeSize,
		"-analyzeduration", p.probeSize,
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		"-i", "pipe:0",
	}, reader)
}

const maxProbeTimeout = 30 * time.Second

func (p *Prober) runProbe(ctx context.Context, args []string, stdin io.Reader) (domain.ProbeResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}
	ctx, span := telemetry.Tracer().Start(ctx, "ffprobe")
	defer span.End()

	cmd := exec.CommandContext(ctx, p.binary, args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result, parseErr := parseProbeOutput(stdout.Bytes())
	if parseErr != nil {
		err := probeError(runErr, stderr.String())
		if runErr == nil {
			err = fmt.Errorf("ffprobe output parse failed: %w", parseErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.ProbeResult{}, err
	}

	// ffprobe exits non-zero on truncated input but still prints the
	// streams it saw. Keep them as a partial result.
	if runErr != nil {
		if result.Video == nil && len(result.AudioTracks) == 0 && len(result.SubtitleTracks) == 0 {
			err := probeError(runErr, stderr.String())
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return domain.ProbeResult{}, err
		}
		result.Partial = true
	}

	span.SetAttributes(
		attribute.Int("audio_tracks", len(result.AudioTracks)),
		attribute.Int("subtitle_tracks", len(result.SubtitleTracks)),
		attribute.Bool("partial", result.Partial),
	)
	return result, nil
}

func probeError(runErr error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if runErr == nil {
		runErr = errors.New("no output")
	}
	if msg == "" {
		return fmt.Errorf("ffprobe failed: %w", runErr)
	}
	return fmt.Errorf("ffprobe failed: %w: %s", runErr, msg)
}

// probePayload is the subset of ffprobe JSON output we parse.
type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType   string            `json:"codec_type"`
	CodecName   string            `json:"codec_name"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Channels    int               `json:"channels"`
	Tags        map[string]string `json:"tags"`
	Disposition struct {
		Default int `json:"default"`
		Forced  int `json:"forced"`
	} `json:"disposition"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

// parseProbeOutput maps ffprobe JSON to a ProbeResult. Track indexes are
// relative to their stream type so they match ffmpeg's 0:a:N / 0:s:N.
func parseProbeOutput(data []byte) (domain.ProbeResult, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.ProbeResult{}, err
	}

	result := domain.ProbeResult{
		AudioTracks:    []domain.AudioTrack{},
		SubtitleTracks: []domain.SubtitleTrack{},
	}
	audioIndex := 0
	subtitleIndex := 0

	for _, stream := range payload.Streams {
		switch stream.CodecType {
		case "video":
			if result.Video != nil || stream.CodecName == "mjpeg" || stream.CodecName == "png" {
				continue
			}
			result.Video = &domain.VideoInfo{
				Codec:  stream.CodecName,
				Width:  stream.Width,
				Height: stream.Height,
			}
		case "audio":
			result.AudioTracks = append(result.AudioTracks, domain.AudioTrack{
				TrackIndex: audioIndex,
				Codec:      stream.CodecName,
				Language:   strings.TrimSpace(getTag(stream.Tags, "language")),
				Title:      strings.TrimSpace(getTag(stream.Tags, "title")),
				Channels:   stream.Channels,
				IsDefault:  stream.Disposition.Default == 1,
			})
			audioIndex++
		case "subtitle":
			_, bitmap := bitmapSubtitleCodecs[strings.ToLower(stream.CodecName)]
			result.SubtitleTracks = append(result.SubtitleTracks, domain.SubtitleTrack{
				TrackIndex:  subtitleIndex,
				Codec:       stream.CodecName,
				Language:    strings.TrimSpace(getTag(stream.Tags, "language")),
				Title:       strings.TrimSpace(getTag(stream.Tags, "title")),
				IsForced:    stream.Disposition.Forced == 1,
				Extractable: !bitmap,
			})
			subtitleIndex++
		}
	}

	if payload.Format.Duration != "" {
		if d, err := strconv.ParseFloat(payload.Format.Duration, 64); err == nil && d > 0 {
			result.Duration = d
		}
	}
	return result, nil
}

func getTag(tags map[string]string, key string) string {
	if len(tags) == 0 {
		return ""
	}
	if value, ok := tags[key]; ok {
		return value
	}
	if value, ok := tags[strings.ToUpper(key)]; ok {
		return value
	}
	if value, ok := tags[strings.ToLower(key)]; ok {
		return value
	}
	return ""
}
