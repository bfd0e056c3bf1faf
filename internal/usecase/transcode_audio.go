package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streamengine/internal/classify"
	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
	"streamengine/internal/metrics"
)

// TranscodeMode is the player's transcode query parameter.
type TranscodeMode string

const (
	TranscodeAuto   TranscodeMode = "auto"
	TranscodeManual TranscodeMode = "1"
	TranscodeOff    TranscodeMode = "0"
)

func ParseTranscodeMode(raw string) (TranscodeMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "false", "off":
		return TranscodeOff, nil
	case "auto":
		return TranscodeAuto, nil
	case "1", "true", "on":
		return TranscodeManual, nil
	}
	return "", invalidRequest("transcode must be auto, 1 or 0")
}

type AudioTranscoder interface {
	TranscodeAudio(ctx context.Context, input io.Reader, audioTrack int, w io.Writer) error
}

// TranscodePlan is the outcome of Decide.
type TranscodePlan struct {
	Transcode  bool
	AudioTrack int
	Trigger    string
}

// TranscodeAudio gates the narrow audio re-encode path. An automatic attempt
// happens at most once per (contentId, fileIndex).
type TranscodeAudio struct {
	Sessions   ports.SessionManager
	Transcoder AudioTranscoder
	Logger     *slog.Logger
	Now        func() time.Time

	mu     sync.Mutex
	states map[domain.ProbeKey]domain.TranscodeState
}

func (uc *TranscodeAudio) now() time.Time {
	if uc.Now != nil {
		return uc.Now()
	}
	return time.Now()
}

func (uc *TranscodeAudio) logger() *slog.Logger {
	if uc.Logger == nil {
		return slog.Default()
	}
	return uc.Logger
}

// Decide reports whether the request should be served through the
// transcoder. requestedTrack < 0 means the default audio track. releaseHint
// is the release name or file path; it stands in for the probe when the probe
// knows no audio track. An active transcode is served until Restore.
func (uc *TranscodeAudio) Decide(contentID string, fileIndex int, probe domain.ProbeResult, mode TranscodeMode, requestedTrack int, releaseHint string) TranscodePlan {
	track := requestedTrack
	var codec string
	if t, ok := probe.AudioTrackByIndex(requestedTrack); ok {
		codec = t.Codec
	} else if t, ok := probe.DefaultAudio(); ok {
		track, codec = t.TrackIndex, t.Codec
	}
	if track < 0 {
		track = 0
	}

	key := transcodeKey(contentID, fileIndex)
	plan := TranscodePlan{AudioTrack: track}
	switch mode {
	case TranscodeManual:
		uc.update(key, func(st *domain.TranscodeState) {
			st.Active = true
			st.AudioTrack = track
		})
		plan.Transcode, plan.Trigger = true, "manual"
	case TranscodeAuto:
		risky := classify.RiskyAudioCodec(codec)
		if codec == "" {
			risky = classify.RiskyAudioText(releaseHint)
		}
		uc.update(key, func(st *domain.TranscodeState) {
			switch {
			case st.Active:
				if requestedTrack < 0 {
					plan.AudioTrack = st.AudioTrack
				}
			case risky && !st.AutoAttempted:
				st.AutoAttempted = true
			default:
				return
			}
			st.Active = true
			st.AudioTrack = plan.AudioTrack
			plan.Transcode, plan.Trigger = true, "auto"
		})
	}
	return plan
}

// Current returns the plan of the active transcode of a key without
// recording anything.
func (uc *TranscodeAudio) Current(contentID string, fileIndex int) (TranscodePlan, bool) {
	st := uc.State(contentID, fileIndex)
	if !st.Active {
		return TranscodePlan{}, false
	}
	return TranscodePlan{Transcode: true, AudioTrack: st.AudioTrack}, true
}

// Stream pipes the file through ffmpeg into w.
func (uc *TranscodeAudio) Stream(ctx context.Context, contentID string, fileIndex int, plan TranscodePlan, w io.Writer) error {
	if uc.Transcoder == nil || uc.Sessions == nil {
		return errors.New("transcoder not configured")
	}
	reader, err := uc.Sessions.ReadRange(ctx, contentID, fileIndex, 0, 0)
	if err != nil {
		return wrapEngine(err)
	}
	defer reader.Close()

	trigger := plan.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	metrics.TranscodeStartsTotal.WithLabelValues(trigger).Inc()
	uc.logger().Info("audio transcode started",
		slog.String("contentId", contentID),
		slog.Int("fileIndex", fileIndex),
		slog.Int("audioTrack", plan.AudioTrack),
		slog.String("trigger", trigger),
	)
	err = uc.Transcoder.TranscodeAudio(ctx, reader, plan.AudioTrack, w)
	if err != nil && !errors.Is(err, context.Canceled) {
		uc.logger().Warn("audio transcode failed",
			slog.String("contentId", contentID),
			slog.Int("fileIndex", fileIndex),
			slog.String("error", err.Error()),
		)
		uc.update(transcodeKey(contentID, fileIndex), func(st *domain.TranscodeState) {
			st.Active = false
		})
	}
	return err
}

// Restore returns the key to the original stream. The automatic attempt flag
// stays set.
func (uc *TranscodeAudio) Restore(contentID string, fileIndex int) {
	uc.update(transcodeKey(contentID, fileIndex), func(st *domain.TranscodeState) {
		st.Active = false
	})
}

func (uc *TranscodeAudio) State(contentID string, fileIndex int) domain.TranscodeState {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.states[transcodeKey(contentID, fileIndex)]
}

func transcodeKey(contentID string, fileIndex int) domain.ProbeKey {
	return domain.ProbeKey{ContentID: domain.NormalizeContentID(contentID), FileIndex: fileIndex}
}

func (uc *TranscodeAudio) update(key domain.ProbeKey, fn func(*domain.TranscodeState)) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.states == nil {
		uc.states = make(map[domain.ProbeKey]domain.TranscodeState)
	}
	st := uc.states[key]
	fn(&st)
	st.UpdatedAt = uc.now()
	uc.states[key] = st
}
