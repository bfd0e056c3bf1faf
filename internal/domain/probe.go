package domain

import (
	"strconv"
	"time"
)

type VideoInfo struct {
	Codec  string `json:"codec"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type AudioTrack struct {
	TrackIndex int    `json:"trackIndex"`
	Codec      string `json:"codec"`
	Language   string `json:"language,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	IsDefault  bool   `json:"isDefault"`
	Title      string `json:"title,omitempty"`
}

type SubtitleTrack struct {
	TrackIndex  int    `json:"trackIndex"`
	Codec       string `json:"codec"`
	Language    string `json:"language,omitempty"`
	IsForced    bool   `json:"isForced"`
	Title       string `json:"title,omitempty"`
	Extractable bool   `json:"extractable"`
}

// ProbeResult describes the streams of one file. Partial results come from a
// probe that timed out or failed and are never cached.
type ProbeResult struct {
	Video          *VideoInfo      `json:"video,omitempty"`
	AudioTracks    []AudioTrack    `json:"audioTracks"`
	SubtitleTracks []SubtitleTrack `json:"subtitleTracks"`
	Duration       float64         `json:"duration"`
	Partial        bool            `json:"partial"`
}

// DefaultAudio returns the track flagged default, else the first one.
func (p ProbeResult) DefaultAudio() (AudioTrack, bool) {
	for _, t := range p.AudioTracks {
		if t.IsDefault {
			return t, true
		}
	}
	if len(p.AudioTracks) > 0 {
		return p.AudioTracks[0], true
	}
	return AudioTrack{}, false
}

// AudioTrackByIndex looks up a track by its stream-relative index.
func (p ProbeResult) AudioTrackByIndex(idx int) (AudioTrack, bool) {
	for _, t := range p.AudioTracks {
		if t.TrackIndex == idx {
			return t, true
		}
	}
	return AudioTrack{}, false
}

func (p ProbeResult) SubtitleTrackByIndex(idx int) (SubtitleTrack, bool) {
	for _, t := range p.SubtitleTracks {
		if t.TrackIndex == idx {
			return t, true
		}
	}
	return SubtitleTrack{}, false
}

// ProbeKey identifies one probed file.
type ProbeKey struct {
	ContentID string
	FileIndex int
}

func (k ProbeKey) String() string {
	return k.ContentID + "/" + strconv.Itoa(k.FileIndex)
}

// TranscodeState is tracked per ProbeKey.
type TranscodeState struct {
	AutoAttempted bool      `json:"autoAttempted"`
	Active        bool      `json:"active"`
	AudioTrack    int       `json:"audioTrack"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
