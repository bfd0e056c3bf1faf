package domain

import (
	"errors"
	"time"
)

type FailureReason string

const (
	ReasonDecodeError        FailureReason = "decode-error"
	ReasonBlackScreenTimeout FailureReason = "black-screen-timeout"
	ReasonNoAudioTrack       FailureReason = "no-audio-track"
)

var ErrInvalidReason = errors.New("invalid failure reason")

// ParseFailureReason validates a reason string from the player.
func ParseFailureReason(s string) (FailureReason, error) {
	switch r := FailureReason(s); r {
	case ReasonDecodeError, ReasonBlackScreenTimeout, ReasonNoAudioTrack:
		return r, nil
	}
	return "", ErrInvalidReason
}

// Err returns the sentinel error matching the reason.
func (r FailureReason) Err() error {
	switch r {
	case ReasonDecodeError:
		return ErrPlaybackDecode
	case ReasonBlackScreenTimeout:
		return ErrBlackScreenTimeout
	case ReasonNoAudioTrack:
		return ErrNoAudioTrack
	}
	return ErrInvalidReason
}

type FallbackPhase string

const (
	FallbackPlaying         FallbackPhase = "playing"
	FallbackFailureDetected FallbackPhase = "failure-detected"
	FallbackCandidateSearch FallbackPhase = "candidate-search"
	FallbackSwitching       FallbackPhase = "switching"
	FallbackFatal           FallbackPhase = "fatal"
)

var validFallbackTransitions = map[FallbackPhase][]FallbackPhase{
	FallbackPlaying:         {FallbackFailureDetected},
	FallbackFailureDetected: {FallbackCandidateSearch},
	FallbackCandidateSearch: {FallbackSwitching, FallbackFatal},
	FallbackSwitching:       {FallbackPlaying, FallbackFailureDetected},
	FallbackFatal:           {FallbackPlaying},
}

func CanTransitionFallback(from, to FallbackPhase) bool {
	for _, t := range validFallbackTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// FallbackState is the server-side bookkeeping of one PlaybackKey.
type FallbackState struct {
	Key            PlaybackKey   `json:"key" bson:"key"`
	Tried          []string      `json:"tried" bson:"tried"`
	ActiveSourceID string        `json:"activeSourceId" bson:"activeSourceId"`
	Phase          FallbackPhase `json:"state" bson:"state"`
	LastReason     FailureReason `json:"lastReason,omitempty" bson:"lastReason,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt" bson:"updatedAt"`
}

// HasTried reports whether id was already attempted for this key.
func (s FallbackState) HasTried(id string) bool {
	for _, t := range s.Tried {
		if t == id {
			return true
		}
	}
	return false
}

// MarkTried adds id to the tried set once.
func (s *FallbackState) MarkTried(id string) {
	if id == "" || s.HasTried(id) {
		return
	}
	s.Tried = append(s.Tried, id)
}

// FallbackDecision is the controller's answer to a failure report.
type FallbackDecision struct {
	State    FallbackPhase `json:"state"`
	SourceID string        `json:"sourceId,omitempty"`
	Source   *StreamSource `json:"source,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// AudioDecision answers an audio-compatibility request.
type AudioDecision struct {
	SourceID  string        `json:"sourceId,omitempty"`
	Source    *StreamSource `json:"source,omitempty"`
	Transcode bool          `json:"transcode"`
}
