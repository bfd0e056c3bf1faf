package domain

import "errors"

var ErrNotFound = errors.New("not found")
var ErrUnsupported = errors.New("unsupported operation")

// Resolution and delivery failures.
var (
	ErrNoSourcesFound      = errors.New("no streams found for this title")
	ErrProviderTimeout     = errors.New("provider timed out")
	ErrSwarmConnectTimeout = errors.New("swarm connect timeout")
	ErrIncompatibleCodec   = errors.New("incompatible codec")
	ErrStalled             = errors.New("stream stalled")
	ErrTranscodeFailure    = errors.New("transcode failed")
	ErrInvalidFileIndex    = errors.New("invalid file index")
	ErrInvalidContentID    = errors.New("invalid content id")
	ErrSessionLimitReached = errors.New("session limit reached")
	ErrNoCandidate         = errors.New("no fallback candidate")
)

// Playback failure causes reported by the player.
var (
	ErrPlaybackDecode     = errors.New("decode error")
	ErrBlackScreenTimeout = errors.New("black screen timeout")
	ErrNoAudioTrack       = errors.New("no audio track")
)
