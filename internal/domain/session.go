package domain

import (
	"errors"
	"strings"
)

// SessionState is the lifecycle state of a shared swarm session.
type SessionState string

const (
	SessionConnecting SessionState = "connecting" // Joining the swarm.
	SessionMetadata   SessionState = "metadata"   // File list known, no reader attached yet.
	SessionStreaming  SessionState = "streaming"  // At least one reader attached.
	SessionIdle       SessionState = "idle"       // No holders, grace timer running.
	SessionClosed     SessionState = "closed"
)

var ErrInvalidTransition = errors.New("invalid state transition")

var validSessionTransitions = map[SessionState][]SessionState{
	SessionConnecting: {SessionMetadata, SessionIdle, SessionClosed},
	SessionMetadata:   {SessionStreaming, SessionIdle, SessionClosed},
	SessionStreaming:  {SessionIdle, SessionClosed},
	SessionIdle:       {SessionConnecting, SessionMetadata, SessionStreaming, SessionClosed},
}

// CanTransitionSession reports whether a session may move from one state to another.
func CanTransitionSession(from, to SessionState) bool {
	for _, t := range validSessionTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type FileRef struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// SessionStats is a point-in-time snapshot of a swarm session.
type SessionStats struct {
	ContentID         string       `json:"contentId"`
	State             SessionState `json:"state"`
	Peers             int          `json:"peers"`
	DownloadRate      int64        `json:"downloadRate"`
	UploadRate        int64        `json:"uploadRate"`
	Progress          float64      `json:"progress"`
	RefCount          int          `json:"refCount"`
	Files             []FileRef    `json:"files,omitempty"`
	SelectedFileIndex int          `json:"selectedFileIndex"`
}

// NormalizeContentID returns the canonical swarm id: the lowercase infohash
// without a urn:btih: prefix. Every per-swarm cache is keyed by it.
func NormalizeContentID(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	return strings.TrimPrefix(value, "urn:btih:")
}
