package domain

type ResolveEventKind string

const (
	EventLog      ResolveEventKind = "log"
	EventResolved ResolveEventKind = "resolved"
	EventError    ResolveEventKind = "error"
)

// PlaybackMode tells the player how to treat the primary source.
type PlaybackMode string

const (
	ModeAutoplay PlaybackMode = "autoplay"
	ModePreview  PlaybackMode = "preview"
)

// ResolveResult is the ranked outcome of one resolve.
type ResolveResult struct {
	PrimarySourceID string         `json:"primarySourceId"`
	Mode            PlaybackMode   `json:"mode"`
	Sources         []StreamSource `json:"sources"`
}

// Source returns the source with the given id.
func (r ResolveResult) Source(id string) (StreamSource, bool) {
	for _, s := range r.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return StreamSource{}, false
}

// ResolveEvent is one message of a resolve subscription. Resolved and error
// events are terminal.
type ResolveEvent struct {
	Kind    ResolveEventKind `json:"-"`
	Message string           `json:"message,omitempty"`
	Result  *ResolveResult   `json:"result,omitempty"`
}

func (e ResolveEvent) Terminal() bool {
	return e.Kind == EventResolved || e.Kind == EventError
}

func LogEvent(msg string) ResolveEvent {
	return ResolveEvent{Kind: EventLog, Message: msg}
}

func ErrorEvent(msg string) ResolveEvent {
	return ResolveEvent{Kind: EventError, Message: msg}
}

func ResolvedEvent(res ResolveResult) ResolveEvent {
	return ResolveEvent{Kind: EventResolved, Result: &res}
}
