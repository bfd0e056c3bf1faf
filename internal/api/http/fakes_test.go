package apihttp

import (
	"bytes"
	"context"
	"io"
	"sync"

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
	"streamengine/internal/usecase"
)

type fakeResolver struct {
	events  []domain.ResolveEvent
	result  domain.ResolveResult
	last    *domain.ResolveResult
	err     error
	queries []domain.TitleQuery
}

func (f *fakeResolver) Resolve(ctx context.Context, q domain.TitleQuery) <-chan domain.ResolveEvent {
	f.queries = append(f.queries, q)
	out := make(chan domain.ResolveEvent, len(f.events))
	for _, ev := range f.events {
		out <- ev
	}
	close(out)
	return out
}

func (f *fakeResolver) Sources(ctx context.Context, q domain.TitleQuery) (domain.ResolveResult, error) {
	f.queries = append(f.queries, q)
	return f.result, f.err
}

func (f *fakeResolver) LastResult(ctx context.Context, key domain.PlaybackKey) (domain.ResolveResult, bool) {
	if f.last == nil {
		return domain.ResolveResult{}, false
	}
	return *f.last, true
}

type fakeSessions struct {
	mu         sync.Mutex
	files      []domain.FileRef
	data       map[int][]byte
	acquireErr error
	waitErr    error
	readErr    error
	acquired   int
	released   int
	cleaned    []string
	selected   int
	reads      [][2]int64
}

func (f *fakeSessions) Acquire(ctx context.Context, contentID string) (ports.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return ports.SessionHandle{}, f.acquireErr
	}
	f.acquired++
	return ports.SessionHandle{ContentID: contentID, ID: uint64(f.acquired)}, nil
}

func (f *fakeSessions) Release(ports.SessionHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeSessions) Cleanup(contentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, contentID)
	return true
}

func (f *fakeSessions) WaitMetadata(ctx context.Context, contentID string) ([]domain.FileRef, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return f.Files(contentID)
}

func (f *fakeSessions) Files(string) ([]domain.FileRef, error) {
	return append([]domain.FileRef(nil), f.files...), nil
}

func (f *fakeSessions) SelectFile(contentID string, index int) (domain.FileRef, error) {
	if index < 0 || index >= len(f.files) {
		return domain.FileRef{}, domain.ErrInvalidFileIndex
	}
	f.mu.Lock()
	f.selected = index
	f.mu.Unlock()
	return f.files[index], nil
}

func (f *fakeSessions) ReadRange(ctx context.Context, contentID string, fileIndex int, offset, length int64) (io.ReadCloser, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.mu.Lock()
	f.reads = append(f.reads, [2]int64{offset, length})
	f.mu.Unlock()
	data := f.data[fileIndex]
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	data = data[offset:]
	if length > 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeSessions) Stats(contentID string) (domain.SessionStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.SessionStats{
		ContentID:         contentID,
		State:             domain.SessionStreaming,
		Peers:             7,
		RefCount:          f.acquired - f.released,
		SelectedFileIndex: f.selected,
	}, nil
}

func (f *fakeSessions) OnClose(func(string)) {}

type fakeProbe struct {
	result domain.ProbeResult
	err    error
	mu     sync.Mutex
	calls  int
}

func (f *fakeProbe) Execute(ctx context.Context, contentID string, fileIndex int) (domain.ProbeResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result, f.err
}

type fakeSubtitles struct {
	selection domain.SubtitleSelection
	sidecars  []domain.SubtitleEntry
	vtt       []byte
	err       error
	lastReq   usecase.SubtitleRequest
	lastTrack int
}

func (f *fakeSubtitles) Execute(ctx context.Context, req usecase.SubtitleRequest) (domain.SubtitleSelection, error) {
	f.lastReq = req
	return f.selection, f.err
}

func (f *fakeSubtitles) Sidecars(contentID string) ([]domain.SubtitleEntry, error) {
	return f.sidecars, f.err
}

func (f *fakeSubtitles) ExternalVTT(ctx context.Context, fileID string) ([]byte, error) {
	return f.vtt, f.err
}

func (f *fakeSubtitles) SidecarVTT(ctx context.Context, contentID string, fileIndex int) ([]byte, error) {
	return f.vtt, f.err
}

func (f *fakeSubtitles) EmbeddedVTT(ctx context.Context, contentID string, fileIndex, trackIndex int) ([]byte, error) {
	f.lastTrack = trackIndex
	return f.vtt, f.err
}

type fakeTranscode struct {
	plan      usecase.TranscodePlan
	streamErr error
	output    []byte
	decided   int
	restored  []domain.ProbeKey
	lastMode  usecase.TranscodeMode
	lastHint  string
	active    bool
}

func (f *fakeTranscode) Decide(contentID string, fileIndex int, probe domain.ProbeResult, mode usecase.TranscodeMode, requestedTrack int, releaseHint string) usecase.TranscodePlan {
	f.decided++
	f.lastMode = mode
	f.lastHint = releaseHint
	return f.plan
}

func (f *fakeTranscode) Current(contentID string, fileIndex int) (usecase.TranscodePlan, bool) {
	return f.plan, f.active
}

func (f *fakeTranscode) Stream(ctx context.Context, contentID string, fileIndex int, plan usecase.TranscodePlan, w io.Writer) error {
	if len(f.output) > 0 {
		if _, err := w.Write(f.output); err != nil {
			return err
		}
	}
	return f.streamErr
}

func (f *fakeTranscode) Restore(contentID string, fileIndex int) {
	f.restored = append(f.restored, domain.ProbeKey{ContentID: contentID, FileIndex: fileIndex})
}

type fakeFallback struct {
	decision   domain.FallbackDecision
	audio      domain.AudioDecision
	err        error
	lastReport usecase.FailureReport
	lastKey    domain.PlaybackKey
	lastSource string
}

func (f *fakeFallback) ReportFailure(ctx context.Context, report usecase.FailureReport) (domain.FallbackDecision, error) {
	f.lastReport = report
	return f.decision, f.err
}

func (f *fakeFallback) ReportPlaying(ctx context.Context, key domain.PlaybackKey, sourceID string) error {
	f.lastKey, f.lastSource = key, sourceID
	return f.err
}

func (f *fakeFallback) ResolveAudio(ctx context.Context, key domain.PlaybackKey, sourceID string) (domain.AudioDecision, error) {
	f.lastKey, f.lastSource = key, sourceID
	return f.audio, f.err
}
