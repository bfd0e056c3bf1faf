package usecase

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
)

type fakeSessions struct {
	mu       sync.Mutex
	files    []domain.FileRef
	data     map[int][]byte
	readErr  error
	filesErr error
	reads    atomic.Int32
	onClose  []func(string)
}

func (f *fakeSessions) Acquire(ctx context.Context, contentID string) (ports.SessionHandle, error) {
	return ports.SessionHandle{ContentID: contentID, ID: 1}, nil
}
func (f *fakeSessions) Release(ports.SessionHandle) {}
func (f *fakeSessions) Cleanup(string) bool         { return true }
func (f *fakeSessions) WaitMetadata(ctx context.Context, contentID string) ([]domain.FileRef, error) {
	return f.Files(contentID)
}
func (f *fakeSessions) Files(string) ([]domain.FileRef, error) {
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	return append([]domain.FileRef(nil), f.files...), nil
}
func (f *fakeSessions) SelectFile(contentID string, index int) (domain.FileRef, error) {
	if index < 0 || index >= len(f.files) {
		return domain.FileRef{}, domain.ErrInvalidFileIndex
	}
	return f.files[index], nil
}
func (f *fakeSessions) ReadRange(ctx context.Context, contentID string, fileIndex int, offset, length int64) (io.ReadCloser, error) {
	f.reads.Add(1)
	if f.readErr != nil {
		return nil, f.readErr
	}
	return io.NopCloser(bytes.NewReader(f.data[fileIndex])), nil
}
func (f *fakeSessions) Stats(contentID string) (domain.SessionStats, error) {
	return domain.SessionStats{ContentID: contentID}, nil
}
func (f *fakeSessions) OnClose(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = append(f.onClose, fn)
}
func (f *fakeSessions) close(contentID string) {
	f.mu.Lock()
	hooks := append([]func(string){}, f.onClose...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(contentID)
	}
}

type fakeProber struct {
	result domain.ProbeResult
	err    error
	calls  atomic.Int32
	block  chan struct{}
}

func (f *fakeProber) ProbeReader(ctx context.Context, r io.Reader) (domain.ProbeResult, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return domain.ProbeResult{}, ctx.Err()
		}
	}
	return f.result, f.err
}

type fakeProbe struct {
	result domain.ProbeResult
	err    error
}

func (f *fakeProbe) Execute(ctx context.Context, contentID string, fileIndex int) (domain.ProbeResult, error) {
	return f.result, f.err
}

type fakeSearcher struct {
	results []ports.ExternalSubtitle
	err     error
	data    []byte
	lastQ   ports.SubtitleQuery
}

func (f *fakeSearcher) Search(ctx context.Context, q ports.SubtitleQuery) ([]ports.ExternalSubtitle, error) {
	f.lastQ = q
	return f.results, f.err
}
func (f *fakeSearcher) Download(ctx context.Context, fileID string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

type fakeExtractor struct {
	out   []byte
	err   error
	calls atomic.Int32
}

func (f *fakeExtractor) ExtractSubtitle(ctx context.Context, input io.Reader, trackIndex int) ([]byte, error) {
	f.calls.Add(1)
	_, _ = io.Copy(io.Discard, input)
	return f.out, f.err
}

type fakeTranscoder struct {
	err   error
	track int
	input []byte
}

func (f *fakeTranscoder) TranscodeAudio(ctx context.Context, input io.Reader, audioTrack int, w io.Writer) error {
	f.track = audioTrack
	f.input, _ = io.ReadAll(input)
	if f.err != nil {
		return f.err
	}
	_, err := w.Write([]byte("mp4"))
	return err
}

type fakeResults struct {
	results map[string]domain.ResolveResult
}

func (f *fakeResults) LastResult(ctx context.Context, key domain.PlaybackKey) (domain.ResolveResult, bool) {
	res, ok := f.results[key.String()]
	return res, ok
}

type fakeResolver struct {
	result domain.ResolveResult
	err    error
	calls  int
}

func (f *fakeResolver) Sources(ctx context.Context, q domain.TitleQuery) (domain.ResolveResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeStore struct {
	mu     sync.Mutex
	states map[string]domain.FallbackState
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]domain.FallbackState)}
}

func (f *fakeStore) Get(ctx context.Context, key domain.PlaybackKey) (domain.FallbackState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.FallbackState{}, f.err
	}
	st, ok := f.states[key.String()]
	if !ok {
		return domain.FallbackState{}, domain.ErrNotFound
	}
	st.Tried = append([]string(nil), st.Tried...)
	return st, nil
}

func (f *fakeStore) Save(ctx context.Context, st domain.FallbackState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	st.Tried = append([]string(nil), st.Tried...)
	f.states[st.Key.String()] = st
	return nil
}
