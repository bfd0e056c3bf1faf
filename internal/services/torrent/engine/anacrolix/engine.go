package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/torrent"

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
	"streamengine/internal/keylock"
	"streamengine/internal/metrics"
	"streamengine/internal/providers/common"
)

var ErrSessionNotFound = domain.ErrNotFound

const (
	defaultIdleGrace      = 60 * time.Second
	defaultConnectTimeout = 45 * time.Second
	defaultReadMaxWait    = 30 * time.Second
	defaultReadahead      = 8 << 20
	// addMagnetTimeout caps how long Acquire waits for the client to accept
	// a new torrent. AddMagnet can block on the client mutex.
	addMagnetTimeout = 10 * time.Second
)

type Config struct {
	DataDir        string
	MaxSessions    int // 0 = unlimited
	IdleGrace      time.Duration
	ConnectTimeout time.Duration
	ReadMaxWait    time.Duration
	Readahead      int64
	Trackers       []string
}

func (c Config) withDefaults() Config {
	if c.IdleGrace <= 0 {
		c.IdleGrace = defaultIdleGrace
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadMaxWait <= 0 {
		c.ReadMaxWait = defaultReadMaxWait
	}
	if c.Readahead <= 0 {
		c.Readahead = defaultReadahead
	}
	if len(c.Trackers) == 0 {
		c.Trackers = common.DefaultTrackers
	}
	return c
}

type session struct {
	id         string
	swarm      swarm
	state      domain.SessionState
	refCount   int
	handles    map[uint64]struct{}
	generation uint64
	graceTimer *time.Timer
	selected   int
	readers    int
	lastAccess time.Time
	speed      speedSample
	done       chan struct{}
}

// Engine is the registry of shared swarm sessions keyed by content id.
// Acquire, Release and teardown for one key are serialized by a per-key
// lock; the registry mutex is never held while waiting on the network.
type Engine struct {
	client swarmClient
	cfg    Config
	logger *slog.Logger

	keys keylock.Map

	mu       sync.Mutex
	sessions map[string]*session
	pending  int // swarms being added, counted against MaxSessions
	closed   bool

	nextHandle atomic.Uint64

	hooksMu sync.RWMutex
	onClose []func(string)
}

var _ ports.SessionManager = (*Engine)(nil)

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return newEngine(&torrentClient{client: client, trackers: cfg.Trackers}, cfg), nil
}

func newEngine(client swarmClient, cfg Config) *Engine {
	return &Engine{
		client:   client,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		sessions: make(map[string]*session),
	}
}

// OnClose registers fn to run after a session is torn down.
func (e *Engine) OnClose(fn func(contentID string)) {
	if fn == nil {
		return
	}
	e.hooksMu.Lock()
	e.onClose = append(e.onClose, fn)
	e.hooksMu.Unlock()
}

func (e *Engine) Acquire(ctx context.Context, contentID string) (ports.SessionHandle, error) {
	id := common.NormalizeInfoHash(contentID)
	if !common.ValidInfoHash(id) {
		return ports.SessionHandle{}, fmt.Errorf("%w: %q", domain.ErrInvalidContentID, contentID)
	}

	for {
		if err := e.makeRoom(id); err != nil {
			return ports.SessionHandle{}, err
		}
		h, retry, err := e.acquire(ctx, id)
		if !retry {
			return h, err
		}
	}
}

// acquire attaches to or opens the session of id. retry is set when another
// Acquire took the free slot first.
func (e *Engine) acquire(ctx context.Context, id string) (h ports.SessionHandle, retry bool, err error) {
	unlock := e.keys.Lock(id)
	defer unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ports.SessionHandle{}, false, errors.New("engine closed")
	}
	if s, ok := e.sessions[id]; ok {
		h := e.attachLocked(s)
		e.mu.Unlock()
		return h, false, nil
	}
	if e.fullLocked() {
		e.mu.Unlock()
		return ports.SessionHandle{}, true, nil
	}
	e.pending++
	e.mu.Unlock()

	sw, err := e.addSwarm(ctx, id)
	if err != nil {
		e.mu.Lock()
		e.pending--
		e.mu.Unlock()
		return ports.SessionHandle{}, false, err
	}

	s := &session{
		id:       id,
		swarm:    sw,
		state:    domain.SessionConnecting,
		handles:  make(map[uint64]struct{}),
		selected: -1,
		done:     make(chan struct{}),
	}
	e.mu.Lock()
	e.pending--
	e.sessions[id] = s
	h = e.attachLocked(s)
	count := len(e.sessions)
	e.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	e.logger.Info("session opened", slog.String("contentId", id))
	go e.watchMetadata(s)
	return h, false, nil
}

func (e *Engine) fullLocked() bool {
	return e.cfg.MaxSessions > 0 && len(e.sessions)+e.pending >= e.cfg.MaxSessions
}

// makeRoom evicts least recently used idle sessions until a new session for
// id fits. Each victim is torn down under its own key lock so a concurrent
// Acquire of the victim waits for the drop to finish.
func (e *Engine) makeRoom(id string) error {
	for {
		e.mu.Lock()
		if _, ok := e.sessions[id]; ok || !e.fullLocked() {
			e.mu.Unlock()
			return nil
		}
		victim := e.idleVictimLocked()
		e.mu.Unlock()
		if victim == "" {
			return domain.ErrSessionLimitReached
		}

		unlock := e.keys.Lock(victim)
		e.mu.Lock()
		s, ok := e.sessions[victim]
		if !ok || s.refCount > 0 {
			e.mu.Unlock()
			unlock()
			continue
		}
		e.removeLocked(s)
		e.mu.Unlock()

		metrics.SessionEvictionsTotal.Inc()
		e.logger.Info("evicted idle session", slog.String("contentId", victim))
		e.teardown(s)
		unlock()
	}
}

// attachLocked adds a holder to s, cancelling a pending teardown. Caller
// must hold e.mu.
func (e *Engine) attachLocked(s *session) ports.SessionHandle {
	handle := e.nextHandle.Add(1)
	s.handles[handle] = struct{}{}
	s.refCount++
	s.lastAccess = time.Now()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.generation++
	if s.state == domain.SessionIdle {
		e.transitionLocked(s, activeState(s))
	}
	return ports.SessionHandle{ContentID: s.id, ID: handle}
}

func activeState(s *session) domain.SessionState {
	switch {
	case s.readers > 0:
		return domain.SessionStreaming
	case infoReady(s.swarm):
		return domain.SessionMetadata
	default:
		return domain.SessionConnecting
	}
}

func (e *Engine) addSwarm(ctx context.Context, id string) (swarm, error) {
	type addResult struct {
		s   swarm
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		s, err := e.client.Add(id)
		ch <- addResult{s, err}
	}()

	orphan := func() {
		if res := <-ch; res.s != nil {
			res.s.Drop()
		}
	}
	timer := time.NewTimer(addMagnetTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.s, res.err
	case <-timer.C:
		go orphan()
		return nil, errors.New("torrent client busy, try again later")
	case <-ctx.Done():
		go orphan()
		return nil, ctx.Err()
	}
}

func (e *Engine) watchMetadata(s *session) {
	select {
	case <-s.swarm.GotInfo():
	case <-s.done:
		return
	}

	files := s.swarm.Files()
	e.mu.Lock()
	if s.state == domain.SessionClosed {
		e.mu.Unlock()
		return
	}
	if s.state == domain.SessionConnecting {
		e.transitionLocked(s, domain.SessionMetadata)
	}
	if s.selected < 0 {
		s.selected = defaultFileIndex(files)
	}
	selected := s.selected
	e.mu.Unlock()

	applySelection(files, selected)
	e.logger.Info("session metadata ready",
		slog.String("contentId", s.id),
		slog.Int("files", len(files)),
		slog.Int("selectedFileIndex", selected),
	)
}

// Release drops one holder. Releasing the same handle twice is a no-op.
func (e *Engine) Release(h ports.SessionHandle) {
	if h.ContentID == "" {
		return
	}
	unlock := e.keys.Lock(h.ContentID)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[h.ContentID]
	if !ok {
		return
	}
	if _, held := s.handles[h.ID]; !held {
		return
	}
	delete(s.handles, h.ID)
	s.refCount--
	if s.refCount > 0 {
		return
	}

	e.transitionLocked(s, domain.SessionIdle)
	s.generation++
	gen := s.generation
	id := s.id
	s.graceTimer = time.AfterFunc(e.cfg.IdleGrace, func() {
		e.expire(id, gen)
	})
}

func (e *Engine) expire(id string, gen uint64) {
	unlock := e.keys.Lock(id)
	defer unlock()

	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok || s.refCount > 0 || s.generation != gen {
		e.mu.Unlock()
		return
	}
	e.removeLocked(s)
	e.mu.Unlock()

	e.logger.Info("idle session expired", slog.String("contentId", id))
	e.teardown(s)
}

// Cleanup tears a session down immediately when nobody holds it.
func (e *Engine) Cleanup(contentID string) bool {
	id := common.NormalizeInfoHash(contentID)
	unlock := e.keys.Lock(id)
	defer unlock()

	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok || s.refCount > 0 {
		e.mu.Unlock()
		return false
	}
	e.removeLocked(s)
	e.mu.Unlock()

	e.logger.Info("session cleaned up", slog.String("contentId", id))
	e.teardown(s)
	return true
}

// removeLocked unregisters s. Caller must hold e.mu.
func (e *Engine) removeLocked(s *session) {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.generation++
	delete(e.sessions, s.id)
	e.transitionLocked(s, domain.SessionClosed)
	metrics.ActiveSessions.Set(float64(len(e.sessions)))
}

func (e *Engine) teardown(s *session) {
	close(s.done)
	s.swarm.Drop()

	e.hooksMu.RLock()
	hooks := append([]func(string){}, e.onClose...)
	e.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(s.id)
	}
	freeOSMemory()
}

// idleVictimLocked returns the id of the least recently used unheld session.
// Caller must hold e.mu.
func (e *Engine) idleVictimLocked() string {
	var victim *session
	for _, s := range e.sessions {
		if s.refCount > 0 {
			continue
		}
		if victim == nil || s.lastAccess.Before(victim.lastAccess) {
			victim = s
		}
	}
	if victim == nil {
		return ""
	}
	return victim.id
}

// transitionLocked validates and applies a state change. Caller must hold e.mu.
func (e *Engine) transitionLocked(s *session, to domain.SessionState) {
	if s.state == to {
		return
	}
	if !domain.CanTransitionSession(s.state, to) {
		e.logger.Warn("invalid session transition",
			slog.String("contentId", s.id),
			slog.String("from", string(s.state)),
			slog.String("to", string(to)),
		)
		return
	}
	s.state = to
}

func (e *Engine) lookup(contentID string) (*session, error) {
	id := common.NormalizeInfoHash(contentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// WaitMetadata blocks until the file list is known or the connect timeout
// elapses.
func (e *Engine) WaitMetadata(ctx context.Context, contentID string) ([]domain.FileRef, error) {
	s, err := e.lookup(contentID)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	select {
	case <-s.swarm.GotInfo():
		return mapFiles(s.swarm.Files()), nil
	case <-s.done:
		return nil, ErrSessionNotFound
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.ErrSwarmConnectTimeout
	}
}

// Files returns the file list, empty while metadata is pending.
func (e *Engine) Files(contentID string) ([]domain.FileRef, error) {
	s, err := e.lookup(contentID)
	if err != nil {
		return nil, err
	}
	return mapFiles(s.swarm.Files()), nil
}

func (e *Engine) SelectFile(contentID string, index int) (domain.FileRef, error) {
	s, err := e.lookup(contentID)
	if err != nil {
		return domain.FileRef{}, err
	}
	files := s.swarm.Files()
	if index < 0 || index >= len(files) {
		return domain.FileRef{}, fmt.Errorf("%w: %d", domain.ErrInvalidFileIndex, index)
	}
	e.mu.Lock()
	s.selected = index
	e.mu.Unlock()
	applySelection(files, index)
	return mapFiles(files)[index], nil
}

// ReadRange opens a reader over [offset, offset+length) of one file. A
// non-positive length reads to the end of the file.
func (e *Engine) ReadRange(ctx context.Context, contentID string, fileIndex int, offset, length int64) (io.ReadCloser, error) {
	if _, err := e.WaitMetadata(ctx, contentID); err != nil {
		return nil, err
	}
	s, err := e.lookup(contentID)
	if err != nil {
		return nil, err
	}
	files := s.swarm.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidFileIndex, fileIndex)
	}
	file := files[fileIndex]
	size := file.Length()
	if offset < 0 || offset > size {
		return nil, fmt.Errorf("%w: offset %d beyond file size %d", domain.ErrInvalidFileIndex, offset, size)
	}
	if length <= 0 || offset+length > size {
		length = size - offset
	}

	reader := file.NewReader()
	reader.SetReadahead(e.cfg.Readahead)
	if _, err := reader.Seek(offset, io.SeekStart); err != nil {
		_ = reader.Close()
		return nil, err
	}

	e.mu.Lock()
	s.readers++
	s.lastAccess = time.Now()
	if s.state == domain.SessionConnecting {
		e.transitionLocked(s, domain.SessionMetadata)
	}
	if s.state == domain.SessionMetadata || s.state == domain.SessionIdle {
		e.transitionLocked(s, domain.SessionStreaming)
	}
	e.mu.Unlock()

	return &stallReader{
		ctx:       ctx,
		reader:    reader,
		remaining: length,
		maxWait:   e.cfg.ReadMaxWait,
		onClose:   func() { e.readerClosed(s) },
	}, nil
}

func (e *Engine) readerClosed(s *session) {
	e.mu.Lock()
	if s.readers > 0 {
		s.readers--
	}
	s.lastAccess = time.Now()
	e.mu.Unlock()
}

func (e *Engine) Stats(contentID string) (domain.SessionStats, error) {
	s, err := e.lookup(contentID)
	if err != nil {
		return domain.SessionStats{}, err
	}
	st := s.swarm.Stats()
	files := mapFiles(s.swarm.Files())

	e.mu.Lock()
	down, up := s.speed.sample(st, time.Now())
	stats := domain.SessionStats{
		ContentID:         s.id,
		State:             s.state,
		Peers:             st.Peers,
		DownloadRate:      down,
		UploadRate:        up,
		RefCount:          s.refCount,
		Files:             files,
		SelectedFileIndex: s.selected,
	}
	e.mu.Unlock()

	if total := s.swarm.Length(); total > 0 {
		stats.Progress = float64(s.swarm.BytesCompleted()) / float64(total)
		if stats.Progress > 1 {
			stats.Progress = 1
		}
	}
	return stats, nil
}

// UpdateMetrics refreshes the aggregate session gauges.
func (e *Engine) UpdateMetrics() {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	var peers int
	var down, up int64
	for _, s := range sessions {
		st, err := e.Stats(s.id)
		if err != nil {
			continue
		}
		peers += st.Peers
		down += st.DownloadRate
		up += st.UploadRate
	}
	metrics.ActiveSessions.Set(float64(len(sessions)))
	metrics.PeersConnected.Set(float64(peers))
	metrics.DownloadSpeedBytes.Set(float64(down))
	metrics.UploadSpeedBytes.Set(float64(up))
}

// Close tears down every session and the swarm client.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		e.removeLocked(s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		e.teardown(s)
	}
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

var videoExtensions = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".m4v": {}, ".avi": {}, ".mov": {},
	".webm": {}, ".ts": {}, ".wmv": {}, ".flv": {}, ".mpg": {}, ".mpeg": {},
}

func isVideoPath(p string) bool {
	_, ok := videoExtensions[strings.ToLower(path.Ext(p))]
	return ok
}

// defaultFileIndex picks the largest video file, or the largest file when
// the torrent carries no video.
func defaultFileIndex(files []swarmFile) int {
	best, bestVideo := -1, -1
	for i, f := range files {
		if best < 0 || f.Length() > files[best].Length() {
			best = i
		}
		if isVideoPath(f.Path()) && (bestVideo < 0 || f.Length() > files[bestVideo].Length()) {
			bestVideo = i
		}
	}
	if bestVideo >= 0 {
		return bestVideo
	}
	return best
}

// applySelection keeps only the selected file downloading.
func applySelection(files []swarmFile, selected int) {
	if selected < 0 || selected >= len(files) {
		return
	}
	for i, f := range files {
		if i == selected {
			f.SetPriority(torrent.PiecePriorityNormal)
		} else {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}
}

func mapFiles(files []swarmFile) []domain.FileRef {
	mapped := make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{Index: i, Path: f.Path(), Length: f.Length()})
	}
	return mapped
}

// freeOSMemory returns memory held by a dropped swarm to the OS promptly.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

func (p *speedSample) sample(st swarmStats, now time.Time) (int64, int64) {
	prev := *p
	*p = speedSample{at: now, bytesRead: st.BytesRead, bytesWritten: st.BytesWritten}
	if prev.at.IsZero() {
		return 0, 0
	}
	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}
	deltaRead := st.BytesRead - prev.bytesRead
	deltaWritten := st.BytesWritten - prev.bytesWritten
	if deltaRead < 0 {
		deltaRead = 0
	}
	if deltaWritten < 0 {
		deltaWritten = 0
	}
	return int64(float64(deltaRead) / dt), int64(float64(deltaWritten) / dt)
}
