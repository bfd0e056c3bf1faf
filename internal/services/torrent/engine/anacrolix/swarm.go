package anacrolix

import (
	"github.com/anacrolix/torrent"

	"streamengine/internal/domain/ports"
	"streamengine/internal/providers/common"
)

// swarmClient is the slice of *torrent.Client the engine depends on.
type swarmClient interface {
	Add(contentID string) (swarm, error)
	Close() []error
}

type swarm interface {
	GotInfo() <-chan struct{}
	Files() []swarmFile
	Stats() swarmStats
	BytesCompleted() int64
	Length() int64
	Drop()
}

type swarmFile interface {
	Path() string
	Length() int64
	NewReader() ports.StreamReader
	SetPriority(torrent.PiecePriority)
}

type swarmStats struct {
	Peers        int
	BytesRead    int64
	BytesWritten int64
}

type torrentClient struct {
	client   *torrent.Client
	trackers []string
}

func (c *torrentClient) Add(contentID string) (swarm, error) {
	t, err := c.client.AddMagnet(common.BuildMagnet(contentID, "", c.trackers))
	if err != nil {
		return nil, err
	}
	return &torrentSwarm{t: t}, nil
}

func (c *torrentClient) Close() []error {
	return c.client.Close()
}

type torrentSwarm struct {
	t *torrent.Torrent
}

func (s *torrentSwarm) GotInfo() <-chan struct{} {
	return s.t.GotInfo()
}

func (s *torrentSwarm) Files() []swarmFile {
	if !infoReady(s) {
		return nil
	}
	files := s.t.Files()
	out := make([]swarmFile, 0, len(files))
	for _, f := range files {
		out = append(out, torrentFile{f: f})
	}
	return out
}

func (s *torrentSwarm) Stats() swarmStats {
	st := s.t.Stats()
	return swarmStats{
		Peers:        st.ActivePeers,
		BytesRead:    st.BytesReadUsefulData.Int64(),
		BytesWritten: st.BytesWrittenData.Int64(),
	}
}

func (s *torrentSwarm) BytesCompleted() int64 {
	if !infoReady(s) {
		return 0
	}
	return s.t.BytesCompleted()
}

func (s *torrentSwarm) Length() int64 {
	if !infoReady(s) {
		return 0
	}
	return s.t.Length()
}

func (s *torrentSwarm) Drop() {
	s.t.Drop()
}

type torrentFile struct {
	f *torrent.File
}

func (f torrentFile) Path() string  { return f.f.Path() }
func (f torrentFile) Length() int64 { return f.f.Length() }
func (f torrentFile) NewReader() ports.StreamReader {
	return f.f.NewReader()
}
func (f torrentFile) SetPriority(p torrent.PiecePriority) { f.f.SetPriority(p) }

func infoReady(s swarm) bool {
	if s == nil {
		return false
	}
	select {
	case <-s.GotInfo():
		return true
	default:
		return false
	}
}
