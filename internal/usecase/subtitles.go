package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"streamengine/internal/domain"
	"streamengine/internal/domain/ports"
	"streamengine/internal/subtitle"
)

const maxSidecarBytes int64 = 8 << 20

var sidecarExtensions = map[string]struct{}{
	"srt": {}, "vtt": {}, "ass": {}, "ssa": {}, "sub": {},
}

// SidecarFiles returns the subtitle files shipped next to the video.
func SidecarFiles(files []domain.FileRef) []domain.FileRef {
	out := make([]domain.FileRef, 0)
	for _, f := range files {
		if _, ok := sidecarExtensions[subtitle.FormatFromPath(f.Path)]; ok {
			out = append(out, f)
		}
	}
	return out
}

type SubtitleRequest struct {
	TitleID       string
	Season        int
	Episode       int
	ContentID     string
	FileIndex     int
	PreferredLang string
}

type SubtitleExtractor interface {
	ExtractSubtitle(ctx context.Context, input io.Reader, trackIndex int) ([]byte, error)
}

type trackProbe interface {
	Execute(ctx context.Context, contentID string, fileIndex int) (domain.ProbeResult, error)
}

type embeddedKey struct {
	probe domain.ProbeKey
	track int
}

// AggregateSubtitles merges external, sidecar and embedded subtitles and
// delivers each of them as WebVTT.
type AggregateSubtitles struct {
	External  ports.SubtitleSearcher
	Sessions  ports.SessionManager
	Probe     trackProbe
	Extractor SubtitleExtractor
	Logger    *slog.Logger

	mu       sync.RWMutex
	embedded map[embeddedKey][]byte
	group    singleflight.Group
	hookOnce sync.Once
}

func (uc *AggregateSubtitles) logger() *slog.Logger {
	if uc.Logger == nil {
		return slog.Default()
	}
	return uc.Logger
}

func (uc *AggregateSubtitles) Execute(ctx context.Context, req SubtitleRequest) (domain.SubtitleSelection, error) {
	if strings.TrimSpace(req.TitleID) == "" && strings.TrimSpace(req.ContentID) == "" {
		return domain.SubtitleSelection{}, invalidRequest("titleId or contentId is required")
	}

	var external, sidecar, embedded []domain.SubtitleEntry
	var g errgroup.Group

	if uc.External != nil && req.TitleID != "" {
		g.Go(func() error {
			entries, err := uc.externalEntries(ctx, req)
			if err != nil {
				uc.logger().Warn("external subtitle search failed",
					slog.String("titleId", req.TitleID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			external = entries
			return nil
		})
	}
	if uc.Sessions != nil && req.ContentID != "" {
		g.Go(func() error {
			entries, err := uc.sidecarEntries(req.ContentID)
			if err != nil {
				uc.logger().Debug("sidecar subtitles unavailable",
					slog.String("contentId", req.ContentID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			sidecar = entries
			return nil
		})
	}
	if uc.Probe != nil && req.ContentID != "" && req.FileIndex >= 0 {
		g.Go(func() error {
			entries, err := uc.embeddedEntries(ctx, req.ContentID, req.FileIndex)
			if err != nil {
				uc.logger().Debug("embedded subtitles unavailable",
					slog.String("contentId", req.ContentID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			embedded = entries
			return nil
		})
	}
	_ = g.Wait()

	entries := make([]domain.SubtitleEntry, 0, len(external)+len(sidecar)+len(embedded))
	entries = append(entries, dedupeEntries(external)...)
	entries = append(entries, dedupeEntries(sidecar)...)
	entries = append(entries, dedupeEntries(embedded)...)

	return domain.SubtitleSelection{
		Entries:  entries,
		Selected: autoSelect(entries, req.PreferredLang),
	}, nil
}

// Sidecars lists the sidecar subtitle entries of a session.
func (uc *AggregateSubtitles) Sidecars(contentID string) ([]domain.SubtitleEntry, error) {
	if uc.Sessions == nil {
		return nil, errors.New("sessions not configured")
	}
	entries, err := uc.sidecarEntries(contentID)
	if err != nil {
		return nil, err
	}
	return dedupeEntries(entries), nil
}

func (uc *AggregateSubtitles) externalEntries(ctx context.Context, req SubtitleRequest) ([]domain.SubtitleEntry, error) {
	found, err := uc.External.Search(ctx, ports.SubtitleQuery{
		TitleID: req.TitleID,
		Season:  req.Season,
		Episode: req.Episode,
		Lang:    req.PreferredLang,
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.SubtitleEntry, 0, len(found))
	for _, sub := range found {
		if sub.FileID == "" {
			continue
		}
		lang := subtitle.NormalizeLang(sub.Language)
		label := strings.TrimSpace(sub.Release)
		if label == "" {
			label = strings.ToUpper(lang)
		}
		out = append(out, domain.SubtitleEntry{
			ID:          "external:" + sub.FileID,
			Label:       label,
			Lang:        lang,
			Provider:    domain.SubtitleExternal,
			DeliveryRef: "/subtitle-external/" + url.PathEscape(sub.FileID),
			Format:      "vtt",
			DedupeKey:   sub.FileID,
		})
	}
	return out, nil
}

func (uc *AggregateSubtitles) sidecarEntries(contentID string) ([]domain.SubtitleEntry, error) {
	files, err := uc.Sessions.Files(contentID)
	if err != nil {
		return nil, err
	}
	sidecars := SidecarFiles(files)
	out := make([]domain.SubtitleEntry, 0, len(sidecars))
	for _, f := range sidecars {
		idx := strconv.Itoa(f.Index)
		out = append(out, domain.SubtitleEntry{
			ID:          "sidecar:" + idx,
			Label:       path.Base(f.Path),
			Lang:        langFromFilename(f.Path),
			Provider:    domain.SubtitleSidecar,
			DeliveryRef: "/magnet/" + url.PathEscape(contentID) + "?fileIdx=" + idx + "&kind=sidecar",
			Format:      subtitle.FormatFromPath(f.Path),
			DedupeKey:   idx,
		})
	}
	return out, nil
}

func (uc *AggregateSubtitles) embeddedEntries(ctx context.Context, contentID string, fileIndex int) ([]domain.SubtitleEntry, error) {
	probe, err := uc.Probe.Execute(ctx, contentID, fileIndex)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SubtitleEntry, 0, len(probe.SubtitleTracks))
	for _, track := range probe.SubtitleTracks {
		if !track.Extractable {
			continue
		}
		idx := strconv.Itoa(track.TrackIndex)
		label := track.Title
		if label == "" {
			label = strings.ToUpper(subtitle.NormalizeLang(track.Language))
		}
		if label == "" {
			label = "Track " + strconv.Itoa(track.TrackIndex+1)
		}
		if track.IsForced {
			label += " (forced)"
		}
		out = append(out, domain.SubtitleEntry{
			ID:       "embedded:" + idx,
			Label:    label,
			Lang:     subtitle.NormalizeLang(track.Language),
			Provider: domain.SubtitleEmbedded,
			DeliveryRef: "/subtitle-extract/" + url.PathEscape(contentID) +
				"?fileIdx=" + strconv.Itoa(fileIndex) + "&trackIdx=" + idx,
			Format:    "vtt",
			DedupeKey: idx,
		})
	}
	return out, nil
}

// langFromFilename reads a language tag such as Movie.en.srt or English.srt.
func langFromFilename(p string) string {
	base := strings.TrimSuffix(path.Base(p), path.Ext(p))
	candidates := []string{base}
	if idx := strings.LastIndexAny(base, "._- "); idx >= 0 {
		candidates = append([]string{base[idx+1:]}, candidates...)
	}
	for _, c := range candidates {
		if len(c) < 2 {
			continue
		}
		if lang := subtitle.NormalizeLang(c); len(lang) == 2 {
			return lang
		}
	}
	return ""
}

func dedupeEntries(entries []domain.SubtitleEntry) []domain.SubtitleEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]domain.SubtitleEntry, 0, len(entries))
	for _, e := range entries {
		key := string(e.Provider) + "|" + e.DedupeKey
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

func autoSelect(entries []domain.SubtitleEntry, preferred string) string {
	if len(entries) == 0 {
		return domain.SubtitleOff
	}
	if strings.TrimSpace(preferred) != "" {
		for _, e := range entries {
			if subtitle.SameLang(e.Lang, preferred) {
				return e.ID
			}
		}
	}
	return entries[0].ID
}

// ExternalVTT downloads an external subtitle and converts it to WebVTT.
func (uc *AggregateSubtitles) ExternalVTT(ctx context.Context, fileID string) ([]byte, error) {
	if uc.External == nil {
		return nil, domain.ErrNotFound
	}
	data, err := uc.External.Download(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return subtitle.ToWebVTT(data, subtitle.Sniff(data))
}

// SidecarVTT reads a sidecar file from the swarm and converts it to WebVTT.
func (uc *AggregateSubtitles) SidecarVTT(ctx context.Context, contentID string, fileIndex int) ([]byte, error) {
	files, err := uc.Sessions.WaitMetadata(ctx, contentID)
	if err != nil {
		return nil, wrapEngine(err)
	}
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, domain.ErrInvalidFileIndex
	}
	file := files[fileIndex]
	format := subtitle.FormatFromPath(file.Path)
	if _, ok := sidecarExtensions[format]; !ok {
		return nil, fmt.Errorf("%w: %s is not a subtitle file", domain.ErrInvalidFileIndex, path.Base(file.Path))
	}
	if file.Length > maxSidecarBytes {
		return nil, fmt.Errorf("%w: sidecar too large", domain.ErrUnsupported)
	}

	reader, err := uc.Sessions.ReadRange(ctx, contentID, fileIndex, 0, file.Length)
	if err != nil {
		return nil, wrapEngine(err)
	}
	defer reader.Close()
	data, err := io.ReadAll(io.LimitReader(reader, maxSidecarBytes))
	if err != nil {
		return nil, wrapEngine(err)
	}
	return subtitle.ToWebVTT(data, format)
}

// EmbeddedVTT extracts one text subtitle track with ffmpeg. Results are kept
// until the session closes.
func (uc *AggregateSubtitles) EmbeddedVTT(ctx context.Context, contentID string, fileIndex, trackIndex int) ([]byte, error) {
	if uc.Extractor == nil {
		return nil, errors.New("subtitle extractor not configured")
	}
	if fileIndex < 0 || trackIndex < 0 {
		return nil, domain.ErrInvalidFileIndex
	}
	uc.hookOnce.Do(func() {
		if uc.Sessions != nil {
			uc.Sessions.OnClose(uc.forgetEmbedded)
		}
	})

	contentID = domain.NormalizeContentID(contentID)
	key := embeddedKey{probe: domain.ProbeKey{ContentID: contentID, FileIndex: fileIndex}, track: trackIndex}
	uc.mu.RLock()
	cached, ok := uc.embedded[key]
	uc.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if uc.Probe != nil {
		probe, err := uc.Probe.Execute(ctx, contentID, fileIndex)
		if err != nil {
			return nil, err
		}
		if !probe.Partial {
			track, found := probe.SubtitleTrackByIndex(trackIndex)
			if !found {
				return nil, fmt.Errorf("%w: subtitle track %d", domain.ErrNotFound, trackIndex)
			}
			if !track.Extractable {
				return nil, fmt.Errorf("%w: %s subtitles are bitmap based", domain.ErrUnsupported, track.Codec)
			}
		}
	}

	v, err, _ := uc.group.Do(key.probe.String()+"/"+strconv.Itoa(trackIndex), func() (interface{}, error) {
		reader, err := uc.Sessions.ReadRange(ctx, contentID, fileIndex, 0, 0)
		if err != nil {
			return nil, wrapEngine(err)
		}
		defer reader.Close()
		vtt, err := uc.Extractor.ExtractSubtitle(ctx, reader, trackIndex)
		if err != nil {
			return nil, err
		}
		uc.mu.Lock()
		if uc.embedded == nil {
			uc.embedded = make(map[embeddedKey][]byte)
		}
		uc.embedded[key] = vtt
		uc.mu.Unlock()
		return vtt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (uc *AggregateSubtitles) forgetEmbedded(contentID string) {
	contentID = domain.NormalizeContentID(contentID)
	uc.mu.Lock()
	defer uc.mu.Unlock()
	for key := range uc.embedded {
		if key.probe.ContentID == contentID {
			delete(uc.embedded, key)
		}
	}
}
