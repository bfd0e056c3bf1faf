package resolve

import (
	"sort"
	"strings"

	"streamengine/internal/domain"
	"streamengine/internal/providers/common"
)

// TieBreak orders sources within a compatibility tier.
type TieBreak string

const (
	TieBreakSeeds    TieBreak = "seeds"
	TieBreakProvider TieBreak = "provider"
)

func ParseTieBreak(raw string) TieBreak {
	switch TieBreak(strings.ToLower(strings.TrimSpace(raw))) {
	case TieBreakProvider:
		return TieBreakProvider
	default:
		return TieBreakSeeds
	}
}

// dedupe keeps one source per swarm (the higher scored one) and one direct
// source per URL. Ids stay unique within the result: of two sources sharing
// an id only the better one survives.
func dedupe(sources []domain.StreamSource) []domain.StreamSource {
	return dedupeBy(dedupeBy(sources, dedupeKey), func(src domain.StreamSource) string {
		return src.ID
	})
}

func dedupeBy(sources []domain.StreamSource, keyOf func(domain.StreamSource) string) []domain.StreamSource {
	out := make([]domain.StreamSource, 0, len(sources))
	index := make(map[string]int, len(sources))
	for _, src := range sources {
		key := keyOf(src)
		if key == "" {
			out = append(out, src)
			continue
		}
		if i, ok := index[key]; ok {
			if betterSource(src, out[i]) {
				out[i] = src
			}
			continue
		}
		index[key] = len(out)
		out = append(out, src)
	}
	return out
}

func betterSource(a, b domain.StreamSource) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Seeds > b.Seeds
}

func dedupeKey(src domain.StreamSource) string {
	if src.Type == domain.SourceP2P {
		if src.ContentID == "" {
			return ""
		}
		return "p2p:" + strings.ToLower(src.ContentID)
	}
	if src.URL == "" {
		return "id:" + src.ID
	}
	return "url:" + src.URL
}

func rankSources(sources []domain.StreamSource, tb TieBreak, priority func(string) int) []domain.StreamSource {
	ranked := append([]domain.StreamSource(nil), sources...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Risky != b.Risky {
			return !a.Risky
		}
		if tb == TieBreakProvider {
			if pa, pb := priority(a.Provider), priority(b.Provider); pa != pb {
				return pa < pb
			}
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Seeds != b.Seeds {
			return a.Seeds > b.Seeds
		}
		if qa, qb := common.QualityRank(a.Quality), common.QualityRank(b.Quality); qa != qb {
			return qa > qb
		}
		return priority(a.Provider) < priority(b.Provider)
	})

	for i, src := range ranked {
		if src.FastPath && src.Type.IsDirect() && !src.Risky {
			if i > 0 {
				copy(ranked[1:i+1], ranked[:i])
				ranked[0] = src
			}
			break
		}
	}
	return ranked
}

// selectPrimary picks the source the player starts with. Ranked input is
// assumed, so the fast-path source is already first when present.
func selectPrimary(ranked []domain.StreamSource) (string, domain.PlaybackMode) {
	if len(ranked) == 0 {
		return "", domain.ModePreview
	}
	for _, src := range ranked {
		if src.Type.IsDirect() && !src.Risky {
			return src.ID, domain.ModeAutoplay
		}
	}
	for _, src := range ranked {
		if src.Type.IsDirect() {
			return src.ID, domain.ModeAutoplay
		}
	}
	return ranked[0].ID, domain.ModePreview
}
