package types

import "errors"

// Resolution failure taxonomy. Every resolver and proxy failure wraps one of
// these sentinels so callers can branch on errors.Is without string matching.
var (
	ErrNoCatalogMatch      = errors.New("no usable catalog match")
	ErrNoEpisodes          = errors.New("no episodes found")
	ErrNoSources           = errors.New("no stream sources available")
	ErrUpstreamBlocked     = errors.New("upstream returned a block page")
	ErrInvalidProxyRequest = errors.New("invalid proxy request")
	ErrUnrecognizedShape   = errors.New("unrecognized upstream response shape")
)

// Category identifies the audio track family of an episode stream.
type Category string

const (
	CategorySub Category = "sub"
	CategoryDub Category = "dub"
	CategoryRaw Category = "raw"
)

// EpisodeCounts carries the per-category episode totals a search hit reports.
// The counts are upstream-supplied and frequently approximate; they feed the
// title matcher's episode-count proximity scoring, nothing else.
type EpisodeCounts struct {
	Sub int `json:"sub"`
	Dub int `json:"dub"`
}

// CatalogHit is a single raw search result from the catalog backend. Hits are
// ephemeral: they exist only between the search step and the matcher.
type CatalogHit struct {
	ID            string        `json:"id"`
	DisplayName   string        `json:"name"`
	PosterURL     string        `json:"poster,omitempty"`
	EpisodeCounts EpisodeCounts `json:"episodes"`
}

// EpisodeRef identifies one episode of a catalog entry.
type EpisodeRef struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	EpisodeID string `json:"episodeId"`
	IsFiller  bool   `json:"isFiller"`
}

// StreamSource is a single playable URL for an episode. IsManifest
// distinguishes HLS playlists from direct files; Quality is the upstream's
// label ("default", "1080p", "backup") and is advisory only.
type StreamSource struct {
	URL        string `json:"url"`
	IsManifest bool   `json:"isM3U8"`
	Quality    string `json:"quality,omitempty"`
}

// SubtitleTrack is a sidecar subtitle reference attached to a bundle.
type SubtitleTrack struct {
	Lang string `json:"lang"`
	URL  string `json:"url"`
}

// SkipRange marks an intro or outro interval in seconds from episode start.
type SkipRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// StreamingBundle is the resolved, player-ready unit for one
// episode/server/category combination. A bundle with no sources is a resolver
// failure, never a valid empty result.
//
// Headers is the exact header set the player (through the rewrite proxy) must
// attach for the source URLs to be accepted upstream. SubstitutedCategory is
// set when the requested audio category yielded nothing and the default was
// served instead; it is a user-visible notice, not an error.
type StreamingBundle struct {
	Headers             map[string]string `json:"headers"`
	Sources             []StreamSource    `json:"sources"`
	SubtitleTracks      []SubtitleTrack   `json:"subtitles,omitempty"`
	Intro               *SkipRange        `json:"intro,omitempty"`
	Outro               *SkipRange        `json:"outro,omitempty"`
	Server              string            `json:"server,omitempty"`
	SubstitutedCategory Category          `json:"substitutedCategory,omitempty"`
}

// Usable reports whether the bundle satisfies the non-empty sources invariant.
func (b *StreamingBundle) Usable() bool {
	return b != nil && len(b.Sources) > 0
}

// ServerList enumerates the delivery servers the backend reports per category
// for one episode.
type ServerList struct {
	Sub []string `json:"sub"`
	Dub []string `json:"dub"`
	Raw []string `json:"raw"`
}

// TitleMeta is what the external metadata provider knows about a title; it
// feeds the matcher's alternate-title and expected-episode-count inputs.
type TitleMeta struct {
	Title          string `json:"title"`
	AlternateTitle string `json:"alternateTitle,omitempty"`
	EpisodeCount   int    `json:"episodeCount,omitempty"`
}
