// Package match picks the right catalog entry out of noisy search results.
// Scoring is deterministic and does no I/O, so every disambiguation rule in
// here is testable without a live backend.
package match

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"anistream-proxy/work/types"

	"github.com/grafana/regexp"
)

// Scoring weights. The relative ordering of these values is the
// disambiguation policy: an exact title match dominates everything, a season
// mismatch hurts more than a word mismatch, extra-content markers are judged
// last. Do not rebalance individual weights without re-checking the order.
const (
	weightExactTitle       = 1000
	weightOverlapFull      = 400
	weightOverlapHigh      = 300
	weightOverlapHalf      = 150
	weightOverlapPoor      = -200
	weightBaseExact        = 400
	weightBaseContains     = 250
	weightBaseContained    = 150
	weightSeasonExact      = 300
	weightSeasonMissPer    = -200
	weightPartExact        = 50
	weightPartMissPer      = -50
	weightEpisodesExact    = 100
	weightEpisodesClose    = 50
	weightExtraContent     = -350
	weightLengthExcessPer  = -20
	episodeMagnitudeScale  = 60
	episodeMagnitudeCap    = 180
	lengthExcessAllowance  = 3
	overlapHighThreshold   = 0.8
	overlapHalfThreshold   = 0.5
	overlapPoorThreshold   = 0.3
	episodeCloseTolerance  = 2
)

var (
	seasonWordRe   = regexp.MustCompile(`\bseason\s*(\d{1,2})\b`)
	ordinalRe      = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)\s+season\b`)
	shortSeasonRe  = regexp.MustCompile(`\bs(\d{1,2})\b`)
	partRe         = regexp.MustCompile(`\bpart\s*(\d{1,2})\b`)
	trailingNumRe  = regexp.MustCompile(`\s(\d{1,2})$`)
	trailingRomRe  = regexp.MustCompile(`\s(ii|iii|iv|v|vi|vii|viii|ix|x)$`)
	punctStripper  = regexp.MustCompile(`[^a-z0-9 ]+`)
	spaceCollapser = regexp.MustCompile(`\s+`)
)

var romanValues = map[string]int{
	"ii": 2, "iii": 3, "iv": 4, "v": 5, "vi": 6,
	"vii": 7, "viii": 8, "ix": 9, "x": 10,
}

// extraContentMarkers flag entries that are movies, specials, or recap cuts
// rather than the series canon the user searched for.
var extraContentMarkers = []string{
	"movie", "film", "special", "specials", "ova", "ona",
	"recap", "recaps", "summary", "compilation", "memorial",
}

// Normalize lowercases a title, converts separator punctuation to spaces,
// strips everything else, and collapses whitespace.
func Normalize(title string) string {
	s := strings.ToLower(title)
	s = strings.NewReplacer("-", " ", "_", " ", ":", " ").Replace(s)
	s = punctStripper.ReplaceAllString(s, "")
	s = spaceCollapser.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// TitleParts is a normalized title decomposed into its base name and any
// season/part markers found in it. Season and Part default to 1 when the
// title carries no marker.
type TitleParts struct {
	Base   string
	Season int
	Part   int
}

// ParseTitle extracts the {base, season, part} triple from a raw title.
// Marker text is removed from the base so "Show Season 2 Part 1" and "Show"
// compare equal on their bases.
func ParseTitle(title string) TitleParts {
	norm := Normalize(title)
	parts := TitleParts{Season: 1, Part: 1}

	if m := partRe.FindStringSubmatch(norm); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			parts.Part = n
		}
		norm = strings.TrimSpace(partRe.ReplaceAllString(norm, ""))
	}

	season := 0
	for _, re := range []*regexp.Regexp{seasonWordRe, ordinalRe, shortSeasonRe} {
		if m := re.FindStringSubmatch(norm); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				season = n
				norm = strings.TrimSpace(re.ReplaceAllString(norm, ""))
			}
			break
		}
	}

	if season == 0 {
		if m := trailingRomRe.FindStringSubmatch(norm); m != nil {
			season = romanValues[m[1]]
			norm = strings.TrimSpace(trailingRomRe.ReplaceAllString(norm, ""))
		}
	}

	if season == 0 {
		if m := trailingNumRe.FindStringSubmatch(norm); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n >= 2 && n <= 10 {
				season = n
				norm = strings.TrimSpace(trailingNumRe.ReplaceAllString(norm, ""))
			}
		}
	}

	if season > 0 {
		parts.Season = season
	}

	parts.Base = spaceCollapser.ReplaceAllString(strings.TrimSpace(norm), " ")
	return parts
}

// Score computes the match score of one candidate title against the target
// (and optional alternate) per the fixed weight table above. candidateEpisodes
// is the candidate's episode count, expectedEpisodes the count the metadata
// provider reports for the target (0 when unknown).
func Score(candidate string, candidateEpisodes int, target, alternate string, expectedEpisodes int) int {
	candNorm := Normalize(candidate)
	targetNorm := Normalize(target)
	altNorm := ""
	if alternate != "" {
		altNorm = Normalize(alternate)
	}

	score := 0

	if candNorm == targetNorm || (altNorm != "" && candNorm == altNorm) {
		score += weightExactTitle
	}

	overlap := wordOverlap(targetNorm, candNorm)
	if altNorm != "" {
		if altOverlap := wordOverlap(altNorm, candNorm); altOverlap > overlap {
			overlap = altOverlap
		}
	}
	switch {
	case overlap >= 1.0:
		score += weightOverlapFull
	case overlap >= overlapHighThreshold:
		score += weightOverlapHigh
	case overlap >= overlapHalfThreshold:
		score += weightOverlapHalf
	case overlap < overlapPoorThreshold:
		score += weightOverlapPoor
	}

	candParts := ParseTitle(candidate)
	targetParts := ParseTitle(target)
	var altParts *TitleParts
	if alternate != "" {
		p := ParseTitle(alternate)
		altParts = &p
	}

	score += bestBaseScore(candParts.Base, targetParts.Base, altParts)
	score += seasonScore(candParts.Season, targetParts.Season, altParts)

	partDelta := abs(candParts.Part - targetParts.Part)
	if partDelta == 0 {
		score += weightPartExact
	} else {
		score += weightPartMissPer * partDelta
	}

	if expectedEpisodes > 0 && candidateEpisodes > 0 {
		delta := abs(candidateEpisodes - expectedEpisodes)
		if delta == 0 {
			score += weightEpisodesExact
		} else if delta <= episodeCloseTolerance {
			score += weightEpisodesClose
		}
	}

	if candidateEpisodes > 0 {
		bonus := math.Log10(float64(candidateEpisodes)+1) * episodeMagnitudeScale
		if bonus > episodeMagnitudeCap {
			bonus = episodeMagnitudeCap
		}
		score += int(bonus)
	}

	score += extraContentScore(candNorm, targetNorm)

	return score
}

// SelectBestMatch returns the highest-scoring hit for the target title, nil
// for an empty hit list, and the sole hit unscored when only one exists. Ties
// break by input order: the first occurrence wins. That stability guarantee is
// load-bearing for callers that pre-rank hits, so the sort must stay stable.
func SelectBestMatch(hits []types.CatalogHit, target string, expectedEpisodes int, alternate string) *types.CatalogHit {
	if len(hits) == 0 {
		return nil
	}
	if len(hits) == 1 {
		return &hits[0]
	}

	type scored struct {
		hit   *types.CatalogHit
		score int
	}

	ranked := make([]scored, 0, len(hits))
	for i := range hits {
		hit := &hits[i]
		episodes := hit.EpisodeCounts.Sub
		if episodes == 0 {
			episodes = hit.EpisodeCounts.Dub
		}
		ranked = append(ranked, scored{
			hit:   hit,
			score: Score(hit.DisplayName, episodes, target, alternate, expectedEpisodes),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	return ranked[0].hit
}

// wordOverlap returns the fraction of reference words present in candidate.
func wordOverlap(reference, candidate string) float64 {
	refWords := strings.Fields(reference)
	if len(refWords) == 0 {
		return 0
	}

	candSet := make(map[string]bool)
	for _, w := range strings.Fields(candidate) {
		candSet[w] = true
	}

	found := 0
	for _, w := range refWords {
		if candSet[w] {
			found++
		}
	}
	return float64(found) / float64(len(refWords))
}

func bestBaseScore(candBase, targetBase string, altParts *TitleParts) int {
	best := baseScore(candBase, targetBase)
	if altParts != nil {
		if alt := baseScore(candBase, altParts.Base); alt > best {
			best = alt
		}
	}
	return best
}

func baseScore(candBase, refBase string) int {
	if candBase == "" || refBase == "" {
		return 0
	}
	if candBase == refBase {
		return weightBaseExact
	}
	if strings.Contains(candBase, refBase) {
		return weightBaseContains
	}
	if strings.Contains(refBase, candBase) {
		return weightBaseContained
	}
	return 0
}

// seasonScore uses whichever of the target/alternate seasons sits closer to
// the candidate's, since alternate titles often carry the season marker the
// primary title omits.
func seasonScore(candSeason, targetSeason int, altParts *TitleParts) int {
	delta := abs(candSeason - targetSeason)
	if altParts != nil {
		if altDelta := abs(candSeason - altParts.Season); altDelta < delta {
			delta = altDelta
		}
	}
	if delta == 0 {
		return weightSeasonExact
	}
	return weightSeasonMissPer * delta
}

// extraContentScore penalizes candidates carrying movie/special/recap markers
// the target doesn't have, plus a per-word tax on titles that run long past
// the target. Verbose subtitles usually mean a side entry, not the canon.
func extraContentScore(candNorm, targetNorm string) int {
	targetSet := make(map[string]bool)
	for _, w := range strings.Fields(targetNorm) {
		targetSet[w] = true
	}

	score := 0
	candWords := strings.Fields(candNorm)
	for _, marker := range extraContentMarkers {
		if targetSet[marker] {
			continue
		}
		for _, w := range candWords {
			if w == marker {
				score += weightExtraContent
				break
			}
		}
		if score != 0 {
			break
		}
	}

	excess := len(candWords) - len(strings.Fields(targetNorm)) - lengthExcessAllowance
	if excess > 0 {
		score += weightLengthExcessPer * excess
	}

	return score
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
