package match

import "strings"

// tieBreakWindow is how close a lower-scored candidate must be to the best
// score to win on format preference alone.
const tieBreakWindow = 0.1

// FormatRank maps a priority list to descending scores; extensions missing
// from the list rank below every listed one.
type FormatRank map[string]int

// NewFormatRank builds a rank table from an ordered preference list
// (best first). Every extension ranks strictly above the ones listed after
// it, so the default list gives epub > mobi > azw3 > pdf > txt; two
// extensions never share a rank.
func NewFormatRank(priority []string) FormatRank {
	rank := make(FormatRank, len(priority))
	for i, ext := range priority {
		rank[strings.ToLower(ext)] = len(priority) - i
	}
	return rank
}

func (r FormatRank) of(extension string) int {
	return r[strings.ToLower(extension)]
}

// Scored pairs an arbitrary candidate handle with its score and extension.
type Scored[T any] struct {
	Value     T
	Score     float64
	Extension string
}

// PickBest selects the winner among candidates already sorted or not:
// highest score first, with candidates within the tie-break window of the
// best allowed to win on a better file format. Returns false when the list
// is empty.
func PickBest[T any](candidates []Scored[T], rank FormatRank) (Scored[T], bool) {
	if len(candidates) == 0 {
		var zero Scored[T]
		return zero, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Score > best.Score {
			best = c
		}
	}

	winner := best
	for _, c := range candidates {
		if best.Score-c.Score > tieBreakWindow {
			continue
		}
		if rank.of(c.Extension) > rank.of(winner.Extension) {
			winner = c
		}
	}
	return winner, true
}
