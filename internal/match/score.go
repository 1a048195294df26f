// Package match scores mirror candidates against the source record and
// picks the best one to download.
package match

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Scoring weights. Title dominates; a verified ISBN match is treated as
// definitive and short-circuits to a full score.
const (
	titleWeight     = 0.40
	authorWeight    = 0.30
	publisherWeight = 0.15
	yearWeight      = 0.10
)

var (
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespace  = regexp.MustCompile(`\s+`)
	yearPattern = regexp.MustCompile(`\d{4}`)
	nonDigits   = regexp.MustCompile(`[^\d]`)

	lowerCaser = cases.Lower(language.Und)
)

// Source describes the record we are trying to find (the item row).
type Source struct {
	Title       string
	Author      string
	Publisher   string
	PublishDate string
	ISBN        string
}

// Candidate describes one search hit from the mirror.
type Candidate struct {
	Title     string
	Authors   string
	Publisher string
	Year      string
	ISBN      string
}

// Score computes the weighted match score in [0, 1].
func Score(source Source, candidate Candidate) float64 {
	if exactISBN(source.ISBN, candidate.ISBN) {
		return 1.0
	}

	score := TextSimilarity(source.Title, candidate.Title) * titleWeight
	score += TextSimilarity(source.Author, strings.ReplaceAll(candidate.Authors, ";;", " ")) * authorWeight
	score += TextSimilarity(source.Publisher, candidate.Publisher) * publisherWeight
	score += yearSimilarity(source.PublishDate, candidate.Year) * yearWeight

	if score > 1.0 {
		return 1.0
	}
	return score
}

// TextSimilarity returns a ratio in [0, 1] between two normalized strings:
// twice the number of matched characters over the total length, computed
// over recursively found longest common substrings.
func TextSimilarity(a, b string) float64 {
	a = normalizeText(a)
	b = normalizeText(b)
	if a == "" || b == "" {
		return 0.0
	}
	if a == b {
		return 1.0
	}

	ra := []rune(a)
	rb := []rune(b)
	matched := matchingRunes(ra, rb)
	return 2.0 * float64(matched) / float64(len(ra)+len(rb))
}

// matchingRunes counts matched characters by locating the longest common
// substring and recursing into the pieces before and after it.
func matchingRunes(a, b []rune) int {
	aStart, bStart, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingRunes(a[:aStart], b[:bStart])
	total += matchingRunes(a[aStart+size:], b[bStart+size:])
	return total
}

func longestCommonSubstring(a, b []rune) (aStart, bStart, size int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	// lengths[j] holds the match length ending at a[i], b[j-1] from the
	// previous row.
	lengths := make([]int, len(b)+1)
	for i := range a {
		prevDiag := 0
		for j := 1; j <= len(b); j++ {
			tmp := lengths[j]
			if a[i] == b[j-1] {
				lengths[j] = prevDiag + 1
				if lengths[j] > size {
					size = lengths[j]
					aStart = i - size + 1
					bStart = j - size
				}
			} else {
				lengths[j] = 0
			}
			prevDiag = tmp
		}
	}
	return aStart, bStart, size
}

func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = lowerCaser.String(s)
	s = punctuation.ReplaceAllString(s, " ")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// yearSimilarity compares the publication year extracted from a free-form
// date against the candidate year: exact 1.0, off by one 0.8, off by two 0.6.
func yearSimilarity(dateStr, yearStr string) float64 {
	sourceYear := extractYear(dateStr)
	candidateYear := extractYear(yearStr)
	if sourceYear == 0 || candidateYear == 0 {
		return 0.0
	}

	diff := sourceYear - candidateYear
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return 1.0
	case diff == 1:
		return 0.8
	case diff == 2:
		return 0.6
	default:
		return 0.0
	}
}

func extractYear(s string) int {
	match := yearPattern.FindString(s)
	if match == "" {
		return 0
	}
	year := 0
	for _, r := range match {
		year = year*10 + int(r-'0')
	}
	return year
}

func exactISBN(a, b string) bool {
	a = nonDigits.ReplaceAllString(a, "")
	b = nonDigits.ReplaceAllString(b, "")
	return a != "" && b != "" && a == b
}
