package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"slices"
	"strings"
	"unicode"
)

// Normalize lower-cases s, drops punctuation and symbols (typographic quotes
// included) and collapses whitespace runs into single spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			space = false
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// ExactHash is the hex SHA-256 of the normalized title and body.
func ExactHash(title, body string) string {
	sum := sha256.Sum256([]byte(Normalize(title) + "\n" + Normalize(body)))
	return hex.EncodeToString(sum[:])
}

// Shingles returns the sorted, de-duplicated FNV-1a hashes of the word
// n-grams of normalized text. Text shorter than n words yields one shingle.
func Shingles(normalized string, n int) []uint64 {
	if n <= 0 {
		n = 3
	}
	words := strings.Fields(normalized)
	if len(words) == 0 {
		return nil
	}
	if len(words) < n {
		n = len(words)
	}
	out := make([]uint64, 0, len(words)-n+1)
	h := fnv.New64a()
	for i := 0; i+n <= len(words); i++ {
		h.Reset()
		for j := i; j < i+n; j++ {
			if j > i {
				_, _ = h.Write([]byte{' '})
			}
			_, _ = h.Write([]byte(words[j]))
		}
		out = append(out, h.Sum64())
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Jaccard returns |a∩b| / |a∪b| for two sorted, de-duplicated sets.
func Jaccard(a, b []uint64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	i, j, inter := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
