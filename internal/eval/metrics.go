package eval

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"tubeqa/internal/llm"
	"tubeqa/internal/vector"
)

// Overlap is a precision/recall/F1 triple over token n-grams.
type Overlap struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

func newOverlap(match, candTotal, refTotal int) Overlap {
	if match == 0 || candTotal == 0 || refTotal == 0 {
		return Overlap{}
	}
	p := float64(match) / float64(candTotal)
	r := float64(match) / float64(refTotal)
	return Overlap{Precision: p, Recall: r, F1: 2 * p * r / (p + r)}
}

// Tokenize lower-cases s and splits it on anything that is not a letter or
// digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func ngrams(tokens []string, n int) map[string]int {
	out := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], " ")]++
	}
	return out
}

// RougeN scores clipped n-gram overlap of candidate against reference.
func RougeN(candidate, reference string, n int) Overlap {
	cand, ref := ngrams(Tokenize(candidate), n), ngrams(Tokenize(reference), n)
	match, candTotal, refTotal := 0, 0, 0
	for g, c := range cand {
		candTotal += c
		match += min(c, ref[g])
	}
	for _, c := range ref {
		refTotal += c
	}
	return newOverlap(match, candTotal, refTotal)
}

// RougeL scores the longest common token subsequence.
func RougeL(candidate, reference string) Overlap {
	a, b := Tokenize(candidate), Tokenize(reference)
	return newOverlap(lcs(a, b), len(a), len(b))
}

func lcs(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else {
				cur[j] = max(prev[j], cur[j-1])
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Similarity is the cosine of the embeddings of a and b.
func Similarity(ctx context.Context, e llm.Embedder, a, b string) (float64, error) {
	vecs, err := llm.EmbedAll(ctx, e, []string{a, b})
	if err != nil {
		return 0, fmt.Errorf("similarity: %w", err)
	}
	return vector.Cosine(vecs[0], vecs[1]), nil
}

// ContextRelevancy is the share of gold-context tokens found among the
// retrieved chunks' tokens, clipped per token.
func ContextRelevancy(retrieved, gold []string) float64 {
	have := make(map[string]int)
	for _, r := range retrieved {
		for _, t := range Tokenize(r) {
			have[t]++
		}
	}
	total, found := 0, 0
	for _, g := range gold {
		for _, t := range Tokenize(g) {
			total++
			if have[t] > 0 {
				have[t]--
				found++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(found) / float64(total)
}

// Sentences splits text after '.', '!' or '?' followed by whitespace.
func Sentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}
