// Package retrieval selects grounding context for follow-up chat turns. It is
// purely lexical: paragraph chunking plus BM25-style scoring, no embeddings.
package retrieval

import (
	"math"
	"sort"
	"strings"
)

const (
	// DefaultTopK is the number of grounding chunks returned when the caller
	// does not specify one.
	DefaultTopK = 6

	bm25K1         = 1.2
	bm25B          = 0.75
	substringBonus = 1.25
)

// stopwords are filtered out of both query and chunk tokens.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "your": true, "with": true, "this": true,
	"that": true, "from": true, "they": true, "will": true, "would": true,
	"there": true, "their": true, "what": true, "about": true, "which": true,
	"when": true, "have": true, "has": true, "had": true, "was": true,
	"were": true, "been": true, "can": true, "could": true, "should": true,
	"into": true, "than": true, "then": true, "them": true, "these": true,
	"its": true, "also": true, "each": true, "any": true, "all": true,
	"how": true, "out": true, "use": true, "used": true, "using": true,
}

// ScoredChunk is a retrieval result combining a chunk with its relevance score.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Rank scores every chunk against the query and returns the top K by score
// descending with a stable tie-break on chunk id. Zero-scoring chunks are
// dropped; if every chunk scores zero the first K chunks are returned in
// original order so follow-up turns always receive some context.
func Rank(chunks []Chunk, query string, topK int) []ScoredChunk {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if len(chunks) == 0 {
		return nil
	}

	queryTerms := Tokenize(query)
	docs := make([][]string, len(chunks))
	totalLen := 0
	for i, c := range chunks {
		docs[i] = Tokenize(c.Text)
		totalLen += len(docs[i])
	}
	avgLen := float64(totalLen) / float64(len(chunks))
	if avgLen == 0 {
		avgLen = 1
	}

	// Document frequency per query term.
	df := make(map[string]int, len(queryTerms))
	for _, terms := range docs {
		seen := make(map[string]bool, len(terms))
		for _, t := range terms {
			seen[t] = true
		}
		for _, q := range queryTerms {
			if seen[q] {
				df[q]++
			}
		}
	}

	queryLower := strings.ToLower(strings.TrimSpace(query))
	n := float64(len(chunks))

	var scored []ScoredChunk
	for i, c := range chunks {
		score := bm25Score(queryTerms, docs[i], df, n, avgLen)
		if queryLower != "" && strings.Contains(strings.ToLower(c.Text), queryLower) {
			score += substringBonus
		}
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: c, Score: score})
	}

	if len(scored) == 0 {
		// Query shares no tokens with the corpus: fall back to the first K
		// chunks rather than starving the follow-up turn of context.
		k := min(topK, len(chunks))
		fallback := make([]ScoredChunk, k)
		for i := 0; i < k; i++ {
			fallback[i] = ScoredChunk{Chunk: chunks[i]}
		}
		return fallback
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

func bm25Score(queryTerms, doc []string, df map[string]int, n, avgLen float64) float64 {
	if len(doc) == 0 || len(queryTerms) == 0 {
		return 0
	}
	tf := make(map[string]int, len(doc))
	for _, t := range doc {
		tf[t]++
	}
	docLen := float64(len(doc))

	var score float64
	for _, q := range queryTerms {
		f := float64(tf[q])
		if f == 0 {
			continue
		}
		d := float64(df[q])
		idf := math.Log(1 + (n-d+0.5)/(d+0.5))
		norm := f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
		score += idf * norm
	}
	return score
}

// Tokenize lower-cases, strips non-alphanumerics, and drops short tokens and
// stopwords.
func Tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		t := cur.String()
		cur.Reset()
		if len(t) <= 2 || stopwords[t] {
			return
		}
		tokens = append(tokens, t)
	}
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

// FormatContext builds a prompt-ready grounding block from retrieved chunks.
func FormatContext(chunks []ScoredChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Grounding Context\n\n")
	for _, c := range chunks {
		b.WriteString("### ")
		b.WriteString(string(c.Source))
		b.WriteString("\n")
		b.WriteString(c.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}
