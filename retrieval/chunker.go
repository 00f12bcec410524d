package retrieval

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/an-siuu-man/headstart/model"
)

const (
	// maxChunkChars bounds a single chunk; longer paragraphs are re-split
	// into overlapping slices so a concept spanning a boundary still appears
	// intact in at least one chunk.
	maxChunkChars = 700
	chunkOverlap  = 80
)

// Source tags which corpus a chunk came from.
type Source string

const (
	SourceGuide   Source = "guide_markdown"
	SourcePayload Source = "assignment_payload"
)

// Chunk is one grounding unit of a chunked corpus.
type Chunk struct {
	ID     string `json:"id"`
	Source Source `json:"source"`
	Text   string `json:"text"`
}

var paragraphSplit = regexp.MustCompile(`\n[ \t]*\n`)

// ChunkText splits text into paragraph chunks on blank-line boundaries,
// re-slicing oversized paragraphs with overlap. Chunk ids encode the source
// and position so ordering and tie-breaks are deterministic.
func ChunkText(source Source, text string) []Chunk {
	var chunks []Chunk
	seq := 0
	for _, para := range paragraphSplit.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for _, slice := range sliceOverlapping(para) {
			chunks = append(chunks, Chunk{
				ID:     fmt.Sprintf("%s:%04d", source, seq),
				Source: source,
				Text:   slice,
			})
			seq++
		}
	}
	return chunks
}

func sliceOverlapping(para string) []string {
	if len(para) <= maxChunkChars {
		return []string{para}
	}
	step := maxChunkChars - chunkOverlap
	var slices []string
	for start := 0; start < len(para); start += step {
		end := start + maxChunkChars
		if end >= len(para) {
			slices = append(slices, para[start:])
			break
		}
		slices = append(slices, para[start:end])
	}
	return slices
}

// PayloadText renders the fixed set of structured assignment fields as a
// retrievable text body.
func PayloadText(p model.AssignmentPayload) string {
	var b strings.Builder
	writeField := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", name, value)
	}
	writeField("Title", p.Title)
	writeField("Course", p.CourseID)
	writeField("Assignment ID", p.AssignmentID)
	writeField("Due date", p.DueDate)
	writeField("Timezone", p.Timezone)
	writeField("Description", p.Description)
	if p.PointsPossible > 0 {
		fmt.Fprintf(&b, "Points possible: %g\n", p.PointsPossible)
	}
	if len(p.Rubric) > 0 {
		fmt.Fprintf(&b, "Rubric criteria: %d\n", len(p.Rubric))
	}
	return b.String()
}

// BuildCorpus chunks the guide markdown and the assignment payload into one
// corpus, each chunk tagged by source.
func BuildCorpus(guideMarkdown string, payload model.AssignmentPayload) []Chunk {
	chunks := ChunkText(SourceGuide, guideMarkdown)
	chunks = append(chunks, ChunkText(SourcePayload, PayloadText(payload))...)
	return chunks
}
