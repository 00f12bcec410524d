package retrieval

import (
	"strings"
	"testing"

	"github.com/an-siuu-man/headstart/model"
)

func TestRankPrefersMatchingChunk(t *testing.T) {
	chunks := []Chunk{
		{ID: "guide_markdown:0000", Source: SourceGuide, Text: "The due date is March 3"},
		{ID: "guide_markdown:0001", Source: SourceGuide, Text: "Submit a PDF report"},
	}
	results := Rank(chunks, "due date", 6)
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].ID != "guide_markdown:0000" {
		t.Fatalf("expected due-date chunk first, got %q", results[0].ID)
	}
	for _, r := range results[1:] {
		if r.Score >= results[0].Score {
			t.Fatalf("expected strictly higher score for first chunk: %+v", results)
		}
	}
}

func TestRankFallsBackWhenNothingMatches(t *testing.T) {
	chunks := []Chunk{
		{ID: "a", Text: "alpha beta gamma"},
		{ID: "b", Text: "delta epsilon zeta"},
		{ID: "c", Text: "eta theta iota"},
	}
	results := Rank(chunks, "zzzzz unmatched query", 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 fallback chunks, got %d", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Fatalf("fallback should preserve original order, got %+v", results)
	}
}

func TestRankDropsZeroScores(t *testing.T) {
	chunks := []Chunk{
		{ID: "a", Text: "quadratic equations practice"},
		{ID: "b", Text: "unrelated cooking recipe"},
	}
	results := Rank(chunks, "quadratic equations", 6)
	for _, r := range results {
		if r.ID == "b" {
			t.Fatalf("zero-scoring chunk should be dropped: %+v", results)
		}
	}
}

func TestRankSubstringBonus(t *testing.T) {
	chunks := []Chunk{
		{ID: "a", Text: "Rubric mentions citation style and formatting"},
		{ID: "b", Text: "Citation requirements: follow the citation style guide exactly"},
	}
	results := Rank(chunks, "citation style", 6)
	if len(results) < 2 {
		t.Fatalf("expected both chunks scored, got %+v", results)
	}
	// Both contain the raw query as a substring; b repeats the terms so it
	// should rank at least as high through term frequency.
	if results[0].Score <= 0 {
		t.Fatalf("expected positive scores, got %+v", results)
	}
}

func TestRankTopKAndTieBreak(t *testing.T) {
	var chunks []Chunk
	for _, id := range []string{"c", "a", "b"} {
		chunks = append(chunks, Chunk{ID: id, Text: "matching words here"})
	}
	results := Rank(chunks, "matching words", 2)
	if len(results) != 2 {
		t.Fatalf("expected topK=2, got %d", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Fatalf("equal scores should tie-break on chunk id: %+v", results)
	}
}

func TestChunkTextSplitsParagraphs(t *testing.T) {
	text := "First paragraph.\n\nSecond paragraph.\n\n\nThird."
	chunks := ChunkText(SourceGuide, text)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "First paragraph." || chunks[2].Text != "Third." {
		t.Fatalf("unexpected chunk texts: %+v", chunks)
	}
	if chunks[0].Source != SourceGuide {
		t.Fatalf("expected guide source, got %q", chunks[0].Source)
	}
}

func TestChunkTextOverlapsLongParagraphs(t *testing.T) {
	long := strings.Repeat("abcdefghij", 150) // 1500 chars, no blank lines
	chunks := ChunkText(SourceGuide, long)
	if len(chunks) < 2 {
		t.Fatalf("expected oversized paragraph to split, got %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Text) > 700 {
			t.Fatalf("chunk exceeds max length: %d", len(c.Text))
		}
	}
	// Consecutive slices share an 80-char overlap so boundary-spanning
	// content appears intact in at least one chunk.
	first, second := chunks[0].Text, chunks[1].Text
	if !strings.HasPrefix(second, first[len(first)-80:]) {
		t.Fatal("expected 80-char overlap between consecutive slices")
	}
}

func TestBuildCorpusTagsSources(t *testing.T) {
	payload := model.AssignmentPayload{
		Title:    "Essay 2",
		CourseID: "ENGL 101",
		DueDate:  "2026-03-03",
		Rubric:   []model.RubricCriterion{{Description: "Thesis"}, {Description: "Evidence"}},
	}
	corpus := BuildCorpus("# Guide\n\nBody text here.", payload)

	var guides, payloads int
	for _, c := range corpus {
		switch c.Source {
		case SourceGuide:
			guides++
		case SourcePayload:
			payloads++
		}
	}
	if guides == 0 || payloads == 0 {
		t.Fatalf("expected chunks from both corpora: %+v", corpus)
	}
}

func TestPayloadTextFields(t *testing.T) {
	p := model.AssignmentPayload{
		Title:          "Lab Report 3",
		CourseID:       "CHEM 210",
		AssignmentID:   "a-42",
		DueDate:        "2026-04-10",
		Timezone:       "America/Chicago",
		Description:    "Write up the titration lab.",
		PointsPossible: 50,
		Rubric:         []model.RubricCriterion{{Description: "Accuracy"}},
	}
	text := PayloadText(p)
	for _, want := range []string{"Lab Report 3", "CHEM 210", "a-42", "2026-04-10", "America/Chicago", "titration", "50", "Rubric criteria: 1"} {
		if !strings.Contains(text, want) {
			t.Errorf("payload text missing %q:\n%s", want, text)
		}
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("The due-date IS March 3rd, okay?")
	want := []string{"due", "date", "march", "3rd", "okay"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestFormatContext(t *testing.T) {
	out := FormatContext([]ScoredChunk{
		{Chunk: Chunk{ID: "g:0", Source: SourceGuide, Text: "Key dates"}, Score: 1.5},
	})
	if !strings.Contains(out, "guide_markdown") || !strings.Contains(out, "Key dates") {
		t.Fatalf("unexpected context: %q", out)
	}
	if FormatContext(nil) != "" {
		t.Fatal("expected empty context for no chunks")
	}
}
