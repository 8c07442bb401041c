package platform

import (
	"strings"
	"testing"
)

func TestChunkTextShort(t *testing.T) {
	chunks := ChunkText("hello", 4096)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestChunkTextParagraphBreak(t *testing.T) {
	text := strings.Repeat("a", 50) + "\n\n" + strings.Repeat("b", 50)
	chunks := ChunkText(text, 60)
	if len(chunks) != 2 {
		t.Fatalf("len = %d: %v", len(chunks), chunks)
	}
	if chunks[0] != strings.Repeat("a", 50) {
		t.Errorf("first chunk = %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("b", 50) {
		t.Errorf("second chunk = %q", chunks[1])
	}
}

func TestChunkTextSentenceBreak(t *testing.T) {
	text := "First sentence here. Second sentence follows. Third one ends it."
	chunks := ChunkText(text, 30)
	for _, c := range chunks {
		if len([]rune(c)) > 30 {
			t.Errorf("chunk exceeds max: %q", c)
		}
	}
	joined := strings.Join(chunks, " ")
	for _, word := range strings.Fields(text) {
		if !strings.Contains(joined, strings.TrimRight(word, ".")) {
			t.Errorf("lost word %q", word)
		}
	}
}

func TestChunkTextNoBoundary(t *testing.T) {
	text := strings.Repeat("x", 100)
	chunks := ChunkText(text, 40)
	if len(chunks) != 3 {
		t.Fatalf("len = %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if n := len([]rune(c)); n > 40 {
			t.Errorf("chunk len %d > 40", n)
		} else {
			total += n
		}
	}
	if total != 100 {
		t.Errorf("lost content: total %d", total)
	}
}
