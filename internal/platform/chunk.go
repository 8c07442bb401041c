package platform

import "strings"

// ChunkText splits text into pieces of at most max runes, preferring breaks
// at paragraph, then sentence, then word boundaries. The split never loses
// content; a boundary-free run is cut mid-word.
func ChunkText(text string, max int) []string {
	if max <= 0 || len([]rune(text)) <= max {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len([]rune(rest)) > max {
		window := string([]rune(rest)[:max])
		cut := chunkBreak(window)
		chunks = append(chunks, strings.TrimRight(window[:cut], "\n "))
		rest = strings.TrimLeft(rest[cut:], "\n ")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// chunkBreak returns the byte offset of the best break point inside window.
func chunkBreak(window string) int {
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i
	}
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.LastIndex(window, sep); i > 0 {
			return i + len(sep)
		}
	}
	if i := strings.LastIndex(window, " "); i > 0 {
		return i
	}
	return len(window)
}
