package retrieval

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize is the chunk length used when none is configured.
const DefaultChunkSize = 1000

// Chunk is one indexed slice of a document.
type Chunk struct {
	Position int
	Text     string
}

// ChunkText splits text into paragraphs and packs them into chunks of at
// most maxLen bytes. Paragraphs longer than maxLen are cut on rune
// boundaries. Blank lines are dropped.
func ChunkText(text string, maxLen int) []Chunk {
	if maxLen <= 0 {
		maxLen = DefaultChunkSize
	}

	var chunks []Chunk
	var buf strings.Builder
	flush := func() {
		if buf.Len() > 0 {
			chunks = append(chunks, Chunk{Position: len(chunks), Text: buf.String()})
			buf.Reset()
		}
	}

	for _, p := range strings.Split(text, "\n") {
		p = strings.Join(strings.Fields(p), " ")
		if p == "" {
			continue
		}
		for len(p) > maxLen {
			flush()
			cut := maxLen
			for cut > 0 && !utf8.RuneStart(p[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
			buf.WriteString(p[:cut])
			flush()
			p = p[cut:]
		}
		if buf.Len()+len(p)+1 > maxLen && buf.Len() > 0 {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(p)
	}
	flush()
	return chunks
}
