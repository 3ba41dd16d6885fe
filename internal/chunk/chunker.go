// Package chunk splits long memory content into overlapping word windows.
package chunk

import "unicode"

// WindowSize is the target chunk size in words.
const WindowSize = 400

// Stride is the number of words a window advances before the next one
// starts, producing an 80-word overlap between adjacent chunks.
const Stride = 320

// span records a token's byte range in the original text.
type span struct {
	start, end int
}

// Split divides text into one or more overlapping chunks. Text with at most
// WindowSize words is returned as a single chunk. Whitespace inside each
// window is preserved exactly as it appears in the source text, since each
// chunk is a direct substring of text rather than a re-joined token list.
func Split(text string) []string {
	words := splitWords(text)
	if len(words) <= WindowSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for {
		end := start + WindowSize
		if end >= len(words) {
			// Final window: extend backward so it still spans WindowSize
			// words (or the whole text if shorter than that).
			end = len(words)
			start = end - WindowSize
			if start < 0 {
				start = 0
			}
			chunks = append(chunks, text[words[start].start:words[end-1].end])
			break
		}
		chunks = append(chunks, text[words[start].start:words[end-1].end])
		start += Stride
	}
	return chunks
}

// splitWords tokenizes text by Unicode whitespace, recording each word's
// byte span so callers can slice the original text verbatim.
func splitWords(text string) []span {
	var words []span
	inWord := false
	wordStart := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				words = append(words, span{wordStart, i})
				inWord = false
			}
			continue
		}
		if !inWord {
			wordStart = i
			inWord = true
		}
	}
	if inWord {
		words = append(words, span{wordStart, len(text)})
	}
	return words
}
