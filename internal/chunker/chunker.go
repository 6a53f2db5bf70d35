// Package chunker splits long replies into provider-size-limited segments.
package chunker

import (
	"regexp"
	"strings"
)

// sentenceBoundary splits after terminal punctuation followed by whitespace,
// keeping the punctuation with the preceding sentence.
var sentenceBoundary = regexp.MustCompile(`(?s)(.*?[.!?])\s+`)

// Split breaks text into ordered chunks no longer than maxLen, preferring
// sentence boundaries. Text that already fits is returned as a single chunk.
// A single sentence longer than maxLen becomes its own oversized chunk; the
// split never cuts mid-sentence.
func Split(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return []string{text}
	}

	sentences := splitSentences(text)
	var result []string
	var current strings.Builder

	for _, sentence := range sentences {
		if current.Len() > 0 && current.Len()+1+len(sentence) > maxLen {
			result = append(result, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// splitSentences cuts text after `.`, `!` or `?` followed by whitespace.
func splitSentences(text string) []string {
	var sentences []string
	rest := text
	for {
		loc := sentenceBoundary.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		sentences = append(sentences, strings.TrimSpace(rest[loc[2]:loc[3]]))
		rest = rest[loc[1]:]
	}
	if trimmed := strings.TrimSpace(rest); trimmed != "" {
		sentences = append(sentences, trimmed)
	}
	return sentences
}
