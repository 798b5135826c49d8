// Package chunker splits outbound agent replies into Telegram-sized chunks,
// preferring to split at natural text boundaries rather than mid-word.
package chunker

import "strings"

// DefaultMaxLen is Telegram's per-message character limit.
const DefaultMaxLen = 4096

// splitSearchFraction bounds how far back from maxLen the chunker will
// look for a newline or space to split on, so a single stray newline near
// the very start of a chunk doesn't produce a tiny fragment.
const splitSearchFraction = 0.4

// emptyPlaceholder is substituted for a blank reply so Telegram always
// receives a non-empty message.
const emptyPlaceholder = "(empty response)"

// Chunk is one piece of a split message, with both its rendered (markdown)
// and plain-text fallback form for when the server rejects the parse mode.
type Chunk struct {
	Text         string
	FallbackText string
}

// Split divides text into chunks no longer than maxLen (DefaultMaxLen if
// maxLen <= 0), splitting at the latest newline within
// [0.4*maxLen, maxLen], else the latest space in that range, else a hard
// cut at maxLen. An empty or all-whitespace input yields a single
// placeholder chunk.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []string{emptyPlaceholder}
	}

	var chunks []string
	remaining := trimmed
	for len(remaining) > maxLen {
		cut := findSplitPoint(remaining, maxLen)
		chunk := strings.TrimSpace(remaining[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimSpace(remaining[cut:])
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	if len(chunks) == 0 {
		return []string{emptyPlaceholder}
	}
	return chunks
}

// findSplitPoint returns the index at which to cut s (len(s) > maxLen).
func findSplitPoint(s string, maxLen int) int {
	lo := int(float64(maxLen) * splitSearchFraction)
	if lo < 0 {
		lo = 0
	}
	window := s[:maxLen]

	if idx := strings.LastIndexByte(window[lo:], '\n'); idx >= 0 {
		return lo + idx + 1
	}
	if idx := strings.LastIndexByte(window[lo:], ' '); idx >= 0 {
		return lo + idx + 1
	}
	return maxLen
}

// SplitWithFallback renders Split's chunks paired with an identical
// plain-text fallback. Callers producing real markdown (e.g. bold/code
// spans) should instead build Chunk.FallbackText from the unrendered
// source text split at the same boundaries.
func SplitWithFallback(text string, maxLen int) []Chunk {
	parts := Split(text, maxLen)
	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{Text: p, FallbackText: p}
	}
	return chunks
}
