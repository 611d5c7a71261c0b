package main

import "strings"

// maxChunkLength is the platform's message size ceiling.
const maxChunkLength = 2000

// splitMessage breaks long text into sendable chunks, markdown-aware: a
// chunk never ends inside a code fence, and breaks prefer paragraph over
// line over word boundaries when one exists in the last 70% of the chunk.
func splitMessage(text string, maxLength int) []string {
	if len(text) <= maxLength {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxLength {
			if final := strings.TrimSpace(remaining); final != "" {
				chunks = append(chunks, final)
			}
			break
		}

		breakAt := maxLength
		segment := remaining[:breakAt]

		if insideCodeFence(segment) {
			breakAt = fenceAwareBreak(remaining, segment, maxLength)
		} else {
			breakAt = naturalBreak(segment, maxLength)
		}

		if chunk := strings.TrimSpace(remaining[:breakAt]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimSpace(remaining[breakAt:])
	}
	return chunks
}

func insideCodeFence(segment string) bool {
	return strings.Count(segment, "```")%2 != 0
}

// fenceAwareBreak moves the break out of an open code fence: before the
// fence when that keeps a reasonable chunk, otherwise past the fence's
// close when it fits.
func fenceAwareBreak(remaining, segment string, maxLength int) int {
	lastFence := strings.LastIndex(segment, "```")
	lineBefore := strings.LastIndex(segment[:lastFence], "\n")
	if lineBefore > maxLength/5 {
		return lineBefore
	}
	if fenceEnd := strings.Index(remaining[lastFence+3:], "```"); fenceEnd != -1 {
		end := lastFence + 3 + fenceEnd + 3
		if nl := strings.Index(remaining[end:], "\n"); nl != -1 {
			end += nl + 1
		}
		if end <= maxLength {
			return end
		}
	}
	return maxLength
}

func naturalBreak(segment string, maxLength int) int {
	threshold := maxLength * 3 / 10
	if para := strings.LastIndex(segment, "\n\n"); para > threshold {
		return para + 1
	}
	if nl := strings.LastIndex(segment, "\n"); nl > threshold {
		return nl
	}
	if space := strings.LastIndex(segment, " "); space > threshold {
		return space
	}
	return maxLength
}
