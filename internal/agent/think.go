package agent

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// splitThink separates <think>...</think> segments from the visible text of
// a model response. Some backends interleave reasoning into the content
// stream with these tags instead of a dedicated channel. An unterminated
// open tag swallows the rest of the text as reasoning.
func splitThink(text string) (visible string, thoughts []string) {
	var out strings.Builder
	for {
		start := strings.Index(text, thinkOpen)
		if start < 0 {
			out.WriteString(text)
			break
		}
		out.WriteString(text[:start])
		rest := text[start+len(thinkOpen):]

		end := strings.Index(rest, thinkClose)
		if end < 0 {
			if t := strings.TrimSpace(rest); t != "" {
				thoughts = append(thoughts, t)
			}
			break
		}
		if t := strings.TrimSpace(rest[:end]); t != "" {
			thoughts = append(thoughts, t)
		}
		text = rest[end+len(thinkClose):]
	}
	return strings.TrimSpace(out.String()), thoughts
}
