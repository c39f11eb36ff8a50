package providers

import (
	"strings"
	"time"
)

// Collect drains a stream into its final Response. Used to implement the
// non-streaming call path on top of streaming so both paths produce
// identical content.
func Collect(chunks <-chan *Chunk) (*Response, error) {
	start := time.Now()
	var (
		content  strings.Builder
		thinking strings.Builder
		final    *Response
	)
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		content.WriteString(chunk.Text)
		thinking.WriteString(chunk.Thinking)
		if chunk.Response != nil {
			final = chunk.Response
		}
	}
	if final == nil {
		// Stream closed without a terminal chunk. Treat as a malformed
		// backend response rather than fabricating a stop reason.
		return nil, &Error{Kind: KindProtocol, Message: "stream ended without completion"}
	}
	// The terminal Response already carries assembled content from the
	// adapter; the builders are a cross-check in case an adapter only
	// streamed deltas.
	if final.Content == "" {
		final.Content = content.String()
	}
	if final.Thinking == "" {
		final.Thinking = thinking.String()
	}
	if final.Duration == 0 {
		final.Duration = time.Since(start)
	}
	return final, nil
}
