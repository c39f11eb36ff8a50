package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/loom/pkg/models"
)

// Streaming and non-streaming paths must assemble identical content for
// the same chunk sequence.
func TestStreamingEquivalence(t *testing.T) {
	script := []*Chunk{
		{Text: "The answer "},
		{Text: "is 42."},
		{Response: &Response{Content: "The answer is 42.", StopReason: models.StopEndTurn}},
	}
	fake := &scripted{attempts: [][]*Chunk{script, script}}

	chunks, err := fake.CreateStreamingResponse(context.Background(), &Request{})
	if err != nil {
		t.Fatal(err)
	}
	var streamed string
	for c := range chunks {
		streamed += c.Text
	}

	resp, err := fake.CreateResponse(context.Background(), &Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != streamed {
		t.Errorf("non-streaming content %q != streamed content %q", resp.Content, streamed)
	}
}

func TestCollectFillsContentFromDeltas(t *testing.T) {
	fake := &scripted{attempts: [][]*Chunk{{
		{Text: "a"},
		{Text: "b"},
		{Response: &Response{StopReason: models.StopEndTurn}},
	}}}
	resp, err := fake.CreateResponse(context.Background(), &Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ab" {
		t.Errorf("content = %q, want ab", resp.Content)
	}
}

func TestCollectWithoutTerminalIsProtocolError(t *testing.T) {
	fake := &scripted{attempts: [][]*Chunk{{
		{Text: "partial"},
	}}}
	_, err := fake.CreateResponse(context.Background(), &Request{})
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindProtocol {
		t.Fatalf("err = %v, want protocol error", err)
	}
}
