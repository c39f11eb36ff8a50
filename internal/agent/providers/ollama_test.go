package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

func TestOllamaStreamsTextAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":2}`)
	}))
	defer srv.Close()

	p := NewOllama(Config{BaseURL: srv.URL, Model: "llama3.2"})
	chunks, err := p.CreateStreamingResponse(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text string
	var final *Response
	for c := range chunks {
		if c.Err != nil {
			t.Fatal(c.Err)
		}
		text += c.Text
		if c.Response != nil {
			final = c.Response
		}
	}
	if text != "Hello" {
		t.Errorf("streamed text = %q, want Hello", text)
	}
	if final == nil {
		t.Fatal("no terminal response")
	}
	if final.Content != "Hello" || final.StopReason != models.StopEndTurn {
		t.Errorf("final = %+v", final)
	}
	if final.Usage.PromptTokens != 12 || final.Usage.CompletionTokens != 2 || final.Usage.Estimated {
		t.Errorf("usage = %+v, want authoritative 12/2", final.Usage)
	}
}

func TestOllamaEmitsToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","tool_calls":[{"function":{"name":"bash","arguments":{"command":"ls"}}}]},"done":false}`)
		fmt.Fprintln(w, `{"done":true,"done_reason":"stop"}`)
	}))
	defer srv.Close()

	p := NewOllama(Config{BaseURL: srv.URL, Model: "llama3.2"})
	resp, err := p.CreateResponse(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "list files"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "bash" {
		t.Fatalf("tool calls = %+v, want one bash call", resp.ToolCalls)
	}
	if resp.StopReason != models.StopToolUse {
		t.Errorf("stop reason = %s, want tool_use", resp.StopReason)
	}
}

func TestOllamaHTTPErrorIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model \"missing\" not found, try pulling it first"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllama(Config{BaseURL: srv.URL, Model: "missing"})
	_, err := p.CreateStreamingResponse(context.Background(), &Request{})
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if pe.Kind != KindModelUnavailable {
		t.Errorf("kind = %s, want model_unavailable", pe.Kind)
	}
}

func TestOllamaInlineErrorEndsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"gpu exploded"}`)
	}))
	defer srv.Close()

	p := NewOllama(Config{BaseURL: srv.URL, Model: "llama3.2"})
	chunks, err := p.CreateStreamingResponse(context.Background(), &Request{})
	if err != nil {
		t.Fatal(err)
	}
	var streamErr error
	for c := range chunks {
		if c.Err != nil {
			streamErr = c.Err
		}
	}
	if streamErr == nil {
		t.Fatal("want stream error")
	}
}

// A cancelled turn stops reading the chunk channel. The producer must still
// exit (and close the response body) instead of blocking on its next send.
func TestOllamaCancelledStreamClosesWithoutConsumer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for {
			if _, err := fmt.Fprintln(w, `{"message":{"role":"assistant","content":"x"},"done":false}`); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewOllama(Config{BaseURL: srv.URL, Model: "llama3.2"})
	chunks, err := p.CreateStreamingResponse(ctx, &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Read one chunk, then cancel and stop reading, as a cancelled turn does.
	if c := <-chunks; c.Err != nil {
		t.Fatal(c.Err)
	}
	cancel()

	// With no consumer draining, the producer has to notice the cancellation
	// on its own. Give it time to park on a send, then expect a closed
	// channel rather than a buffered chunk.
	time.Sleep(200 * time.Millisecond)
	select {
	case c, ok := <-chunks:
		if ok {
			t.Fatalf("producer still sending after cancel: %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel never closed after cancel")
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"models":[{"name":"llama3.2:latest"},{"name":"qwen2.5-coder:7b"}]}`)
	}))
	defer srv.Close()

	p := NewOllama(Config{BaseURL: srv.URL})
	names, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "llama3.2:latest" {
		t.Errorf("models = %v", names)
	}
}
