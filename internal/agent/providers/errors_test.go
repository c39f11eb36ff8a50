package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"rate limit", errors.New("429 too many requests"), KindTransient},
		{"overloaded", errors.New("overloaded_error: overloaded"), KindTransient},
		{"timeout", errors.New("context deadline exceeded while dialing"), KindTransient},
		{"connection refused", errors.New("dial tcp: connection refused"), KindTransient},
		{"server error", errors.New("502 bad gateway"), KindTransient},
		{"auth", errors.New("invalid api key provided"), KindAuth},
		{"forbidden", errors.New("403 forbidden"), KindAuth},
		{"content filter", errors.New("flagged by content policy"), KindContentFilter},
		{"missing model", errors.New(`model "llama3" not found, try pulling it first`), KindModelUnavailable},
		{"cancelled", context.Canceled, KindCancelled},
		{"unknown", errors.New("something odd"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{400, KindInvalidRequest},
		{404, KindModelUnavailable},
		{429, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
	}
	for _, tt := range tests {
		e := NewError("openai", "gpt-4o", errors.New("x")).WithStatus(tt.status)
		if e.Kind != tt.want {
			t.Errorf("status %d classified as %s, want %s", tt.status, e.Kind, tt.want)
		}
	}
}

func TestRetryableOnlyForTransient(t *testing.T) {
	if !Retryable(&Error{Kind: KindTransient}) {
		t.Error("transient must be retryable")
	}
	for _, kind := range []ErrorKind{KindAuth, KindInvalidRequest, KindModelUnavailable, KindContentFilter, KindProtocol, KindCancelled} {
		if Retryable(&Error{Kind: kind}) {
			t.Errorf("%s must not be retryable", kind)
		}
	}
	if Retryable(context.Canceled) {
		t.Error("context.Canceled must not be retryable")
	}
}

func TestRetryHint(t *testing.T) {
	e := NewError("anthropic", "m", errors.New("429")).WithRetryAfter(3 * time.Second)
	if got := RetryHint(e); got != 3*time.Second {
		t.Errorf("RetryHint = %v, want 3s", got)
	}
	if got := RetryHint(errors.New("plain")); got != 0 {
		t.Errorf("RetryHint for plain error = %v, want 0", got)
	}
}

func TestErrorRemediation(t *testing.T) {
	e := &Error{Kind: KindModelUnavailable, Provider: "ollama", Model: "llama3.2"}
	if got := e.Remediation(); got != "run `ollama pull llama3.2` to fetch the model" {
		t.Errorf("Remediation = %q", got)
	}
	if (&Error{Kind: KindTransient}).Remediation() != "" {
		t.Error("transient errors carry no remediation")
	}
}

func TestErrorStringIncludesContext(t *testing.T) {
	e := NewError("openai", "gpt-4o", errors.New("boom")).WithStatus(500).WithCode("server_error")
	s := e.Error()
	for _, part := range []string{"[transient]", "openai", "model=gpt-4o", "status=500", "code=server_error"} {
		if !strings.Contains(s, part) {
			t.Errorf("error string %q missing %q", s, part)
		}
	}
}
