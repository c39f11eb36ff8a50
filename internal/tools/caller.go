package tools

import "context"

type callerKey struct{}

// WithCaller records the thread id of the agent invoking a tool. Tools that
// spawn work under the caller (delegation) read it back with CallerThread.
func WithCaller(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, callerKey{}, threadID)
}

// CallerThread returns the invoking agent's thread id, or "".
func CallerThread(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}
