package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// Memory is an in-memory Store used by tests and ephemeral sessions. It
// honors the same invariants as the sqlite implementation.
type Memory struct {
	mu       sync.RWMutex
	nextSeq  int64
	events   map[string][]models.ThreadEvent
	eventIDs map[string]map[string]struct{}
	threads  map[string]models.Thread
	sessions map[string]models.Session
	projects map[string]models.Project
	notify   *notifier
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		events:   make(map[string][]models.ThreadEvent),
		eventIDs: make(map[string]map[string]struct{}),
		threads:  make(map[string]models.Thread),
		sessions: make(map[string]models.Session),
		projects: make(map[string]models.Project),
		notify:   newNotifier(logger),
	}
}

// AppendEvent implements Store.
func (m *Memory) AppendEvent(_ context.Context, ev models.ThreadEvent) (models.ThreadEvent, error) {
	m.mu.Lock()
	ids := m.eventIDs[ev.ThreadID]
	if ids == nil {
		ids = make(map[string]struct{})
		m.eventIDs[ev.ThreadID] = ids
	}
	if _, dup := ids[ev.ID]; dup {
		m.mu.Unlock()
		return models.ThreadEvent{}, &InvariantError{EventID: ev.ID, Reason: "duplicate event id in thread"}
	}
	if tail := m.events[ev.ThreadID]; len(tail) > 0 && ev.Timestamp.Before(tail[len(tail)-1].Timestamp) {
		m.mu.Unlock()
		return models.ThreadEvent{}, &InvariantError{EventID: ev.ID, Reason: "timestamp earlier than thread tail"}
	}
	m.nextSeq++
	ev.Seq = m.nextSeq
	m.events[ev.ThreadID] = append(m.events[ev.ThreadID], ev)
	ids[ev.ID] = struct{}{}
	m.mu.Unlock()

	m.notify.publish(ev)
	return ev, nil
}

// ListEvents implements Store.
func (m *Memory) ListEvents(_ context.Context, threadID string, sinceSeq int64) ([]models.ThreadEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[threadID]
	out := make([]models.ThreadEvent, 0, len(events))
	for _, ev := range events {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(threadID string, h Handler) (cancel func()) {
	return m.notify.subscribe(threadID, h)
}

// CreateThread implements Store.
func (m *Memory) CreateThread(_ context.Context, th models.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[th.ThreadID]; ok {
		return fmt.Errorf("thread %s: %w", th.ThreadID, ErrAlreadyExists)
	}
	if th.CreatedAt.IsZero() {
		th.CreatedAt = time.Now().UTC()
	}
	m.threads[th.ThreadID] = th
	return nil
}

// GetThread implements Store.
func (m *Memory) GetThread(_ context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	th, ok := m.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return &th, nil
}

// ListThreads implements Store.
func (m *Memory) ListThreads(_ context.Context, rootID string) ([]models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Thread
	for id, th := range m.threads {
		if rootID == "" || id == rootID || hasThreadPrefix(id, rootID) {
			out = append(out, th)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out, nil
}

func hasThreadPrefix(id, rootID string) bool {
	return len(id) > len(rootID)+1 && id[:len(rootID)+1] == rootID+"."
}

// CreateSession implements Store.
func (m *Memory) CreateSession(_ context.Context, s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrAlreadyExists)
	}
	m.sessions[s.ID] = s
	return nil
}

// GetSession implements Store.
func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return &s, nil
}

// UpdateSession implements Store.
func (m *Memory) UpdateSession(_ context.Context, s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrNotFound)
	}
	s.UpdatedAt = time.Now().UTC()
	m.sessions[s.ID] = s
	return nil
}

// ListSessions implements Store.
func (m *Memory) ListSessions(_ context.Context, projectID string) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Session
	for _, s := range m.sessions {
		if projectID == "" || s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreateProject implements Store.
func (m *Memory) CreateProject(_ context.Context, p models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; ok {
		return fmt.Errorf("project %s: %w", p.ID, ErrAlreadyExists)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.projects[p.ID] = p
	return nil
}

// GetProject implements Store.
func (m *Memory) GetProject(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.notify.close()
	return nil
}
