// Package threads is a thin index over the event store: it understands the
// thread hierarchy, allocates delegate and shadow ids, and splices compacted
// threads into a single effective event list.
package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/pkg/models"
)

// maxCompactionDepth bounds shadow-thread chasing so a cyclic reference in a
// corrupted store cannot loop forever.
const maxCompactionDepth = 16

// Manager resolves thread ids to effective event lists and allocates child
// thread ids under a parent.
type Manager struct {
	store  store.Store
	logger *slog.Logger

	// allocMu serializes child id allocation so concurrent spawns under the
	// same parent get distinct, monotonically increasing suffixes.
	allocMu sync.Mutex
}

// NewManager wraps the given store.
func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, logger: logger}
}

// Store exposes the underlying event store.
func (m *Manager) Store() store.Store { return m.store }

// EffectiveEvents returns the thread's events with compaction applied: if
// the thread carries a COMPACTION marker, the shadow thread's events replace
// everything up to and including the marker, and events after it follow.
func (m *Manager) EffectiveEvents(ctx context.Context, threadID string) ([]models.ThreadEvent, error) {
	return m.effectiveEvents(ctx, threadID, 0)
}

func (m *Manager) effectiveEvents(ctx context.Context, threadID string, depth int) ([]models.ThreadEvent, error) {
	if depth > maxCompactionDepth {
		return nil, fmt.Errorf("thread %s: compaction chain exceeds depth %d", threadID, maxCompactionDepth)
	}
	events, err := m.store.ListEvents(ctx, threadID, 0)
	if err != nil {
		return nil, err
	}

	// The latest compaction wins; earlier markers are already folded into
	// the shadow it points at.
	markerIdx := -1
	var shadowID string
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != models.EventCompaction {
			continue
		}
		data, err := events[i].Compaction()
		if err != nil {
			return nil, err
		}
		markerIdx = i
		shadowID = data.ShadowThreadID
		break
	}
	if markerIdx < 0 {
		return events, nil
	}

	prefix, err := m.effectiveEvents(ctx, shadowID, depth+1)
	if err != nil {
		return nil, err
	}
	out := make([]models.ThreadEvent, 0, len(prefix)+len(events)-markerIdx-1)
	out = append(out, prefix...)
	out = append(out, events[markerIdx+1:]...)
	return out, nil
}

// MainAndDelegateEvents returns the root thread's effective events plus the
// events of every delegate thread under it, keyed by thread id. Shadow
// threads are excluded; their content surfaces through the splice.
func (m *Manager) MainAndDelegateEvents(ctx context.Context, rootID string) (map[string][]models.ThreadEvent, error) {
	threads, err := m.store.ListThreads(ctx, rootID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]models.ThreadEvent, len(threads)+1)

	rootEvents, err := m.EffectiveEvents(ctx, rootID)
	if err != nil {
		return nil, err
	}
	out[rootID] = rootEvents

	for _, th := range threads {
		if th.ThreadID == rootID || models.IsShadowThreadID(th.ThreadID) {
			continue
		}
		events, err := m.EffectiveEvents(ctx, th.ThreadID)
		if err != nil {
			return nil, err
		}
		out[th.ThreadID] = events
	}
	return out, nil
}

// AllocateDelegate creates the next delegate thread under parent and returns
// its id. Allocation is monotonic even under concurrent spawns.
func (m *Manager) AllocateDelegate(ctx context.Context, parentID string, meta models.ThreadMetadata) (string, error) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	next, err := m.nextSuffix(ctx, parentID, func(id string) (int, bool) {
		return models.DelegateSuffix(parentID, id)
	})
	if err != nil {
		return "", err
	}
	id := models.ChildThreadID(parentID, next)
	err = m.store.CreateThread(ctx, models.Thread{
		ThreadID:  id,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
		Metadata:  meta,
	})
	if err != nil {
		return "", err
	}
	m.logger.Debug("threads: allocated delegate", "parent", parentID, "thread_id", id)
	return id, nil
}

// AllocateShadow creates a shadow thread for compaction under parent.
func (m *Manager) AllocateShadow(ctx context.Context, parentID string) (string, error) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	next, err := m.nextSuffix(ctx, parentID, func(id string) (int, bool) {
		return models.ShadowSuffix(parentID, id)
	})
	if err != nil {
		return "", err
	}
	id := models.ShadowThreadID(parentID, next)
	err = m.store.CreateThread(ctx, models.Thread{
		ThreadID:  id,
		ParentID:  parentID,
		CreatedAt: time.Now().UTC(),
		IsShadow:  true,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// nextSuffix scans existing children of parent and returns one past the
// highest suffix the extractor recognizes.
func (m *Manager) nextSuffix(ctx context.Context, parentID string, extract func(id string) (int, bool)) (int, error) {
	threads, err := m.store.ListThreads(ctx, parentID)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, th := range threads {
		if n, ok := extract(th.ThreadID); ok && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// EnsureThread creates the thread record if it does not already exist.
func (m *Manager) EnsureThread(ctx context.Context, th models.Thread) error {
	err := m.store.CreateThread(ctx, th)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	return err
}
