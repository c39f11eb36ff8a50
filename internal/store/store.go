// Package store provides durable, append-only persistence for thread events
// plus thread, session, and project records, with a publish/subscribe surface
// for change notifications.
//
// The event log is the source of truth: appends are atomic and serialized,
// reads are concurrent, and nothing is ever mutated or reordered after
// insertion. Subscribers receive notifications on a bounded dispatch queue;
// overflow drops the oldest pending notifications (consumers resync by
// re-reading the log), never events from the log itself.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/loom/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")
)

// InvariantError reports an append that would corrupt the event log. These
// indicate a bug in the caller and are never retried.
type InvariantError struct {
	EventID string
	Reason  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("store: invariant violation for event %s: %s", e.EventID, e.Reason)
}

// StorageError wraps a failure of the underlying storage engine.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// Handler receives appended events for a subscribed thread. Handlers must not
// block: they run on a per-subscriber dispatch goroutine with a bounded queue.
type Handler func(ev models.ThreadEvent)

// Store is the persistence interface shared by the sqlite and in-memory
// implementations.
type Store interface {
	// AppendEvent writes the event atomically, assigns its store-wide
	// sequence number, and notifies subscribers of the thread. It fails with
	// *InvariantError when the event would break log invariants (duplicate id
	// in the thread, timestamp earlier than the thread's last event) and with
	// *StorageError on engine failure.
	AppendEvent(ctx context.Context, ev models.ThreadEvent) (models.ThreadEvent, error)

	// ListEvents returns the thread's events in insertion order. When
	// sinceSeq is positive only events with Seq > sinceSeq are returned.
	ListEvents(ctx context.Context, threadID string, sinceSeq int64) ([]models.ThreadEvent, error)

	// Subscribe registers a handler for every event subsequently appended to
	// the thread, delivered in insertion order. The returned function cancels
	// the subscription.
	Subscribe(threadID string, h Handler) (cancel func())

	CreateThread(ctx context.Context, th models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)

	// ListThreads returns every thread whose id equals rootID or is prefixed
	// by rootID followed by a separator. An empty rootID lists all threads.
	ListThreads(ctx context.Context, rootID string) ([]models.Thread, error)

	CreateSession(ctx context.Context, s models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s models.Session) error
	ListSessions(ctx context.Context, projectID string) ([]models.Session, error)

	CreateProject(ctx context.Context, p models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)

	Close() error
}
