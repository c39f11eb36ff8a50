// Package session owns the aggregate: one session record, its coordinator
// agent (thread id equal to the session id), any delegate agents, a shared
// tool executor, and a task board.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/agent/compaction"
	"github.com/haasonsaas/loom/internal/agent/providers"
	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/internal/threads"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

var (
	// ErrAgentNotFound means sendMessage named an agent the session does
	// not own.
	ErrAgentNotFound = errors.New("session: agent not found")

	// ErrAgentStopped means the agent exists but has been stopped.
	ErrAgentStopped = errors.New("session: agent is stopped")
)

// Manager constructs and reopens sessions.
type Manager struct {
	store    store.Store
	threads  *threads.Manager
	registry *registry.Registry
	runtime  *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// SetObservability installs the metrics and tracer used by sessions created
// or opened afterwards. Both are optional.
func (m *Manager) SetObservability(metrics *observability.Metrics, tracer *observability.Tracer) {
	m.metrics = metrics
	m.tracer = tracer
}

// NewManager wires a session manager over the store and provider registry.
func NewManager(st store.Store, reg *registry.Registry, runtime *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if runtime == nil {
		runtime = config.Default()
	}
	return &Manager{
		store:    st,
		threads:  threads.NewManager(st, logger),
		registry: reg,
		runtime:  runtime,
		logger:   logger,
	}
}

// Create persists a new session, allocates its coordinator thread, and
// returns a live handle. Empty instance or model ids fall back to the
// runtime defaults.
func (m *Manager) Create(ctx context.Context, name, instanceID, modelID, projectID string) (*Session, error) {
	if instanceID == "" {
		instanceID = m.runtime.DefaultProviderInstance
	}
	if modelID == "" {
		modelID = m.runtime.DefaultModel
	}
	provider, resolvedModel, err := m.registry.CreateProvider(instanceID, modelID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := models.Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Configuration: models.SessionConfiguration{
			ProviderInstanceID: instanceID,
			ModelID:            resolvedModel,
			SystemPrompt:       m.runtime.SystemPrompt,
			MaxDelegateDepth:   m.runtime.MaxDelegateDepth,
			ParallelTools:      m.runtime.ParallelTools,
		},
		Status:    models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateSession(ctx, record); err != nil {
		return nil, err
	}
	if err := m.threads.EnsureThread(ctx, models.Thread{
		ThreadID:  record.ID,
		CreatedAt: now,
		Metadata: models.ThreadMetadata{
			DisplayName:        name,
			ProviderInstanceID: instanceID,
			ModelID:            resolvedModel,
			IsSession:          true,
			IsAgent:            true,
		},
	}); err != nil {
		return nil, err
	}
	return m.assemble(record, provider), nil
}

// Open rehydrates a persisted session. The event log carries everything the
// agents need; only the provider handle is rebuilt.
func (m *Manager) Open(ctx context.Context, sessionID string) (*Session, error) {
	record, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	provider, _, err := m.registry.CreateProvider(
		record.Configuration.ProviderInstanceID, record.Configuration.ModelID)
	if err != nil {
		return nil, err
	}
	return m.assemble(*record, provider), nil
}

// List returns persisted session records, optionally filtered by project.
func (m *Manager) List(ctx context.Context, projectID string) ([]models.Session, error) {
	return m.store.ListSessions(ctx, projectID)
}

func (m *Manager) assemble(record models.Session, provider providers.Provider) *Session {
	s := &Session{
		record:   record,
		provider: provider,
		threads:  m.threads,
		store:    m.store,
		logger:   m.logger.With("session_id", record.ID),
		agents:   make(map[string]*agent.Agent),
		stopped:  make(map[string]bool),
		tasks:    NewTaskBoard(),
		metrics:  m.metrics,
		tracer:   m.tracer,
	}

	s.executor = tools.NewExecutor(m.runtime.Approval, s.logger)
	if m.metrics != nil {
		s.executor.SetObserver(m.metrics)
	}
	s.executor.Register(&tools.Bash{Workspace: m.runtime.Workspace})
	s.executor.Register(&tools.ReadFile{Workspace: m.runtime.Workspace})
	s.executor.Register(&tools.WriteFile{Workspace: m.runtime.Workspace})
	s.executor.Register(&tools.ListFiles{Workspace: m.runtime.Workspace})
	registerTaskTools(s.executor, s.tasks)
	s.executor.Register(&delegateTool{session: s})

	s.compactor = compaction.New(m.threads, provider, record.Configuration.ModelID, s.logger)
	return s
}

// Session is a live aggregate: coordinator agent, delegates, shared
// executor, task board.
type Session struct {
	record    models.Session
	provider  providers.Provider
	executor  *tools.Executor
	compactor agent.Compactor
	threads   *threads.Manager
	store     store.Store
	tasks     *TaskBoard
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	mu       sync.Mutex
	agents   map[string]*agent.Agent
	stopped  map[string]bool
	approver tools.Approver
	listener agent.Listener
}

// ID returns the session id, which is also the coordinator's thread id.
func (s *Session) ID() string { return s.record.ID }

// Record returns the persisted session record.
func (s *Session) Record() models.Session { return s.record }

// Tasks returns the shared task board.
func (s *Session) Tasks() *TaskBoard { return s.tasks }

// SetApprover attaches the interactive approval capability consulted for
// require-approval tools. Without one, such tools are rejected.
func (s *Session) SetApprover(approver tools.Approver) {
	s.mu.Lock()
	s.approver = approver
	s.mu.Unlock()
}

// SetListener attaches UI callbacks applied to agents created afterwards.
func (s *Session) SetListener(l agent.Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Coordinator returns the session's root agent.
func (s *Session) Coordinator() *agent.Agent {
	a, _ := s.agentFor(s.record.ID)
	return a
}

// SpawnAgent allocates a delegate thread under the coordinator and returns
// the new agent's thread id.
func (s *Session) SpawnAgent(ctx context.Context, name string) (string, error) {
	return s.spawnUnder(ctx, s.record.ID, name)
}

func (s *Session) spawnUnder(ctx context.Context, parentID, name string) (string, error) {
	childID, err := s.threads.AllocateDelegate(ctx, parentID, models.ThreadMetadata{
		DisplayName:        name,
		ProviderInstanceID: s.record.Configuration.ProviderInstanceID,
		ModelID:            s.record.Configuration.ModelID,
		IsAgent:            true,
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("agent spawned", "thread_id", childID, "name", name)
	return childID, nil
}

// agentFor returns the agent for a thread id the session owns, constructing
// it on first use.
func (s *Session) agentFor(threadID string) (*agent.Agent, bool) {
	if threadID != s.record.ID && !s.ownsThread(threadID) {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[threadID]; ok {
		return a, true
	}
	a := agent.New(agent.Config{
		ThreadID:      threadID,
		Model:         s.record.Configuration.ModelID,
		SystemPrompt:  s.record.Configuration.SystemPrompt,
		ParallelTools: s.record.Configuration.ParallelTools,
	}, agent.Deps{
		Provider:  s.provider,
		Threads:   s.threads,
		Executor:  s.executor,
		Approver:  s.approve,
		Compactor: s.compactor,
		Listener:  s.listener,
		Logger:    s.logger.With("thread_id", threadID),
	})
	s.agents[threadID] = a
	return a, true
}

// ownsThread reports whether threadID is the coordinator or a delegate
// under it.
func (s *Session) ownsThread(threadID string) bool {
	id := threadID
	for id != "" {
		if id == s.record.ID {
			return true
		}
		id = models.ParentThreadID(id)
	}
	return false
}

// approve forwards to the attached approver. It is installed on every
// agent so an approver attached later still takes effect.
func (s *Session) approve(ctx context.Context, call models.ToolCall) (bool, error) {
	s.mu.Lock()
	approver := s.approver
	s.mu.Unlock()
	if approver == nil {
		return false, errors.New("no interactive approver attached")
	}
	return approver(ctx, call)
}

// StartAgent clears a previous stop. Unknown agents fail with
// ErrAgentNotFound.
func (s *Session) StartAgent(ctx context.Context, threadID string) error {
	if err := s.checkAgent(ctx, threadID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.stopped, threadID)
	s.mu.Unlock()
	return nil
}

// checkAgent verifies the thread belongs to this session and exists.
func (s *Session) checkAgent(ctx context.Context, threadID string) error {
	if !s.ownsThread(threadID) {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, threadID)
	}
	if threadID == s.record.ID {
		return nil
	}
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, threadID)
	}
	return nil
}

// StopAgent cancels the agent's running turn, if any, and refuses further
// messages until StartAgent. Stopping twice is a no-op.
func (s *Session) StopAgent(threadID string) {
	s.mu.Lock()
	a := s.agents[threadID]
	s.stopped[threadID] = true
	s.mu.Unlock()
	if a != nil {
		a.Cancel()
	}
}

// SendMessage routes a user message to the named agent and runs its turn.
// An empty agentID addresses the coordinator.
func (s *Session) SendMessage(ctx context.Context, agentID, text string) (*agent.TurnResult, error) {
	if agentID == "" {
		agentID = s.record.ID
	}
	if err := s.checkAgent(ctx, agentID); err != nil {
		return nil, err
	}
	a, ok := s.agentFor(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	s.mu.Lock()
	stopped := s.stopped[agentID]
	s.mu.Unlock()
	if stopped {
		return nil, fmt.Errorf("%w: %s", ErrAgentStopped, agentID)
	}

	model := s.record.Configuration.ModelID
	started := time.Now()
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.StartTurn(ctx, s.record.ID, agentID, model)
	}
	result, err := a.SendMessage(ctx, text)
	if span != nil {
		s.tracer.EndTurn(span, err)
	}
	if s.metrics != nil {
		status := "success"
		switch {
		case errors.Is(err, agent.ErrCancelled):
			status = "cancelled"
		case err != nil:
			status = "error"
		}
		var usage models.TokenUsage
		elapsed := time.Since(started)
		if result != nil {
			usage = result.Metrics.Usage
			elapsed = result.Metrics.Duration
		}
		s.metrics.ObserveTurn(model, status, usage, elapsed)
	}
	return result, err
}

// Destroy stops every delegate agent, marks the session archived, and
// releases the live handles. The event log is untouched.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	for id, a := range s.agents {
		if id == s.record.ID {
			continue
		}
		a.Cancel()
		s.stopped[id] = true
	}
	s.agents = map[string]*agent.Agent{}
	s.record.Status = models.SessionArchived
	s.record.UpdatedAt = time.Now().UTC()
	record := s.record
	s.mu.Unlock()

	return s.store.UpdateSession(ctx, record)
}
