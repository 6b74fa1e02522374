package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/acp"
	"github.com/acpbridge/acpbridge/internal/common/config"
	"github.com/acpbridge/acpbridge/internal/common/logger"
	"github.com/acpbridge/acpbridge/internal/common/tracing"
	"github.com/acpbridge/acpbridge/internal/events/bus"
	"github.com/acpbridge/acpbridge/internal/repo"
	"github.com/acpbridge/acpbridge/pkg/acp/jsonrpc"
)

// sendTimeout bounds outbound adapter calls made outside a request context.
const sendTimeout = 30 * time.Second

// agentSession is the slice of acp.Session the manager drives. Tests
// substitute scripted fakes.
type agentSession interface {
	Start(ctx context.Context, cwd, resumeSessionID string) (string, error)
	Prompt(ctx context.Context, text string) (string, error)
	Cancel(ctx context.Context) error
	Close(ctx context.Context) error
}

// sessionFactory builds an agent subprocess handle for one turn.
type sessionFactory func(command, env []string, onUpdate acp.UpdateHandler) agentSession

// RepoProvider is the workspace surface the manager needs.
type RepoProvider interface {
	Provision(ctx context.Context, req repo.ProvisionRequest) (*repo.Handle, error)
	Reattach(ctx context.Context, req repo.ProvisionRequest, branch, path string) (*repo.Handle, error)
	CleanupWorktree(ctx context.Context, repoName, path string) error
	BuildAgentEnv(ctx context.Context, agentName string) []string
}

// ActiveSession tracks one bridge session. The agent subprocess only lives
// while a turn is running; between turns the record alone carries enough to
// respawn with the same ACP session id.
type ActiveSession struct {
	ExternalSessionID string
	ServiceName       string
	Adapter           ServiceAdapter
	ACPSessionID      string
	Cwd               string
	BranchName        string
	AgentName         string
	Repo              string
	InstallationID    int64
	ServiceMetadata   map[string]interface{}

	agent     agentSession
	router    *Router
	prompting bool
	queue     []string

	persistedRaw *PersistedSession
}

// Manager orchestrates bridge sessions between service adapters and ACP
// agents.
type Manager struct {
	cfg        *config.Config
	store      *Store
	repos      RepoProvider
	bus        bus.EventBus
	log        *logger.Logger
	newSession sessionFactory

	mu        sync.Mutex
	sessions  map[string]*ActiveSession
	persisted map[string]*PersistedSession
}

// NewManager loads persisted session metadata and returns a ready manager.
func NewManager(cfg *config.Config, store *Store, repos RepoProvider, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	persisted, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted sessions: %w", err)
	}
	if len(persisted) > 0 {
		log.Info("Found persisted sessions, available for resumption",
			zap.Int("count", len(persisted)))
	}

	m := &Manager{
		cfg:       cfg,
		store:     store,
		repos:     repos,
		bus:       eventBus,
		log:       log.WithFields(zap.String("component", "session-manager")),
		sessions:  make(map[string]*ActiveSession),
		persisted: persisted,
	}
	m.newSession = func(command, env []string, onUpdate acp.UpdateHandler) agentSession {
		return acp.NewSession(acp.Config{
			Command:  command,
			Env:      env,
			OnUpdate: onUpdate,
			Logger:   log,
		})
	}
	return m, nil
}

// HandleNewSession provisions a workspace, spawns the agent and runs the
// first turn. It blocks until the turn (and any queued follow-ups) finish;
// webhook handlers call it from a goroutine after acking the request.
func (m *Manager) HandleNewSession(ctx context.Context, adapter ServiceAdapter, req BridgeSessionRequest) {
	externalID := req.ExternalSessionID
	log := m.log.WithSessionID(externalID)

	// A request for an already-tracked session is a redelivery or a second
	// trigger on the same conversation; continue it instead of provisioning
	// a second workspace.
	if _, exists := m.Session(externalID); exists {
		log.Info("Session already active, treating new-session request as follow-up")
		if err := m.HandleFollowup(ctx, externalID, req.Prompt); err != nil {
			m.sendError(adapter, externalID, "Failed to continue session")
		}
		return
	}

	m.sendUpdate(adapter, externalID, BridgeUpdate{Type: UpdateThought, Content: "Starting work..."})

	agentName := req.AgentName
	if agentName == "" {
		agentName = m.cfg.DefaultAgent().Name
	}
	agentSpec, ok := m.cfg.AgentByName(agentName)
	if !ok {
		log.Error("Unknown agent requested", zap.String("agent", agentName))
		m.sendError(adapter, externalID, fmt.Sprintf("Unknown agent %q", agentName))
		return
	}

	repoName := req.Repo
	if repoName == "" {
		repoName = m.cfg.Bridge.GitHubRepo
	}

	var cwd, branch string
	if repoName != "" {
		handle, err := m.repos.Provision(ctx, repo.ProvisionRequest{
			Repo:            repoName,
			DescriptiveName: req.DescriptiveName,
		})
		if err != nil {
			log.Error("Failed to prepare repo", zap.Error(err))
			m.sendError(adapter, externalID, "Failed to prepare repository")
			return
		}
		cwd = handle.Path
		branch = handle.Branch
	} else {
		cwd = filepath.Join(m.cfg.Bridge.DataDir, "scratch", repo.Slugify(externalID))
		if err := os.MkdirAll(cwd, 0o755); err != nil {
			log.Error("Failed to create scratch dir", zap.Error(err))
			m.sendError(adapter, externalID, "Failed to prepare workspace")
			return
		}
	}

	env := m.repos.BuildAgentEnv(ctx, agentName)
	router := m.newRouter(adapter, externalID)
	agent := m.newSession(agentSpec.Command, env, router.HandleUpdate)

	active := &ActiveSession{
		ExternalSessionID: externalID,
		ServiceName:       req.ServiceName,
		Adapter:           adapter,
		Cwd:               cwd,
		BranchName:        branch,
		AgentName:         agentName,
		Repo:              repoName,
		InstallationID:    req.InstallationID,
		ServiceMetadata:   req.ServiceMetadata,
		agent:             agent,
		router:            router,
		prompting:         true,
	}

	// The record goes to disk before the agent starts, with an empty ACP
	// session id, so a crash mid-start leaves a restorable stub.
	m.mu.Lock()
	m.sessions[externalID] = active
	m.persistLocked()
	m.mu.Unlock()

	acpSessionID, err := agent.Start(ctx, cwd, "")
	if err != nil {
		log.Error("Failed to start agent session", zap.Error(err))
		router.Close()
		m.mu.Lock()
		delete(m.sessions, externalID)
		m.persistLocked()
		m.mu.Unlock()
		m.sendError(adapter, externalID, "Failed to start agent session")
		return
	}

	m.mu.Lock()
	active.ACPSessionID = acpSessionID
	m.persistLocked()
	m.mu.Unlock()

	m.publishEvent(ctx, bus.SubjectSessionCreated, active, nil)
	log.Info("Started bridge session",
		zap.String("acp_session_id", acpSessionID),
		zap.String("agent", agentName),
		zap.String("branch", branch))

	prompt := req.Prompt
	if branch != "" {
		prompt += branchInstructions(branch)
	}

	m.runTurn(ctx, active, prompt, "Work completed")
	m.drainQueue(ctx, active)
}

// HandleFollowup continues an existing session. A follow-up arriving while
// a turn is in flight queues FIFO and runs when the turn ends.
func (m *Manager) HandleFollowup(ctx context.Context, externalID, prompt string) error {
	m.mu.Lock()
	active, ok := m.sessions[externalID]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("No active session for follow-up", zap.String("session_id", externalID))
		return fmt.Errorf("no session for %s", externalID)
	}
	if active.prompting {
		active.queue = append(active.queue, prompt)
		m.mu.Unlock()
		m.log.Info("Queued follow-up behind in-flight turn",
			zap.String("session_id", externalID),
			zap.Int("queue_depth", len(active.queue)))
		return nil
	}
	active.prompting = true
	m.mu.Unlock()

	m.resumeAndRun(ctx, active, prompt)
	m.drainQueue(ctx, active)
	return nil
}

// HandleStop cancels the in-flight turn; the prompt resolves with the
// cancelled stop reason.
func (m *Manager) HandleStop(ctx context.Context, externalID string) error {
	m.mu.Lock()
	active, ok := m.sessions[externalID]
	var agent agentSession
	if ok {
		agent = active.agent
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no session for %s", externalID)
	}
	if agent == nil {
		return nil
	}
	return agent.Cancel(ctx)
}

// RemoveSession drops a session from tracking and removes its worktree.
// The branch is kept for review.
func (m *Manager) RemoveSession(ctx context.Context, externalID string) {
	m.mu.Lock()
	active, ok := m.sessions[externalID]
	if ok {
		delete(m.sessions, externalID)
	}
	delete(m.persisted, externalID)
	m.persistLocked()
	m.mu.Unlock()

	if !ok {
		return
	}
	if active.agent != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_ = active.agent.Close(closeCtx)
		cancel()
	}
	if active.Cwd != "" {
		if err := m.repos.CleanupWorktree(ctx, active.Repo, active.Cwd); err != nil {
			m.log.Warn("Failed to clean up worktree",
				zap.String("session_id", externalID),
				zap.Error(err))
		}
	}
	m.publishEvent(ctx, bus.SubjectSessionRemoved, active, nil)
	m.log.Info("Removed session", zap.String("session_id", externalID))
}

// RestoreSessionsForAdapter recreates session records persisted before a
// restart so follow-ups can resume with full conversation history. Matching
// is by exact adapter name, or by bare service type for records written
// before agent-qualified names.
func (m *Manager) RestoreSessionsForAdapter(adapter ServiceAdapter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	adapterName := adapter.ServiceName()
	serviceType, agentName, _ := strings.Cut(adapterName, ":")

	restored := 0
	for externalID, meta := range m.persisted {
		if _, exists := m.sessions[externalID]; exists {
			continue
		}
		if meta.ServiceName != adapterName &&
			!(meta.ServiceName == serviceType && (meta.AgentName == "" || meta.AgentName == agentName)) {
			continue
		}

		m.sessions[externalID] = &ActiveSession{
			ExternalSessionID: meta.ExternalSessionID,
			ServiceName:       adapterName,
			Adapter:           adapter,
			ACPSessionID:      meta.ACPSessionID,
			Cwd:               meta.Cwd,
			BranchName:        meta.BranchName,
			AgentName:         meta.AgentName,
			Repo:              meta.Repo,
			InstallationID:    meta.InstallationID,
			ServiceMetadata:   meta.ServiceMetadata,
			persistedRaw:      meta,
		}
		restored++
	}

	if restored > 0 {
		m.log.Info("Restored persisted sessions for adapter",
			zap.String("adapter", adapterName),
			zap.Int("count", restored))
	}
}

// SessionsForService returns the active sessions belonging to one adapter.
func (m *Manager) SessionsForService(serviceName string) map[string]*ActiveSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*ActiveSession)
	for id, s := range m.sessions {
		if s.ServiceName == serviceName {
			out[id] = s
		}
	}
	return out
}

// Session returns a tracked session by external id.
func (m *Manager) Session(externalID string) (*ActiveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[externalID]
	return s, ok
}

// UpdateSessionMetadata stores adapter-specific state on a session and
// persists it.
func (m *Manager) UpdateSessionMetadata(externalID string, metadata map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, ok := m.sessions[externalID]
	if !ok {
		return
	}
	active.ServiceMetadata = metadata
	m.persistLocked()
}

// ActiveCwds lists the working directories of tracked sessions, used to
// spare them from the stale-worktree sweep.
func (m *Manager) ActiveCwds() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cwds := make(map[string]bool, len(m.sessions))
	for _, s := range m.sessions {
		if s.Cwd != "" {
			cwds[s.Cwd] = true
		}
	}
	return cwds
}

// Shutdown stops every running agent subprocess. Session records stay on
// disk so a restarted process can resume them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*ActiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*ActiveSession)
	m.mu.Unlock()

	for _, s := range sessions {
		if s.agent != nil {
			if err := s.agent.Close(ctx); err != nil {
				m.log.Warn("Error stopping session agent",
					zap.String("session_id", s.ExternalSessionID),
					zap.Error(err))
			}
		}
		if s.router != nil {
			s.router.Close()
		}
	}
	m.log.Info("Session manager shut down", zap.Int("stopped", len(sessions)))
}

// resumeAndRun respawns the agent subprocess against the session's
// worktree, resuming the recorded ACP session, then runs one turn.
func (m *Manager) resumeAndRun(ctx context.Context, active *ActiveSession, prompt string) {
	externalID := active.ExternalSessionID
	adapter := active.Adapter
	log := m.log.WithSessionID(externalID)

	m.sendUpdate(adapter, externalID, BridgeUpdate{Type: UpdateThought, Content: "Processing follow-up..."})

	if active.BranchName != "" {
		handle, err := m.repos.Reattach(ctx, repo.ProvisionRequest{Repo: active.Repo},
			active.BranchName, active.Cwd)
		if err != nil {
			log.Warn("Failed to reattach worktree, continuing with recorded cwd", zap.Error(err))
		} else if handle.Path != active.Cwd {
			m.mu.Lock()
			active.Cwd = handle.Path
			m.persistLocked()
			m.mu.Unlock()
		}
	}

	agentSpec, ok := m.cfg.AgentByName(active.AgentName)
	if !ok {
		agentSpec = m.cfg.DefaultAgent()
	}
	env := m.repos.BuildAgentEnv(ctx, active.AgentName)
	router := m.newRouter(adapter, externalID)
	agent := m.newSession(agentSpec.Command, env, router.HandleUpdate)

	if _, err := agent.Start(ctx, active.Cwd, active.ACPSessionID); err != nil {
		log.Error("Failed to resume agent session", zap.Error(err))
		router.Close()
		m.finishTurn(active)
		m.sendError(adapter, externalID, "Failed to resume session")
		return
	}
	log.Info("Resumed agent session", zap.String("acp_session_id", active.ACPSessionID))

	m.mu.Lock()
	active.agent = agent
	active.router = router
	m.mu.Unlock()

	m.runTurn(ctx, active, prompt, "Follow-up completed")
}

// runTurn sends one prompt and maps the stop reason to a completion or an
// error on the adapter. The subprocess is stopped afterwards; the session
// record is kept so the next follow-up resumes it.
func (m *Manager) runTurn(ctx context.Context, active *ActiveSession, prompt, doneMessage string) {
	externalID := active.ExternalSessionID
	adapter := active.Adapter
	log := m.log.WithSessionID(externalID)

	turnCtx, span := tracing.Tracer("bridge").Start(ctx, "bridge.turn")
	span.SetAttributes(
		attribute.String("session.external_id", externalID),
		attribute.String("session.service", active.ServiceName),
		attribute.String("session.agent", active.AgentName),
	)
	defer span.End()

	stopReason, err := active.agent.Prompt(turnCtx, prompt)
	active.router.Flush()

	switch {
	case err != nil:
		log.Error("Error during agent prompt", zap.Error(err))
		m.sendError(adapter, externalID, "Agent encountered an error during execution")
		m.publishEvent(ctx, bus.SubjectSessionFailed, active, map[string]interface{}{"error": err.Error()})
	case stopReason == jsonrpc.StopReasonEndTurn:
		m.sendCompletion(adapter, externalID, doneMessage)
		m.publishEvent(ctx, bus.SubjectSessionCompleted, active, map[string]interface{}{"stop_reason": stopReason})
	case stopReason == jsonrpc.StopReasonCancelled:
		// The adapter's stop path owns the user-facing acknowledgement;
		// a second terminal message here would double up.
		m.publishEvent(ctx, bus.SubjectSessionCompleted, active, map[string]interface{}{"stop_reason": stopReason})
	default:
		// refusal, max_tokens, max_turn_requests
		m.sendError(adapter, externalID, fmt.Sprintf("Agent stopped (reason: %s)", stopReason))
		m.publishEvent(ctx, bus.SubjectSessionFailed, active, map[string]interface{}{"stop_reason": stopReason})
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	if err := active.agent.Close(closeCtx); err != nil {
		log.Warn("Error stopping agent subprocess", zap.Error(err))
	}
	cancel()
	active.router.Close()

	m.finishTurn(active)
	log.Info("Stopped agent subprocess, session record kept for resumption")
}

// drainQueue runs follow-ups queued during the previous turn, in order.
func (m *Manager) drainQueue(ctx context.Context, active *ActiveSession) {
	for {
		m.mu.Lock()
		if active.prompting || len(active.queue) == 0 {
			m.mu.Unlock()
			return
		}
		next := active.queue[0]
		active.queue = active.queue[1:]
		active.prompting = true
		m.mu.Unlock()

		m.resumeAndRun(ctx, active, next)
	}
}

func (m *Manager) finishTurn(active *ActiveSession) {
	m.mu.Lock()
	active.agent = nil
	active.router = nil
	active.prompting = false
	m.mu.Unlock()
}

func (m *Manager) newRouter(adapter ServiceAdapter, externalID string) *Router {
	return NewRouter(func(update BridgeUpdate) {
		m.sendUpdate(adapter, externalID, update)
	}, m.cfg.Bridge.DebounceDuration(), m.log)
}

func (m *Manager) sendUpdate(adapter ServiceAdapter, externalID string, update BridgeUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := adapter.SendUpdate(ctx, externalID, update); err != nil {
		m.log.Warn("Failed to send update to adapter",
			zap.String("session_id", externalID),
			zap.String("update_type", update.Type),
			zap.Error(err))
	}
}

func (m *Manager) sendCompletion(adapter ServiceAdapter, externalID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := adapter.SendCompletion(ctx, externalID, message); err != nil {
		m.log.Warn("Failed to send completion to adapter",
			zap.String("session_id", externalID),
			zap.Error(err))
	}
}

func (m *Manager) sendError(adapter ServiceAdapter, externalID, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := adapter.SendError(ctx, externalID, errMsg); err != nil {
		m.log.Warn("Failed to send error to adapter",
			zap.String("session_id", externalID),
			zap.Error(err))
	}
}

// persistLocked writes the current session set to disk. Records loaded
// from a previous run that no adapter has restored yet are preserved.
// Caller holds m.mu.
func (m *Manager) persistLocked() {
	out := make(map[string]*PersistedSession, len(m.sessions)+len(m.persisted))
	for id, meta := range m.persisted {
		if _, active := m.sessions[id]; !active {
			out[id] = meta
		}
	}
	for id, s := range m.sessions {
		record := &PersistedSession{
			ExternalSessionID: s.ExternalSessionID,
			ServiceName:       s.ServiceName,
			ACPSessionID:      s.ACPSessionID,
			Cwd:               s.Cwd,
			BranchName:        s.BranchName,
			AgentName:         s.AgentName,
			Repo:              s.Repo,
			InstallationID:    s.InstallationID,
			ServiceMetadata:   s.ServiceMetadata,
		}
		if s.persistedRaw != nil {
			record.raw = s.persistedRaw.raw
		}
		out[id] = record
	}
	if err := m.store.Save(out); err != nil {
		m.log.Error("Failed to persist sessions", zap.Error(err))
	}
}

func (m *Manager) publishEvent(ctx context.Context, subject string, active *ActiveSession, extra map[string]interface{}) {
	if m.bus == nil {
		return
	}
	data := map[string]interface{}{
		"external_session_id": active.ExternalSessionID,
		"service_name":        active.ServiceName,
		"acp_session_id":      active.ACPSessionID,
		"agent_name":          active.AgentName,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(subject, "session-manager", data)); err != nil {
		m.log.Warn("Failed to publish session event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// branchInstructions is appended to the first prompt of a session working
// on a provisioned branch.
func branchInstructions(branch string) string {
	return "\n\n---\n" +
		fmt.Sprintf("You are working on a git branch: `%s`. ", branch) +
		"This branch has been automatically created with the latest changes from the main branch.\n" +
		"If the user is asking you to make code changes, commit your changes, push the branch, " +
		"and create a GitHub pull request using the `gh` CLI. The `GH_TOKEN` env var is already set.\n" +
		"If the user is just asking questions or requesting information, do not make any changes or create a PR."
}
