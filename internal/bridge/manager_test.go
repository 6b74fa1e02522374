package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpbridge/acpbridge/internal/acp"
	"github.com/acpbridge/acpbridge/internal/common/config"
	"github.com/acpbridge/acpbridge/internal/events/bus"
	"github.com/acpbridge/acpbridge/internal/repo"
	"github.com/acpbridge/acpbridge/pkg/acp/jsonrpc"
)

// adapterEvent records one outbound call in arrival order.
type adapterEvent struct {
	kind    string // update, completion, error
	update  BridgeUpdate
	message string
}

type fakeAdapter struct {
	mu     sync.Mutex
	name   string
	events []adapterEvent
}

func (a *fakeAdapter) ServiceName() string         { return a.name }
func (a *fakeAdapter) RegisterRoutes(*gin.Engine)  {}
func (a *fakeAdapter) Start(context.Context) error { return nil }
func (a *fakeAdapter) Close(context.Context) error { return nil }

func (a *fakeAdapter) SendUpdate(_ context.Context, _ string, update BridgeUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, adapterEvent{kind: "update", update: update})
	return nil
}

func (a *fakeAdapter) SendCompletion(_ context.Context, _ string, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, adapterEvent{kind: "completion", message: message})
	return nil
}

func (a *fakeAdapter) SendError(_ context.Context, _ string, errMsg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, adapterEvent{kind: "error", message: errMsg})
	return nil
}

func (a *fakeAdapter) all() []adapterEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapterEvent(nil), a.events...)
}

func (a *fakeAdapter) last() adapterEvent {
	events := a.all()
	if len(events) == 0 {
		return adapterEvent{}
	}
	return events[len(events)-1]
}

// fakeAgent is a scripted stand-in for an ACP subprocess.
type fakeAgent struct {
	mu         sync.Mutex
	sessionID  string
	stopReason string
	startErr   error
	promptErr  error

	startedCwd string
	resumeID   string
	prompts    []string
	cancelled  bool
	closed     bool

	blockPrompt chan struct{} // Prompt waits on this when non-nil
	unblockOnce sync.Once
	emitted     []jsonrpc.SessionUpdate
	onUpdate    acp.UpdateHandler
	onStart     func() // runs inside Start, before it returns
}

func (f *fakeAgent) Start(_ context.Context, cwd, resumeSessionID string) (string, error) {
	f.mu.Lock()
	f.startedCwd = cwd
	f.resumeID = resumeSessionID
	f.mu.Unlock()
	if f.onStart != nil {
		f.onStart()
	}
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.sessionID, nil
}

func (f *fakeAgent) Prompt(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, text)
	emit := f.emitted
	f.mu.Unlock()

	for _, u := range emit {
		f.onUpdate(f.sessionID, u)
	}
	if f.blockPrompt != nil {
		<-f.blockPrompt
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErr != nil {
		return "", f.promptErr
	}
	if f.cancelled {
		return jsonrpc.StopReasonCancelled, nil
	}
	return f.stopReason, nil
}

func (f *fakeAgent) Cancel(context.Context) error {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	if f.blockPrompt != nil {
		f.unblockOnce.Do(func() { close(f.blockPrompt) })
	}
	return nil
}

func (f *fakeAgent) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAgent) promptsSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// agentScript hands out prepared fakes in spawn order.
type agentScript struct {
	mu      sync.Mutex
	queue   []*fakeAgent
	created []*fakeAgent
}

func (s *agentScript) push(a *fakeAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, a)
}

func (s *agentScript) factory(_, _ []string, onUpdate acp.UpdateHandler) agentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var a *fakeAgent
	if len(s.queue) > 0 {
		a = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		a = &fakeAgent{
			sessionID:  "acp-" + strconv.Itoa(len(s.created)+1),
			stopReason: jsonrpc.StopReasonEndTurn,
		}
	}
	a.onUpdate = onUpdate
	s.created = append(s.created, a)
	return a
}

func (s *agentScript) agent(i int) *fakeAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created[i]
}

func (s *agentScript) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type fakeRepos struct {
	mu           sync.Mutex
	base         string
	provisionErr error
	provisions   int
	reattaches   int
	cleaned      []string
	env          []string
}

func (r *fakeRepos) Provision(_ context.Context, req repo.ProvisionRequest) (*repo.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.provisionErr != nil {
		return nil, r.provisionErr
	}
	r.provisions++
	path := filepath.Join(r.base, fmt.Sprintf("wt-%d", r.provisions))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &repo.Handle{
		Repo:   req.Repo,
		Path:   path,
		Branch: fmt.Sprintf("acp-agent/%s-%d", repo.Slugify(req.DescriptiveName), r.provisions),
	}, nil
}

func (r *fakeRepos) Reattach(_ context.Context, req repo.ProvisionRequest, branch, path string) (*repo.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reattaches++
	return &repo.Handle{Repo: req.Repo, Path: path, Branch: branch}, nil
}

func (r *fakeRepos) CleanupWorktree(_ context.Context, _, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaned = append(r.cleaned, path)
	return nil
}

func (r *fakeRepos) BuildAgentEnv(context.Context, string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.env
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Bridge: config.BridgeConfig{
			DataDir:         t.TempDir(),
			DebounceSeconds: 0.01,
			GitHubRepo:      "acme/widgets",
		},
		Agents: []config.AgentSpec{
			{Name: "claude", Command: []string{"claude-code-acp"}, Default: true},
		},
	}
}

func testManager(t *testing.T) (*Manager, *fakeAdapter, *fakeRepos, *agentScript) {
	t.Helper()
	cfg := testConfig(t)
	store := NewStore(filepath.Join(cfg.Bridge.DataDir, "sessions.json"), testLogger(t))
	repos := &fakeRepos{base: t.TempDir()}
	script := &agentScript{}

	mgr, err := NewManager(cfg, store, repos, bus.NewMemoryEventBus(testLogger(t)), testLogger(t))
	require.NoError(t, err)
	mgr.newSession = script.factory

	return mgr, &fakeAdapter{name: "linear"}, repos, script
}

func newSessionRequest(externalID string) BridgeSessionRequest {
	return BridgeSessionRequest{
		ExternalSessionID: externalID,
		ServiceName:       "linear",
		Prompt:            "Fix the login bug",
		DescriptiveName:   "Fix the login bug",
	}
}

func TestHandleNewSessionHappyPath(t *testing.T) {
	mgr, adapter, _, script := testManager(t)

	msg := jsonrpc.TextBlock("All done.")
	script.push(&fakeAgent{
		sessionID:  "acp-1",
		stopReason: jsonrpc.StopReasonEndTurn,
		emitted: []jsonrpc.SessionUpdate{
			{SessionUpdate: jsonrpc.UpdateAgentMessageChunk, Content: &msg},
		},
	})

	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))

	events := adapter.all()
	require.NotEmpty(t, events)
	assert.Equal(t, "update", events[0].kind)
	assert.Equal(t, UpdateThought, events[0].update.Type)
	assert.Equal(t, "Starting work...", events[0].update.Content)

	last := events[len(events)-1]
	assert.Equal(t, "completion", last.kind)
	assert.Equal(t, "Work completed", last.message)

	var sawMessage bool
	for _, e := range events {
		if e.kind == "update" && e.update.Type == UpdateMessageChunk && e.update.Content == "All done." {
			sawMessage = true
		}
	}
	assert.True(t, sawMessage, "buffered message text must flush before completion")

	agent := script.agent(0)
	require.Len(t, agent.promptsSeen(), 1)
	assert.Contains(t, agent.promptsSeen()[0], "Fix the login bug")
	assert.Contains(t, agent.promptsSeen()[0], "git branch", "first prompt carries branch instructions")
	assert.Empty(t, agent.resumeID)
	assert.True(t, agent.closed, "subprocess stops after the turn")

	// The record survives the turn for future follow-ups.
	active, ok := mgr.Session("linear-1")
	require.True(t, ok)
	assert.Equal(t, "acp-1", active.ACPSessionID)
	assert.False(t, active.prompting)

	persisted, err := mgr.store.Load()
	require.NoError(t, err)
	require.Contains(t, persisted, "linear-1")
	assert.Equal(t, "acp-1", persisted["linear-1"].ACPSessionID)
}

func TestHandleNewSessionPublishesLifecycleEvents(t *testing.T) {
	mgr, adapter, _, _ := testManager(t)

	var mu sync.Mutex
	var subjects []string
	_, err := mgr.bus.Subscribe("bridge.session.>", func(_ context.Context, event *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		subjects = append(subjects, event.Type)
		return nil
	})
	require.NoError(t, err)

	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-ev"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{bus.SubjectSessionCreated, bus.SubjectSessionCompleted}, subjects)
}

func TestFollowupResumesWithSessionID(t *testing.T) {
	mgr, adapter, repos, script := testManager(t)

	script.push(&fakeAgent{sessionID: "acp-1", stopReason: jsonrpc.StopReasonEndTurn})
	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))

	script.push(&fakeAgent{sessionID: "acp-1", stopReason: jsonrpc.StopReasonEndTurn})
	require.NoError(t, mgr.HandleFollowup(context.Background(), "linear-1", "also update the docs"))

	require.Equal(t, 2, script.count())
	followup := script.agent(1)
	assert.Equal(t, "acp-1", followup.resumeID, "follow-up must resume the recorded session")
	assert.Equal(t, []string{"also update the docs"}, followup.promptsSeen())
	assert.True(t, followup.closed)

	assert.Equal(t, "completion", adapter.last().kind)
	assert.Equal(t, "Follow-up completed", adapter.last().message)

	repos.mu.Lock()
	defer repos.mu.Unlock()
	assert.Equal(t, 1, repos.reattaches, "follow-up reattaches the branch worktree")
}

func TestFollowupUnknownSession(t *testing.T) {
	mgr, _, _, _ := testManager(t)
	err := mgr.HandleFollowup(context.Background(), "nope", "hello?")
	require.Error(t, err)
}

func TestFollowupsQueueFIFOWhilePrompting(t *testing.T) {
	mgr, adapter, _, script := testManager(t)

	first := &fakeAgent{
		sessionID:   "acp-1",
		stopReason:  jsonrpc.StopReasonEndTurn,
		blockPrompt: make(chan struct{}),
	}
	script.push(first)

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))
	}()

	require.Eventually(t, func() bool {
		return script.count() == 1 && len(script.agent(0).promptsSeen()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.HandleFollowup(context.Background(), "linear-1", "first follow-up"))
	require.NoError(t, mgr.HandleFollowup(context.Background(), "linear-1", "second follow-up"))

	first.unblockOnce.Do(func() { close(first.blockPrompt) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session never drained its queue")
	}

	require.Equal(t, 3, script.count(), "each queued follow-up spawns its own subprocess")
	assert.Equal(t, []string{"first follow-up"}, script.agent(1).promptsSeen())
	assert.Equal(t, []string{"second follow-up"}, script.agent(2).promptsSeen())
	assert.Equal(t, "acp-1", script.agent(1).resumeID)
	assert.Equal(t, "acp-1", script.agent(2).resumeID)
}

func TestHandleStopCancelsInFlightTurn(t *testing.T) {
	mgr, adapter, _, script := testManager(t)

	agent := &fakeAgent{
		sessionID:   "acp-1",
		stopReason:  jsonrpc.StopReasonEndTurn,
		blockPrompt: make(chan struct{}),
	}
	script.push(agent)

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))
	}()

	require.Eventually(t, func() bool {
		return script.count() == 1 && len(script.agent(0).promptsSeen()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.HandleStop(context.Background(), "linear-1"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled turn never finished")
	}

	// The adapter's stop path posts the acknowledgement; the manager must
	// not add a terminal message of its own.
	for _, e := range adapter.all() {
		assert.NotEqual(t, "completion", e.kind, "cancellation sends no completion")
		assert.NotEqual(t, "error", e.kind, "cancellation is not an error")
	}

	// The session survives a stop; follow-ups may continue it.
	_, ok := mgr.Session("linear-1")
	assert.True(t, ok)
}

func TestAbnormalStopReasonsSurfaceAsErrors(t *testing.T) {
	for _, reason := range []string{
		jsonrpc.StopReasonRefusal,
		jsonrpc.StopReasonMaxTokens,
		jsonrpc.StopReasonMaxTurnRequests,
	} {
		t.Run(reason, func(t *testing.T) {
			mgr, adapter, _, script := testManager(t)
			script.push(&fakeAgent{sessionID: "acp-1", stopReason: reason})

			mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))

			last := adapter.last()
			assert.Equal(t, "error", last.kind)
			assert.Equal(t, fmt.Sprintf("Agent stopped (reason: %s)", reason), last.message)
		})
	}
}

func TestProvisionFailureSendsError(t *testing.T) {
	mgr, adapter, repos, script := testManager(t)
	repos.provisionErr = repo.ErrRepoUnavailable

	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))

	assert.Equal(t, "error", adapter.last().kind)
	assert.Equal(t, "Failed to prepare repository", adapter.last().message)
	assert.Zero(t, script.count(), "no subprocess spawns without a workspace")
	_, ok := mgr.Session("linear-1")
	assert.False(t, ok)
}

func TestAgentStartFailureSendsError(t *testing.T) {
	mgr, adapter, _, script := testManager(t)
	script.push(&fakeAgent{startErr: errors.New("spawn failed")})

	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))

	assert.Equal(t, "error", adapter.last().kind)
	assert.Equal(t, "Failed to start agent session", adapter.last().message)
	_, ok := mgr.Session("linear-1")
	assert.False(t, ok)

	persisted, err := mgr.store.Load()
	require.NoError(t, err)
	assert.NotContains(t, persisted, "linear-1", "a failed start leaves no stub behind")
}

func TestNewSessionPersistsStubBeforeAgentStart(t *testing.T) {
	mgr, adapter, _, script := testManager(t)

	var atStart map[string]*PersistedSession
	agent := &fakeAgent{sessionID: "acp-1", stopReason: jsonrpc.StopReasonEndTurn}
	agent.onStart = func() {
		var err error
		atStart, err = mgr.store.Load()
		require.NoError(t, err)
	}
	script.push(agent)

	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))

	require.Contains(t, atStart, "linear-1", "the record must be on disk before the agent starts")
	assert.Empty(t, atStart["linear-1"].ACPSessionID)

	persisted, err := mgr.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "acp-1", persisted["linear-1"].ACPSessionID, "the id is filled in once the agent is up")
}

func TestDuplicateNewSessionBecomesFollowup(t *testing.T) {
	mgr, adapter, repos, script := testManager(t)

	script.push(&fakeAgent{sessionID: "acp-1", stopReason: jsonrpc.StopReasonEndTurn})
	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))

	script.push(&fakeAgent{sessionID: "acp-1", stopReason: jsonrpc.StopReasonEndTurn})
	redelivered := newSessionRequest("linear-1")
	redelivered.Prompt = "please also update the docs"
	mgr.HandleNewSession(context.Background(), adapter, redelivered)

	require.Equal(t, 2, script.count())
	assert.Equal(t, "acp-1", script.agent(1).resumeID, "the redelivery resumes instead of forking")
	assert.Equal(t, []string{"please also update the docs"}, script.agent(1).promptsSeen())

	repos.mu.Lock()
	defer repos.mu.Unlock()
	assert.Equal(t, 1, repos.provisions, "no second worktree for a tracked session")
}

func TestRestoreSessionsForAdapter(t *testing.T) {
	cfg := testConfig(t)
	storePath := filepath.Join(cfg.Bridge.DataDir, "sessions.json")
	seed := NewStore(storePath, testLogger(t))
	require.NoError(t, seed.Save(map[string]*PersistedSession{
		"linear-1": {
			ExternalSessionID: "linear-1",
			ServiceName:       "linear",
			ACPSessionID:      "acp-old",
			Cwd:               "/data/worktrees/old-1",
			BranchName:        "acp-agent/old-1",
			AgentName:         "claude",
		},
		"slack:C1:1.2": {
			ExternalSessionID: "slack:C1:1.2",
			ServiceName:       "slack",
			ACPSessionID:      "acp-other",
			Cwd:               "/data/worktrees/other-1",
		},
	}))

	script := &agentScript{}
	mgr, err := NewManager(cfg, NewStore(storePath, testLogger(t)), &fakeRepos{base: t.TempDir()},
		bus.NewMemoryEventBus(testLogger(t)), testLogger(t))
	require.NoError(t, err)
	mgr.newSession = script.factory

	adapter := &fakeAdapter{name: "linear"}
	mgr.RestoreSessionsForAdapter(adapter)

	sessions := mgr.SessionsForService("linear")
	require.Len(t, sessions, 1)
	require.Contains(t, sessions, "linear-1")
	assert.NotContains(t, sessions, "slack:C1:1.2", "other adapters' sessions stay unrestored")

	// A follow-up on the restored record resumes the old ACP session.
	script.push(&fakeAgent{sessionID: "acp-old", stopReason: jsonrpc.StopReasonEndTurn})
	require.NoError(t, mgr.HandleFollowup(context.Background(), "linear-1", "continue please"))
	assert.Equal(t, "acp-old", script.agent(0).resumeID)
}

func TestRestorePreservesUnpersistedAdaptersOnSave(t *testing.T) {
	cfg := testConfig(t)
	storePath := filepath.Join(cfg.Bridge.DataDir, "sessions.json")
	seed := NewStore(storePath, testLogger(t))
	require.NoError(t, seed.Save(map[string]*PersistedSession{
		"slack:C1:1.2": {ExternalSessionID: "slack:C1:1.2", ServiceName: "slack", ACPSessionID: "acp-other", Cwd: "/w/x"},
	}))

	script := &agentScript{}
	mgr, err := NewManager(cfg, NewStore(storePath, testLogger(t)), &fakeRepos{base: t.TempDir()},
		bus.NewMemoryEventBus(testLogger(t)), testLogger(t))
	require.NoError(t, err)
	mgr.newSession = script.factory

	// A new linear session persists; the un-restored slack record must survive.
	mgr.HandleNewSession(context.Background(), &fakeAdapter{name: "linear"}, newSessionRequest("linear-1"))

	persisted, err := NewStore(storePath, testLogger(t)).Load()
	require.NoError(t, err)
	assert.Contains(t, persisted, "linear-1")
	assert.Contains(t, persisted, "slack:C1:1.2")
}

func TestRemoveSessionCleansWorktree(t *testing.T) {
	mgr, adapter, repos, _ := testManager(t)

	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))
	active, ok := mgr.Session("linear-1")
	require.True(t, ok)

	mgr.RemoveSession(context.Background(), "linear-1")

	_, ok = mgr.Session("linear-1")
	assert.False(t, ok)

	repos.mu.Lock()
	assert.Equal(t, []string{active.Cwd}, repos.cleaned)
	repos.mu.Unlock()

	persisted, err := mgr.store.Load()
	require.NoError(t, err)
	assert.NotContains(t, persisted, "linear-1")
}

func TestShutdownKeepsPersistedSessions(t *testing.T) {
	mgr, adapter, _, _ := testManager(t)

	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))
	mgr.Shutdown(context.Background())

	_, ok := mgr.Session("linear-1")
	assert.False(t, ok, "tracking is cleared on shutdown")

	persisted, err := mgr.store.Load()
	require.NoError(t, err)
	assert.Contains(t, persisted, "linear-1", "the record stays on disk for the next start")
}

func TestUpdateSessionMetadataPersists(t *testing.T) {
	mgr, adapter, _, _ := testManager(t)

	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))
	mgr.UpdateSessionMetadata("linear-1", map[string]interface{}{"progress_ts": "123.456"})

	persisted, err := mgr.store.Load()
	require.NoError(t, err)
	require.Contains(t, persisted, "linear-1")
	assert.Equal(t, "123.456", persisted["linear-1"].ServiceMetadata["progress_ts"])
}

func TestActiveCwds(t *testing.T) {
	mgr, adapter, _, _ := testManager(t)

	mgr.HandleNewSession(context.Background(), adapter, newSessionRequest("linear-1"))
	active, ok := mgr.Session("linear-1")
	require.True(t, ok)

	cwds := mgr.ActiveCwds()
	assert.True(t, cwds[active.Cwd])
	assert.True(t, strings.Contains(active.Cwd, "wt-"))
}
