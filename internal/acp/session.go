// Package acp manages ACP agent subprocesses: spawning, the protocol
// handshake, prompt turns, and teardown.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/common/logger"
	"github.com/acpbridge/acpbridge/pkg/acp/jsonrpc"
)

// Session states
type State string

const (
	StateIdle         State = "idle"
	StateSpawning     State = "spawning"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StatePrompting    State = "prompting"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)

var (
	// ErrSpawnFailed means the agent subprocess could not be started.
	ErrSpawnFailed = errors.New("agent spawn failed")
	// ErrHandshakeFailed means initialize or session setup failed.
	ErrHandshakeFailed = errors.New("agent handshake failed")
	// ErrPromptInFlight means a prompt turn is already running.
	ErrPromptInFlight = errors.New("prompt already in flight")
	// ErrNotReady means the session is not in a state that accepts the call.
	ErrNotReady = errors.New("session not ready")
)

const (
	initTimeout     = 30 * time.Second
	shutdownTimeout = 5 * time.Second
	killGrace       = 5 * time.Second
)

// UpdateHandler receives session/update payloads in wire order.
type UpdateHandler func(sessionID string, update jsonrpc.SessionUpdate)

// Config describes how to run one agent subprocess.
type Config struct {
	// Command is the agent argv, e.g. ["claude-code-acp"].
	Command []string

	// Env is appended to the parent environment (KEY=VALUE entries).
	Env []string

	// OnUpdate is invoked for every session/update notification.
	OnUpdate UpdateHandler

	Logger *logger.Logger
}

// Session owns one agent subprocess and one JSON-RPC connection to it.
// A session goes idle → spawning → initializing → ready, cycles between
// ready and prompting, and ends at closed. Closed is terminal; callers
// build a new Session to respawn an agent.
type Session struct {
	cfg Config
	log *logger.Logger

	mu           sync.Mutex
	state        State
	cmd          *exec.Cmd
	client       *jsonrpc.Client
	sessionID    string
	supportsLoad bool
	prompting    bool

	terminals *terminalRegistry
}

// NewSession builds a session in the idle state.
func NewSession(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Session{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "acp-session")),
		state:     StateIdle,
		terminals: newTerminalRegistry(log),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the agent-assigned ACP session id, empty before Start.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Start spawns the agent, performs the initialize handshake, and creates a
// new ACP session (or resumes resumeSessionID in an existing conversation).
// It returns the ACP session id.
func (s *Session) Start(ctx context.Context, cwd, resumeSessionID string) (string, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: state is %s", ErrNotReady, s.state)
	}
	s.state = StateSpawning
	s.mu.Unlock()

	if len(s.cfg.Command) == 0 {
		s.setState(StateClosed)
		return "", fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(StateClosed)
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setState(StateClosed)
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setState(StateClosed)
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		s.setState(StateClosed)
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s.log.Info("Agent subprocess started",
		zap.String("command", s.cfg.Command[0]),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("cwd", cwd))

	// Agent stderr is not part of the protocol; drain it to the log.
	go s.drainStderr(stderr)

	client := jsonrpc.NewClient(stdin, stdout)
	client.SetNotificationHandler(s.handleNotification)
	client.SetRequestHandler(s.handleRequest)

	s.mu.Lock()
	s.cmd = cmd
	s.client = client
	s.state = StateInitializing
	s.mu.Unlock()

	sessionID, err := s.handshake(ctx, cwd, resumeSessionID)
	if err != nil {
		_ = s.Close(context.Background())
		return "", err
	}

	s.mu.Lock()
	s.sessionID = sessionID
	s.state = StateReady
	s.mu.Unlock()

	return sessionID, nil
}

func (s *Session) handshake(ctx context.Context, cwd, resumeSessionID string) (string, error) {
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	raw, err := s.client.Call(initCtx, jsonrpc.MethodInitialize, jsonrpc.InitializeParams{
		ProtocolVersion: jsonrpc.ProtocolVersion,
		ClientInfo: &jsonrpc.Implementation{
			Name:    "acpbridge",
			Title:   "ACP Bridge",
			Version: "0.1.0",
		},
		ClientCapabilities: jsonrpc.ClientCapabilities{
			FS: jsonrpc.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: initialize: %v", ErrHandshakeFailed, err)
	}

	var initResult jsonrpc.InitializeResult
	if err := json.Unmarshal(raw, &initResult); err != nil {
		return "", fmt.Errorf("%w: decode initialize result: %v", ErrHandshakeFailed, err)
	}

	s.mu.Lock()
	s.supportsLoad = initResult.AgentCapabilities.LoadSession
	s.mu.Unlock()

	if resumeSessionID != "" {
		params := jsonrpc.SessionLoadParams{
			SessionID:  resumeSessionID,
			Cwd:        cwd,
			McpServers: []jsonrpc.McpServer{},
		}
		// Agents without the loadSession capability (claude-code-acp)
		// resume through session/resume instead of session/load.
		method := jsonrpc.MethodSessionResume
		if initResult.AgentCapabilities.LoadSession {
			method = jsonrpc.MethodSessionLoad
		}
		if _, err := s.client.Call(ctx, method, params); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, method, err)
		}
		s.log.Info("ACP session resumed",
			zap.String("acp_session_id", resumeSessionID),
			zap.String("method", method),
			zap.String("cwd", cwd))
		return resumeSessionID, nil
	}

	raw, err = s.client.Call(ctx, jsonrpc.MethodSessionNew, jsonrpc.SessionNewParams{
		Cwd:        cwd,
		McpServers: []jsonrpc.McpServer{},
	})
	if err != nil {
		return "", fmt.Errorf("%w: session/new: %v", ErrHandshakeFailed, err)
	}

	var newResult jsonrpc.SessionNewResult
	if err := json.Unmarshal(raw, &newResult); err != nil {
		return "", fmt.Errorf("%w: decode session/new result: %v", ErrHandshakeFailed, err)
	}
	if newResult.SessionID == "" {
		return "", fmt.Errorf("%w: agent returned empty session id", ErrHandshakeFailed)
	}

	s.log.Info("ACP session started",
		zap.String("acp_session_id", newResult.SessionID),
		zap.String("cwd", cwd))
	return newResult.SessionID, nil
}

// Prompt sends one text prompt and blocks until the turn completes,
// returning the agent's stop reason. At most one prompt may be in flight.
func (s *Session) Prompt(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: state is %s", ErrNotReady, s.state)
	}
	if s.prompting {
		s.mu.Unlock()
		return "", ErrPromptInFlight
	}
	s.prompting = true
	s.state = StatePrompting
	sessionID := s.sessionID
	client := s.client
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.prompting = false
		if s.state == StatePrompting {
			s.state = StateReady
		}
		s.mu.Unlock()
	}()

	raw, err := client.Call(ctx, jsonrpc.MethodSessionPrompt, jsonrpc.SessionPromptParams{
		SessionID: sessionID,
		Prompt:    []jsonrpc.ContentBlock{jsonrpc.TextBlock(text)},
	})
	if err != nil {
		return "", fmt.Errorf("session/prompt: %w", err)
	}

	var result jsonrpc.SessionPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode session/prompt result: %w", err)
	}

	s.log.Debug("Prompt turn completed",
		zap.String("acp_session_id", sessionID),
		zap.String("stop_reason", result.StopReason))
	return result.StopReason, nil
}

// Cancel asks the agent to stop the current turn. The in-flight Prompt call
// resolves with the cancelled stop reason.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	sessionID := s.sessionID
	s.mu.Unlock()

	if client == nil || sessionID == "" {
		return nil
	}
	return client.Notify(jsonrpc.NotificationSessionCancel, jsonrpc.SessionCancelParams{
		SessionID: sessionID,
	})
}

// Close tears the subprocess down: a best-effort shutdown request, the exit
// notification, then SIGTERM with a kill grace period. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	client := s.client
	cmd := s.cmd
	s.mu.Unlock()

	if client != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		_, _ = client.Call(shutdownCtx, jsonrpc.MethodShutdown, nil)
		cancel()
		_ = client.Notify(jsonrpc.NotificationExit, nil)
		client.Close()
	}

	s.terminals.killAll()

	if cmd != nil && cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGrace):
			s.log.Warn("Agent subprocess did not exit, killing",
				zap.Int("pid", cmd.Process.Pid))
			_ = cmd.Process.Kill()
			<-done
		}
	}

	s.setState(StateClosed)
	s.log.Info("ACP session closed")
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) drainStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
}

func (s *Session) handleNotification(method string, params json.RawMessage) {
	if method != jsonrpc.NotificationSessionUpdate {
		s.log.Debug("Ignoring agent notification", zap.String("method", method))
		return
	}

	var update jsonrpc.SessionUpdateParams
	if err := json.Unmarshal(params, &update); err != nil {
		s.log.Warn("Malformed session/update", zap.Error(err))
		return
	}

	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(update.SessionID, update.Update)
	}
}
