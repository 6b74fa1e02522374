package acp

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/common/logger"
	"github.com/acpbridge/acpbridge/pkg/acp/jsonrpc"
)

// terminal tracks one subprocess created through terminal/create. Stdout and
// stderr are interleaved into a single buffer, matching what the agent
// expects back from terminal/output.
type terminal struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	output bytes.Buffer

	done     chan struct{}
	exitCode int
}

func (t *terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output.Write(p)
}

func (t *terminal) snapshot() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output.String()
}

func (t *terminal) exited() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// terminalRegistry owns the terminals of one agent session.
type terminalRegistry struct {
	mu        sync.Mutex
	terminals map[string]*terminal
	log       *logger.Logger
}

func newTerminalRegistry(log *logger.Logger) *terminalRegistry {
	return &terminalRegistry{
		terminals: make(map[string]*terminal),
		log:       log.WithFields(zap.String("component", "acp-terminal")),
	}
}

func (r *terminalRegistry) create(p jsonrpc.TerminalCreateParams) (string, error) {
	cmd := exec.Command(p.Command, p.Args...)
	cmd.Dir = p.Cwd

	env := os.Environ()
	for _, v := range p.Env {
		env = append(env, v.Name+"="+v.Value)
	}
	cmd.Env = env

	term := &terminal{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = term
	cmd.Stderr = term

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start terminal command: %w", err)
	}

	terminalID := uuid.New().String()
	r.mu.Lock()
	r.terminals[terminalID] = term
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				term.exitCode = exitErr.ExitCode()
			} else {
				term.exitCode = -1
			}
		}
		close(term.done)
	}()

	r.log.Debug("Terminal created",
		zap.String("terminal_id", terminalID),
		zap.String("command", p.Command))
	return terminalID, nil
}

func (r *terminalRegistry) get(terminalID string) (*terminal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	term, ok := r.terminals[terminalID]
	if !ok {
		return nil, fmt.Errorf("unknown terminal: %s", terminalID)
	}
	return term, nil
}

func (r *terminalRegistry) output(terminalID string) (jsonrpc.TerminalOutputResult, error) {
	term, err := r.get(terminalID)
	if err != nil {
		return jsonrpc.TerminalOutputResult{}, err
	}

	result := jsonrpc.TerminalOutputResult{Output: term.snapshot()}
	if term.exited() {
		code := term.exitCode
		result.ExitStatus = &jsonrpc.TerminalStatus{ExitCode: &code}
	}
	return result, nil
}

func (r *terminalRegistry) wait(ctx context.Context, terminalID string) (jsonrpc.TerminalWaitResult, error) {
	term, err := r.get(terminalID)
	if err != nil {
		return jsonrpc.TerminalWaitResult{}, err
	}

	select {
	case <-term.done:
		code := term.exitCode
		return jsonrpc.TerminalWaitResult{ExitCode: &code}, nil
	case <-ctx.Done():
		return jsonrpc.TerminalWaitResult{}, ctx.Err()
	}
}

func (r *terminalRegistry) kill(terminalID string) {
	term, err := r.get(terminalID)
	if err != nil || term.exited() {
		return
	}
	_ = term.cmd.Process.Kill()
}

func (r *terminalRegistry) release(terminalID string) {
	r.mu.Lock()
	term, ok := r.terminals[terminalID]
	delete(r.terminals, terminalID)
	r.mu.Unlock()

	if ok && !term.exited() {
		_ = term.cmd.Process.Kill()
	}
}

// killAll terminates every tracked terminal; called on session close.
func (r *terminalRegistry) killAll() {
	r.mu.Lock()
	terms := make([]*terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		terms = append(terms, t)
	}
	r.terminals = make(map[string]*terminal)
	r.mu.Unlock()

	for _, t := range terms {
		if !t.exited() {
			_ = t.cmd.Process.Kill()
		}
	}
}
