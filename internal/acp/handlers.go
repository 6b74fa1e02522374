package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/acpbridge/acpbridge/pkg/acp/jsonrpc"
)

// handleRequest serves agent-initiated requests. The bridge runs agents
// unattended: permissions are auto-approved and filesystem/terminal
// operations are delegated to the real OS.
func (s *Session) handleRequest(ctx context.Context, method string, params json.RawMessage) (interface{}, *jsonrpc.Error) {
	switch method {
	case jsonrpc.MethodRequestPermission:
		var p jsonrpc.RequestPermissionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		return jsonrpc.RequestPermissionResult{
			Outcome: jsonrpc.PermissionOutcome{
				Outcome:  "selected",
				OptionID: selectPermissionOption(p.Options),
			},
		}, nil

	case jsonrpc.MethodFsReadTextFile:
		var p jsonrpc.FsReadTextFileParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		content, err := readTextFile(p.Path, p.Line, p.Limit)
		if err != nil {
			return nil, internalError(err)
		}
		return jsonrpc.FsReadTextFileResult{Content: content}, nil

	case jsonrpc.MethodFsWriteTextFile:
		var p jsonrpc.FsWriteTextFileParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		if err := writeTextFile(p.Path, p.Content); err != nil {
			return nil, internalError(err)
		}
		return struct{}{}, nil

	case jsonrpc.MethodTerminalCreate:
		var p jsonrpc.TerminalCreateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		terminalID, err := s.terminals.create(p)
		if err != nil {
			return nil, internalError(err)
		}
		return jsonrpc.TerminalCreateResult{TerminalID: terminalID}, nil

	case jsonrpc.MethodTerminalOutput:
		var p jsonrpc.TerminalIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		result, err := s.terminals.output(p.TerminalID)
		if err != nil {
			return nil, internalError(err)
		}
		return result, nil

	case jsonrpc.MethodTerminalWait:
		var p jsonrpc.TerminalIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		result, err := s.terminals.wait(ctx, p.TerminalID)
		if err != nil {
			return nil, internalError(err)
		}
		return result, nil

	case jsonrpc.MethodTerminalKill:
		var p jsonrpc.TerminalIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		s.terminals.kill(p.TerminalID)
		return struct{}{}, nil

	case jsonrpc.MethodTerminalRelease:
		var p jsonrpc.TerminalIDParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err)
		}
		s.terminals.release(p.TerminalID)
		return struct{}{}, nil

	default:
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.MethodNotFound,
			Message: fmt.Sprintf("method not found: %s", method),
		}
	}
}

// selectPermissionOption picks the option to auto-approve with:
// allow_always when offered, otherwise the first option of any allow kind,
// otherwise the first option.
func selectPermissionOption(options []jsonrpc.PermissionOption) string {
	allowID := ""
	for _, opt := range options {
		if opt.Kind == "allow_always" {
			return opt.OptionID
		}
		if allowID == "" && strings.HasPrefix(opt.Kind, "allow") {
			allowID = opt.OptionID
		}
	}
	if allowID != "" {
		return allowID
	}
	if len(options) > 0 {
		return options[0].OptionID
	}
	return ""
}

// readTextFile reads a file, optionally slicing from a 1-based start line
// with a line-count limit.
func readTextFile(path string, line, limit *int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := string(data)

	if line == nil {
		return text, nil
	}

	lines := strings.SplitAfter(text, "\n")
	// SplitAfter leaves a trailing empty element when the file ends with \n.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	start := *line - 1
	if start < 0 {
		start = 0
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit != nil && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], ""), nil
}

func writeTextFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func invalidParams(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()}
}

func internalError(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.InternalError, Message: err.Error()}
}
