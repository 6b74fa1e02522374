// Package jsonrpc implements JSON-RPC 2.0 protocol for ACP (Agent Client Protocol)
package jsonrpc

import "encoding/json"

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`      // Always "2.0"
	ID      interface{}     `json:"id,omitempty"` // Request ID (int or string), omit for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"` // Always "2.0"
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so RPC failures can be returned
// directly from Call.
func (e *Error) Error() string {
	return e.Message
}

// Notification represents a JSON-RPC 2.0 notification (no ID, no response expected)
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ProtocolVersion is the ACP protocol version this client speaks.
const ProtocolVersion = 1

// ACP Methods
const (
	// Client -> Agent methods
	MethodInitialize    = "initialize"
	MethodAuthenticate  = "authenticate"
	MethodSessionNew    = "session/new"
	MethodSessionLoad   = "session/load"
	MethodSessionResume = "session/resume"
	MethodSessionPrompt = "session/prompt"
	MethodShutdown      = "shutdown"

	// Client -> Agent notifications
	NotificationSessionCancel = "session/cancel"
	NotificationExit          = "exit"

	// Agent -> Client notifications
	NotificationSessionUpdate = "session/update"

	// Agent -> Client requests (require response)
	MethodRequestPermission = "session/request_permission"
	MethodFsReadTextFile    = "fs/read_text_file"
	MethodFsWriteTextFile   = "fs/write_text_file"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalWait      = "terminal/wait_for_exit"
	MethodTerminalKill      = "terminal/kill"
	MethodTerminalRelease   = "terminal/release"
)

// Stop reasons returned by session/prompt
const (
	StopReasonEndTurn         = "end_turn"
	StopReasonMaxTokens       = "max_tokens"
	StopReasonMaxTurnRequests = "max_turn_requests"
	StopReasonRefusal         = "refusal"
	StopReasonCancelled       = "cancelled"
)

// InitializeParams for initialize method
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientInfo         *Implementation    `json:"clientInfo,omitempty"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// Implementation identifies a client or agent implementation
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// ClientCapabilities describes what the client supports
type ClientCapabilities struct {
	FS       FileSystemCapability `json:"fs"`
	Terminal bool                 `json:"terminal,omitempty"`
}

// FileSystemCapability describes the client's filesystem delegation support
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult from initialize method
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentInfo         *Implementation   `json:"agentInfo,omitempty"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []AuthMethod      `json:"authMethods,omitempty"`
}

// AgentCapabilities describes what the agent supports
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

// AuthMethod describes an authentication method advertised by the agent
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// SessionNewParams for session/new method
type SessionNewParams struct {
	Cwd        string      `json:"cwd"`        // Working directory for the session
	McpServers []McpServer `json:"mcpServers"` // MCP servers (required, can be empty array)
}

// McpServer configuration for MCP servers
// Supports both stdio (command+args) and remote (url+type) transports
type McpServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"` // For stdio transport
	Args    []string `json:"args,omitempty"`    // For stdio transport
	URL     string   `json:"url,omitempty"`     // For HTTP/SSE transport
	Type    string   `json:"type,omitempty"`    // "sse" or "http" for remote transport
}

// SessionNewResult from session/new method
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// SessionLoadParams for session/load (and session/resume) methods
type SessionLoadParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// ContentBlock represents a content block in ACP protocol
// The prompt field in session/prompt is an array of ContentBlock
type ContentBlock struct {
	Type string `json:"type"`           // "text", "resource", "image", etc.
	Text string `json:"text,omitempty"` // For type="text"
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// SessionPromptParams for session/prompt method
// According to ACP protocol, prompt is an array of ContentBlock, not a string
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"` // Session ID from session/new
	Prompt    []ContentBlock `json:"prompt"`    // Array of content blocks
}

// SessionPromptResult from session/prompt method
type SessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

// SessionCancelParams for session/cancel notification
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// Session update kinds carried in the sessionUpdate discriminator
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// SessionUpdateParams is the session/update notification payload
type SessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is the tagged union inside session/update, discriminated by
// the sessionUpdate field. Unused members stay at their zero values.
type SessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	// agent_message_chunk / agent_thought_chunk / user_message_chunk
	Content *ContentBlock `json:"content,omitempty"`

	// tool_call / tool_call_update
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`   // read, edit, execute, fetch, ...
	Status     string          `json:"status,omitempty"` // pending, in_progress, completed, failed
	Locations  []ToolLocation  `json:"locations,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`

	// plan
	Entries []PlanEntry `json:"entries,omitempty"`
}

// ToolLocation points at a file a tool call touches
type ToolLocation struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// PlanEntry is one step of an agent plan update
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status"` // pending, in_progress, completed
}

// RequestPermissionParams for session/request_permission request from agent
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// ToolCallRef contains tool call information in permission requests
type ToolCallRef struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
}

// PermissionOption represents a permission choice
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// RequestPermissionResult is the response to session/request_permission
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome represents the decision
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`            // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"` // Only present when outcome="selected"
}

// FsReadTextFileParams for fs/read_text_file
type FsReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`  // 1-based start line
	Limit     *int   `json:"limit,omitempty"` // max number of lines
}

// FsReadTextFileResult for fs/read_text_file
type FsReadTextFileResult struct {
	Content string `json:"content"`
}

// FsWriteTextFileParams for fs/write_text_file
type FsWriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// TerminalCreateParams for terminal/create
type TerminalCreateParams struct {
	SessionID string   `json:"sessionId"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Env       []EnvVar `json:"env,omitempty"`
}

// EnvVar is a name/value pair for terminal/create
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TerminalCreateResult for terminal/create
type TerminalCreateResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalIDParams is shared by terminal/output, wait_for_exit, kill, release
type TerminalIDParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalOutputResult for terminal/output
type TerminalOutputResult struct {
	Output     string          `json:"output"`
	Truncated  bool            `json:"truncated"`
	ExitStatus *TerminalStatus `json:"exitStatus,omitempty"`
}

// TerminalStatus reports how a terminal's process ended
type TerminalStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// TerminalWaitResult for terminal/wait_for_exit
type TerminalWaitResult struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}
