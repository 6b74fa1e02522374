// Package bridge connects external collaboration services to ACP coding
// agents: adapters translate service events into session requests, the
// manager drives agent turns and the router shapes agent output back into
// service updates.
package bridge

import "encoding/json"

// Update types emitted towards service adapters.
const (
	UpdateThought      = "thought"
	UpdateMessageChunk = "message_chunk"
	UpdateToolCall     = "tool_call"
	UpdatePlan         = "plan"
	UpdateError        = "error"
)

// BridgeUpdate is a service-agnostic update from the agent. Metadata
// carries type-specific detail (tool call state, plan entries).
type BridgeUpdate struct {
	Type     string                 `json:"type"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// BridgeSessionRequest is a service-agnostic request to start or continue
// an agent session, produced by adapters from incoming service events.
type BridgeSessionRequest struct {
	// ExternalSessionID identifies the session on the service side, e.g. a
	// Linear agent session id or "slack:<channel>:<thread_ts>".
	ExternalSessionID string

	// ServiceName is the adapter identity, "<service>" or "<service>:<agent>".
	ServiceName string

	// Prompt is the user's message or issue context.
	Prompt string

	// DescriptiveName seeds branch naming (issue title, thread subject).
	DescriptiveName string

	// AgentName selects a configured agent; empty means the default.
	AgentName string

	// Repo is the "owner/name" repository to work in; empty falls back to
	// the configured default.
	Repo string

	// InstallationID is the GitHub App installation that scopes tokens for
	// this session.
	InstallationID int64

	// ServiceMetadata is adapter-specific state persisted with the session.
	ServiceMetadata map[string]interface{}
}

// PersistedSession is the on-disk record of a session. Fields written by
// newer builds survive a round-trip through older ones: unknown keys are
// carried in the raw document and merged back on marshal.
type PersistedSession struct {
	ExternalSessionID string                 `json:"external_session_id"`
	ServiceName       string                 `json:"service_name"`
	ACPSessionID      string                 `json:"acp_session_id"`
	Cwd               string                 `json:"cwd"`
	BranchName        string                 `json:"branch_name,omitempty"`
	AgentName         string                 `json:"agent_name,omitempty"`
	Repo              string                 `json:"github_repo,omitempty"`
	InstallationID    int64                  `json:"github_installation_id,omitempty"`
	ServiceMetadata   map[string]interface{} `json:"service_metadata,omitempty"`

	raw json.RawMessage
}

func (s *PersistedSession) UnmarshalJSON(data []byte) error {
	type plain PersistedSession
	if err := json.Unmarshal(data, (*plain)(s)); err != nil {
		return err
	}
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s PersistedSession) MarshalJSON() ([]byte, error) {
	type plain PersistedSession
	known, err := json.Marshal(plain(s))
	if err != nil {
		return nil, err
	}
	if len(s.raw) == 0 {
		return known, nil
	}

	// Start from the original document so fields this build does not know
	// about are preserved, then overlay the known fields.
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(s.raw, &merged); err != nil {
		return known, nil
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}
