// Package linear bridges Linear's Agents API to ACP sessions: agent
// session webhooks come in, agent activities go back out over GraphQL.
package linear

// Issue is the issue attached to an agent session.
type Issue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	TeamID     string `json:"teamId"`
}

// Comment is a Linear comment reference in webhook payloads.
type Comment struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// ActivityContent is the content object on a user-authored activity.
type ActivityContent struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

// AgentActivity is the user activity that triggered a prompted webhook.
type AgentActivity struct {
	ID      string           `json:"id"`
	Body    string           `json:"body"`
	Signal  string           `json:"signal"`
	Content *ActivityContent `json:"content"`
}

// AgentSession identifies the Linear agent session the event belongs to.
type AgentSession struct {
	ID      string   `json:"id"`
	Issue   *Issue   `json:"issue"`
	Comment *Comment `json:"comment"`
}

// SessionEventPayload is the AgentSessionEvent webhook body.
type SessionEventPayload struct {
	Type             string         `json:"type"`
	Action           string         `json:"action"` // created, prompted
	AgentSession     *AgentSession  `json:"agentSession"`
	AgentActivity    *AgentActivity `json:"agentActivity"`
	PromptContext    string         `json:"promptContext"`
	Guidance         string         `json:"guidance"`
	OrganizationID   string         `json:"organizationId"`
	WebhookTimestamp int64          `json:"webhookTimestamp"` // unix milliseconds
	WebhookID        string         `json:"webhookId"`
}

// PlanStep is one entry of a session plan. Status is Linear's vocabulary:
// pending, inProgress, completed, canceled.
type PlanStep struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}
