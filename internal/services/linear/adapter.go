package linear

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/bridge"
	"github.com/acpbridge/acpbridge/internal/common/logger"
)

// webhookMaxAge bounds how stale an accepted webhook may be.
const webhookMaxAge = time.Minute

// sessionManager is the slice of bridge.Manager the adapter drives.
type sessionManager interface {
	HandleNewSession(ctx context.Context, adapter bridge.ServiceAdapter, req bridge.BridgeSessionRequest)
	HandleFollowup(ctx context.Context, externalID, prompt string) error
	HandleStop(ctx context.Context, externalID string) error
}

// Config holds Linear adapter settings.
type Config struct {
	AccessToken   string
	WebhookSecret string

	// AgentName qualifies the adapter for a non-default agent: routes move
	// to /webhooks/linear/<agent> and the service name becomes
	// "linear:<agent>". Empty means the default agent.
	AgentName string
}

// Adapter implements bridge.ServiceAdapter for Linear's Agents API.
type Adapter struct {
	cfg     Config
	manager sessionManager
	api     *APIClient
	log     *logger.Logger

	bufMu   sync.Mutex
	buffers map[string]*strings.Builder
}

// NewAdapter creates a Linear adapter bound to the session manager.
func NewAdapter(cfg Config, manager sessionManager, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	return &Adapter{
		cfg:     cfg,
		manager: manager,
		api:     NewAPIClient(cfg.AccessToken, log),
		log:     log.WithService("linear"),
		buffers: make(map[string]*strings.Builder),
	}
}

func (a *Adapter) ServiceName() string {
	if a.cfg.AgentName == "" {
		return "linear"
	}
	return "linear:" + a.cfg.AgentName
}

// RegisterRoutes mounts the webhook endpoint.
func (a *Adapter) RegisterRoutes(router *gin.Engine) {
	path := "/webhooks/linear"
	if a.cfg.AgentName != "" {
		path += "/" + a.cfg.AgentName
	}
	router.POST(path, a.handleWebhook)
}

// Start is a no-op: Linear delivers events over webhooks.
func (a *Adapter) Start(ctx context.Context) error { return nil }

// Close has nothing to release.
func (a *Adapter) Close(ctx context.Context) error { return nil }

// handleWebhook verifies and dispatches one webhook delivery. Linear
// expects a response within 5 seconds, so session work runs in the
// background.
func (a *Adapter) handleWebhook(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if a.cfg.WebhookSecret != "" &&
		!VerifySignature(rawBody, c.GetHeader("Linear-Signature"), a.cfg.WebhookSecret) {
		a.log.Warn("Invalid webhook signature")
		c.Status(http.StatusBadRequest)
		return
	}

	var payload SessionEventPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		a.log.Warn("Failed to parse webhook payload", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	if !VerifyTimestamp(payload.WebhookTimestamp, webhookMaxAge) {
		a.log.Warn("Webhook timestamp too old", zap.Int64("timestamp", payload.WebhookTimestamp))
		c.Status(http.StatusBadRequest)
		return
	}

	a.log.Info("Webhook received",
		zap.String("type", payload.Type),
		zap.String("action", payload.Action))

	if payload.Type == "AgentSessionEvent" {
		switch payload.Action {
		case "created":
			go a.handleCreated(payload)
		case "prompted":
			go a.handlePrompted(payload)
		}
	}

	c.Status(http.StatusOK)
}

func (a *Adapter) handleCreated(payload SessionEventPayload) {
	if payload.AgentSession == nil {
		a.log.Warn("No agentSession in created payload")
		return
	}
	sessionID := payload.AgentSession.ID

	prompt := payload.PromptContext
	var issueTitle string
	if issue := payload.AgentSession.Issue; issue != nil {
		issueTitle = issue.Title
		if issueTitle == "" {
			issueTitle = issue.Identifier
		}
		if prompt == "" {
			prompt = "Issue: " + issueTitle
		}
	}

	descriptiveName := issueTitle
	if descriptiveName == "" {
		descriptiveName = "linear-task"
	}

	a.maybeStartIssue(payload)

	a.manager.HandleNewSession(context.Background(), a, bridge.BridgeSessionRequest{
		ExternalSessionID: sessionID,
		ServiceName:       a.ServiceName(),
		Prompt:            prompt,
		DescriptiveName:   descriptiveName,
		AgentName:         a.cfg.AgentName,
	})
}

func (a *Adapter) handlePrompted(payload SessionEventPayload) {
	if payload.AgentSession == nil {
		a.log.Warn("No agentSession in prompted payload")
		return
	}
	sessionID := payload.AgentSession.ID
	ctx := context.Background()

	if activity := payload.AgentActivity; activity != nil && activity.Signal == "stop" {
		if err := a.manager.HandleStop(ctx, sessionID); err != nil {
			a.log.Warn("Stop signal for unknown session",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		if err := a.api.CreateActivity(ctx, sessionID, ActivityInput{
			Type: "response",
			Body: "Stopped as requested.",
		}); err != nil {
			a.log.Error("Failed to acknowledge stop", zap.Error(err))
		}
		return
	}

	// The user's message lives in content.body, then body, then the
	// prompt context.
	var prompt string
	if activity := payload.AgentActivity; activity != nil {
		if activity.Content != nil && activity.Content.Body != "" {
			prompt = activity.Content.Body
		} else if activity.Body != "" {
			prompt = activity.Body
		}
	}
	if prompt == "" {
		prompt = payload.PromptContext
	}
	if prompt == "" {
		a.log.Warn("Empty prompt in prompted webhook", zap.String("session_id", sessionID))
		return
	}

	if err := a.manager.HandleFollowup(ctx, sessionID, prompt); err != nil {
		a.log.Warn("Follow-up for unknown session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		if sendErr := a.SendError(ctx, sessionID, "No active session to continue."); sendErr != nil {
			a.log.Error("Failed to report missing session", zap.Error(sendErr))
		}
	}
}

// SendUpdate translates a bridge update into Linear agent activities.
// Message text accumulates here and ships as the final response.
func (a *Adapter) SendUpdate(ctx context.Context, sessionID string, update bridge.BridgeUpdate) error {
	switch update.Type {
	case bridge.UpdateThought:
		return a.api.CreateActivity(ctx, sessionID, ActivityInput{
			Type:      "thought",
			Body:      update.Content,
			Ephemeral: true,
		})

	case bridge.UpdateMessageChunk:
		a.bufMu.Lock()
		buf, ok := a.buffers[sessionID]
		if !ok {
			buf = &strings.Builder{}
			a.buffers[sessionID] = buf
		}
		buf.WriteString(update.Content)
		a.bufMu.Unlock()
		return nil

	case bridge.UpdateToolCall:
		var parameter string
		if locations, ok := update.Metadata["locations"].([]string); ok {
			parameter = strings.Join(locations, ", ")
		}
		return a.api.CreateActivity(ctx, sessionID, ActivityInput{
			Type:      "action",
			Action:    update.Content,
			Parameter: parameter,
			Ephemeral: true,
		})

	case bridge.UpdatePlan:
		steps := planSteps(update.Metadata)
		if len(steps) == 0 {
			return nil
		}
		return a.api.UpdateSessionPlan(ctx, sessionID, steps)
	}
	return nil
}

// SendCompletion posts the final response: the accumulated agent message
// when there is one, the bridge's summary otherwise.
func (a *Adapter) SendCompletion(ctx context.Context, sessionID, message string) error {
	body := a.takeBuffer(sessionID)
	if body == "" {
		body = message
	}
	return a.api.CreateActivity(ctx, sessionID, ActivityInput{Type: "response", Body: body})
}

// SendError posts an error activity and drops any buffered message text.
func (a *Adapter) SendError(ctx context.Context, sessionID, errMsg string) error {
	a.takeBuffer(sessionID)
	return a.api.CreateActivity(ctx, sessionID, ActivityInput{Type: "error", Body: errMsg})
}

func (a *Adapter) takeBuffer(sessionID string) string {
	a.bufMu.Lock()
	defer a.bufMu.Unlock()
	buf, ok := a.buffers[sessionID]
	if !ok {
		return ""
	}
	delete(a.buffers, sessionID)
	return buf.String()
}

// maybeStartIssue moves the attached issue to the team's first "started"
// workflow state.
func (a *Adapter) maybeStartIssue(payload SessionEventPayload) {
	if payload.AgentSession == nil || payload.AgentSession.Issue == nil {
		return
	}
	issue := payload.AgentSession.Issue
	if issue.TeamID == "" {
		return
	}

	ctx := context.Background()
	stateID, err := a.api.StartedState(ctx, issue.TeamID)
	if err != nil || stateID == "" {
		if err != nil {
			a.log.Warn("Failed to look up started state", zap.Error(err))
		}
		return
	}
	if err := a.api.UpdateIssueState(ctx, issue.ID, stateID); err != nil {
		a.log.Warn("Failed to move issue to started state",
			zap.String("issue_id", issue.ID),
			zap.Error(err))
	}
}

// planSteps maps router plan entries to Linear plan statuses.
func planSteps(metadata map[string]interface{}) []PlanStep {
	entries, ok := metadata["entries"].([]map[string]interface{})
	if !ok {
		return nil
	}
	statusMap := map[string]string{
		"pending":     "pending",
		"in_progress": "inProgress",
		"completed":   "completed",
	}

	steps := make([]PlanStep, 0, len(entries))
	for _, entry := range entries {
		content, _ := entry["content"].(string)
		status, _ := entry["status"].(string)
		linearStatus, ok := statusMap[status]
		if !ok {
			linearStatus = "pending"
		}
		steps = append(steps, PlanStep{Content: content, Status: linearStatus})
	}
	return steps
}
