package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/bridge"
	"github.com/acpbridge/acpbridge/internal/common/logger"
)

// sessionManager is the slice of bridge.Manager the adapter drives.
type sessionManager interface {
	HandleNewSession(ctx context.Context, adapter bridge.ServiceAdapter, req bridge.BridgeSessionRequest)
	HandleFollowup(ctx context.Context, externalID, prompt string) error
	HandleStop(ctx context.Context, externalID string) error
	SessionsForService(serviceName string) map[string]*bridge.ActiveSession
	UpdateSessionMetadata(externalID string, metadata map[string]interface{})
}

// Config holds GitHub adapter settings.
type Config struct {
	WebhookSecret string

	// BotLogin is the App's comment author ("my-app[bot]"). Left empty, it
	// is detected from the App slug at Start.
	BotLogin string

	// AgentName qualifies the adapter for a non-default agent.
	AgentName string
}

// sessionState is the adapter-side view of one issue or PR conversation:
// where the progress comment lives and what has been rendered into it.
type sessionState struct {
	owner          string
	repo           string
	issueNumber    int
	pullNumber     int
	installationID int64

	triggerCommentID int64 // 0 when the issue body itself triggered us
	isReviewComment  bool

	progressCommentID int64
	lastThought       string
	toolLines         []string
	planBlock         string
	messageBuf        strings.Builder
}

// Adapter implements bridge.ServiceAdapter for GitHub issues and PRs. A
// session is keyed "github:<owner/repo>:<number>" so every comment on the
// same conversation lands in the same agent session.
type Adapter struct {
	cfg     Config
	manager sessionManager
	auth    *AppAuth
	api     *APIClient
	log     *logger.Logger

	botLogin string
	mention  *regexp.Regexp

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewAdapter creates a GitHub adapter bound to the session manager.
func NewAdapter(cfg Config, manager sessionManager, auth *AppAuth, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	a := &Adapter{
		cfg:      cfg,
		manager:  manager,
		auth:     auth,
		api:      NewAPIClient(auth, log),
		log:      log.WithService("github"),
		sessions: make(map[string]*sessionState),
	}
	a.setBotLogin(cfg.BotLogin)
	return a
}

func (a *Adapter) ServiceName() string {
	if a.cfg.AgentName == "" {
		return "github"
	}
	return "github:" + a.cfg.AgentName
}

// RegisterRoutes mounts the webhook endpoint.
func (a *Adapter) RegisterRoutes(router *gin.Engine) {
	path := "/webhooks/github"
	if a.cfg.AgentName != "" {
		path += "/" + a.cfg.AgentName
	}
	router.POST(path, a.handleWebhook)
}

// Start resolves the bot login from the App slug when it was not
// configured. Without it the adapter cannot recognize @mentions and
// ignores all traffic from bot accounts.
func (a *Adapter) Start(ctx context.Context) error {
	if a.botLogin != "" {
		return nil
	}
	slug, err := a.auth.AppSlug(ctx)
	if err != nil {
		a.log.Warn("Failed to resolve App slug; mention detection disabled until configured", zap.Error(err))
		return nil
	}
	a.setBotLogin(slug + "[bot]")
	a.log.Info("Detected bot login", zap.String("bot_login", a.botLogin))
	return nil
}

// Close has nothing to release.
func (a *Adapter) Close(ctx context.Context) error { return nil }

func (a *Adapter) setBotLogin(login string) {
	a.botLogin = login
	if login == "" {
		a.mention = nil
		return
	}
	slug := strings.TrimSuffix(login, "[bot]")
	a.mention = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(slug) + `(?:\[bot\])?\s*`)
}

// RestorePersistedSessions rebuilds per-conversation state for sessions the
// manager restored from disk, so follow-up comments after a restart keep
// editing the right progress comments.
func (a *Adapter) RestorePersistedSessions() {
	restored := a.manager.SessionsForService(a.ServiceName())

	a.mu.Lock()
	defer a.mu.Unlock()
	for key, active := range restored {
		st := stateFromMetadata(active.ServiceMetadata)
		if st == nil {
			a.log.Warn("Restored session has no usable metadata", zap.String("session", key))
			continue
		}
		a.sessions[key] = st
	}
	if len(restored) > 0 {
		a.log.Info("Restored conversation state", zap.Int("count", len(restored)))
	}
}

// handleWebhook verifies and dispatches one delivery. GitHub expects a
// quick response, so session work runs in the background.
func (a *Adapter) handleWebhook(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if a.cfg.WebhookSecret != "" &&
		!VerifySignature(rawBody, c.GetHeader("X-Hub-Signature-256"), a.cfg.WebhookSecret) {
		a.log.Warn("Invalid webhook signature")
		c.Status(http.StatusBadRequest)
		return
	}

	event := c.GetHeader("X-GitHub-Event")
	a.log.Info("Webhook received", zap.String("event", event))

	switch event {
	case "ping":
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
		return
	case "issues":
		var payload IssuesPayload
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		go a.handleIssueOpened(payload)
	case "issue_comment":
		var payload IssueCommentPayload
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		go a.handleIssueComment(payload)
	case "pull_request_review_comment":
		var payload ReviewCommentPayload
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		go a.handleReviewComment(payload)
	}

	c.Status(http.StatusOK)
}

func (a *Adapter) handleIssueOpened(payload IssuesPayload) {
	if payload.Action != "opened" || payload.Installation == nil {
		return
	}
	prompt, mentioned := a.extractPrompt(payload.Issue.Body)
	if !mentioned {
		return
	}
	owner, repoName, ok := splitFullName(payload.Repository.FullName)
	if !ok {
		return
	}

	ctx := context.Background()
	st := &sessionState{
		owner:          owner,
		repo:           repoName,
		issueNumber:    payload.Issue.Number,
		installationID: payload.Installation.ID,
	}
	a.api.CreateIssueReaction(ctx, owner, repoName, st.issueNumber, "eyes", st.installationID)

	if prompt == "" {
		prompt = payload.Issue.Title
	}
	fullPrompt := fmt.Sprintf("GitHub issue #%d: %s\n\n%s", payload.Issue.Number, payload.Issue.Title, prompt)
	a.startOrContinue(ctx, payload.Repository.FullName, st, fullPrompt, payload.Issue.Title)
}

func (a *Adapter) handleIssueComment(payload IssueCommentPayload) {
	if payload.Action != "created" || payload.Installation == nil {
		return
	}
	if a.isBotComment(payload.Comment.User) {
		return
	}
	prompt, mentioned := a.extractPrompt(payload.Comment.Body)
	if !mentioned || prompt == "" {
		return
	}
	owner, repoName, ok := splitFullName(payload.Repository.FullName)
	if !ok {
		return
	}

	ctx := context.Background()
	st := &sessionState{
		owner:            owner,
		repo:             repoName,
		issueNumber:      payload.Issue.Number,
		installationID:   payload.Installation.ID,
		triggerCommentID: payload.Comment.ID,
	}
	a.api.CreateCommentReaction(ctx, owner, repoName, st.triggerCommentID, "eyes", st.installationID, false)
	a.startOrContinue(ctx, payload.Repository.FullName, st, prompt, payload.Issue.Title)
}

func (a *Adapter) handleReviewComment(payload ReviewCommentPayload) {
	if payload.Action != "created" || payload.Installation == nil {
		return
	}
	if a.isBotComment(payload.Comment.User) {
		return
	}
	prompt, mentioned := a.extractPrompt(payload.Comment.Body)
	if !mentioned || prompt == "" {
		return
	}
	owner, repoName, ok := splitFullName(payload.Repository.FullName)
	if !ok {
		return
	}

	ctx := context.Background()
	st := &sessionState{
		owner:            owner,
		repo:             repoName,
		issueNumber:      payload.PullRequest.Number,
		pullNumber:       payload.PullRequest.Number,
		installationID:   payload.Installation.ID,
		triggerCommentID: payload.Comment.ID,
		isReviewComment:  true,
	}
	a.api.CreateCommentReaction(ctx, owner, repoName, st.triggerCommentID, "eyes", st.installationID, true)

	fullPrompt := fmt.Sprintf("Review comment on %s (line %d):\n```\n%s\n```\n\n%s",
		payload.Comment.Path, payload.Comment.Line, payload.Comment.DiffHunk, prompt)
	a.startOrContinue(ctx, payload.Repository.FullName, st, fullPrompt, payload.PullRequest.Title)
}

// startOrContinue posts the progress comment, then either follows up on a
// known conversation or starts a fresh session keyed on it.
func (a *Adapter) startOrContinue(ctx context.Context, fullName string, st *sessionState, prompt, descriptiveName string) {
	key := sessionKey(fullName, st.issueNumber)
	log := a.log.WithSessionID(key)

	if err := a.postProgressComment(ctx, st, "_Thinking..._"); err != nil {
		log.Error("Failed to post progress comment", zap.Error(err))
	}

	a.mu.Lock()
	_, known := a.sessions[key]
	a.sessions[key] = st
	a.mu.Unlock()

	if known {
		a.manager.UpdateSessionMetadata(key, st.metadata())
		if err := a.manager.HandleFollowup(ctx, key, prompt); err == nil {
			return
		}
		log.Warn("Conversation known but session missing; starting a new one")
	}

	a.manager.HandleNewSession(ctx, a, bridge.BridgeSessionRequest{
		ExternalSessionID: key,
		ServiceName:       a.ServiceName(),
		Prompt:            prompt,
		DescriptiveName:   descriptiveName,
		AgentName:         a.cfg.AgentName,
		Repo:              fullName,
		InstallationID:    st.installationID,
		ServiceMetadata:   st.metadata(),
	})
}

// SendUpdate renders agent progress into the progress comment, editing it
// in place. Message text accumulates and ships with the completion.
func (a *Adapter) SendUpdate(ctx context.Context, externalID string, update bridge.BridgeUpdate) error {
	a.mu.Lock()
	st, ok := a.sessions[externalID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("no conversation state for %s", externalID)
	}

	switch update.Type {
	case bridge.UpdateThought:
		st.lastThought = update.Content
	case bridge.UpdateMessageChunk:
		st.messageBuf.WriteString(update.Content)
		a.mu.Unlock()
		return nil
	case bridge.UpdateToolCall:
		line := "- `" + update.Content + "`"
		if locations, ok := update.Metadata["locations"].([]string); ok && len(locations) > 0 {
			line += " (" + strings.Join(locations, ", ") + ")"
		}
		st.toolLines = append(st.toolLines, line)
	case bridge.UpdatePlan:
		st.planBlock = renderPlan(update.Metadata)
	default:
		a.mu.Unlock()
		return nil
	}
	body := renderProgress(st)
	a.mu.Unlock()

	return a.editProgressComment(ctx, st, body)
}

// SendCompletion replaces the progress comment with the agent's final
// message and thanks the trigger with a rocket.
func (a *Adapter) SendCompletion(ctx context.Context, externalID, message string) error {
	a.mu.Lock()
	st, ok := a.sessions[externalID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("no conversation state for %s", externalID)
	}
	body := st.messageBuf.String()
	st.messageBuf.Reset()
	st.lastThought = ""
	st.toolLines = nil
	st.planBlock = ""
	a.mu.Unlock()

	if body == "" {
		body = message
	}
	if err := a.editProgressComment(ctx, st, body); err != nil {
		return err
	}
	a.react(ctx, st, "rocket")
	return nil
}

// SendError surfaces a failure in the progress comment.
func (a *Adapter) SendError(ctx context.Context, externalID, errMsg string) error {
	a.mu.Lock()
	st, ok := a.sessions[externalID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("no conversation state for %s", externalID)
	}
	st.messageBuf.Reset()
	a.mu.Unlock()

	if err := a.editProgressComment(ctx, st, "**Error:** "+errMsg); err != nil {
		return err
	}
	a.react(ctx, st, "confused")
	return nil
}

func (a *Adapter) postProgressComment(ctx context.Context, st *sessionState, body string) error {
	var comment *Comment
	var err error
	if st.isReviewComment {
		comment, err = a.api.CreateReviewCommentReply(ctx, st.owner, st.repo, st.pullNumber, st.triggerCommentID, body, st.installationID)
	} else {
		comment, err = a.api.CreateComment(ctx, st.owner, st.repo, st.issueNumber, body, st.installationID)
	}
	if err != nil {
		return err
	}
	a.mu.Lock()
	st.progressCommentID = comment.ID
	a.mu.Unlock()
	return nil
}

func (a *Adapter) editProgressComment(ctx context.Context, st *sessionState, body string) error {
	a.mu.Lock()
	commentID := st.progressCommentID
	a.mu.Unlock()
	if commentID == 0 {
		return a.postProgressComment(ctx, st, body)
	}

	var err error
	if st.isReviewComment {
		_, err = a.api.UpdateReviewComment(ctx, st.owner, st.repo, commentID, body, st.installationID)
	} else {
		_, err = a.api.UpdateComment(ctx, st.owner, st.repo, commentID, body, st.installationID)
	}
	return err
}

func (a *Adapter) react(ctx context.Context, st *sessionState, reaction string) {
	if st.triggerCommentID != 0 {
		a.api.CreateCommentReaction(ctx, st.owner, st.repo, st.triggerCommentID, reaction, st.installationID, st.isReviewComment)
		return
	}
	a.api.CreateIssueReaction(ctx, st.owner, st.repo, st.issueNumber, reaction, st.installationID)
}

// extractPrompt strips the bot @mention from text and returns the rest.
// mentioned is false when the text never addresses the bot, or when the
// bot login is still unknown.
func (a *Adapter) extractPrompt(text string) (prompt string, mentioned bool) {
	if a.mention == nil || !a.mention.MatchString(text) {
		return "", false
	}
	return strings.TrimSpace(a.mention.ReplaceAllString(text, "")), true
}

// isBotComment filters the adapter's own comments (and, until the bot login
// is known, all bot traffic) to avoid webhook feedback loops.
func (a *Adapter) isBotComment(user User) bool {
	if user.Type != "Bot" {
		return false
	}
	return a.botLogin == "" || strings.EqualFold(user.Login, a.botLogin)
}

func (st *sessionState) metadata() map[string]interface{} {
	return map[string]interface{}{
		"owner":               st.owner,
		"repo":                st.repo,
		"issue_number":        st.issueNumber,
		"pull_number":         st.pullNumber,
		"installation_id":     st.installationID,
		"trigger_comment_id":  st.triggerCommentID,
		"is_review_comment":   st.isReviewComment,
		"progress_comment_id": st.progressCommentID,
	}
}

// stateFromMetadata rebuilds conversation state from persisted metadata.
// Numbers arrive as float64 after a JSON round trip.
func stateFromMetadata(meta map[string]interface{}) *sessionState {
	owner, _ := meta["owner"].(string)
	repoName, _ := meta["repo"].(string)
	if owner == "" || repoName == "" {
		return nil
	}
	isReview, _ := meta["is_review_comment"].(bool)
	return &sessionState{
		owner:             owner,
		repo:              repoName,
		issueNumber:       int(metaInt64(meta, "issue_number")),
		pullNumber:        int(metaInt64(meta, "pull_number")),
		installationID:    metaInt64(meta, "installation_id"),
		triggerCommentID:  metaInt64(meta, "trigger_comment_id"),
		isReviewComment:   isReview,
		progressCommentID: metaInt64(meta, "progress_comment_id"),
	}
}

func metaInt64(meta map[string]interface{}, key string) int64 {
	switch v := meta[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func renderProgress(st *sessionState) string {
	var b strings.Builder
	if st.lastThought != "" {
		b.WriteString("_Thinking: " + st.lastThought + "_")
	} else {
		b.WriteString("_Thinking..._")
	}
	if st.planBlock != "" {
		b.WriteString("\n\n**Plan:**\n" + st.planBlock)
	}
	if len(st.toolLines) > 0 {
		b.WriteString("\n\n" + strings.Join(st.toolLines, "\n"))
	}
	return b.String()
}

// renderPlan formats router plan entries as a task list.
func renderPlan(metadata map[string]interface{}) string {
	entries, ok := metadata["entries"].([]map[string]interface{})
	if !ok {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		content, _ := entry["content"].(string)
		status, _ := entry["status"].(string)
		box := "[ ]"
		if status == "completed" {
			box = "[x]"
		}
		lines = append(lines, "- "+box+" "+content)
	}
	return strings.Join(lines, "\n")
}

func sessionKey(fullName string, number int) string {
	return fmt.Sprintf("github:%s:%d", fullName, number)
}

func splitFullName(fullName string) (owner, repo string, ok bool) {
	owner, repo, ok = strings.Cut(fullName, "/")
	return owner, repo, ok && owner != "" && repo != ""
}
