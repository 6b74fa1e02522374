package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/bridge"
	"github.com/acpbridge/acpbridge/internal/common/logger"
)

// Slack rejects messages past ~40k characters; stay well under it.
const (
	maxMessageLength      = 30000
	retryMaxMessageLength = 10000
	maxThreadContextChars = 20000
	truncationNotice      = "\n\n_(message truncated, too long for Slack)_"
	thinkingText          = ":thinking_face: Thinking..."
)

// mentionPattern strips "<@U12345>" style mentions from message text.
var mentionPattern = regexp.MustCompile(`<@\w+>\s*`)

// sessionManager is the slice of bridge.Manager the adapter drives.
type sessionManager interface {
	HandleNewSession(ctx context.Context, adapter bridge.ServiceAdapter, req bridge.BridgeSessionRequest)
	HandleFollowup(ctx context.Context, externalID, prompt string) error
	HandleStop(ctx context.Context, externalID string) error
	SessionsForService(serviceName string) map[string]*bridge.ActiveSession
	UpdateSessionMetadata(externalID string, metadata map[string]interface{})
}

// Config holds Slack adapter settings.
type Config struct {
	BotToken string
	AppToken string

	// AgentName qualifies the adapter for a non-default agent.
	AgentName string

	// ChannelRepos maps channel ids to the "owner/name" repo sessions in
	// that channel work on. Unmapped channels use the bridge default.
	ChannelRepos map[string]string

	// ChannelPrompts maps channel ids to context prepended to every
	// prompt from that channel.
	ChannelPrompts map[string]string
}

// sessionState tracks one thread conversation: where the progress message
// lives and what it currently shows.
type sessionState struct {
	channel     string
	threadTS    string
	originalTS  string
	progressTS  string
	currentText string
	messageBuf  strings.Builder
}

// Adapter implements bridge.ServiceAdapter for Slack over Socket Mode. A
// session is keyed "slack:<channel>:<thread_ts>" so every message in the
// same thread lands in the same agent session.
type Adapter struct {
	cfg     Config
	manager sessionManager
	api     *APIClient
	socket  *SocketClient
	log     *logger.Logger

	botUserID string

	mu            sync.Mutex
	sessions      map[string]*sessionState
	activeThreads map[string]bool // "<channel>:<thread_ts>"
	nameCache     map[string]string
}

// NewAdapter creates a Slack adapter bound to the session manager.
func NewAdapter(cfg Config, manager sessionManager, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithService("slack")
	a := &Adapter{
		cfg:           cfg,
		manager:       manager,
		api:           NewAPIClient(cfg.BotToken, log),
		log:           log,
		sessions:      make(map[string]*sessionState),
		activeThreads: make(map[string]bool),
		nameCache:     make(map[string]string),
	}
	a.socket = NewSocketClient(cfg.AppToken, a.api, a.handleEnvelope, log)
	return a
}

func (a *Adapter) ServiceName() string {
	if a.cfg.AgentName == "" {
		return "slack"
	}
	return "slack:" + a.cfg.AgentName
}

// RegisterRoutes is a no-op: Socket Mode needs no inbound HTTP surface.
func (a *Adapter) RegisterRoutes(router *gin.Engine) {}

// Start resolves the bot identity and opens the Socket Mode connection.
func (a *Adapter) Start(ctx context.Context) error {
	userID, userName, err := a.api.AuthTest(ctx)
	if err != nil {
		a.log.Error("Failed to resolve bot identity", zap.Error(err))
	} else {
		a.botUserID = userID
		a.log.Info("Slack bot identity",
			zap.String("user_id", userID),
			zap.String("user", userName))
	}

	a.socket.Start(ctx)
	return nil
}

// Close shuts the Socket Mode connection down.
func (a *Adapter) Close(ctx context.Context) error {
	a.socket.Stop(ctx)
	return nil
}

// RestorePersistedSessions rebuilds thread state for sessions the manager
// restored from disk, so follow-up messages after a restart resume their
// conversations.
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
		a.activeThreads[threadKey(st.channel, st.threadTS)] = true
	}
	if len(restored) > 0 {
		a.log.Info("Restored thread state", zap.Int("count", len(restored)))
	}
}

func (a *Adapter) handleEnvelope(envelope EventEnvelope) {
	if envelope.Type != "events_api" {
		return
	}
	var payload eventsAPIPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		a.log.Warn("Unparseable events_api payload", zap.Error(err))
		return
	}
	var event Event
	if err := json.Unmarshal(payload.Event, &event); err != nil {
		a.log.Warn("Unparseable event", zap.Error(err))
		return
	}

	a.log.Debug("Slack event",
		zap.String("type", event.Type),
		zap.String("channel", event.Channel))

	switch event.Type {
	case "app_mention":
		a.handleMention(event)
	case "message":
		a.handleThreadMessage(event)
	}
}

// handleMention starts a new session for an @mention, or ignores it when
// the thread already has one.
func (a *Adapter) handleMention(event Event) {
	ctx := context.Background()
	thread := event.ThreadTS
	if thread == "" {
		thread = event.TS
	}
	key := a.sessionKey(event.Channel, thread)

	a.mu.Lock()
	_, exists := a.sessions[key]
	a.mu.Unlock()
	if exists {
		a.log.Info("Session already exists, ignoring duplicate mention", zap.String("session", key))
		return
	}

	prompt := strings.TrimSpace(mentionPattern.ReplaceAllString(event.Text, ""))
	if prompt == "" {
		if _, err := a.api.PostMessage(ctx, event.Channel,
			"Hi! Please include a message when you @mention me.", thread); err != nil {
			a.log.Error("Failed to post empty-mention reply", zap.Error(err))
		}
		return
	}

	// A mention inside an existing thread brings its history along.
	var threadContext string
	if event.ThreadTS != "" {
		threadContext = a.fetchThreadContext(ctx, event.Channel, thread, event.TS)
	}

	progressTS, err := a.api.PostMessage(ctx, event.Channel, thinkingText, thread)
	if err != nil {
		a.log.Error("Failed to post progress message", zap.Error(err))
		return
	}

	st := &sessionState{
		channel:     event.Channel,
		threadTS:    thread,
		originalTS:  event.TS,
		progressTS:  progressTS,
		currentText: thinkingText,
	}
	a.mu.Lock()
	a.sessions[key] = st
	a.activeThreads[threadKey(event.Channel, thread)] = true
	a.mu.Unlock()

	fullPrompt := prompt
	if channelContext := a.cfg.ChannelPrompts[event.Channel]; channelContext != "" {
		fullPrompt = channelContext + "\n\n" + prompt
	}

	descriptive := prompt
	if len(descriptive) > 60 {
		descriptive = descriptive[:60]
	}

	a.log.Info("New Slack session",
		zap.String("session", key),
		zap.Bool("has_thread_context", threadContext != ""))

	a.manager.HandleNewSession(ctx, a, bridge.BridgeSessionRequest{
		ExternalSessionID: key,
		ServiceName:       a.ServiceName(),
		Prompt:            threadContext + fullPrompt,
		DescriptiveName:   descriptive,
		AgentName:         a.cfg.AgentName,
		Repo:              a.cfg.ChannelRepos[event.Channel],
		ServiceMetadata:   st.metadata(),
	})
}

// handleThreadMessage continues a session when a thread the bot is active
// in gets another @mention.
func (a *Adapter) handleThreadMessage(event Event) {
	if event.Subtype == "bot_message" || event.User == "" ||
		event.BotID != "" || len(event.BotProfile) > 0 {
		return
	}
	if event.ThreadTS == "" {
		return
	}
	if a.botUserID == "" || !strings.Contains(event.Text, "<@"+a.botUserID+">") {
		return
	}

	a.mu.Lock()
	active := a.activeThreads[threadKey(event.Channel, event.ThreadTS)]
	a.mu.Unlock()
	if !active {
		return
	}

	prompt := strings.TrimSpace(mentionPattern.ReplaceAllString(event.Text, ""))
	if prompt == "" {
		return
	}

	ctx := context.Background()
	key := a.sessionKey(event.Channel, event.ThreadTS)
	a.log.Info("Thread follow-up", zap.String("session", key))

	// Follow-ups always get a fresh progress message rather than editing
	// the previous turn's.
	progressTS, err := a.api.PostMessage(ctx, event.Channel, thinkingText, event.ThreadTS)
	if err != nil {
		a.log.Error("Failed to post progress message", zap.Error(err))
		return
	}

	a.mu.Lock()
	st, ok := a.sessions[key]
	if !ok {
		st = &sessionState{channel: event.Channel, threadTS: event.ThreadTS}
		a.sessions[key] = st
	}
	st.originalTS = event.TS
	st.progressTS = progressTS
	st.currentText = thinkingText
	meta := st.metadata()
	a.mu.Unlock()
	a.manager.UpdateSessionMetadata(key, meta)

	threadContext := a.fetchThreadContext(ctx, event.Channel, event.ThreadTS, event.TS)

	if err := a.manager.HandleFollowup(ctx, key, threadContext+prompt); err != nil {
		a.log.Warn("Follow-up for unknown session", zap.String("session", key), zap.Error(err))
		if sendErr := a.SendError(ctx, key, "No active session to continue."); sendErr != nil {
			a.log.Error("Failed to report missing session", zap.Error(sendErr))
		}
	}
}

// SendUpdate renders agent progress into the thread's progress message.
// Message text accumulates and ships with the completion.
func (a *Adapter) SendUpdate(ctx context.Context, externalID string, update bridge.BridgeUpdate) error {
	a.mu.Lock()
	st, ok := a.sessions[externalID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("no thread state for %s", externalID)
	}

	var text string
	switch update.Type {
	case bridge.UpdateThought:
		text = ":thought_balloon: " + update.Content

	case bridge.UpdateMessageChunk:
		st.messageBuf.WriteString(update.Content)
		a.mu.Unlock()
		return nil

	case bridge.UpdateToolCall:
		text = st.currentText + "\n:gear: `" + update.Content + "`"
		text = trimOldLines(text)

	case bridge.UpdatePlan:
		if text = renderPlan(update.Metadata); text == "" {
			a.mu.Unlock()
			return nil
		}

	default:
		a.mu.Unlock()
		return nil
	}
	text = truncateForSlack(text, maxMessageLength)
	st.currentText = text
	channel, ts := st.channel, st.progressTS
	a.mu.Unlock()

	return a.safeUpdateMessage(ctx, channel, ts, text)
}

// SendCompletion replaces the progress message with the agent's final
// response and checks off the triggering mention. Thread state survives
// for follow-ups.
func (a *Adapter) SendCompletion(ctx context.Context, externalID, message string) error {
	a.mu.Lock()
	st, ok := a.sessions[externalID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("no thread state for %s", externalID)
	}
	final := st.messageBuf.String()
	st.messageBuf.Reset()
	channel, progressTS, originalTS := st.channel, st.progressTS, st.originalTS
	a.mu.Unlock()

	if final == "" {
		final = message
	}
	final = truncateForSlack(final, maxMessageLength)

	if err := a.safeUpdateMessage(ctx, channel, progressTS, final); err != nil {
		return err
	}
	a.api.AddReaction(ctx, channel, originalTS, "white_check_mark")
	return nil
}

// SendError surfaces a failure in the progress message and drops any
// buffered response text.
func (a *Adapter) SendError(ctx context.Context, externalID, errMsg string) error {
	a.mu.Lock()
	st, ok := a.sessions[externalID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("no thread state for %s", externalID)
	}
	st.messageBuf.Reset()
	channel, progressTS, originalTS := st.channel, st.progressTS, st.originalTS
	a.mu.Unlock()

	if err := a.safeUpdateMessage(ctx, channel, progressTS, ":x: Error: "+errMsg); err != nil {
		return err
	}
	a.api.AddReaction(ctx, channel, originalTS, "x")
	return nil
}

// safeUpdateMessage edits a message, retrying with a much shorter body
// when Slack rejects it as too long.
func (a *Adapter) safeUpdateMessage(ctx context.Context, channel, ts, text string) error {
	err := a.api.UpdateMessage(ctx, channel, ts, text)
	if err == nil || !isAPIError(err, "msg_too_long") {
		return err
	}
	a.log.Warn("Slack msg_too_long, retrying with shorter text",
		zap.String("channel", channel), zap.String("ts", ts))
	return a.api.UpdateMessage(ctx, channel, ts, truncateForSlack(text, retryMaxMessageLength))
}

// fetchThreadContext formats the thread history as prompt context so the
// agent sees messages from other users. Failures degrade to no context.
func (a *Adapter) fetchThreadContext(ctx context.Context, channel, threadTS, excludeTS string) string {
	replies, err := a.api.ThreadReplies(ctx, channel, threadTS)
	if err != nil {
		a.log.Warn("Failed to fetch thread history", zap.Error(err))
		return ""
	}

	var lines []string
	for _, msg := range replies {
		if msg.TS == excludeTS {
			continue
		}
		name := "bot"
		if msg.User != "" {
			name = a.userName(ctx, msg.User)
		}
		lines = append(lines, name+": "+msg.Text)
	}
	if len(lines) == 0 {
		return ""
	}

	history := strings.Join(lines, "\n")
	if len(history) > maxThreadContextChars {
		history = "...(earlier messages trimmed)...\n" + history[len(history)-maxThreadContextChars:]
	}
	return "Here is the conversation history from this Slack thread:\n\n" + history + "\n\n---\n\n"
}

func (a *Adapter) userName(ctx context.Context, userID string) string {
	a.mu.Lock()
	name, ok := a.nameCache[userID]
	a.mu.Unlock()
	if ok {
		return name
	}

	name = a.api.UserName(ctx, userID)
	a.mu.Lock()
	a.nameCache[userID] = name
	a.mu.Unlock()
	return name
}

func (a *Adapter) sessionKey(channel, threadTS string) string {
	key := fmt.Sprintf("slack:%s:%s", channel, threadTS)
	if a.cfg.AgentName != "" {
		key += ":" + a.cfg.AgentName
	}
	return key
}

func threadKey(channel, threadTS string) string {
	return channel + ":" + threadTS
}

func (st *sessionState) metadata() map[string]interface{} {
	return map[string]interface{}{
		"channel":             st.channel,
		"thread_ts":           st.threadTS,
		"original_ts":         st.originalTS,
		"progress_message_ts": st.progressTS,
	}
}

// stateFromMetadata rebuilds thread state from persisted metadata.
func stateFromMetadata(meta map[string]interface{}) *sessionState {
	channel, _ := meta["channel"].(string)
	threadTS, _ := meta["thread_ts"].(string)
	if channel == "" || threadTS == "" {
		return nil
	}
	originalTS, _ := meta["original_ts"].(string)
	progressTS, _ := meta["progress_message_ts"].(string)
	return &sessionState{
		channel:     channel,
		threadTS:    threadTS,
		originalTS:  originalTS,
		progressTS:  progressTS,
		currentText: thinkingText,
	}
}

// trimOldLines drops lines from the top while the text is over the limit,
// so long turns keep showing the most recent tool calls.
func trimOldLines(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 1 && len(strings.Join(lines, "\n")) > maxMessageLength {
		lines = lines[1:]
	}
	return "_(earlier tool calls trimmed)_\n" + strings.Join(lines, "\n")
}

// renderPlan formats router plan entries with status icons.
func renderPlan(metadata map[string]interface{}) string {
	entries, ok := metadata["entries"].([]map[string]interface{})
	if !ok {
		return ""
	}
	icons := map[string]string{
		"pending":     ":hourglass_flowing_sand:",
		"in_progress": ":arrow_forward:",
		"completed":   ":white_check_mark:",
	}

	var b strings.Builder
	b.WriteString(":clipboard: *Plan:*\n")
	for _, entry := range entries {
		content, _ := entry["content"].(string)
		status, _ := entry["status"].(string)
		icon, ok := icons[status]
		if !ok {
			icon = icons["pending"]
		}
		b.WriteString(icon + " " + content + "\n")
	}
	return b.String()
}

func truncateForSlack(text string, maxLength int) string {
	if len(text) <= maxLength {
		return text
	}
	cut := maxLength - len(truncationNotice)
	if cut <= 0 {
		return truncationNotice[:maxLength]
	}
	return text[:cut] + truncationNotice
}
