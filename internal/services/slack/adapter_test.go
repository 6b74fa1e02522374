package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpbridge/acpbridge/internal/bridge"
	"github.com/acpbridge/acpbridge/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type apiCall struct {
	Path string
	Body map[string]interface{}
}

// fakeSlack serves the Web API methods the adapter touches and records
// every call.
type fakeSlack struct {
	server *httptest.Server
	ch     chan apiCall

	mu            sync.Mutex
	threadReplies []ThreadMessage
	updateErrors  []string // consumed per chat.update call
	nextTS        int
}

func newFakeSlack(t *testing.T) *fakeSlack {
	t.Helper()
	f := &fakeSlack{ch: make(chan apiCall, 32), nextTS: 100}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := apiCall{Path: r.URL.Path}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&call.Body)
		}
		if r.URL.RawQuery != "" {
			call.Path += "?" + r.URL.RawQuery
		}
		f.ch <- call

		switch {
		case strings.HasSuffix(r.URL.Path, "/auth.test"):
			fmt.Fprint(w, `{"ok": true, "user_id": "UBOT", "user": "acp-bridge"}`)
		case strings.HasSuffix(r.URL.Path, "/chat.postMessage"):
			f.mu.Lock()
			f.nextTS++
			ts := f.nextTS
			f.mu.Unlock()
			fmt.Fprintf(w, `{"ok": true, "ts": "%d.000100"}`, ts)
		case strings.HasSuffix(r.URL.Path, "/chat.update"):
			f.mu.Lock()
			var errCode string
			if len(f.updateErrors) > 0 {
				errCode, f.updateErrors = f.updateErrors[0], f.updateErrors[1:]
			}
			f.mu.Unlock()
			if errCode != "" {
				fmt.Fprintf(w, `{"ok": false, "error": %q}`, errCode)
				return
			}
			fmt.Fprint(w, `{"ok": true}`)
		case strings.HasSuffix(r.URL.Path, "/conversations.replies"):
			f.mu.Lock()
			replies := f.threadReplies
			f.mu.Unlock()
			data, _ := json.Marshal(map[string]interface{}{"ok": true, "messages": replies})
			_, _ = w.Write(data)
		case strings.HasSuffix(r.URL.Path, "/users.info"):
			fmt.Fprint(w, `{"ok": true, "user": {"name": "ada", "real_name": "Ada"}}`)
		default:
			fmt.Fprint(w, `{"ok": true}`)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeSlack) next(t *testing.T) apiCall {
	t.Helper()
	select {
	case call := <-f.ch:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a Slack API call")
		return apiCall{}
	}
}

func (f *fakeSlack) expectNone(t *testing.T) {
	t.Helper()
	select {
	case call := <-f.ch:
		t.Fatalf("expected no API call, got %s", call.Path)
	case <-time.After(100 * time.Millisecond):
	}
}

type managerCall struct {
	kind     string
	key      string
	prompt   string
	req      bridge.BridgeSessionRequest
	metadata map[string]interface{}
}

type fakeManager struct {
	calls       chan managerCall
	followupErr error
	restored    map[string]*bridge.ActiveSession
}

func newFakeManager() *fakeManager {
	return &fakeManager{calls: make(chan managerCall, 16)}
}

func (m *fakeManager) HandleNewSession(ctx context.Context, adapter bridge.ServiceAdapter, req bridge.BridgeSessionRequest) {
	m.calls <- managerCall{kind: "new", key: req.ExternalSessionID, prompt: req.Prompt, req: req}
}

func (m *fakeManager) HandleFollowup(ctx context.Context, externalID, prompt string) error {
	m.calls <- managerCall{kind: "followup", key: externalID, prompt: prompt}
	return m.followupErr
}

func (m *fakeManager) HandleStop(ctx context.Context, externalID string) error {
	m.calls <- managerCall{kind: "stop", key: externalID}
	return nil
}

func (m *fakeManager) SessionsForService(serviceName string) map[string]*bridge.ActiveSession {
	return m.restored
}

func (m *fakeManager) UpdateSessionMetadata(externalID string, metadata map[string]interface{}) {
	m.calls <- managerCall{kind: "metadata", key: externalID, metadata: metadata}
}

func (m *fakeManager) next(t *testing.T) managerCall {
	t.Helper()
	select {
	case call := <-m.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a manager call")
		return managerCall{}
	}
}

func (m *fakeManager) expectNone(t *testing.T) {
	t.Helper()
	select {
	case call := <-m.calls:
		t.Fatalf("expected no manager call, got %q", call.kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestAdapter(t *testing.T, fm *fakeManager, api *fakeSlack, cfg Config) *Adapter {
	t.Helper()
	cfg.BotToken = "xoxb-test"
	cfg.AppToken = "xapp-test"
	a := NewAdapter(cfg, fm, testLogger(t))
	a.api.baseURL = api.server.URL
	a.botUserID = "UBOT"
	return a
}

func dispatch(t *testing.T, a *Adapter, event Event) {
	t.Helper()
	rawEvent, err := json.Marshal(event)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]json.RawMessage{"event": rawEvent})
	require.NoError(t, err)
	a.handleEnvelope(EventEnvelope{EnvelopeID: "env-1", Type: "events_api", Payload: payload})
}

func mentionEvent(text, ts, threadTS string) Event {
	return Event{
		Type:     "app_mention",
		User:     "U123",
		Text:     text,
		Channel:  "C1",
		TS:       ts,
		ThreadTS: threadTS,
		EventTS:  ts,
	}
}

func TestTruncateForSlack(t *testing.T) {
	assert.Equal(t, "short", truncateForSlack("short", maxMessageLength))

	long := strings.Repeat("a", maxMessageLength+100)
	out := truncateForSlack(long, maxMessageLength)
	assert.Len(t, out, maxMessageLength)
	assert.True(t, strings.HasSuffix(out, truncationNotice))
}

func TestMentionStartsSession(t *testing.T) {
	fm := newFakeManager()
	api := newFakeSlack(t)
	a := newTestAdapter(t, fm, api, Config{ChannelRepos: map[string]string{"C1": "acme/widgets"}})

	dispatch(t, a, mentionEvent("<@UBOT> build the thing", "1.000000", ""))

	progress := api.next(t)
	assert.Contains(t, progress.Path, "chat.postMessage")
	assert.Equal(t, thinkingText, progress.Body["text"])
	assert.Equal(t, "1.000000", progress.Body["thread_ts"])

	call := fm.next(t)
	require.Equal(t, "new", call.kind)
	assert.Equal(t, "slack:C1:1.000000", call.key)
	assert.Equal(t, "build the thing", call.prompt)
	assert.Equal(t, "acme/widgets", call.req.Repo)
	assert.Equal(t, "C1", call.req.ServiceMetadata["channel"])
	assert.NotEmpty(t, call.req.ServiceMetadata["progress_message_ts"])
}

func TestMentionPrependsChannelPrompt(t *testing.T) {
	fm := newFakeManager()
	api := newFakeSlack(t)
	a := newTestAdapter(t, fm, api, Config{ChannelPrompts: map[string]string{"C1": "You work on the widgets repo."}})

	dispatch(t, a, mentionEvent("<@UBOT> build the thing", "1.000000", ""))
	api.next(t)

	call := fm.next(t)
	assert.Equal(t, "You work on the widgets repo.\n\nbuild the thing", call.prompt)
}

func TestMentionWithoutPromptAsksForMessage(t *testing.T) {
	fm := newFakeManager()
	api := newFakeSlack(t)
	a := newTestAdapter(t, fm, api, Config{})

	dispatch(t, a, mentionEvent("<@UBOT>", "1.000000", ""))

	reply := api.next(t)
	assert.Contains(t, reply.Path, "chat.postMessage")
	assert.Contains(t, reply.Body["text"], "include a message")
	fm.expectNone(t)
}

func TestDuplicateMentionIgnored(t *testing.T) {
	fm := newFakeManager()
	api := newFakeSlack(t)
	a := newTestAdapter(t, fm, api, Config{})

	dispatch(t, a, mentionEvent("<@UBOT> build it", "1.000000", ""))
	api.next(t)
	require.Equal(t, "new", fm.next(t).kind)

	dispatch(t, a, mentionEvent("<@UBOT> build it", "1.000000", ""))
	fm.expectNone(t)
	api.expectNone(t)
}

func TestThreadMentionIncludesHistory(t *testing.T) {
	fm := newFakeManager()
	api := newFakeSlack(t)
	api.threadReplies = []ThreadMessage{
		{User: "U456", Text: "we should fix the parser", TS: "1.000000"},
		{User: "U123", Text: "<@UBOT> please do", TS: "2.000000"},
	}
	a := newTestAdapter(t, fm, api, Config{})

	dispatch(t, a, mentionEvent("<@UBOT> please do", "2.000000", "1.000000"))

	call := fm.next(t)
	require.Equal(t, "new", call.kind)
	assert.Equal(t, "slack:C1:1.000000", call.key)
	assert.Contains(t, call.prompt, "conversation history")
	assert.Contains(t, call.prompt, "Ada: we should fix the parser")
	assert.NotContains(t, call.prompt, "please do\n", "the triggering message is excluded from history")
}

func TestThreadFollowup(t *testing.T) {
	fm := newFakeManager()
	api := newFakeSlack(t)
	a := newTestAdapter(t, fm, api, Config{})

	dispatch(t, a, mentionEvent("<@UBOT> build it", "1.000000", ""))
	api.next(t)
	require.Equal(t, "new", fm.next(t).kind)

	dispatch(t, a, Event{
		Type:     "message",
		User:     "U123",
		Text:     "<@UBOT> also add tests",
		Channel:  "C1",
		TS:       "3.000000",
		ThreadTS: "1.000000",
	})

	progress := api.next(t)
	assert.Contains(t, progress.Path, "chat.postMessage")

	meta := fm.next(t)
	require.Equal(t, "metadata", meta.kind)
	assert.Equal(t, "3.000000", meta.metadata["original_ts"])

	followup := fm.next(t)
	require.Equal(t, "followup", followup.kind)
	assert.Equal(t, "slack:C1:1.000000", followup.key)
	assert.Contains(t, followup.prompt, "also add tests")
}

func TestThreadMessageFilters(t *testing.T) {
	fm := newFakeManager()
	api := newFakeSlack(t)
	a := newTestAdapter(t, fm, api, Config{})
	a.mu.Lock()
	a.activeThreads["C1:1.000000"] = true
	a.mu.Unlock()

	base := Event{
		Type:     "message",
		User:     "U123",
		Text:     "<@UBOT> go on",
		Channel:  "C1",
		TS:       "3.000000",
		ThreadTS: "1.000000",
	}

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"bot message", func(e *Event) { e.BotID = "B1" }},
		{"bot subtype", func(e *Event) { e.Subtype = "bot_message" }},
		{"no user", func(e *Event) { e.User = "" }},
		{"not in thread", func(e *Event) { e.ThreadTS = "" }},
		{"no mention", func(e *Event) { e.Text = "go on" }},
		{"inactive thread", func(e *Event) { e.ThreadTS = "9.000000" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := base
			tt.mutate(&event)
			dispatch(t, a, event)
			fm.expectNone(t)
		})
	}
}

func seedState(a *Adapter, key string) *sessionState {
	st := &sessionState{
		channel:     "C1",
		threadTS:    "1.000000",
		originalTS:  "1.000000",
		progressTS:  "2.000000",
		currentText: thinkingText,
	}
	a.mu.Lock()
	a.sessions[key] = st
	a.activeThreads["C1:1.000000"] = true
	a.mu.Unlock()
	return st
}

func TestSendUpdateThoughtEditsProgress(t *testing.T) {
	api := newFakeSlack(t)
	a := newTestAdapter(t, newFakeManager(), api, Config{})
	seedState(a, "slack:C1:1.000000")

	require.NoError(t, a.SendUpdate(context.Background(), "slack:C1:1.000000", bridge.BridgeUpdate{
		Type: bridge.UpdateThought, Content: "Reading the parser",
	}))

	edit := api.next(t)
	assert.Contains(t, edit.Path, "chat.update")
	assert.Equal(t, "2.000000", edit.Body["ts"])
	assert.Equal(t, ":thought_balloon: Reading the parser", edit.Body["text"])
}

func TestSendUpdateToolCallAppends(t *testing.T) {
	api := newFakeSlack(t)
	a := newTestAdapter(t, newFakeManager(), api, Config{})
	seedState(a, "slack:C1:1.000000")
	ctx := context.Background()

	require.NoError(t, a.SendUpdate(ctx, "slack:C1:1.000000", bridge.BridgeUpdate{
		Type: bridge.UpdateToolCall, Content: "Edit file",
	}))
	api.next(t)
	require.NoError(t, a.SendUpdate(ctx, "slack:C1:1.000000", bridge.BridgeUpdate{
		Type: bridge.UpdateToolCall, Content: "Run tests",
	}))

	edit := api.next(t)
	text := edit.Body["text"].(string)
	assert.Contains(t, text, thinkingText)
	assert.Contains(t, text, ":gear: `Edit file`")
	assert.Contains(t, text, ":gear: `Run tests`")
}

func TestSendUpdatePlanIcons(t *testing.T) {
	api := newFakeSlack(t)
	a := newTestAdapter(t, newFakeManager(), api, Config{})
	seedState(a, "slack:C1:1.000000")

	require.NoError(t, a.SendUpdate(context.Background(), "slack:C1:1.000000", bridge.BridgeUpdate{
		Type: bridge.UpdatePlan,
		Metadata: map[string]interface{}{"entries": []map[string]interface{}{
			{"content": "Investigate", "status": "completed"},
			{"content": "Fix", "status": "in_progress"},
			{"content": "Verify", "status": "pending"},
		}},
	}))

	edit := api.next(t)
	text := edit.Body["text"].(string)
	assert.Contains(t, text, "*Plan:*")
	assert.Contains(t, text, ":white_check_mark: Investigate")
	assert.Contains(t, text, ":arrow_forward: Fix")
	assert.Contains(t, text, ":hourglass_flowing_sand: Verify")
}

func TestSendCompletionUsesBufferedMessage(t *testing.T) {
	api := newFakeSlack(t)
	a := newTestAdapter(t, newFakeManager(), api, Config{})
	seedState(a, "slack:C1:1.000000")
	ctx := context.Background()

	require.NoError(t, a.SendUpdate(ctx, "slack:C1:1.000000", bridge.BridgeUpdate{
		Type: bridge.UpdateMessageChunk, Content: "Done, the parser ",
	}))
	require.NoError(t, a.SendUpdate(ctx, "slack:C1:1.000000", bridge.BridgeUpdate{
		Type: bridge.UpdateMessageChunk, Content: "is fixed.",
	}))
	require.NoError(t, a.SendCompletion(ctx, "slack:C1:1.000000", "Work completed"))

	edit := api.next(t)
	assert.Contains(t, edit.Path, "chat.update")
	assert.Equal(t, "Done, the parser is fixed.", edit.Body["text"])

	reaction := api.next(t)
	assert.Contains(t, reaction.Path, "reactions.add")
	assert.Equal(t, "white_check_mark", reaction.Body["name"])
	assert.Equal(t, "1.000000", reaction.Body["timestamp"])
}

func TestSendErrorDropsBufferAndReacts(t *testing.T) {
	api := newFakeSlack(t)
	a := newTestAdapter(t, newFakeManager(), api, Config{})
	seedState(a, "slack:C1:1.000000")
	ctx := context.Background()

	require.NoError(t, a.SendUpdate(ctx, "slack:C1:1.000000", bridge.BridgeUpdate{
		Type: bridge.UpdateMessageChunk, Content: "half-finished answer",
	}))
	require.NoError(t, a.SendError(ctx, "slack:C1:1.000000", "Agent crashed"))

	edit := api.next(t)
	assert.Equal(t, ":x: Error: Agent crashed", edit.Body["text"])

	reaction := api.next(t)
	assert.Equal(t, "x", reaction.Body["name"])

	// The dropped buffer must not leak into a later completion.
	require.NoError(t, a.SendCompletion(ctx, "slack:C1:1.000000", "Follow-up completed"))
	edit = api.next(t)
	assert.Equal(t, "Follow-up completed", edit.Body["text"])
}

func TestMsgTooLongRetriesShorter(t *testing.T) {
	api := newFakeSlack(t)
	api.updateErrors = []string{"msg_too_long"}
	a := newTestAdapter(t, newFakeManager(), api, Config{})

	text := strings.Repeat("a", 20000)
	require.NoError(t, a.safeUpdateMessage(context.Background(), "C1", "2.000000", text))

	first := api.next(t)
	assert.Len(t, first.Body["text"], 20000)

	second := api.next(t)
	assert.LessOrEqual(t, len(second.Body["text"].(string)), retryMaxMessageLength)
}

func TestRestorePersistedSessions(t *testing.T) {
	fm := newFakeManager()
	fm.restored = map[string]*bridge.ActiveSession{
		"slack:C1:1.000000": {
			ExternalSessionID: "slack:C1:1.000000",
			ServiceMetadata: map[string]interface{}{
				"channel":             "C1",
				"thread_ts":           "1.000000",
				"original_ts":         "1.000000",
				"progress_message_ts": "2.000000",
			},
		},
	}
	api := newFakeSlack(t)
	a := newTestAdapter(t, fm, api, Config{})
	a.RestorePersistedSessions()

	// The rebuilt state still points at the original progress message.
	require.NoError(t, a.SendUpdate(context.Background(), "slack:C1:1.000000", bridge.BridgeUpdate{
		Type: bridge.UpdateThought, Content: "Resuming",
	}))
	edit := api.next(t)
	assert.Equal(t, "2.000000", edit.Body["ts"])

	// The restored thread accepts follow-up mentions.
	dispatch(t, a, Event{
		Type:     "message",
		User:     "U123",
		Text:     "<@UBOT> keep going",
		Channel:  "C1",
		TS:       "5.000000",
		ThreadTS: "1.000000",
	})
	api.next(t) // fresh progress message
	require.Equal(t, "metadata", fm.next(t).kind)
	require.Equal(t, "followup", fm.next(t).kind)
}
