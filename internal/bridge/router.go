package bridge

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/common/logger"
	"github.com/acpbridge/acpbridge/pkg/acp/jsonrpc"
)

// DefaultDebounce is how long text chunks buffer before flushing.
const DefaultDebounce = 2 * time.Second

// toolCallState tracks the latest known state of one tool call within the
// debounce window.
type toolCallState struct {
	id        string
	title     string
	kind      string
	status    string
	locations []string
}

// Router turns the per-token stream of session updates into a bounded
// stream of BridgeUpdates. Thought and message text accumulate in buffers
// flushed on a debounce timer; tool calls coalesce by id keeping the latest
// state; plan updates flush everything and go out immediately. All
// emissions happen under one mutex, so the adapter sees updates in the
// order the agent produced them.
type Router struct {
	emit     func(update BridgeUpdate)
	debounce time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	thoughtBuf  strings.Builder
	messageBuf  strings.Builder
	pendingTool []*toolCallState
	toolIndex   map[string]*toolCallState
	timer       *time.Timer
	closed      bool
}

// NewRouter creates a router delivering shaped updates through emit.
// debounce <= 0 selects the default window.
func NewRouter(emit func(update BridgeUpdate), debounce time.Duration, log *logger.Logger) *Router {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		emit:      emit,
		debounce:  debounce,
		log:       log,
		toolIndex: make(map[string]*toolCallState),
	}
}

// HandleUpdate processes one session update. It matches the
// acp.UpdateHandler signature and is called from the protocol read loop,
// one update at a time.
func (r *Router) HandleUpdate(sessionID string, update jsonrpc.SessionUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	switch update.SessionUpdate {
	case jsonrpc.UpdateAgentThoughtChunk:
		if text := contentText(update.Content); text != "" {
			// Interleaved kinds must not merge into one blob.
			r.flushMessageLocked()
			r.thoughtBuf.WriteString(text)
			r.scheduleFlushLocked()
		}
	case jsonrpc.UpdateAgentMessageChunk:
		if text := contentText(update.Content); text != "" {
			r.flushThoughtLocked()
			r.messageBuf.WriteString(text)
			r.scheduleFlushLocked()
		}
	case jsonrpc.UpdateToolCall, jsonrpc.UpdateToolCallUpdate:
		r.flushTextLocked()
		r.coalesceToolCallLocked(update)
		r.scheduleFlushLocked()
	case jsonrpc.UpdatePlan:
		r.flushAllLocked()
		r.emit(planUpdate(update.Entries))
	case jsonrpc.UpdateUserMessageChunk:
		// Replayed history during session/load; nothing to forward.
	default:
		r.log.Debug("Ignoring unhandled session update kind",
			zap.String("session_id", sessionID),
			zap.String("kind", update.SessionUpdate))
	}
}

// Flush emits everything still buffered. The manager calls this at the end
// of a turn so no text is lost to the debounce window.
func (r *Router) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushAllLocked()
}

// Close stops the flush timer and drops any buffered output.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.stopTimerLocked()
	r.thoughtBuf.Reset()
	r.messageBuf.Reset()
	r.pendingTool = nil
	r.toolIndex = make(map[string]*toolCallState)
}

func (r *Router) coalesceToolCallLocked(update jsonrpc.SessionUpdate) {
	state, exists := r.toolIndex[update.ToolCallID]
	if !exists {
		state = &toolCallState{id: update.ToolCallID}
		r.toolIndex[update.ToolCallID] = state
		r.pendingTool = append(r.pendingTool, state)
	}
	if update.Title != "" {
		state.title = update.Title
	}
	if update.Kind != "" {
		state.kind = update.Kind
	}
	if update.Status != "" {
		state.status = update.Status
	}
	for _, loc := range update.Locations {
		if loc.Path != "" {
			state.locations = append(state.locations, loc.Path)
		}
	}
}

// scheduleFlushLocked arms the flush timer, pushing it out if already
// armed: the window measures quiet time since the last buffered update, so
// a steady stream coalesces into one emission at the end.
func (r *Router) scheduleFlushLocked() {
	if r.timer != nil {
		r.timer.Reset(r.debounce)
		return
	}
	r.timer = time.AfterFunc(r.debounce, r.Flush)
}

func (r *Router) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Router) flushAllLocked() {
	r.flushTextLocked()
	r.flushToolCallsLocked()
	r.stopTimerLocked()
}

func (r *Router) flushTextLocked() {
	r.flushThoughtLocked()
	r.flushMessageLocked()
}

func (r *Router) flushThoughtLocked() {
	if r.thoughtBuf.Len() == 0 {
		return
	}
	text := r.thoughtBuf.String()
	r.thoughtBuf.Reset()
	r.emit(BridgeUpdate{Type: UpdateThought, Content: text})
}

func (r *Router) flushMessageLocked() {
	if r.messageBuf.Len() == 0 {
		return
	}
	text := r.messageBuf.String()
	r.messageBuf.Reset()
	r.emit(BridgeUpdate{Type: UpdateMessageChunk, Content: text})
}

func (r *Router) flushToolCallsLocked() {
	for _, state := range r.pendingTool {
		title := state.title
		if title == "" {
			title = "Tool call"
		}
		kind := state.kind
		if kind == "" {
			kind = "other"
		}
		metadata := map[string]interface{}{
			"tool_call_id": state.id,
			"kind":         kind,
		}
		if state.status != "" {
			metadata["status"] = state.status
		}
		if len(state.locations) > 0 {
			metadata["locations"] = state.locations
		}
		r.emit(BridgeUpdate{Type: UpdateToolCall, Content: title, Metadata: metadata})
	}
	r.pendingTool = nil
	r.toolIndex = make(map[string]*toolCallState)
}

func contentText(block *jsonrpc.ContentBlock) string {
	if block == nil {
		return ""
	}
	return block.Text
}

func planUpdate(entries []jsonrpc.PlanEntry) BridgeUpdate {
	steps := make([]map[string]interface{}, len(entries))
	for i, entry := range entries {
		steps[i] = map[string]interface{}{
			"content": entry.Content,
			"status":  entry.Status,
		}
	}
	return BridgeUpdate{
		Type:     UpdatePlan,
		Content:  "Plan updated",
		Metadata: map[string]interface{}{"entries": steps},
	}
}
