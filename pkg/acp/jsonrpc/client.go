package jsonrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes is the largest newline-delimited message the client accepts.
// Agents embed whole file contents in tool call updates, so the limit is
// generous; a line that exceeds it is a protocol violation and kills the
// connection rather than being silently truncated.
const MaxLineBytes = 10 * 1024 * 1024

// ErrConnectionClosed is returned by Call and Notify once the connection has
// reached its terminal closed state. All pending calls fail with it too.
var ErrConnectionClosed = errors.New("acp connection closed")

// NotificationHandler receives agent-initiated notifications in the order
// they arrive on the wire. It must not block for long; the read loop waits
// for it so that session/update ordering is preserved.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler serves agent-initiated requests (permission prompts,
// fs and terminal delegation). The returned result is marshaled into the
// response; a non-nil *Error produces an error response instead.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (interface{}, *Error)

// Client is a JSON-RPC 2.0 peer over an agent subprocess's stdio. Messages
// are newline-delimited JSON in both directions. The client correlates
// responses to calls by an auto-incremented integer id, dispatches agent
// notifications and requests to registered handlers, and moves to a terminal
// closed state when the reader exits. There is no reconnection; the owner
// spawns a fresh subprocess and a fresh client instead.
type Client struct {
	w       io.Writer
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan *Response
	nextID   int64
	closed   bool
	closeErr error
	done     chan struct{}

	handlerMu      sync.RWMutex
	notifyHandler  NotificationHandler
	requestHandler RequestHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient wires a client to the agent's stdin (w) and stdout (r) and
// starts the read loop.
func NewClient(w io.Writer, r io.Reader) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		w:       w,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.readLoop(r)
	return c
}

// SetNotificationHandler registers the handler for agent notifications.
func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.handlerMu.Lock()
	c.notifyHandler = h
	c.handlerMu.Unlock()
}

// SetRequestHandler registers the handler for agent-initiated requests.
// Requests arriving with no handler registered, or for a method the handler
// rejects, are answered with a method-not-found error.
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.handlerMu.Lock()
	c.requestHandler = h
	c.handlerMu.Unlock()
}

// Call sends a request and waits for the matching response. It fails with
// the *Error from an error response, the context error on cancellation, or
// ErrConnectionClosed once the connection is down.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.removePending(id)
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}

	if err := c.writeMessage(req); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.closedErrLocked()
		c.mu.Unlock()
		return nil, err
	}
}

// Notify sends a notification (no id, no response).
func (c *Client) Notify(method string, params interface{}) error {
	c.mu.Lock()
	if c.closed {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	req := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return c.writeMessage(req)
}

// SendResponse replies to an agent-initiated request. Exactly one of result
// and rpcErr should be set.
func (c *Client) SendResponse(id interface{}, result interface{}, rpcErr *Error) error {
	resp := Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal response result: %w", err)
		}
		resp.Result = raw
	}
	return c.writeMessage(resp)
}

// Close moves the client to the closed state and fails all pending calls.
// It does not close the underlying pipes; the subprocess owner does that.
func (c *Client) Close() {
	c.fail(ErrConnectionClosed)
}

// Done is closed when the connection reaches its terminal state.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection closed, or nil while it is still up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.closeErr
}

func (c *Client) writeMessage(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.w.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		// A write failure means the subprocess is gone; tear down.
		c.fail(fmt.Errorf("write to agent: %w", err))
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		c.dispatch(line)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	} else if errors.Is(err, bufio.ErrTooLong) {
		err = fmt.Errorf("message exceeds %d byte limit: %w", MaxLineBytes, err)
	}
	c.fail(err)
}

// envelope is the superset of request, response and notification shapes.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (c *Client) dispatch(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		// Not valid JSON-RPC; agents sometimes leak stray output to stdout.
		// Skip the line rather than killing the connection.
		return
	}

	switch {
	case env.Method == "":
		c.dispatchResponse(&env)
	case len(env.ID) > 0 && string(env.ID) != "null":
		c.dispatchRequest(&env)
	default:
		c.handlerMu.RLock()
		h := c.notifyHandler
		c.handlerMu.RUnlock()
		if h != nil {
			h(env.Method, env.Params)
		}
	}
}

func (c *Client) dispatchResponse(env *envelope) {
	var id int64
	if err := json.Unmarshal(env.ID, &id); err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	ch <- &Response{JSONRPC: env.JSONRPC, ID: id, Result: env.Result, Error: env.Error}
}

func (c *Client) dispatchRequest(env *envelope) {
	c.handlerMu.RLock()
	h := c.requestHandler
	c.handlerMu.RUnlock()

	var id interface{}
	_ = json.Unmarshal(env.ID, &id)

	if h == nil {
		_ = c.SendResponse(id, nil, &Error{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("method not found: %s", env.Method),
		})
		return
	}

	// Requests may block on real I/O (file reads, terminal waits), so they
	// must not stall the read loop.
	method, params := env.Method, env.Params
	go func() {
		result, rpcErr := h(c.ctx, method, params)
		_ = c.SendResponse(id, result, rpcErr)
	}()
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// fail moves the client to the terminal closed state. All pending calls
// observe the closure via the done channel. Idempotent.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	c.pending = make(map[int64]chan *Response)
	close(c.done)
	c.mu.Unlock()

	c.cancel()
}

func (c *Client) closedErrLocked() error {
	if c.closeErr == nil || errors.Is(c.closeErr, ErrConnectionClosed) {
		return ErrConnectionClosed
	}
	if errors.Is(c.closeErr, io.EOF) {
		return fmt.Errorf("%w: agent closed stdout", ErrConnectionClosed)
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, c.closeErr)
}
