package slack

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/common/logger"
)

const (
	initialReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 60 * time.Second
	pingInterval          = 30 * time.Second
	pongTimeout           = 10 * time.Second
	socketWriteTimeout    = 10 * time.Second
)

// SocketClient maintains the Socket Mode WebSocket: it fetches connection
// URLs, acknowledges envelopes, and reconnects with backoff when the
// connection drops.
type SocketClient struct {
	appToken string
	api      *APIClient
	onEvent  func(EventEnvelope)
	log      *logger.Logger
	dialer   *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSocketClient creates a Socket Mode client. Events are dispatched to
// onEvent on their own goroutines so slow handlers never delay acks.
func NewSocketClient(appToken string, api *APIClient, onEvent func(EventEnvelope), log *logger.Logger) *SocketClient {
	if log == nil {
		log = logger.Default()
	}
	return &SocketClient{
		appToken: appToken,
		api:      api,
		onEvent:  onEvent,
		log:      log,
		dialer:   websocket.DefaultDialer,
	}
}

// Start launches the connection loop in the background.
func (s *SocketClient) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn("Socket Mode client already running")
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	s.log.Info("Started Slack Socket Mode client")
}

// Stop tears down the connection and waits for the loop to exit.
func (s *SocketClient) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done, conn := s.cancel, s.done, s.conn
	s.conn = nil
	s.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Socket Mode client did not stop in time")
	case <-time.After(5 * time.Second):
		s.log.Warn("Socket Mode client did not stop in time")
	}
}

func (s *SocketClient) run(ctx context.Context) {
	defer close(s.done)
	delay := initialReconnectDelay

	for {
		err := s.connectAndListen(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Error("Socket Mode connection error", zap.Error(err))
		} else {
			delay = initialReconnectDelay
		}

		s.log.Info("Reconnecting to Slack", zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (s *SocketClient) connectAndListen(ctx context.Context) error {
	wsURL, err := s.api.OpenConnection(ctx, s.appToken)
	if err != nil {
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()
	s.log.Info("Connected to Slack Socket Mode")

	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handleFrame(conn, data)
	}
}

func (s *SocketClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *SocketClient) handleFrame(conn *websocket.Conn, data []byte) {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.log.Warn("Unparseable Socket Mode frame", zap.Error(err))
		return
	}

	switch envelope.Type {
	case "hello":
		s.log.Info("Slack Socket Mode hello received")
		return
	case "disconnect":
		// Slack is about to close this connection; the read loop will
		// fail and the run loop reconnects.
		s.log.Warn("Slack requested disconnect", zap.String("reason", envelope.Reason))
		return
	}

	if envelope.EnvelopeID == "" {
		return
	}

	// Ack first: Slack redelivers anything not acknowledged within 3s.
	s.acknowledge(conn, envelope.EnvelopeID)
	go s.onEvent(envelope)
}

func (s *SocketClient) acknowledge(conn *websocket.Conn, envelopeID string) {
	ack, _ := json.Marshal(map[string]interface{}{
		"envelope_id": envelopeID,
		"payload":     map[string]interface{}{},
	})
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
		s.log.Error("Failed to acknowledge envelope",
			zap.String("envelope_id", envelopeID),
			zap.Error(err))
	}
}
