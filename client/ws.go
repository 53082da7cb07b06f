package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devleaks/xplane-webapi/errors"
	"github.com/devleaks/xplane-webapi/wire"
)

// wsTransport is the subset of *websocket.Conn the client uses. Tests
// substitute a scripted transport.
type wsTransport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// dialFunc opens a WebSocket to the given URL.
type dialFunc func(ctx context.Context, url string) (wsTransport, error)

// gorillaDial is the production dialer.
func gorillaDial(ctx context.Context, url string) (wsTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// wsSession owns one open WebSocket: serialized writes, and the receive
// loop with its adaptive read deadline. The deadline is short while waiting
// for the first data frame and relaxed once data flows, so a silent socket
// is detected quickly during connection establishment without busy-waking
// in steady state.
type wsSession struct {
	client *Client
	conn   wsTransport

	writeMu sync.Mutex

	searchingTO time.Duration
	steadyTO    time.Duration
	maxMisses   int

	closed  chan struct{}
	failure chan error // receive loop failure, buffered
	wg      sync.WaitGroup
	once    sync.Once
}

func newWSSession(c *Client, conn wsTransport) *wsSession {
	return &wsSession{
		client:      c,
		conn:        conn,
		searchingTO: c.cfg.ReceiveTimeoutSearching.Std(),
		steadyTO:    c.cfg.ReceiveTimeoutSteady.Std(),
		maxMisses:   c.cfg.MaxConnectFailures,
		closed:      make(chan struct{}),
		failure:     make(chan error, 1),
	}
}

// send marshals and writes one request frame. Writes are serialized, the
// receive loop and application threads share the socket.
func (s *wsSession) send(req *wire.Request) error {
	data, err := wire.EncodeRequest(req)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closed:
		return errors.ErrNotConnected
	default:
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "client.wsSession", "send", "write frame")
	}
	s.client.metrics.RecordFrameSent(req.Type)
	return nil
}

// start launches the receive loop.
func (s *wsSession) start() {
	s.wg.Add(1)
	go s.receiveLoop()
}

// close shuts the socket and waits for the receive loop.
func (s *wsSession) close(timeout time.Duration) {
	s.once.Do(func() { close(s.closed) })
	_ = s.conn.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.client.logger.Warn("receive loop did not stop in time, possible leak")
	}
}

// receiveLoop reads frames until the socket fails or the session closes.
// A failure is reported once so the connection monitor resumes probing.
func (s *wsSession) receiveLoop() {
	defer s.wg.Done()

	receiving := false
	misses := 0

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		timeout := s.searchingTO
		if receiving {
			timeout = s.steadyTO
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				misses++
				if misses >= s.maxMisses {
					s.client.logger.Warn("no data on websocket", "misses", misses)
					misses = 0
				}
				continue
			}
			s.client.logger.Warn("websocket receive failed", "error", err)
			s.client.metrics.RecordError("ws", "receive")
			select {
			case s.failure <- errors.WrapTransient(err, "client.wsSession", "receiveLoop", "read frame"):
			default:
			}
			return
		}

		misses = 0
		if !receiving {
			receiving = true
			s.client.setState(StateReceiving)
		}
		s.handleFrame(raw)
	}
}

// handleFrame decodes one inbound frame and routes it.
func (s *wsSession) handleFrame(raw []byte) {
	env, err := wire.DecodeFrame(raw)
	if err != nil {
		s.client.logger.Warn("undecodable frame dropped", "error", err)
		s.client.metrics.RecordUpdateDropped("undecodable")
		return
	}
	s.client.metrics.RecordFrameReceived(env.Type)

	switch env.Type {
	case wire.TypeResult:
		s.client.dispatcher.ResolveResult(env.ReqID, env.Success, env.ErrorCode, env.ErrorMessage)
	case wire.TypeDatarefUpdate:
		for key, raw := range env.Data {
			s.client.handleDatarefValue(key, raw)
		}
	case wire.TypeCommandActive:
		for key, raw := range env.Data {
			s.client.handleCommandActive(key, raw)
		}
	}
}

// wsURL builds the versioned WebSocket endpoint, ws://host:port/api/v2
func wsURL(host string, port int, apiRoot, version string) string {
	return fmt.Sprintf("ws://%s:%d%s/%s", host, port, apiRoot, version)
}
