package appclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/boardmon/internal/model"
	"github.com/g960059/boardmon/internal/wire"
)

// MonitorStream is an upgraded monitor connection speaking the wire protocol.
type MonitorStream struct {
	conn net.Conn
	br   *bufio.Reader

	mu  sync.Mutex
	seq uint64
}

// OpenMonitorStream upgrades a connection to the daemon's monitor stream and
// completes the hello exchange.
func (c *Client) OpenMonitorStream(ctx context.Context, clientID string) (*MonitorStream, wire.HelloAckPayload, error) {
	if c.dial == nil {
		return nil, wire.HelloAckPayload{}, ErrStreamUnsupported
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, wire.HelloAckPayload{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	req := "GET /v1/monitors/stream HTTP/1.1\r\nHost: unix\r\nConnection: Upgrade\r\nUpgrade: " + wire.UpgradeToken + "\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return nil, wire.HelloAckPayload{}, fmt.Errorf("write upgrade request: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		_ = conn.Close()
		return nil, wire.HelloAckPayload{}, fmt.Errorf("read upgrade response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		_ = conn.Close()
		return nil, wire.HelloAckPayload{}, &RequestError{StatusCode: resp.StatusCode, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "monitor stream upgrade refused"}
	}

	s := &MonitorStream{conn: conn, br: br}
	if strings.TrimSpace(clientID) == "" {
		clientID = "boardmon-" + uuid.NewString()
	}
	if err := s.send(wire.CommandHello, wire.HelloPayload{ClientID: clientID, ProtocolVersions: []string{wire.SchemaVersion}}); err != nil {
		_ = conn.Close()
		return nil, wire.HelloAckPayload{}, err
	}
	env, err := s.Next()
	if err != nil {
		_ = conn.Close()
		return nil, wire.HelloAckPayload{}, err
	}
	var ack wire.HelloAckPayload
	if err := expect(env, wire.CommandHelloAck, &ack); err != nil {
		_ = conn.Close()
		return nil, wire.HelloAckPayload{}, err
	}
	_ = conn.SetDeadline(time.Time{})
	return s, ack, nil
}

// Attach subscribes the stream to a monitor. The attached frame, like every
// later frame, is read with Next.
func (s *MonitorStream) Attach(fqbn string, port model.Port, start bool) error {
	return s.send(wire.CommandAttach, wire.AttachPayload{Target: wire.Target{FQBN: fqbn, Port: port}, Start: start})
}

func (s *MonitorStream) SendMessage(message string) error {
	return s.send(wire.CommandSendMessage, wire.SendMessagePayload{Message: message})
}

func (s *MonitorStream) ChangeSettings(pluggable model.PluggableMonitorSettings) error {
	return s.send(wire.CommandChangeSettings, wire.ChangeSettingsPayload{PluggableMonitorSettings: pluggable})
}

func (s *MonitorStream) Detach() error {
	return s.send(wire.CommandDetach, struct{}{})
}

func (s *MonitorStream) Ping() error {
	return s.send(wire.CommandPing, wire.PingPayload{TS: time.Now().UTC().Format(time.RFC3339Nano)})
}

// Next blocks for the next frame from the daemon. Error frames are returned
// as a *StreamError.
func (s *MonitorStream) Next() (wire.Envelope, error) {
	env, err := wire.ReadFrame(s.br, wire.DefaultMaxFrame)
	if err != nil {
		return wire.Envelope{}, err
	}
	if env.Command == wire.CommandError {
		var payload wire.ErrorPayload
		if err := env.DecodeData(&payload); err != nil {
			return wire.Envelope{}, err
		}
		return env, &StreamError{Code: payload.Code, Message: payload.Message, Recoverable: payload.Recoverable}
	}
	return env, nil
}

func (s *MonitorStream) Close() error {
	return s.conn.Close()
}

func (s *MonitorStream) send(command string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	env, err := wire.NewEnvelope(command, s.seq, uuid.NewString(), data)
	if err != nil {
		return err
	}
	return wire.WriteFrame(s.conn, env)
}

// StreamError is an error frame sent by the daemon.
type StreamError struct {
	Code        string
	Message     string
	Recoverable bool
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func expect(env wire.Envelope, command string, dst any) error {
	if env.Command != command {
		return fmt.Errorf("%w: expected %s, got %s", wire.ErrInvalidFrame, command, env.Command)
	}
	return env.DecodeData(dst)
}
