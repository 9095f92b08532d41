package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/g960059/boardmon/internal/api"
	"github.com/g960059/boardmon/internal/monitor"
	"github.com/g960059/boardmon/internal/wire"
)

const streamRequestTimeout = 10 * time.Second

type monitorStream struct {
	srv     *Server
	conn    net.Conn
	rw      *bufio.ReadWriter
	ctx     context.Context
	cancel  context.CancelFunc
	sendMu  sync.Mutex
	stateMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
	nextSeq uint64
	target  monitor.Target
	sub     *monitor.Subscriber
}

func (s *Server) monitorStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), wire.UpgradeToken) {
		s.writeError(w, http.StatusUpgradeRequired, api.ErrRefInvalid, "upgrade header is required")
		return
	}
	if !strings.Contains(strings.ToLower(strings.TrimSpace(r.Header.Get("Connection"))), "upgrade") {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "connection upgrade header is required")
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, api.ErrPreconditionFailed, "hijack not supported")
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, api.ErrPreconditionFailed, "failed to hijack monitor stream")
		return
	}

	if err := s.verifyPeer(conn); err != nil {
		s.log.Warn("rejected monitor stream: %v", err)
		_, _ = rw.WriteString("HTTP/1.1 403 Forbidden\r\nConnection: close\r\n\r\n")
		_ = rw.Flush()
		_ = conn.Close()
		return
	}

	if _, err := rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: " + wire.UpgradeToken + "\r\nConnection: Upgrade\r\n\r\n"); err != nil {
		_ = conn.Close()
		return
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream := &monitorStream{
		srv:     s,
		conn:    conn,
		rw:      rw,
		ctx:     ctx,
		cancel:  cancel,
		nextSeq: 1,
	}
	stream.readLoop()
}

func verifyPeerConn(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("monitor stream requires unix domain socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("peer syscall conn: %w", err)
	}
	var peerUID uint32
	var controlErr error
	if err := raw.Control(func(fd uintptr) {
		peerUID, controlErr = peerUIDFromFD(int(fd))
	}); err != nil {
		return fmt.Errorf("peer control: %w", err)
	}
	if controlErr != nil {
		return fmt.Errorf("peer credentials: %w", controlErr)
	}
	if peerUID != uint32(os.Getuid()) {
		return fmt.Errorf("peer uid mismatch")
	}
	return nil
}

func (ms *monitorStream) close() {
	ms.closeMu.Lock()
	if ms.closed {
		ms.closeMu.Unlock()
		return
	}
	ms.closed = true
	ms.closeMu.Unlock()
	ms.cancel()
	ms.stateMu.Lock()
	sub := ms.sub
	ms.sub = nil
	ms.stateMu.Unlock()
	if sub != nil {
		sub.Close()
	}
	_ = ms.conn.Close()
}

func (ms *monitorStream) send(command, requestID string, data any) error {
	env, err := wire.NewEnvelope(command, ms.nextFrameSeq(), requestID, data)
	if err != nil {
		return err
	}
	ms.sendMu.Lock()
	defer ms.sendMu.Unlock()
	if err := wire.WriteFrame(ms.rw, env); err != nil {
		return err
	}
	return ms.rw.Flush()
}

func (ms *monitorStream) nextFrameSeq() uint64 {
	ms.stateMu.Lock()
	defer ms.stateMu.Unlock()
	seq := ms.nextSeq
	ms.nextSeq++
	return seq
}

func (ms *monitorStream) sendError(requestID, code, message string, recoverable bool) {
	_ = ms.send(wire.CommandError, requestID, wire.ErrorPayload{
		Code:        strings.TrimSpace(code),
		Message:     strings.TrimSpace(message),
		Recoverable: recoverable,
	})
}

func (ms *monitorStream) readLoop() {
	defer ms.close()
	for {
		env, err := wire.ReadFrame(ms.rw, wire.DefaultMaxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			ms.sendError("", "e_protocol_invalid_frame", "invalid monitor frame", false)
			return
		}
		if err := ms.handleFrame(env); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			ms.sendError(env.RequestID, "e_internal", err.Error(), true)
		}
	}
}

func (ms *monitorStream) handleFrame(env wire.Envelope) error {
	switch env.Command {
	case wire.CommandHello:
		return ms.handleHello(env)
	case wire.CommandAttach:
		return ms.handleAttach(env)
	case wire.CommandSendMessage:
		return ms.handleSendMessage(env)
	case wire.CommandChangeSettings:
		return ms.handleChangeSettings(env)
	case wire.CommandDetach:
		return ms.handleDetach(env)
	case wire.CommandPing:
		var req wire.PingPayload
		_ = env.DecodeData(&req)
		return ms.send(wire.CommandPong, env.RequestID, wire.PongPayload{TS: req.TS})
	default:
		ms.sendError(env.RequestID, "e_protocol_invalid_frame", "unknown command", true)
		return nil
	}
}

func (ms *monitorStream) handleHello(env wire.Envelope) error {
	var req wire.HelloPayload
	if err := env.DecodeData(&req); err != nil {
		ms.sendError(env.RequestID, "e_protocol_invalid_frame", "invalid hello data", false)
		return nil
	}
	ok := false
	for _, ver := range req.ProtocolVersions {
		if strings.TrimSpace(ver) == wire.SchemaVersion {
			ok = true
			break
		}
	}
	if !ok {
		ms.sendError(env.RequestID, "e_protocol_unsupported_version", wire.SchemaVersion+" is required", false)
		return nil
	}
	return ms.send(wire.CommandHelloAck, env.RequestID, wire.HelloAckPayload{
		ServerID:        "boardmond",
		ProtocolVersion: wire.SchemaVersion,
		Features:        []string{"batched_lines", "drop_count", "peer_cred_auth"},
	})
}

func (ms *monitorStream) handleAttach(env wire.Envelope) error {
	var req wire.AttachPayload
	if err := env.DecodeData(&req); err != nil {
		ms.sendError(env.RequestID, "e_protocol_invalid_frame", "invalid attach data", true)
		return nil
	}
	if !req.Target.IsValid() {
		ms.sendError(env.RequestID, "e_ref_invalid", "fqbn, port address and protocol are required", true)
		return nil
	}
	ms.stateMu.Lock()
	attached := ms.sub != nil
	ms.stateMu.Unlock()
	if attached {
		ms.sendError(env.RequestID, "e_already_attached", "stream is already attached", true)
		return nil
	}

	target := monitor.Target{FQBN: req.Target.FQBN, Port: req.Target.Port}
	session, sub, err := ms.srv.monitors.Subscribe(target)
	if err != nil {
		ms.sendMonitorError(env.RequestID, err)
		return nil
	}
	ms.stateMu.Lock()
	ms.target = target
	ms.sub = sub
	ms.stateMu.Unlock()

	if err := ms.send(wire.CommandAttached, env.RequestID, wire.AttachedPayload{
		Target:       req.Target,
		Identity:     session.Identity(),
		SubscriberID: sub.ID(),
	}); err != nil {
		return err
	}
	go ms.forward(sub)

	if req.Start {
		ctx, cancel := context.WithTimeout(ms.ctx, ms.srv.startTimeout())
		defer cancel()
		if err := ms.srv.monitors.StartMonitor(ctx, target); err != nil && !errors.Is(err, monitor.ErrAlreadyConnected) {
			ms.sendMonitorError(env.RequestID, err)
		}
	}
	return nil
}

func (ms *monitorStream) handleSendMessage(env wire.Envelope) error {
	var req wire.SendMessagePayload
	if err := env.DecodeData(&req); err != nil {
		ms.sendError(env.RequestID, "e_protocol_invalid_frame", "invalid send-message data", true)
		return nil
	}
	target, ok := ms.attachedTarget(env.RequestID)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ms.ctx, streamRequestTimeout)
	defer cancel()
	if err := ms.srv.monitors.Send(ctx, target, req.Message); err != nil {
		ms.sendMonitorError(env.RequestID, err)
		return nil
	}
	return ms.send(wire.CommandAck, env.RequestID, wire.AckPayload{Command: wire.CommandSendMessage, ResultCode: "sent"})
}

func (ms *monitorStream) handleChangeSettings(env wire.Envelope) error {
	var req wire.ChangeSettingsPayload
	if err := env.DecodeData(&req); err != nil {
		ms.sendError(env.RequestID, "e_protocol_invalid_frame", "invalid change-settings data", true)
		return nil
	}
	target, ok := ms.attachedTarget(env.RequestID)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ms.ctx, streamRequestTimeout)
	defer cancel()
	if _, err := ms.srv.monitors.ChangeMonitorSettings(ctx, target, req.PluggableMonitorSettings); err != nil {
		ms.sendMonitorError(env.RequestID, err)
		return nil
	}
	return ms.send(wire.CommandAck, env.RequestID, wire.AckPayload{Command: wire.CommandChangeSettings, ResultCode: "applied"})
}

func (ms *monitorStream) handleDetach(env wire.Envelope) error {
	ms.stateMu.Lock()
	sub := ms.sub
	ms.sub = nil
	ms.stateMu.Unlock()
	if sub == nil {
		ms.sendError(env.RequestID, "e_not_attached", "stream is not attached", true)
		return nil
	}
	sub.Close()
	return ms.send(wire.CommandAck, env.RequestID, wire.AckPayload{Command: wire.CommandDetach, ResultCode: "detached"})
}

func (ms *monitorStream) attachedTarget(requestID string) (monitor.Target, bool) {
	ms.stateMu.Lock()
	sub, target := ms.sub, ms.target
	ms.stateMu.Unlock()
	if sub == nil {
		ms.sendError(requestID, "e_not_attached", "attach before sending", true)
		return monitor.Target{}, false
	}
	return target, true
}

// forward copies subscriber messages to the connection until the
// subscription ends.
func (ms *monitorStream) forward(sub *monitor.Subscriber) {
	for msg := range sub.C() {
		var err error
		switch msg.Kind {
		case monitor.MessageData:
			err = ms.send(wire.CommandData, "", wire.DataPayload{Lines: msg.Lines, Dropped: msg.Dropped})
		case monitor.MessageSettings:
			if msg.Settings != nil {
				err = ms.send(wire.CommandSettingsDidChange, "", *msg.Settings)
			}
		}
		if err != nil {
			ms.close()
			return
		}
	}
	ms.stateMu.Lock()
	detached := ms.sub != sub
	if !detached {
		ms.sub = nil
	}
	ms.stateMu.Unlock()
	if !detached {
		ms.sendError("", "e_monitor_closed", "monitor session was stopped", true)
	}
}

func (ms *monitorStream) sendMonitorError(requestID string, err error) {
	_, code := monitorErrorCode(err)
	ms.sendError(requestID, strings.ToLower(code), err.Error(), true)
}

func (s *Server) startTimeout() time.Duration {
	if s.cfg.Monitor.StartTimeout > 0 {
		return s.cfg.Monitor.StartTimeout + time.Second
	}
	return time.Minute
}
