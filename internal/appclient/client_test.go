package appclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/g960059/boardmon/internal/api"
	"github.com/g960059/boardmon/internal/model"
	"github.com/g960059/boardmon/internal/wire"
)

const (
	snapshotLine = `{"schema_version":"v1","stream_id":"s1","sequence":1,"type":"snapshot","diff":{}}`
	changeLine   = `{"schema_version":"v1","stream_id":"s1","sequence":2,"type":"change","diff":{"detached_ports":[{"address":"/dev/ttyACM0","protocol":"serial"}]}}`
)

func TestWatchBoardsParsesLines(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/boards/watch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, snapshotLine+"\n\n")
		_, _ = io.WriteString(w, changeLine+"\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	var lines []api.WatchLine
	err := client.WatchBoards(context.Background(), func(line api.WatchLine) error {
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		t.Fatalf("watch boards: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Type != "snapshot" || lines[1].Type != "change" {
		t.Fatalf("unexpected line types: %+v", lines)
	}
	if lines[1].Sequence != 2 || len(lines[1].Diff.DetachedPorts) != 1 {
		t.Fatalf("unexpected change line: %+v", lines[1])
	}
}

func TestWatchLoopRetriesAfterServerError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/boards/watch", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_INTERNAL","message":"boom"}}`)
			return
		}
		_, _ = io.WriteString(w, snapshotLine+"\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	stop := errors.New("stop")
	client := NewWithClient(srv.URL, srv.Client())
	err := client.WatchLoop(context.Background(), WatchLoopOptions{
		RetryMinBackoff: time.Millisecond,
		RetryMaxBackoff: 2 * time.Millisecond,
	}, func(line api.WatchLine) error {
		if line.Type != "snapshot" {
			t.Fatalf("expected snapshot, got %q", line.Type)
		}
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 watch calls, got %d", calls.Load())
	}
}

func TestWatchLoopStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/boards/watch", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_REF_INVALID","message":"bad"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.WatchLoop(context.Background(), WatchLoopOptions{RetryMinBackoff: time.Millisecond}, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T %v", err, err)
	}
	if reqErr.Code != api.ErrRefInvalid || reqErr.Retryable() {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestWatchLoopRejectsInvalidPayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/boards/watch", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{not json}\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.WatchLoop(context.Background(), WatchLoopOptions{RetryMinBackoff: time.Millisecond}, nil)
	if !errors.Is(err, ErrWatchPayloadInvalid) {
		t.Fatalf("expected ErrWatchPayloadInvalid, got %v", err)
	}
}

func TestStartMonitorDecodesConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/monitors/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req api.MonitorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.FQBN != "arduino:avr:uno" || req.Port.Address != "/dev/ttyACM0" {
			t.Fatalf("unexpected request: %+v", req)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_ALREADY_CONNECTED","message":"monitor already connected"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.StartMonitor(context.Background(), api.MonitorRequest{
		FQBN: "arduino:avr:uno",
		Port: model.Port{Address: "/dev/ttyACM0", Protocol: "serial"},
	})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.StatusCode != http.StatusConflict || reqErr.Code != api.ErrAlreadyConnected {
		t.Fatalf("unexpected error: %+v", reqErr)
	}
	if got := reqErr.Error(); got != "E_ALREADY_CONNECTED: monitor already connected" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestRequestErrorFallsBackToStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ports", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := NewWithClient(srv.URL, srv.Client()).Ports(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != "HTTP_503" || reqErr.Message != "gateway down" || !reqErr.Retryable() {
		t.Fatalf("unexpected error: %+v", reqErr)
	}
}

func TestMonitorSettingsSendsQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/monitors/settings", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("fqbn") != "arduino:avr:uno" || q.Get("address") != "/dev/ttyACM0" || q.Get("protocol") != "serial" {
			t.Fatalf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","identity":"arduino:avr:uno-/dev/ttyACM0-serial","settings":{"pluggable_monitor_settings":{"baudrate":{"id":"baudrate","selected_value":"9600"}}}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := NewWithClient(srv.URL, srv.Client()).MonitorSettings(context.Background(), api.MonitorRequest{
		FQBN: "arduino:avr:uno",
		Port: model.Port{Address: "/dev/ttyACM0", Protocol: "serial"},
	})
	if err != nil {
		t.Fatalf("monitor settings: %v", err)
	}
	if resp.Identity != "arduino:avr:uno-/dev/ttyACM0-serial" {
		t.Fatalf("unexpected identity %q", resp.Identity)
	}
}

func TestUnaryTimeoutAppliesToShortRequests(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	client := NewWithClient(srv.URL, srv.Client()).WithUnaryTimeout(20 * time.Millisecond)
	_, err := client.Health(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestOpenMonitorStreamRequiresSocket(t *testing.T) {
	client := NewWithClient("http://example.invalid", nil)
	if _, _, err := client.OpenMonitorStream(context.Background(), ""); !errors.Is(err, ErrStreamUnsupported) {
		t.Fatalf("expected ErrStreamUnsupported, got %v", err)
	}
}

func TestMonitorStreamHandshakeAndFrames(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close() //nolint:errcheck

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- fakeStreamServer(serverConn)
	}()

	client := NewWithClient("http://unix", nil)
	client.dial = func(context.Context) (net.Conn, error) { return clientConn, nil }

	stream, ack, err := client.OpenMonitorStream(context.Background(), "test-client")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close() //nolint:errcheck
	if ack.ProtocolVersion != wire.SchemaVersion {
		t.Fatalf("unexpected hello ack: %+v", ack)
	}

	if err := stream.Attach("arduino:avr:uno", model.Port{Address: "/dev/ttyACM0", Protocol: "serial"}, true); err != nil {
		t.Fatalf("attach: %v", err)
	}
	env, err := stream.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if env.Command != wire.CommandAttached {
		t.Fatalf("expected attached, got %s", env.Command)
	}
	env, err = stream.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var data wire.DataPayload
	if err := expect(env, wire.CommandData, &data); err != nil {
		t.Fatalf("data frame: %v", err)
	}
	if strings.Join(data.Lines, "") != "hello\n" {
		t.Fatalf("unexpected data %+v", data)
	}

	_, err = stream.Next()
	var streamErr *StreamError
	if !errors.As(err, &streamErr) || streamErr.Code != "e_monitor_closed" {
		t.Fatalf("expected e_monitor_closed, got %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("fake server: %v", err)
	}
}

// fakeStreamServer answers the upgrade, the hello and one attach.
func fakeStreamServer(conn net.Conn) error {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return err
	}
	if req.Header.Get("Upgrade") != wire.UpgradeToken {
		return errors.New("missing upgrade token")
	}
	if _, err := io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: "+wire.UpgradeToken+"\r\nConnection: Upgrade\r\n\r\n"); err != nil {
		return err
	}
	var seq uint64
	reply := func(command string, data any) error {
		seq++
		env, err := wire.NewEnvelope(command, seq, "", data)
		if err != nil {
			return err
		}
		return wire.WriteFrame(conn, env)
	}

	hello, err := wire.ReadFrame(br, wire.DefaultMaxFrame)
	if err != nil {
		return err
	}
	if hello.Command != wire.CommandHello {
		return errors.New("expected hello, got " + hello.Command)
	}
	if err := reply(wire.CommandHelloAck, wire.HelloAckPayload{ServerID: "fake", ProtocolVersion: wire.SchemaVersion}); err != nil {
		return err
	}

	attach, err := wire.ReadFrame(br, wire.DefaultMaxFrame)
	if err != nil {
		return err
	}
	var payload wire.AttachPayload
	if err := attach.DecodeData(&payload); err != nil {
		return err
	}
	if !payload.Start || !payload.Target.IsValid() {
		return errors.New("unexpected attach payload")
	}
	if err := reply(wire.CommandAttached, wire.AttachedPayload{Target: payload.Target, Identity: "arduino:avr:uno-/dev/ttyACM0-serial"}); err != nil {
		return err
	}
	if err := reply(wire.CommandData, wire.DataPayload{Lines: []string{"hello\n"}}); err != nil {
		return err
	}
	return reply(wire.CommandError, wire.ErrorPayload{Code: "e_monitor_closed", Message: "monitor stopped"})
}
