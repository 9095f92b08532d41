package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/g960059/boardmon/internal/api"
	"github.com/g960059/boardmon/internal/boards"
	"github.com/g960059/boardmon/internal/config"
	"github.com/g960059/boardmon/internal/discovery"
	"github.com/g960059/boardmon/internal/model"
	"github.com/g960059/boardmon/internal/monitor"
	"github.com/g960059/boardmon/internal/settings"
	"github.com/g960059/boardmon/internal/testutil"
	"github.com/g960059/boardmon/internal/wire"
)

// loopDuplex acks the configuration request and records transmitted data.
type loopDuplex struct {
	mu     sync.Mutex
	sent   []monitor.Request
	recv   chan monitor.Response
	closed chan struct{}
	once   sync.Once
}

func newLoopDuplex() *loopDuplex {
	return &loopDuplex{recv: make(chan monitor.Response, 64), closed: make(chan struct{})}
}

func (d *loopDuplex) Send(req monitor.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
		return io.ErrClosedPipe
	default:
	}
	d.sent = append(d.sent, req)
	if len(d.sent) == 1 {
		d.recv <- monitor.Response{Success: true}
	}
	return nil
}

func (d *loopDuplex) Recv() (monitor.Response, error) {
	select {
	case r := <-d.recv:
		return r, nil
	case <-d.closed:
		return monitor.Response{}, io.EOF
	}
}

func (d *loopDuplex) CloseSend() error { return d.Close() }

func (d *loopDuplex) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *loopDuplex) txData() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, r := range d.sent {
		b.Write(r.TxData)
	}
	return b.String()
}

type loopClient struct {
	mu       sync.Mutex
	duplexes []*loopDuplex
}

func (c *loopClient) Describe(context.Context, string, string) (model.PluggableMonitorSettings, error) {
	return model.PluggableMonitorSettings{
		"baudrate": {ID: "baudrate", Label: "Baudrate", Type: "enum", Values: []string{"9600", "115200"}, SelectedValue: "9600"},
	}, nil
}

func (c *loopClient) Open(context.Context) (monitor.Duplex, error) {
	d := newLoopDuplex()
	c.mu.Lock()
	c.duplexes = append(c.duplexes, d)
	c.mu.Unlock()
	return d, nil
}

func (c *loopClient) last() *loopDuplex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.duplexes) == 0 {
		return nil
	}
	return c.duplexes[len(c.duplexes)-1]
}

type harness struct {
	srv        *Server
	socketPath string
	watcher    *discovery.Watcher
	boards     *boards.Service
	monitors   *monitor.Manager
	client     *loopClient
	http       *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.SocketPath = shortSocketPath(t, "boardmond")
	cfg.Monitor.RetryInterval = 10 * time.Millisecond
	cfg.Monitor.StartTimeout = 2 * time.Second
	cfg.Monitor.FlushInterval = 5 * time.Millisecond

	watcher := discovery.NewWatcher(nil)
	svc := boards.NewService(store, cfg.BoardProtocols, nil)
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("init boards: %v", err)
	}
	client := &loopClient{}
	monitors := monitor.NewManager(cfg.Monitor, map[string]monitor.Client{"serial": client}, settings.NewProvider(store), nil)
	t.Cleanup(func() { monitors.Close(context.Background()) })

	srv := NewServer(cfg, Deps{Watcher: watcher, Boards: svc, Monitors: monitors})
	startCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(startCtx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Errorf("timeout waiting for server shutdown")
		}
	})
	waitForSocket(t, cfg.SocketPath, errCh)

	return &harness{
		srv:        srv,
		socketPath: cfg.SocketPath,
		watcher:    watcher,
		boards:     svc,
		monitors:   monitors,
		client:     client,
		http:       udsClient(cfg.SocketPath),
	}
}

func udsClient(socketPath string) *http.Client {
	return &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}}
}

// do sends a JSON request and decodes the response into out. It returns the
// status code.
func (h *harness) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, "http://unix"+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type streamConn struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	seq  uint64
}

func openStream(t *testing.T, socketPath string) *streamConn {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial unix: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	if _, err := bw.WriteString("GET /v1/monitors/stream HTTP/1.1\r\nHost: unix\r\nConnection: Upgrade\r\nUpgrade: " + wire.UpgradeToken + "\r\n\r\n"); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("flush upgrade request: %v", err)
	}
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(statusLine, "101") {
		t.Fatalf("expected 101 switching protocols, got %q", statusLine)
	}
	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil {
			t.Fatalf("read header line: %v", readErr)
		}
		if line == "\r\n" {
			break
		}
	}
	return &streamConn{t: t, conn: conn, br: br, bw: bw}
}

func (sc *streamConn) send(command, requestID string, data any) {
	sc.t.Helper()
	sc.seq++
	env, err := wire.NewEnvelope(command, sc.seq, requestID, data)
	if err != nil {
		sc.t.Fatalf("new envelope(%s): %v", command, err)
	}
	if err := wire.WriteFrame(sc.bw, env); err != nil {
		sc.t.Fatalf("write frame(%s): %v", command, err)
	}
	if err := sc.bw.Flush(); err != nil {
		sc.t.Fatalf("flush frame(%s): %v", command, err)
	}
}

// next reads frames until one with the given command arrives.
func (sc *streamConn) next(command string) wire.Envelope {
	sc.t.Helper()
	_ = sc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer sc.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	for {
		env, err := wire.ReadFrame(sc.br, wire.DefaultMaxFrame)
		if err != nil {
			sc.t.Fatalf("read frame waiting for %s: %v", command, err)
		}
		if env.Command == command {
			return env
		}
	}
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil {
			if st.Mode()&os.ModeSocket != 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", path)
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}

func shortSocketPath(t *testing.T, prefix string) string {
	t.Helper()
	path := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.sock", prefix, time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = os.Remove(path)
		_ = os.Remove(path + ".lock")
	})
	return path
}

type lineDecoder struct {
	dec *json.Decoder
}

func newLineDecoder(r io.Reader) *lineDecoder {
	return &lineDecoder{dec: json.NewDecoder(r)}
}

func (d *lineDecoder) next(t *testing.T) api.WatchLine {
	t.Helper()
	var line api.WatchLine
	if err := d.dec.Decode(&line); err != nil {
		t.Fatalf("decode watch line: %v", err)
	}
	return line
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
