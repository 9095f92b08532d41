// Package daemon serves the boardmon HTTP API on a unix domain socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/boardmon/internal/api"
	"github.com/g960059/boardmon/internal/boards"
	"github.com/g960059/boardmon/internal/broadcast"
	"github.com/g960059/boardmon/internal/config"
	"github.com/g960059/boardmon/internal/discovery"
	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/model"
	"github.com/g960059/boardmon/internal/monitor"
)

const maxRequestBody = 1 << 20

// Deps are the long-lived components the server exposes.
type Deps struct {
	Watcher  *discovery.Watcher
	Boards   *boards.Service
	Monitors *monitor.Manager
	Log      logger.Logger
}

type Server struct {
	cfg      config.Config
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File
	watcher  *discovery.Watcher
	boards   *boards.Service
	monitors *monitor.Manager
	log      logger.Logger
	streamID string
	sequence atomic.Int64

	// peer check for upgraded streams; replaced in tests
	verifyPeer func(net.Conn) error

	// closed on shutdown to end long-lived watch responses
	closing chan struct{}

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	log := deps.Log
	if log == nil {
		log = logger.Noop()
	}
	s := &Server{
		cfg:      cfg,
		watcher:  deps.Watcher,
		boards:   deps.Boards,
		monitors: deps.Monitors,
		log:      log,
		streamID: uuid.NewString(),
		closing:  make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	s.verifyPeer = verifyPeerConn

	mux.HandleFunc("/v1/health", s.healthHandler)
	if s.watcher != nil {
		mux.HandleFunc("/v1/ports", s.portsHandler)
	}
	if s.boards != nil {
		mux.HandleFunc("/v1/boards", s.boardsHandler)
		mux.HandleFunc("/v1/boards/config", s.boardsConfigHandler)
		if s.watcher != nil {
			mux.HandleFunc("/v1/boards/watch", s.boardsWatchHandler)
		}
	}
	if s.monitors != nil {
		mux.HandleFunc("/v1/monitors", s.monitorsHandler)
		mux.HandleFunc("/v1/monitors/start", s.monitorStartHandler)
		mux.HandleFunc("/v1/monitors/stop", s.monitorStopHandler)
		mux.HandleFunc("/v1/monitors/send", s.monitorSendHandler)
		mux.HandleFunc("/v1/monitors/settings", s.monitorSettingsHandler)
		mux.HandleFunc("/v1/monitors/stream", s.monitorStreamHandler)
		mux.HandleFunc("/v1/uploads/start", s.uploadStartHandler)
		mux.HandleFunc("/v1/uploads/finish", s.uploadFinishHandler)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("listening on %s", s.cfg.SocketPath)

	if s.boards != nil && s.monitors != nil {
		// subscribed before serving so no selection request is missed
		go s.followSelection(ctx, s.boards.SubscribeConfig())
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

// followSelection moves a running monitor along with the board selection
// until the server shuts down.
func (s *Server) followSelection(ctx context.Context, sub *broadcast.Subscription[model.BoardsConfig]) {
	defer sub.Close()
	var prev model.BoardsConfig
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case next, ok := <-sub.C():
			if !ok {
				return
			}
			if !first {
				if err := s.monitors.SelectionChanged(ctx, prev, next); err != nil {
					s.log.Warn("follow board selection: %v", err)
				}
			}
			first = false
			prev = next
		}
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		close(s.closing)
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		DiscoveryMode: s.cfg.Discovery.Mode,
	}
	if s.monitors != nil {
		resp.UploadInProgress = s.monitors.UploadInProgress()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) portsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	state := s.watcher.State()
	ports := make([]model.PortBoards, 0, len(state))
	for _, p := range state.Ports() {
		ports = append(ports, state[p.Address])
	}
	s.writeJSON(w, http.StatusOK, api.PortsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Ports:         ports,
	})
}

func (s *Server) boardsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BoardsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Boards:        s.boards.AvailableBoards(),
	})
}

func (s *Server) boardsConfigHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var cfg model.BoardsConfig
		if !s.decodeBody(w, r, &cfg) {
			return
		}
		if err := s.boards.SetBoardsConfig(r.Context(), cfg); err != nil {
			s.writeError(w, http.StatusInternalServerError, api.ErrInternal, err.Error())
			return
		}
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut)
		return
	}
	cfg := s.boards.BoardsConfig()
	s.writeJSON(w, http.StatusOK, api.BoardsConfigEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Config:        cfg,
		CanUpload:     cfg.CanUpload(),
	})
}

// boardsWatchHandler streams attached-board changes, selection changes and
// available-board changes as ndjson until the client goes away. The stream
// opens with the current state of each.
func (s *Server) boardsWatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, api.ErrPreconditionFailed, "streaming not supported")
		return
	}
	changes := s.watcher.Subscribe()
	defer changes.Close()
	configs := s.boards.SubscribeConfig()
	defer configs.Close()
	available := s.boards.SubscribeAvailable()
	defer available.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	emit := func(line api.WatchLine) bool {
		line.SchemaVersion = api.SchemaVersion
		line.EmittedAt = time.Now().UTC()
		line.StreamID = s.streamID
		line.Sequence = s.nextSequence()
		if err := enc.Encode(line); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	changeLine := func(lineType string, change discovery.ChangeEvent) api.WatchLine {
		diff := change.Diff()
		return api.WatchLine{Type: lineType, Change: &change, Diff: &diff}
	}
	configLine := func(cfg model.BoardsConfig) api.WatchLine {
		return api.WatchLine{Type: api.WatchConfig, Config: &cfg}
	}
	availableLine := func(list []model.AvailableBoard) api.WatchLine {
		return api.WatchLine{Type: api.WatchAvailable, Available: list}
	}

	// Each subscription delivers its current value first.
	change, ok := <-changes.C()
	if !ok || !emit(changeLine(api.WatchSnapshot, change)) {
		return
	}
	cfg, ok := <-configs.C()
	if !ok || !emit(configLine(cfg)) {
		return
	}
	list, ok := <-available.C()
	if !ok || !emit(availableLine(list)) {
		return
	}

	for {
		var line api.WatchLine
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case change, ok := <-changes.C():
			if !ok {
				return
			}
			line = changeLine(api.WatchChange, change)
		case cfg, ok := <-configs.C():
			if !ok {
				return
			}
			line = configLine(cfg)
		case list, ok := <-available.C():
			if !ok {
				return
			}
			line = availableLine(list)
		}
		if !emit(line) {
			return
		}
	}
}

func (s *Server) monitorsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MonitorsEnvelope{
		SchemaVersion:    api.SchemaVersion,
		GeneratedAt:      time.Now().UTC(),
		UploadInProgress: s.monitors.UploadInProgress(),
		Monitors:         s.monitors.List(),
	})
}

func (s *Server) monitorStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.MonitorRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	target := req.Target()
	if err := s.monitors.StartMonitor(r.Context(), target); err != nil {
		s.writeMonitorError(w, err)
		return
	}
	s.writeAction(w, target, "started")
}

func (s *Server) monitorStopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.MonitorRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	target := req.Target()
	if err := s.monitors.StopMonitor(r.Context(), target); err != nil {
		s.writeMonitorError(w, err)
		return
	}
	s.writeAction(w, target, "stopped")
}

func (s *Server) monitorSendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.MonitorSendRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	target := req.Target()
	if err := s.monitors.Send(r.Context(), target, req.Message); err != nil {
		s.writeMonitorError(w, err)
		return
	}
	s.writeAction(w, target, "sent")
}

func (s *Server) monitorSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var (
		target   monitor.Target
		settings model.MonitorSettings
		err      error
	)
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		target = monitor.Target{
			FQBN: strings.TrimSpace(q.Get("fqbn")),
			Port: model.Port{
				Address:  strings.TrimSpace(q.Get("address")),
				Protocol: strings.TrimSpace(q.Get("protocol")),
			},
		}
		settings, err = s.monitors.CurrentSettings(r.Context(), target)
	case http.MethodPut:
		var req api.MonitorSettingsRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		target = req.Target()
		settings, err = s.monitors.ChangeMonitorSettings(r.Context(), target, req.Settings)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut)
		return
	}
	if err != nil {
		s.writeMonitorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MonitorSettingsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Identity:      target.Identity(),
		Settings:      settings,
	})
}

func (s *Server) uploadStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.UploadRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.monitors.NotifyUploadStarted(r.Context(), req.Target()); err != nil {
		s.writeMonitorError(w, err)
		return
	}
	s.writeUpload(w)
}

func (s *Server) uploadFinishHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.UploadRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.monitors.NotifyUploadFinished(r.Context(), req.Target(), req.NewPort); err != nil {
		s.writeMonitorError(w, err)
		return
	}
	s.writeUpload(w)
}

func (s *Server) writeUpload(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, api.UploadResponse{
		SchemaVersion:    api.SchemaVersion,
		GeneratedAt:      time.Now().UTC(),
		UploadInProgress: s.monitors.UploadInProgress(),
	})
}

func (s *Server) writeAction(w http.ResponseWriter, target monitor.Target, result string) {
	s.writeJSON(w, http.StatusOK, api.MonitorActionResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Identity:      target.Identity(),
		ResultCode:    result,
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrRefInvalid, "invalid json body")
		return false
	}
	return true
}

// monitorErrorCode maps monitor errors to an HTTP status and API error code.
func monitorErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, monitor.ErrAlreadyConnected):
		return http.StatusConflict, api.ErrAlreadyConnected
	case errors.Is(err, monitor.ErrMissingConfiguration):
		return http.StatusBadRequest, api.ErrMissingConfiguration
	case errors.Is(err, monitor.ErrNotConnected):
		return http.StatusConflict, api.ErrNotConnected
	case errors.Is(err, monitor.ErrUploadInProgress):
		return http.StatusConflict, api.ErrUploadInProgress
	case errors.Is(err, monitor.ErrConnectionFailed):
		return http.StatusBadGateway, api.ErrConnectionFailed
	case errors.Is(err, monitor.ErrUnsupportedProtocol):
		return http.StatusBadRequest, api.ErrUnsupportedProtocol
	case errors.Is(err, monitor.ErrUnexpectedSettingsDiff):
		return http.StatusInternalServerError, api.ErrUnexpectedSettings
	case errors.Is(err, monitor.ErrDisposed):
		return http.StatusConflict, api.ErrPreconditionFailed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, api.ErrPreconditionFailed
	default:
		return http.StatusInternalServerError, api.ErrInternal
	}
}

func (s *Server) writeMonitorError(w http.ResponseWriter, err error) {
	status, code := monitorErrorCode(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("monitor request failed: %v", err)
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) nextSequence() int64 {
	return s.sequence.Add(1)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, api.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
