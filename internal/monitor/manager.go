package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/g960059/boardmon/internal/config"
	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/model"
)

// Target names the board family and port a monitor runs on.
type Target struct {
	FQBN string     `json:"fqbn"`
	Port model.Port `json:"port"`
}

func (t Target) Identity() string { return model.MonitorIdentity(t.FQBN, t.Port) }

type SessionInfo struct {
	Identity    string                 `json:"identity"`
	FQBN        string                 `json:"fqbn"`
	Port        model.Port             `json:"port"`
	State       string                 `json:"state"`
	Status      model.ConnectionStatus `json:"status"`
	Subscribers int                    `json:"subscribers"`
}

// Manager owns the session registry and the upload gate.
type Manager struct {
	cfg      config.MonitorConfig
	clients  map[string]Client
	settings SettingsStore
	log      logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	uploads  map[string]bool
	// targets to start once no upload is running, keyed by identity
	queued map[string]Target
	// sessions paused for an upload that must be resumed afterwards
	paused map[string]Target
}

func NewManager(cfg config.MonitorConfig, clients map[string]Client, settings SettingsStore, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Noop()
	}
	return &Manager{
		cfg:      cfg,
		clients:  clients,
		settings: settings,
		log:      log,
		sessions: map[string]*Session{},
		uploads:  map[string]bool{},
		queued:   map[string]Target{},
		paused:   map[string]Target{},
	}
}

// session returns the registered session for target, creating it on first
// access.
func (m *Manager) session(target Target) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked(target)
}

func (m *Manager) sessionLocked(target Target) (*Session, error) {
	identity := target.Identity()
	if s, ok := m.sessions[identity]; ok {
		return s, nil
	}
	client, ok := m.clients[target.Port.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedProtocol, target.Port.Protocol)
	}
	s := NewSession(SessionOptions{
		FQBN:      target.FQBN,
		Port:      target.Port,
		Config:    m.cfg,
		Client:    client,
		Settings:  m.settings,
		Log:       m.log,
		OnDispose: m.forget,
	})
	m.sessions[identity] = s
	return s, nil
}

func (m *Manager) lookup(identity string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[identity]
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.identity] == s {
		delete(m.sessions, s.identity)
	}
}

func (m *Manager) IsStarted(target Target) bool {
	s := m.lookup(target.Identity())
	return s != nil && s.State() == StateConnected
}

// StartMonitor starts the session for target. While any upload runs the
// request is queued and ErrUploadInProgress is returned.
func (m *Manager) StartMonitor(ctx context.Context, target Target) error {
	m.mu.Lock()
	if len(m.uploads) > 0 {
		m.queued[target.Identity()] = target
		m.mu.Unlock()
		m.log.Info("upload in progress, queued monitor %s", target.Identity())
		return ErrUploadInProgress
	}
	s, err := m.sessionLocked(target)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

func (m *Manager) StopMonitor(ctx context.Context, target Target) error {
	identity := target.Identity()
	m.mu.Lock()
	delete(m.queued, identity)
	delete(m.paused, identity)
	s := m.sessions[identity]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Stop(ctx)
}

// ChangeMonitorSettings updates the settings of target. Without a live
// session the change is only persisted; no session is registered for it.
func (m *Manager) ChangeMonitorSettings(ctx context.Context, target Target, partial model.PluggableMonitorSettings) (model.MonitorSettings, error) {
	if s := m.lookup(target.Identity()); s != nil {
		return s.ChangeSettings(ctx, partial)
	}
	defaults, err := m.describe(ctx, target)
	if err != nil {
		return model.MonitorSettings{}, err
	}
	next, err := m.settings.Set(ctx, target.Identity(), partial, defaults)
	if err != nil {
		return model.MonitorSettings{}, err
	}
	return detachedSettings(next), nil
}

// CurrentSettings reads the reconciled settings of target. Targets without a
// session report NotConnected and stay unregistered.
func (m *Manager) CurrentSettings(ctx context.Context, target Target) (model.MonitorSettings, error) {
	if s := m.lookup(target.Identity()); s != nil {
		return s.CurrentSettings(ctx)
	}
	defaults, err := m.describe(ctx, target)
	if err != nil {
		return model.MonitorSettings{}, err
	}
	current, err := m.settings.Get(ctx, target.Identity(), defaults)
	if err != nil {
		return model.MonitorSettings{}, err
	}
	return detachedSettings(current), nil
}

func (m *Manager) describe(ctx context.Context, target Target) (model.PluggableMonitorSettings, error) {
	client, ok := m.clients[target.Port.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedProtocol, target.Port.Protocol)
	}
	defaults, err := client.Describe(ctx, target.Port.Protocol, target.FQBN)
	if err != nil {
		return nil, fmt.Errorf("describe monitor %s: %w", target.Identity(), err)
	}
	return defaults, nil
}

func detachedSettings(settings model.PluggableMonitorSettings) model.MonitorSettings {
	status := model.NotConnected()
	return model.MonitorSettings{
		PluggableMonitorSettings: settings,
		MonitorUISettings:        &model.MonitorUISettings{ConnectionStatus: &status},
	}
}

func (m *Manager) Send(ctx context.Context, target Target, data string) error {
	s := m.lookup(target.Identity())
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(ctx, data)
}

// Subscribe attaches a reader to the session for target. A session disposed
// between lookup and subscribe is replaced.
func (m *Manager) Subscribe(target Target) (*Session, *Subscriber, error) {
	for {
		s, err := m.session(target)
		if err != nil {
			return nil, nil, err
		}
		sub, err := s.Subscribe()
		if errors.Is(err, ErrDisposed) {
			m.forget(s)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return s, sub, nil
	}
}

func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionInfo{
			Identity:    s.identity,
			FQBN:        s.fqbn,
			Port:        s.port,
			State:       s.State().String(),
			Status:      s.Status(),
			Subscribers: s.SubscriberCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (m *Manager) UploadInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads) > 0
}

// NotifyUploadStarted closes the gate and pauses the session on target so
// the uploader can use the port.
func (m *Manager) NotifyUploadStarted(ctx context.Context, target Target) error {
	identity := target.Identity()
	m.mu.Lock()
	m.uploads[identity] = true
	s := m.sessions[identity]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	switch s.State() {
	case StateConnected, StateStarting:
	default:
		return nil
	}
	if err := s.Pause(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.paused[identity] = target
	m.mu.Unlock()
	return nil
}

// NotifyUploadFinished ends the upload on target. If the board came back on
// newPort, monitors of the old port are moved there. Once no upload remains
// every queued or paused monitor is started exactly once.
func (m *Manager) NotifyUploadFinished(ctx context.Context, target Target, newPort *model.Port) error {
	identity := target.Identity()
	m.mu.Lock()
	delete(m.uploads, identity)
	var stale *Session
	if newPort != nil && !newPort.Equal(target.Port) {
		moved := Target{FQBN: target.FQBN, Port: *newPort}
		if _, ok := m.paused[identity]; ok {
			delete(m.paused, identity)
			m.paused[moved.Identity()] = moved
		}
		if _, ok := m.queued[identity]; ok {
			delete(m.queued, identity)
			m.queued[moved.Identity()] = moved
		}
		stale = m.sessions[identity]
	}
	if len(m.uploads) > 0 {
		m.mu.Unlock()
		if stale != nil {
			return stale.Stop(ctx)
		}
		return nil
	}
	pending := make(map[string]Target, len(m.queued)+len(m.paused))
	for id, t := range m.paused {
		pending[id] = t
	}
	for id, t := range m.queued {
		pending[id] = t
	}
	m.queued = map[string]Target{}
	m.paused = map[string]Target{}
	m.mu.Unlock()

	if stale != nil {
		m.log.Info("board moved from %s to %s during upload", target.Port, newPort)
		if err := stale.Stop(ctx); err != nil {
			m.log.Warn("stop monitor %s: %v", identity, err)
		}
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var firstErr error
	for _, id := range ids {
		if err := m.StartMonitor(ctx, pending[id]); err != nil && !errors.Is(err, ErrAlreadyConnected) {
			m.log.Warn("restart monitor %s after upload: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SelectionChanged follows the user's board selection. A monitor running on
// the previous selection is stopped and, when the new selection can upload,
// started on it.
func (m *Manager) SelectionChanged(ctx context.Context, prev, next model.BoardsConfig) error {
	from, ok := selectionTarget(prev)
	if !ok {
		return nil
	}
	to, valid := selectionTarget(next)
	if valid && to.Identity() == from.Identity() {
		return nil
	}
	s := m.lookup(from.Identity())
	if s == nil {
		return nil
	}
	switch s.State() {
	case StateConnected, StateStarting:
	default:
		return nil
	}
	if err := m.StopMonitor(ctx, from); err != nil {
		m.log.Warn("stop monitor %s: %v", from.Identity(), err)
	}
	if !valid {
		m.log.Info("selection cleared, stopped monitor %s", from.Identity())
		return nil
	}
	m.log.Info("selection moved monitor %s to %s", from.Identity(), to.Identity())
	err := m.StartMonitor(ctx, to)
	if errors.Is(err, ErrUploadInProgress) || errors.Is(err, ErrAlreadyConnected) {
		return nil
	}
	return err
}

func selectionTarget(cfg model.BoardsConfig) (Target, bool) {
	if !cfg.CanUpload() {
		return Target{}, false
	}
	return Target{FQBN: cfg.SelectedBoard.FQBN, Port: *cfg.SelectedPort}, true
}

// Close stops every session.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Stop(ctx)
	}
}
