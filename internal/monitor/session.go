package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/boardmon/internal/config"
	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/model"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateConnected
	StatePausing
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type startCall struct {
	done chan struct{}
	err  error
}

func (c *startCall) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connection is one opened duplex and its reader.
type connection struct {
	duplex   Duplex
	ack      chan error
	acked    bool
	attached bool
	preAck   []string
	done     chan struct{}
}

// Session is the live monitor of one board family on one port.
type Session struct {
	identity string
	fqbn     string
	port     model.Port
	cfg      config.MonitorConfig
	client   Client
	settings SettingsStore
	log      logger.Logger

	onDispose func(*Session)

	mu        sync.Mutex
	state     State
	conn      *connection
	starting  *startCall
	snapshot  []SettingValue
	defaults  model.PluggableMonitorSettings
	current   model.PluggableMonitorSettings
	status    model.ConnectionStatus
	buffer    []string
	subs      map[string]*Subscriber
	disposed  bool
	flushing  bool
	flushStop chan struct{}

	sendMu     sync.Mutex
	settingsMu sync.Mutex
}

type SessionOptions struct {
	FQBN      string
	Port      model.Port
	Config    config.MonitorConfig
	Client    Client
	Settings  SettingsStore
	Log       logger.Logger
	OnDispose func(*Session)
}

func NewSession(opts SessionOptions) *Session {
	log := opts.Log
	if log == nil {
		log = logger.Noop()
	}
	s := &Session{
		identity:  model.MonitorIdentity(opts.FQBN, opts.Port),
		fqbn:      opts.FQBN,
		port:      opts.Port,
		cfg:       withDefaults(opts.Config),
		client:    opts.Client,
		settings:  opts.Settings,
		log:       log,
		onDispose: opts.OnDispose,
		status:    model.NotConnected(),
		subs:      map[string]*Subscriber{},
		flushStop: make(chan struct{}),
	}
	return s
}

func withDefaults(cfg config.MonitorConfig) config.MonitorConfig {
	def := config.DefaultConfig().Monitor
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = def.StartAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.PauseTimeout <= 0 {
		cfg.PauseTimeout = def.PauseTimeout
	}
	if cfg.SubscriberQueueLimit <= 0 {
		cfg.SubscriberQueueLimit = def.SubscriberQueueLimit
	}
	return cfg
}

func (s *Session) Identity() string { return s.identity }
func (s *Session) FQBN() string     { return s.fqbn }
func (s *Session) Port() model.Port { return s.port }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() model.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Start opens the monitor. Concurrent calls while a start is in flight all
// observe that attempt's outcome.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	if s.state == StateStopping {
		s.mu.Unlock()
		return ErrDisposed
	}
	if call := s.starting; call != nil {
		s.mu.Unlock()
		return call.wait(ctx)
	}
	if err := s.checkConfiguration(); err != nil {
		s.mu.Unlock()
		return err
	}
	call := &startCall{done: make(chan struct{})}
	s.starting = call
	s.state = StateStarting
	s.setStatusLocked(model.Connecting())
	s.mu.Unlock()

	go s.runStart(call)
	return call.wait(ctx)
}

func (s *Session) checkConfiguration() error {
	var missing []string
	if s.fqbn == "" {
		missing = append(missing, "fqbn")
	}
	if s.port.Address == "" {
		missing = append(missing, "port address")
	}
	if s.port.Protocol == "" {
		missing = append(missing, "port protocol")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingConfiguration, missing)
	}
	return nil
}

func (s *Session) runStart(call *startCall) {
	err := s.start()

	s.mu.Lock()
	s.starting = nil
	if err != nil && s.state == StateStarting {
		s.state = StateIdle
		s.setStatusLocked(model.ConnectionFailed(err.Error()))
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("start monitor %s: %v", s.identity, err)
	} else {
		s.log.Info("monitor %s connected", s.identity)
	}
	call.err = err
	close(call.done)
}

func (s *Session) start() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartTimeout)
	defer cancel()

	defaults, err := s.client.Describe(ctx, s.port.Protocol, s.fqbn)
	if err != nil {
		return &ConnectionError{Reason: "describe monitor", Port: s.port, Err: err}
	}
	settings, err := s.settings.Get(ctx, s.identity, defaults)
	if err != nil {
		return fmt.Errorf("load monitor settings: %w", err)
	}
	snapshot := settingValues(settings)
	req := Request{
		Instance:          uuid.NewString(),
		FQBN:              s.fqbn,
		Port:              &PortRef{Address: s.port.Address, Protocol: s.port.Protocol},
		PortConfiguration: &PortConfiguration{Settings: snapshot},
	}

	conn, err := s.openWithRetry(ctx, req)
	if err != nil {
		return &ConnectionError{Reason: "open monitor", Port: s.port, Err: err}
	}

	// ChangeSettings calls made while the port was opening were persisted
	// but not sent. Holding settingsMu until the follow-up is sent keeps
	// later calls ordered after it.
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	latest, err := s.settings.Get(ctx, s.identity, defaults)
	if err != nil {
		s.log.Warn("reload monitor settings %s: %v", s.identity, err)
		latest = settings
	}
	latestValues := settingValues(latest)
	catchUp, err := diffSettings(snapshot, latestValues)
	if err != nil {
		_ = conn.duplex.Close()
		return err
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		_ = conn.duplex.Close()
		return ErrDisposed
	}
	conn.attached = true
	s.buffer = append(s.buffer, conn.preAck...)
	conn.preAck = nil
	s.conn = conn
	s.state = StateConnected
	s.snapshot = snapshot
	s.defaults = defaults
	s.current = latest
	s.startFlushLocked()
	s.setStatusLocked(model.Connected())
	s.mu.Unlock()

	if len(catchUp) > 0 {
		if err := s.sendConfiguration(conn, catchUp, latestValues); err != nil {
			s.log.Warn("%v", err)
		}
	}
	return nil
}

// sendConfiguration sends diff on c and records snapshot as what the device
// holds once the write succeeds.
func (s *Session) sendConfiguration(c *connection, diff, snapshot []SettingValue) error {
	s.sendMu.Lock()
	err := c.duplex.Send(Request{PortConfiguration: &PortConfiguration{Settings: diff}})
	s.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("configure %s: %w", s.identity, err)
	}
	s.mu.Lock()
	if s.conn == c {
		s.snapshot = snapshot
	}
	s.mu.Unlock()
	s.log.Debug("monitor %s reconfigured %d setting(s)", s.identity, len(diff))
	return nil
}

type openResult struct {
	conn *connection
	err  error
}

// openWithRetry races the bounded retry loop against ctx. A connection the
// loop opens after ctx is done is closed, never returned.
func (s *Session) openWithRetry(ctx context.Context, req Request) (*connection, error) {
	results := make(chan openResult, 1)
	go func() {
		var lastErr error
		for attempt := 1; attempt <= s.cfg.StartAttempts; attempt++ {
			conn, err := s.openOnce(ctx, req)
			if err == nil {
				results <- openResult{conn: conn}
				return
			}
			lastErr = err
			s.log.Debug("monitor %s attempt %d/%d: %v", s.identity, attempt, s.cfg.StartAttempts, err)
			if attempt == s.cfg.StartAttempts {
				break
			}
			timer := time.NewTimer(s.cfg.RetryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				results <- openResult{err: lastErr}
				return
			case <-timer.C:
			}
		}
		results <- openResult{err: fmt.Errorf("%d attempts failed: %w", s.cfg.StartAttempts, lastErr)}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.duplex.Close()
			}
		}()
		return nil, fmt.Errorf("timed out after %s: %w", s.cfg.StartTimeout, ctx.Err())
	}
}

func (s *Session) openOnce(ctx context.Context, req Request) (*connection, error) {
	duplex, err := s.client.Open(ctx)
	if err != nil {
		return nil, err
	}
	conn := &connection{
		duplex: duplex,
		ack:    make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.readLoop(conn)
	if err := duplex.Send(req); err != nil {
		_ = duplex.Close()
		return nil, fmt.Errorf("send configuration: %w", err)
	}
	select {
	case err := <-conn.ack:
		if err != nil {
			_ = duplex.Close()
			return nil, err
		}
		return conn, nil
	case <-ctx.Done():
		_ = duplex.Close()
		return nil, ctx.Err()
	}
}

func (s *Session) readLoop(c *connection) {
	defer close(c.done)
	for {
		resp, err := c.duplex.Recv()
		if err != nil {
			if !c.acked {
				c.acked = true
				c.ack <- fmt.Errorf("monitor closed before acknowledging: %w", err)
				return
			}
			s.connectionLost(c, err)
			return
		}
		if !c.acked {
			switch {
			case resp.Error != "":
				c.acked = true
				c.ack <- errors.New(resp.Error)
			case resp.Success:
				c.acked = true
				c.ack <- nil
			}
		} else if resp.Error != "" {
			s.log.Warn("monitor %s: %s", s.identity, resp.Error)
		}
		if len(resp.RxData) > 0 {
			s.receive(c, string(resp.RxData))
		}
	}
}

func (s *Session) receive(c *connection, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.attached {
		c.preAck = append(c.preAck, chunk)
		return
	}
	if s.conn != c {
		return
	}
	s.buffer = append(s.buffer, chunk)
}

// connectionLost resets an established session whose stream failed. Streams
// ended by Pause are not reported.
func (s *Session) connectionLost(c *connection, err error) {
	s.mu.Lock()
	if s.conn != c || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.snapshot = nil
	s.state = StateIdle
	s.setStatusLocked(model.ConnectionFailed(err.Error()))
	s.mu.Unlock()

	s.log.Warn("monitor %s lost connection: %v", s.identity, err)
	_ = c.duplex.Close()
}

// Pause closes the duplex gracefully so another tool can use the port. The
// subscribers stay attached. Pausing a session that is not connected is a
// no-op.
func (s *Session) Pause(ctx context.Context) error {
	return s.closeConnection(ctx, StatePausing)
}

// closeConnection half-closes the duplex and waits a bounded time for the
// monitor to end its stream. The session sits in transit meanwhile.
func (s *Session) closeConnection(ctx context.Context, transit State) error {
	for {
		s.mu.Lock()
		call := s.starting
		if call == nil {
			break
		}
		s.mu.Unlock()
		if err := call.wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	c := s.conn
	s.state = transit
	s.mu.Unlock()

	s.sendMu.Lock()
	_ = c.duplex.CloseSend()
	s.sendMu.Unlock()
	timer := time.NewTimer(s.cfg.PauseTimeout)
	select {
	case <-c.done:
		timer.Stop()
	case <-timer.C:
		s.log.Warn("monitor %s did not acknowledge close within %s", s.identity, s.cfg.PauseTimeout)
	case <-ctx.Done():
		timer.Stop()
	}
	_ = c.duplex.Close()

	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	if s.state == transit {
		s.snapshot = nil
		if transit == StatePausing {
			s.state = StatePaused
		}
		s.setStatusLocked(model.NotConnected())
	}
	s.mu.Unlock()
	s.log.Debug("monitor %s closed (%s)", s.identity, transit)
	return nil
}

// Stop closes the connection and disposes the session. It stays in
// StateStopping until the monitor has ended its stream.
func (s *Session) Stop(ctx context.Context) error {
	err := s.closeConnection(ctx, StateStopping)
	s.dispose()
	return err
}

// Send writes data to the device.
func (s *Session) Send(ctx context.Context, data string) error {
	s.mu.Lock()
	c := s.conn
	connected := s.state == StateConnected && c != nil
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := c.duplex.Send(Request{TxData: []byte(data)}); err != nil {
		return fmt.Errorf("send to %s: %w", s.identity, err)
	}
	return nil
}

// ChangeSettings persists partial and, when connected, sends only the
// entries that differ from what the device was last configured with.
func (s *Session) ChangeSettings(ctx context.Context, partial model.PluggableMonitorSettings) (model.MonitorSettings, error) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	defaults, err := s.describe(ctx)
	if err != nil {
		return model.MonitorSettings{}, err
	}
	next, err := s.settings.Set(ctx, s.identity, partial, defaults)
	if err != nil {
		return model.MonitorSettings{}, err
	}

	s.mu.Lock()
	c := s.conn
	connected := s.state == StateConnected && c != nil
	var diff, snapshot []SettingValue
	if connected {
		snapshot = settingValues(next)
		diff, err = diffSettings(s.snapshot, snapshot)
	}
	if err == nil {
		s.current = next
	}
	s.mu.Unlock()
	if err != nil {
		return model.MonitorSettings{}, err
	}

	if len(diff) > 0 {
		if err := s.sendConfiguration(c, diff, snapshot); err != nil {
			return model.MonitorSettings{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	settings := s.settingsLocked()
	s.broadcastLocked(Message{Kind: MessageSettings, Settings: &settings})
	return settings, nil
}

// CurrentSettings returns the reconciled settings and the connection status.
func (s *Session) CurrentSettings(ctx context.Context) (model.MonitorSettings, error) {
	s.mu.Lock()
	loaded := s.current != nil
	s.mu.Unlock()
	if !loaded {
		defaults, err := s.describe(ctx)
		if err != nil {
			return model.MonitorSettings{}, err
		}
		current, err := s.settings.Get(ctx, s.identity, defaults)
		if err != nil {
			return model.MonitorSettings{}, err
		}
		s.mu.Lock()
		if s.current == nil {
			s.current = current
		}
		s.mu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsLocked(), nil
}

func (s *Session) describe(ctx context.Context) (model.PluggableMonitorSettings, error) {
	s.mu.Lock()
	defaults := s.defaults
	s.mu.Unlock()
	if defaults != nil {
		return defaults, nil
	}
	defaults, err := s.client.Describe(ctx, s.port.Protocol, s.fqbn)
	if err != nil {
		return nil, fmt.Errorf("describe monitor %s: %w", s.identity, err)
	}
	s.mu.Lock()
	s.defaults = defaults
	s.mu.Unlock()
	return defaults, nil
}

func (s *Session) settingsLocked() model.MonitorSettings {
	status := s.status
	return model.MonitorSettings{
		PluggableMonitorSettings: s.current.Clone(),
		MonitorUISettings:        &model.MonitorUISettings{ConnectionStatus: &status},
	}
}

func (s *Session) setStatusLocked(status model.ConnectionStatus) {
	s.status = status
	s.broadcastLocked(Message{Kind: MessageSettings, Settings: &model.MonitorSettings{
		MonitorUISettings: &model.MonitorUISettings{ConnectionStatus: &status},
	}})
}

func (s *Session) broadcastLocked(msg Message) {
	for _, sub := range s.subs {
		sub.enqueue(msg)
	}
}

// Subscribe attaches a reader. The first message carries the current
// settings and connection status.
func (s *Session) Subscribe() (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrDisposed
	}
	sub := newSubscriber(s, s.cfg.SubscriberQueueLimit)
	go sub.pump()
	s.startFlushLocked()
	s.subs[sub.id] = sub
	settings := s.settingsLocked()
	sub.enqueue(Message{Kind: MessageSettings, Settings: &settings})
	return sub, nil
}

func (s *Session) unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	if _, ok := s.subs[sub.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, sub.id)
	last := len(s.subs) == 0
	s.mu.Unlock()
	if last {
		s.log.Debug("last subscriber of %s left", s.identity)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PauseTimeout+time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}
}

// startFlushLocked starts the flush ticker once the session has a reader or
// a connection. Sessions that only answer settings queries never run it.
func (s *Session) startFlushLocked() {
	if s.flushing || s.disposed {
		return
	}
	s.flushing = true
	go s.flushLoop()
}

func (s *Session) flushLoop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.flushStop:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Session) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.broadcastLocked(Message{Kind: MessageData, Lines: batch})
}

func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *Session) dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	c := s.conn
	s.conn = nil
	s.state = StateIdle
	subs := s.subs
	s.subs = map[string]*Subscriber{}
	s.buffer = nil
	close(s.flushStop)
	s.mu.Unlock()

	if c != nil {
		_ = c.duplex.Close()
	}
	for _, sub := range subs {
		sub.terminate()
	}
	if s.onDispose != nil {
		s.onDispose(s)
	}
	s.log.Debug("monitor %s disposed", s.identity)
}
