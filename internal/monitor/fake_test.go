package monitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g960059/boardmon/internal/config"
	"github.com/g960059/boardmon/internal/model"
	"github.com/g960059/boardmon/internal/settings"
	"github.com/g960059/boardmon/internal/testutil"
)

type fakeDuplex struct {
	mu      sync.Mutex
	sent    []Request
	recv    chan Response
	closed  chan struct{}
	once    sync.Once
	failErr error
	// linger keeps the stream up after CloseSend, as a slow monitor would
	linger  bool
	// frames delivered in answer to the configuration request
	onConfigure []Response
}

func newFakeDuplex(onConfigure ...Response) *fakeDuplex {
	return &fakeDuplex{
		recv:        make(chan Response, 64),
		closed:      make(chan struct{}),
		onConfigure: onConfigure,
	}
}

func (d *fakeDuplex) Send(req Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
		return io.ErrClosedPipe
	default:
	}
	d.sent = append(d.sent, req)
	if len(d.sent) == 1 {
		for _, r := range d.onConfigure {
			d.recv <- r
		}
	}
	return nil
}

func (d *fakeDuplex) Recv() (Response, error) {
	select {
	case r := <-d.recv:
		return r, nil
	case <-d.closed:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.failErr != nil {
			return Response{}, d.failErr
		}
		return Response{}, io.EOF
	}
}

func (d *fakeDuplex) CloseSend() error {
	if d.linger {
		return nil
	}
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDuplex) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

// fail ends the stream with err, as a device unplugged mid-session would.
func (d *fakeDuplex) fail(err error) {
	d.mu.Lock()
	d.failErr = err
	d.mu.Unlock()
	d.Close() //nolint:errcheck
}

func (d *fakeDuplex) push(rx string) {
	d.recv <- Response{RxData: []byte(rx)}
}

func (d *fakeDuplex) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func (d *fakeDuplex) requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.sent...)
}

type fakeClient struct {
	mu        sync.Mutex
	defaults  model.PluggableMonitorSettings
	opens     int
	failOpens int
	gate      chan struct{}
	// opens currently blocked on gate
	waiting   int
	duplexes  []*fakeDuplex
	// newDuplex builds the duplex for an open; defaults to an acking duplex
	newDuplex func() *fakeDuplex
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		defaults: model.PluggableMonitorSettings{
			"baudrate": {ID: "baudrate", Label: "Baudrate", Type: "enum", Values: []string{"9600", "115200"}, SelectedValue: "9600"},
			"dtr":      {ID: "dtr", Label: "DTR", Type: "enum", Values: []string{"on", "off"}, SelectedValue: "on"},
		},
		newDuplex: func() *fakeDuplex { return newFakeDuplex(Response{Success: true}) },
	}
}

func (c *fakeClient) Describe(context.Context, string, string) (model.PluggableMonitorSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaults.Clone(), nil
}

func (c *fakeClient) Open(context.Context) (Duplex, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		c.mu.Lock()
		c.waiting++
		c.mu.Unlock()
		<-gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gate != nil {
		c.waiting--
	}
	c.opens++
	if c.opens <= c.failOpens {
		return nil, errors.New("port busy")
	}
	d := c.newDuplex()
	c.duplexes = append(c.duplexes, d)
	return d, nil
}

func (c *fakeClient) blockedOpens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

func (c *fakeClient) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *fakeClient) last() *fakeDuplex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.duplexes) == 0 {
		return nil
	}
	return c.duplexes[len(c.duplexes)-1]
}

// opensFor counts the duplexes configured for a port address.
func (c *fakeClient) opensFor(address string) int {
	c.mu.Lock()
	duplexes := append([]*fakeDuplex(nil), c.duplexes...)
	c.mu.Unlock()
	n := 0
	for _, d := range duplexes {
		reqs := d.requests()
		if len(reqs) > 0 && reqs[0].Port != nil && reqs[0].Port.Address == address {
			n++
		}
	}
	return n
}

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		StartAttempts:        3,
		RetryInterval:        10 * time.Millisecond,
		StartTimeout:         2 * time.Second,
		FlushInterval:        5 * time.Millisecond,
		PauseTimeout:         200 * time.Millisecond,
		SubscriberQueueLimit: 100,
	}
}

func testPort(address string) model.Port {
	return model.Port{Address: address, Protocol: "serial"}
}

func newTestSession(t *testing.T, client *fakeClient, cfg config.MonitorConfig) *Session {
	t.Helper()
	store, _ := testutil.NewStore(t)
	s := NewSession(SessionOptions{
		FQBN:     "arduino:avr:uno",
		Port:     testPort("/dev/ttyACM0"),
		Config:   cfg,
		Client:   client,
		Settings: settings.NewProvider(store),
	})
	t.Cleanup(s.dispose)
	return s
}

// nextMessage waits for a message matching keep.
func nextMessage(t *testing.T, sub *Subscriber, keep func(Message) bool) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if keep(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("timed out waiting for message")
		}
	}
}

func isData(msg Message) bool { return msg.Kind == MessageData }

func hasStatus(state string) func(Message) bool {
	return func(msg Message) bool {
		return msg.Kind == MessageSettings &&
			msg.Settings != nil &&
			msg.Settings.MonitorUISettings != nil &&
			msg.Settings.MonitorUISettings.ConnectionStatus != nil &&
			msg.Settings.MonitorUISettings.ConnectionStatus.State == state
	}
}
