// Package serialmon drives serial ports as monitor connections.
package serialmon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/model"
	"github.com/g960059/boardmon/internal/monitor"
)

const (
	Protocol = "serial"

	readTimeout = 100 * time.Millisecond
	readBufSize = 4096
)

var ErrUnsupportedProtocol = errors.New("serialmon: unsupported protocol")

type portHandle interface {
	SetMode(mode *serial.Mode) error
	SetReadTimeout(timeout time.Duration) error
	SetDTR(bool) error
	SetRTS(bool) error
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Close() error
}

var openPort = func(name string, mode *serial.Mode) (portHandle, error) { return serial.Open(name, mode) }

// Client opens serial monitors.
type Client struct {
	log logger.Logger
}

func NewClient(log logger.Logger) *Client {
	if log == nil {
		log = logger.Noop()
	}
	return &Client{log: log}
}

func (c *Client) Describe(_ context.Context, protocol, _ string) (model.PluggableMonitorSettings, error) {
	if protocol != Protocol {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedProtocol, protocol)
	}
	return Defaults(), nil
}

// Open returns an unconfigured duplex. The port is opened by the first
// request, which must carry the address and full configuration.
func (c *Client) Open(context.Context) (monitor.Duplex, error) {
	return &duplex{
		log:       c.log,
		responses: make(chan monitor.Response, 64),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}, nil
}

type duplex struct {
	log logger.Logger

	mu      sync.Mutex
	port    portHandle
	address string
	mode    serial.Mode
	err     error

	responses chan monitor.Response
	closing   chan struct{}
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

func (d *duplex) Send(req monitor.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closing:
		return io.ErrClosedPipe
	default:
	}
	if d.port == nil {
		return d.configureLocked(req)
	}
	if req.PortConfiguration != nil {
		if err := d.reconfigureLocked(req.PortConfiguration.Settings); err != nil {
			d.respond(monitor.Response{Error: err.Error()})
		} else {
			d.respond(monitor.Response{Success: true, AppliedSettings: req.PortConfiguration.Settings})
		}
	}
	if len(req.TxData) > 0 {
		if _, err := d.port.Write(req.TxData); err != nil {
			return fmt.Errorf("write %s: %w", d.address, err)
		}
	}
	return nil
}

// configureLocked opens the port named by the first request. Failures are
// reported to the reader as an error frame.
func (d *duplex) configureLocked(req monitor.Request) error {
	if req.Port == nil {
		d.respond(monitor.Response{Error: "first request must name a port"})
		return nil
	}
	if req.Port.Protocol != Protocol {
		d.respond(monitor.Response{Error: fmt.Sprintf("unsupported protocol %q", req.Port.Protocol)})
		return nil
	}
	var settings []monitor.SettingValue
	if req.PortConfiguration != nil {
		settings = req.PortConfiguration.Settings
	}
	mode, lines, err := applySettings(defaultMode(), settings)
	if err != nil {
		d.respond(monitor.Response{Error: err.Error()})
		return nil
	}
	p, err := openPort(req.Port.Address, &mode)
	if err != nil {
		d.respond(monitor.Response{Error: fmt.Sprintf("open %s: %v", req.Port.Address, err)})
		return nil
	}
	if err := setup(p, lines); err != nil {
		_ = p.Close()
		d.respond(monitor.Response{Error: fmt.Sprintf("configure %s: %v", req.Port.Address, err)})
		return nil
	}
	d.port = p
	d.address = req.Port.Address
	d.mode = mode
	d.log.Info("opened %s at %d baud", d.address, mode.BaudRate)
	go d.readLoop(p)
	d.respond(monitor.Response{Success: true, AppliedSettings: settings})
	return nil
}

func setup(p portHandle, lines lineState) error {
	if err := p.SetReadTimeout(readTimeout); err != nil {
		return err
	}
	return applyLines(p, lines)
}

func applyLines(p portHandle, lines lineState) error {
	if lines.dtr != nil {
		if err := p.SetDTR(*lines.dtr); err != nil {
			return fmt.Errorf("set dtr: %w", err)
		}
	}
	if lines.rts != nil {
		if err := p.SetRTS(*lines.rts); err != nil {
			return fmt.Errorf("set rts: %w", err)
		}
	}
	return nil
}

func (d *duplex) reconfigureLocked(settings []monitor.SettingValue) error {
	mode, lines, err := applySettings(d.mode, settings)
	if err != nil {
		return err
	}
	if mode != d.mode {
		if err := d.port.SetMode(&mode); err != nil {
			return fmt.Errorf("set mode: %w", err)
		}
		d.mode = mode
	}
	return applyLines(d.port, lines)
}

func (d *duplex) readLoop(p portHandle) {
	defer close(d.readDone)
	buf := make([]byte, readBufSize)
	for {
		n, err := p.Read(buf)
		if err != nil {
			select {
			case <-d.closing:
			default:
				d.log.Warn("read %s: %v", d.address, err)
				d.mu.Lock()
				d.err = err
				d.mu.Unlock()
			}
			d.finish()
			return
		}
		if n == 0 {
			select {
			case <-d.closing:
				d.finish()
				return
			default:
				continue
			}
		}
		d.respond(monitor.Response{RxData: append([]byte(nil), buf[:n]...)})
	}
}

func (d *duplex) respond(r monitor.Response) {
	select {
	case d.responses <- r:
	case <-d.closing:
	case <-d.done:
	}
}

func (d *duplex) finish() {
	d.doneOnce.Do(func() { close(d.done) })
}

// Recv returns queued frames first; once the stream ended it returns the
// read error or io.EOF.
func (d *duplex) Recv() (monitor.Response, error) {
	select {
	case r := <-d.responses:
		return r, nil
	case <-d.done:
	}
	select {
	case r := <-d.responses:
		return r, nil
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return monitor.Response{}, d.err
	}
	return monitor.Response{}, io.EOF
}

// CloseSend releases the port and ends the Recv stream.
func (d *duplex) CloseSend() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		close(d.closing)
		p, address := d.port, d.address
		d.mu.Unlock()
		if p == nil {
			d.finish()
			return
		}
		err = p.Close()
		<-d.readDone
		d.finish()
		d.log.Info("closed %s", address)
	})
	return err
}

func (d *duplex) Close() error {
	return d.CloseSend()
}
