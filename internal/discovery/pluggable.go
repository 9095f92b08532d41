package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/model"
)

const pluggableProtocolVersion = 1

var ErrDiscoveryFailed = errors.New("discovery: tool reported an error")

// PluggableSource runs an external discovery tool and translates its event
// stream. The tool speaks line commands on stdin and JSON messages on stdout.
type PluggableSource struct {
	command     string
	args        []string
	stopTimeout time.Duration
	identify    *Identifier
	log         logger.Logger
}

func NewPluggableSource(command string, args []string, stopTimeout time.Duration, identify *Identifier, log logger.Logger) *PluggableSource {
	if log == nil {
		log = logger.Noop()
	}
	return &PluggableSource{
		command:     command,
		args:        append([]string(nil), args...),
		stopTimeout: stopTimeout,
		identify:    identify,
		log:         log,
	}
}

type discoveryMessage struct {
	EventType       string    `json:"eventType"`
	ProtocolVersion int       `json:"protocolVersion,omitempty"`
	Message         string    `json:"message,omitempty"`
	Error           bool      `json:"error,omitempty"`
	Port            *toolPort `json:"port,omitempty"`
}

type toolPort struct {
	Address       string            `json:"address"`
	Label         string            `json:"label"`
	Protocol      string            `json:"protocol"`
	ProtocolLabel string            `json:"protocolLabel"`
	Properties    map[string]string `json:"properties"`
}

func (p toolPort) model() model.Port {
	props := map[string]string{}
	for k, v := range p.Properties {
		props[k] = v
	}
	if v, ok := props["vid"]; ok {
		props["vid"] = normalizeHex(v)
	}
	if v, ok := props["pid"]; ok {
		props["pid"] = normalizeHex(v)
	}
	if len(props) == 0 {
		props = nil
	}
	return model.Port{
		Address:       p.Address,
		Protocol:      p.Protocol,
		Label:         p.Label,
		ProtocolLabel: p.ProtocolLabel,
		Properties:    props,
	}
}

func (s *PluggableSource) Run(ctx context.Context, emit func(Event) error) error {
	cmd := exec.Command(s.command, s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("discovery stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("discovery stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start discovery %s: %w", s.command, err)
	}
	s.log.Info("started discovery tool %s (pid %d)", s.command, cmd.Process.Pid)

	waitErr := make(chan error, 1)
	go func() { waitErr <- runPluggableProtocol(ctx, stdout, stdin, s.identify, emit) }()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	if err := endPluggableSession(stdin); err != nil {
		s.log.Debug("discovery tool %s: %v", s.command, err)
	}
	_ = stdin.Close()
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	select {
	case <-exited:
	case <-time.After(s.stopTimeout):
		s.log.Warn("discovery tool %s did not quit within %s, killing", s.command, s.stopTimeout)
		_ = cmd.Process.Kill()
		<-exited
	}
	return runErr
}

// endPluggableSession asks the tool to stop watching and then to exit. The
// replies are not awaited; Run bounds the exit with stopTimeout.
func endPluggableSession(w io.Writer) error {
	for _, cmd := range []string{"STOP", "QUIT"} {
		if _, err := io.WriteString(w, cmd+"\n"); err != nil {
			return fmt.Errorf("write %s: %w", cmd, err)
		}
	}
	return nil
}

// runPluggableProtocol drives one discovery session over r/w: handshake,
// START_SYNC, then events until EOF, an error message or ctx is done.
func runPluggableProtocol(ctx context.Context, r io.Reader, w io.Writer, identify *Identifier, emit func(Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	msgs := make(chan discoveryMessage)
	decodeErr := make(chan error, 1)
	go func() {
		dec := json.NewDecoder(r)
		for {
			var msg discoveryMessage
			if err := dec.Decode(&msg); err != nil {
				decodeErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				decodeErr <- ctx.Err()
				return
			}
		}
	}()

	next := func() (discoveryMessage, error) {
		select {
		case msg := <-msgs:
			return msg, nil
		case err := <-decodeErr:
			if errors.Is(err, io.EOF) {
				return discoveryMessage{}, io.EOF
			}
			return discoveryMessage{}, fmt.Errorf("decode discovery message: %w", err)
		case <-ctx.Done():
			return discoveryMessage{}, ctx.Err()
		}
	}
	send := func(cmd string) error {
		if _, err := io.WriteString(w, cmd+"\n"); err != nil {
			return fmt.Errorf("write %s: %w", strings.Fields(cmd)[0], err)
		}
		return nil
	}
	expect := func(eventType string) error {
		msg, err := next()
		if err != nil {
			return err
		}
		if msg.EventType != eventType {
			return fmt.Errorf("discovery: expected %s, got %q", eventType, msg.EventType)
		}
		if msg.Error {
			return fmt.Errorf("%w: %s: %s", ErrDiscoveryFailed, eventType, msg.Message)
		}
		return nil
	}

	if err := send(fmt.Sprintf("HELLO %d %q", pluggableProtocolVersion, "boardmon")); err != nil {
		return err
	}
	if err := expect("hello"); err != nil {
		return err
	}
	if err := send("START_SYNC"); err != nil {
		return err
	}
	if err := expect("start_sync"); err != nil {
		return err
	}

	for {
		msg, err := next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch msg.EventType {
		case "error":
			return fmt.Errorf("%w: %s", ErrDiscoveryFailed, msg.Message)
		case "quit":
			return nil
		}
		ev := Event{Type: EventType(msg.EventType)}
		if msg.Port != nil {
			ev.Port = msg.Port.model()
		}
		if ev.Type == EventAdd {
			ev.Boards = identify.Identify(ev.Port)
		}
		if err := emit(ev); err != nil {
			return err
		}
	}
}
