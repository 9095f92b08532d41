package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/g960059/boardmon/internal/model"
)

const (
	SchemaVersion   = "monitor.v1"
	UpgradeToken    = "boardmon-monitor-v1"
	DefaultMaxFrame = 1 << 20 // 1 MiB
)

// Commands sent by subscriber clients.
const (
	CommandHello          = "hello"
	CommandAttach         = "attach"
	CommandSendMessage    = "send-message"
	CommandChangeSettings = "change-settings"
	CommandDetach         = "detach"
	CommandPing           = "ping"
)

// Commands sent by the daemon.
const (
	CommandHelloAck          = "hello_ack"
	CommandAttached          = "attached"
	CommandData              = "data"
	CommandSettingsDidChange = "settings-did-change"
	CommandAck               = "ack"
	CommandPong              = "pong"
	CommandError             = "error"
)

var (
	ErrInvalidFrame    = errors.New("wire: invalid frame")
	ErrFrameTooLarge   = errors.New("wire: frame too large")
	ErrUnsupportedVers = errors.New("wire: unsupported schema version")
)

type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Command       string          `json:"command"`
	FrameSeq      uint64          `json:"frame_seq"`
	SentAt        time.Time       `json:"sent_at"`
	RequestID     string          `json:"request_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

func NewEnvelope(command string, frameSeq uint64, requestID string, data any) (Envelope, error) {
	if strings.TrimSpace(command) == "" {
		return Envelope{}, fmt.Errorf("%w: command is required", ErrInvalidFrame)
	}
	body, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal data: %w", err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Command:       strings.TrimSpace(command),
		FrameSeq:      frameSeq,
		SentAt:        time.Now().UTC(),
		RequestID:     strings.TrimSpace(requestID),
		Data:          body,
	}, nil
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.SchemaVersion) != SchemaVersion {
		return ErrUnsupportedVers
	}
	if strings.TrimSpace(e.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidFrame)
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: data is required", ErrInvalidFrame)
	}
	return nil
}

func (e Envelope) DecodeData(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrInvalidFrame)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func WriteFrame(w io.Writer, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > DefaultMaxFrame {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func ReadFrame(r io.Reader, maxFrameSize int) (Envelope, error) {
	limit := maxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrame
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, fmt.Errorf("read frame length: %w", err)
	}
	size := int(binary.BigEndian.Uint32(lenBuf[:]))
	if size <= 0 || size > limit {
		return Envelope{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Target names the monitor a stream attaches to.
type Target struct {
	FQBN string     `json:"fqbn"`
	Port model.Port `json:"port"`
}

func (t Target) IsValid() bool {
	return strings.TrimSpace(t.FQBN) != "" &&
		strings.TrimSpace(t.Port.Address) != "" &&
		strings.TrimSpace(t.Port.Protocol) != ""
}

type HelloPayload struct {
	ClientID         string   `json:"client_id"`
	ProtocolVersions []string `json:"protocol_versions"`
}

type HelloAckPayload struct {
	ServerID        string   `json:"server_id"`
	ProtocolVersion string   `json:"protocol_version"`
	Features        []string `json:"features,omitempty"`
}

// AttachPayload subscribes the stream to target. With Start set the
// monitor is started as well.
type AttachPayload struct {
	Target Target `json:"target"`
	Start  bool   `json:"start,omitempty"`
}

type AttachedPayload struct {
	Target       Target `json:"target"`
	Identity     string `json:"identity"`
	SubscriberID string `json:"subscriber_id"`
}

type SendMessagePayload struct {
	Message string `json:"message"`
}

// ChangeSettingsPayload carries the settings to change. Only
// PluggableMonitorSettings is applied to the device.
type ChangeSettingsPayload = model.MonitorSettings

type SettingsPayload = model.MonitorSettings

// DataPayload is one flushed batch. Dropped counts lines discarded for this
// subscriber since the previous batch.
type DataPayload struct {
	Lines   []string `json:"lines"`
	Dropped int      `json:"dropped,omitempty"`
}

type AckPayload struct {
	Command    string `json:"command"`
	ResultCode string `json:"result_code"`
}

type PingPayload struct {
	TS string `json:"ts"`
}

type PongPayload struct {
	TS string `json:"ts"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
