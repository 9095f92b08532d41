package api

import (
	"time"

	"github.com/g960059/boardmon/internal/discovery"
	"github.com/g960059/boardmon/internal/model"
	"github.com/g960059/boardmon/internal/monitor"
)

const SchemaVersion = "v1"

// Error codes carried in ErrorResponse.
const (
	ErrRefInvalid           = "E_REF_INVALID"
	ErrRefNotFound          = "E_REF_NOT_FOUND"
	ErrPreconditionFailed   = "E_PRECONDITION_FAILED"
	ErrAlreadyConnected     = "E_ALREADY_CONNECTED"
	ErrMissingConfiguration = "E_MISSING_CONFIGURATION"
	ErrNotConnected         = "E_NOT_CONNECTED"
	ErrUploadInProgress     = "E_UPLOAD_IN_PROGRESS"
	ErrConnectionFailed     = "E_CONNECTION_FAILED"
	ErrUnsupportedProtocol  = "E_UNSUPPORTED_PROTOCOL"
	ErrUnexpectedSettings   = "E_UNEXPECTED_SETTINGS_DIFF"
	ErrInternal             = "E_INTERNAL"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type PortsEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Ports         []model.PortBoards `json:"ports"`
}

type BoardsEnvelope struct {
	SchemaVersion string                 `json:"schema_version"`
	GeneratedAt   time.Time              `json:"generated_at"`
	Boards        []model.AvailableBoard `json:"boards"`
}

type BoardsConfigEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Config        model.BoardsConfig `json:"config"`
	CanUpload     bool               `json:"can_upload"`
}

// Watch line types. A stream opens with one snapshot, config and available
// line each, in that order; every later line reports one change.
const (
	WatchSnapshot  = "snapshot"
	WatchChange    = "change"
	WatchConfig    = "config"
	WatchAvailable = "available"
)

// WatchLine is one ndjson line of /v1/boards/watch. Change and Diff are set
// on snapshot and change lines, Config on config lines and Available on
// available lines.
type WatchLine struct {
	SchemaVersion string                 `json:"schema_version"`
	EmittedAt     time.Time              `json:"emitted_at"`
	StreamID      string                 `json:"stream_id"`
	Sequence      int64                  `json:"sequence"`
	Type          string                 `json:"type"`
	Change        *discovery.ChangeEvent `json:"change,omitempty"`
	Diff          *discovery.Diff        `json:"diff,omitempty"`
	Config        *model.BoardsConfig    `json:"config,omitempty"`
	Available     []model.AvailableBoard `json:"available,omitempty"`
}

// MonitorRequest names a monitor by board and port.
type MonitorRequest struct {
	FQBN string     `json:"fqbn"`
	Port model.Port `json:"port"`
}

func (r MonitorRequest) Target() monitor.Target {
	return monitor.Target{FQBN: r.FQBN, Port: r.Port}
}

type MonitorSettingsRequest struct {
	MonitorRequest
	Settings model.PluggableMonitorSettings `json:"settings"`
}

type MonitorSendRequest struct {
	MonitorRequest
	Message string `json:"message"`
}

type MonitorsEnvelope struct {
	SchemaVersion    string                `json:"schema_version"`
	GeneratedAt      time.Time             `json:"generated_at"`
	UploadInProgress bool                  `json:"upload_in_progress"`
	Monitors         []monitor.SessionInfo `json:"monitors"`
}

type MonitorActionResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Identity      string    `json:"identity"`
	ResultCode    string    `json:"result_code"`
}

type MonitorSettingsEnvelope struct {
	SchemaVersion string                `json:"schema_version"`
	GeneratedAt   time.Time             `json:"generated_at"`
	Identity      string                `json:"identity"`
	Settings      model.MonitorSettings `json:"settings"`
}

// UploadRequest announces an upload to the board's port. NewPort is set on
// finish when the board re-enumerated elsewhere.
type UploadRequest struct {
	MonitorRequest
	NewPort *model.Port `json:"new_port,omitempty"`
}

type UploadResponse struct {
	SchemaVersion    string    `json:"schema_version"`
	GeneratedAt      time.Time `json:"generated_at"`
	UploadInProgress bool      `json:"upload_in_progress"`
}
