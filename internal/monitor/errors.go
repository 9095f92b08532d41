package monitor

import (
	"errors"
	"fmt"

	"github.com/g960059/boardmon/internal/model"
)

var (
	ErrAlreadyConnected       = errors.New("monitor: already connected")
	ErrMissingConfiguration   = errors.New("monitor: missing configuration")
	ErrNotConnected           = errors.New("monitor: not connected")
	ErrConnectionFailed       = errors.New("monitor: connection failed")
	ErrUploadInProgress       = errors.New("monitor: upload in progress")
	ErrUnexpectedSettingsDiff = errors.New("monitor: unexpected settings diff")
	ErrUnsupportedProtocol    = errors.New("monitor: no monitor for protocol")
	ErrDisposed               = errors.New("monitor: session disposed")
)

// ConnectionError is returned when a monitor could not be opened on a port.
type ConnectionError struct {
	Reason string
	Port   model.Port
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s on %s", e.Reason, e.Port)
	}
	return fmt.Sprintf("%s on %s: %v", e.Reason, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnectionFailed }
