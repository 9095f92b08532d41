package model

import (
	"strings"
)

// Port is a communication endpoint reported by discovery. Identity is
// (Address, Protocol); Label is informational only.
type Port struct {
	Address       string            `json:"address"`
	Protocol      string            `json:"protocol"`
	Label         string            `json:"label,omitempty"`
	ProtocolLabel string            `json:"protocol_label,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

func (p Port) IsZero() bool {
	return strings.TrimSpace(p.Address) == "" && strings.TrimSpace(p.Protocol) == ""
}

// Key returns the canonical (address, protocol) key of the port.
func (p Port) Key() string {
	return p.Address + "|" + p.Protocol
}

// Equal compares ports by identity.
func (p Port) Equal(other Port) bool {
	return p.Address == other.Address && p.Protocol == other.Protocol
}

// SameAddress ignores the protocol, which may be stale on remembered ports.
func (p Port) SameAddress(other *Port) bool {
	if other == nil {
		return false
	}
	return p.Address == other.Address
}

func (p Port) String() string {
	if p.Protocol == "" {
		return p.Address
	}
	return p.Address + " (" + p.Protocol + ")"
}

// Board is a board as reported by discovery or selected by the user. A board
// without FQBN is unrecognized.
type Board struct {
	Name string `json:"name"`
	FQBN string `json:"fqbn,omitempty"`
	Port *Port  `json:"port,omitempty"`
}

func (b Board) Recognized() bool {
	return strings.TrimSpace(b.FQBN) != ""
}

// SameAs requires matching names, and matching FQBNs when both sides have one.
func (b Board) SameAs(other Board) bool {
	if b.Name != other.Name {
		return false
	}
	if b.FQBN != "" && other.FQBN != "" {
		return b.FQBN == other.FQBN
	}
	return true
}

// PortBoards is one entry of the discovered ports state.
type PortBoards struct {
	Port   Port    `json:"port"`
	Boards []Board `json:"boards"`
}

// BoardsConfig is the user's selection. It may reference a board or port that
// is not attached.
type BoardsConfig struct {
	SelectedBoard *Board `json:"selected_board,omitempty"`
	SelectedPort  *Port  `json:"selected_port,omitempty"`
}

// CanUpload reports whether the selection carries both an FQBN and a port.
func (c BoardsConfig) CanUpload() bool {
	return c.SelectedBoard != nil && c.SelectedBoard.Recognized() && c.SelectedPort != nil && strings.TrimSpace(c.SelectedPort.Address) != ""
}

func (c BoardsConfig) Clone() BoardsConfig {
	out := BoardsConfig{}
	if c.SelectedBoard != nil {
		b := *c.SelectedBoard
		b.Port = clonePort(b.Port)
		out.SelectedBoard = &b
	}
	out.SelectedPort = clonePort(c.SelectedPort)
	return out
}

func (c BoardsConfig) Equal(other BoardsConfig) bool {
	switch {
	case (c.SelectedBoard == nil) != (other.SelectedBoard == nil):
		return false
	case c.SelectedBoard != nil && (c.SelectedBoard.Name != other.SelectedBoard.Name || c.SelectedBoard.FQBN != other.SelectedBoard.FQBN):
		return false
	case (c.SelectedPort == nil) != (other.SelectedPort == nil):
		return false
	case c.SelectedPort != nil && !c.SelectedPort.Equal(*other.SelectedPort):
		return false
	}
	return true
}

func clonePort(p *Port) *Port {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Properties != nil {
		cp.Properties = make(map[string]string, len(p.Properties))
		for k, v := range p.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

type AvailableBoardState string

const (
	BoardRecognized AvailableBoardState = "recognized"
	BoardGuessed    AvailableBoardState = "guessed"
	BoardIncomplete AvailableBoardState = "incomplete"
)

var availableBoardStatePriority = map[AvailableBoardState]int{
	BoardRecognized: 0,
	BoardGuessed:    1,
	BoardIncomplete: 2,
}

// AvailableBoard is one row of the "available boards" list.
type AvailableBoard struct {
	Board
	State    AvailableBoardState `json:"state"`
	Selected bool                `json:"selected,omitempty"`
}

func (a AvailableBoard) Equal(other AvailableBoard) bool {
	if a.Name != other.Name || a.FQBN != other.FQBN || a.State != other.State || a.Selected != other.Selected {
		return false
	}
	if (a.Port == nil) != (other.Port == nil) {
		return false
	}
	return a.Port == nil || a.Port.Equal(*other.Port)
}

const UnknownBoardName = "Unknown"

// ConnectionStatus is either one of the plain states or an error message.
type ConnectionStatus struct {
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
}

const (
	StatusConnected    = "connected"
	StatusConnecting   = "connecting"
	StatusNotConnected = "not-connected"
	StatusError        = "error"
)

func Connected() ConnectionStatus    { return ConnectionStatus{State: StatusConnected} }
func Connecting() ConnectionStatus   { return ConnectionStatus{State: StatusConnecting} }
func NotConnected() ConnectionStatus { return ConnectionStatus{State: StatusNotConnected} }

func ConnectionFailed(msg string) ConnectionStatus {
	return ConnectionStatus{State: StatusError, ErrorMessage: msg}
}

// MonitorSetting is one entry of a pluggable monitor's settings schema. An
// empty Values list accepts any value.
type MonitorSetting struct {
	ID            string   `json:"id"`
	Label         string   `json:"label"`
	Type          string   `json:"type"`
	Values        []string `json:"values"`
	SelectedValue string   `json:"selected_value"`
}

// Accepts reports whether value is allowed by the setting definition.
func (s MonitorSetting) Accepts(value string) bool {
	if len(s.Values) == 0 {
		return true
	}
	for _, v := range s.Values {
		if v == value {
			return true
		}
	}
	return false
}

// PluggableMonitorSettings maps setting id to its definition and value.
type PluggableMonitorSettings map[string]MonitorSetting

func (s PluggableMonitorSettings) Clone() PluggableMonitorSettings {
	if s == nil {
		return nil
	}
	out := make(PluggableMonitorSettings, len(s))
	for k, v := range s {
		v.Values = append([]string(nil), v.Values...)
		out[k] = v
	}
	return out
}

type MonitorUISettings struct {
	ConnectionStatus *ConnectionStatus `json:"connection_status,omitempty"`
}

// MonitorSettings is what subscribers see in settings-did-change messages.
type MonitorSettings struct {
	PluggableMonitorSettings PluggableMonitorSettings `json:"pluggable_monitor_settings,omitempty"`
	MonitorUISettings        *MonitorUISettings       `json:"monitor_ui_settings,omitempty"`
}
