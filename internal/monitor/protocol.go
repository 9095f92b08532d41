package monitor

import (
	"context"
	"fmt"
	"sort"

	"github.com/g960059/boardmon/internal/model"
)

// SettingValue is one (id, value) pair of a port configuration.
type SettingValue struct {
	SettingID string `json:"setting_id"`
	Value     string `json:"value"`
}

type PortConfiguration struct {
	Settings []SettingValue `json:"settings"`
}

type PortRef struct {
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
}

// Request is a frame sent to the hardware side. The first request of a
// connection carries the port and its full configuration; later ones carry
// either transmit data or a partial configuration.
type Request struct {
	Instance          string             `json:"instance,omitempty"`
	FQBN              string             `json:"fqbn,omitempty"`
	Port              *PortRef           `json:"port,omitempty"`
	PortConfiguration *PortConfiguration `json:"port_configuration,omitempty"`
	TxData            []byte             `json:"tx_data,omitempty"`
}

// Response is a frame received from the hardware side.
type Response struct {
	Success         bool           `json:"success,omitempty"`
	Error           string         `json:"error,omitempty"`
	RxData          []byte         `json:"rx_data,omitempty"`
	AppliedSettings []SettingValue `json:"applied_settings,omitempty"`
}

// Duplex is one open monitor connection. Send and Recv may be used from
// different goroutines. CloseSend half-closes; the peer answers by ending
// the Recv stream.
type Duplex interface {
	Send(req Request) error
	Recv() (Response, error)
	CloseSend() error
	Close() error
}

// Client opens monitors for one port protocol.
type Client interface {
	Describe(ctx context.Context, protocol, fqbn string) (model.PluggableMonitorSettings, error)
	Open(ctx context.Context) (Duplex, error)
}

// SettingsStore is the persisted settings view used by sessions.
type SettingsStore interface {
	Get(ctx context.Context, identity string, defaults model.PluggableMonitorSettings) (model.PluggableMonitorSettings, error)
	Set(ctx context.Context, identity string, partial, defaults model.PluggableMonitorSettings) (model.PluggableMonitorSettings, error)
}

// settingValues flattens settings into a list ordered by setting id.
func settingValues(settings model.PluggableMonitorSettings) []SettingValue {
	out := make([]SettingValue, 0, len(settings))
	for id, s := range settings {
		out = append(out, SettingValue{SettingID: id, Value: s.SelectedValue})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettingID < out[j].SettingID })
	return out
}

// diffSettings returns the entries of next whose value differs from prev.
// Both lists must hold the same ids in the same order.
func diffSettings(prev, next []SettingValue) ([]SettingValue, error) {
	if len(prev) != len(next) {
		return nil, fmt.Errorf("%w: %d settings became %d", ErrUnexpectedSettingsDiff, len(prev), len(next))
	}
	var out []SettingValue
	for i := range next {
		if prev[i].SettingID != next[i].SettingID {
			return nil, fmt.Errorf("%w: setting %q at index %d became %q", ErrUnexpectedSettingsDiff, prev[i].SettingID, i, next[i].SettingID)
		}
		if prev[i].Value != next[i].Value {
			out = append(out, next[i])
		}
	}
	return out, nil
}
