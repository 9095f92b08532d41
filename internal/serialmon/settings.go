package serialmon

import (
	"fmt"
	"strconv"

	"go.bug.st/serial"

	"github.com/g960059/boardmon/internal/model"
	"github.com/g960059/boardmon/internal/monitor"
)

const (
	SettingBaudrate = "baudrate"
	SettingBits     = "bits"
	SettingParity   = "parity"
	SettingStopBits = "stop_bits"
	SettingDTR      = "dtr"
	SettingRTS      = "rts"
)

var baudrates = []string{
	"300", "600", "750", "1200", "2400", "4800", "9600", "19200", "31250", "38400",
	"57600", "74880", "115200", "230400", "250000", "460800", "500000", "921600",
	"1000000", "2000000",
}

// Defaults is the settings schema advertised for serial ports.
func Defaults() model.PluggableMonitorSettings {
	return model.PluggableMonitorSettings{
		SettingBaudrate: {ID: SettingBaudrate, Label: "Baudrate", Type: "enum", Values: append([]string(nil), baudrates...), SelectedValue: "9600"},
		SettingBits:     {ID: SettingBits, Label: "Data bits", Type: "enum", Values: []string{"5", "6", "7", "8", "9"}, SelectedValue: "8"},
		SettingParity:   {ID: SettingParity, Label: "Parity", Type: "enum", Values: []string{"none", "even", "odd", "mark", "space"}, SelectedValue: "none"},
		SettingStopBits: {ID: SettingStopBits, Label: "Stop bits", Type: "enum", Values: []string{"1", "1.5", "2"}, SelectedValue: "1"},
		SettingDTR:      {ID: SettingDTR, Label: "DTR", Type: "enum", Values: []string{"on", "off"}, SelectedValue: "on"},
		SettingRTS:      {ID: SettingRTS, Label: "RTS", Type: "enum", Values: []string{"on", "off"}, SelectedValue: "on"},
	}
}

// lineState is the control line configuration; nil means unchanged.
type lineState struct {
	dtr *bool
	rts *bool
}

func defaultMode() serial.Mode {
	return serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
}

// applySettings folds settings into mode and reports which control lines
// they set.
func applySettings(mode serial.Mode, settings []monitor.SettingValue) (serial.Mode, lineState, error) {
	var lines lineState
	for _, s := range settings {
		switch s.SettingID {
		case SettingBaudrate:
			v, err := strconv.Atoi(s.Value)
			if err != nil || v <= 0 {
				return mode, lines, fmt.Errorf("invalid baudrate %q", s.Value)
			}
			mode.BaudRate = v
		case SettingBits:
			v, err := strconv.Atoi(s.Value)
			if err != nil || v < 5 || v > 9 {
				return mode, lines, fmt.Errorf("invalid data bits %q", s.Value)
			}
			mode.DataBits = v
		case SettingParity:
			p, err := parseParity(s.Value)
			if err != nil {
				return mode, lines, err
			}
			mode.Parity = p
		case SettingStopBits:
			sb, err := parseStopBits(s.Value)
			if err != nil {
				return mode, lines, err
			}
			mode.StopBits = sb
		case SettingDTR:
			v, err := parseOnOff(s.Value)
			if err != nil {
				return mode, lines, fmt.Errorf("dtr: %w", err)
			}
			lines.dtr = &v
		case SettingRTS:
			v, err := parseOnOff(s.Value)
			if err != nil {
				return mode, lines, fmt.Errorf("rts: %w", err)
			}
			lines.rts = &v
		default:
			return mode, lines, fmt.Errorf("unknown setting %q", s.SettingID)
		}
	}
	return mode, lines, nil
}

func parseParity(v string) (serial.Parity, error) {
	switch v {
	case "none":
		return serial.NoParity, nil
	case "even":
		return serial.EvenParity, nil
	case "odd":
		return serial.OddParity, nil
	case "mark":
		return serial.MarkParity, nil
	case "space":
		return serial.SpaceParity, nil
	}
	return serial.NoParity, fmt.Errorf("invalid parity %q", v)
}

func parseStopBits(v string) (serial.StopBits, error) {
	switch v {
	case "1":
		return serial.OneStopBit, nil
	case "1.5":
		return serial.OnePointFiveStopBits, nil
	case "2":
		return serial.TwoStopBits, nil
	}
	return serial.OneStopBit, fmt.Errorf("invalid stop bits %q", v)
}

func parseOnOff(v string) (bool, error) {
	switch v {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid value %q", v)
}
