package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/g960059/boardmon/internal/model"
)

const (
	colorSuccess lipgloss.Color = "2"
	colorError   lipgloss.Color = "1"
	colorWarning lipgloss.Color = "3"
	colorInfo    lipgloss.Color = "6"
	colorMuted   lipgloss.Color = "8"
)

const (
	symbolConnected    = "●"
	symbolDisconnected = "○"
	symbolProgress     = "◐"
	symbolFail         = "✗"
	symbolSelected     = "*"
)

type styles struct {
	ok     lipgloss.Style
	fail   lipgloss.Style
	warn   lipgloss.Style
	info   lipgloss.Style
	muted  lipgloss.Style
	header lipgloss.Style
	plain  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		ok:     r.NewStyle().Foreground(colorSuccess),
		fail:   r.NewStyle().Foreground(colorError).Bold(true),
		warn:   r.NewStyle().Foreground(colorWarning),
		info:   r.NewStyle().Foreground(colorInfo),
		muted:  r.NewStyle().Foreground(colorMuted),
		header: r.NewStyle().Bold(true),
		plain:  r.NewStyle(),
	}
}

func (s styles) boardState(state model.AvailableBoardState) string {
	switch state {
	case model.BoardRecognized:
		return s.ok.Render(string(state))
	case model.BoardGuessed:
		return s.warn.Render(string(state))
	default:
		return s.muted.Render(string(state))
	}
}

func (s styles) connection(status model.ConnectionStatus) string {
	switch status.State {
	case model.StatusConnected:
		return s.ok.Render(symbolConnected + " connected")
	case model.StatusConnecting:
		return s.info.Render(symbolProgress + " connecting")
	case model.StatusError:
		msg := symbolFail + " error"
		if status.ErrorMessage != "" {
			msg += ": " + status.ErrorMessage
		}
		return s.fail.Render(msg)
	default:
		return s.muted.Render(symbolDisconnected + " not connected")
	}
}
