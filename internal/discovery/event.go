package discovery

import (
	"errors"
	"sort"

	"github.com/g960059/boardmon/internal/model"
)

var ErrInvalidEventType = errors.New("discovery: invalid event type")

type EventType string

const (
	EventAdd    EventType = "add"
	EventRemove EventType = "remove"
)

// Event is one add/remove notification from a discovery backend.
type Event struct {
	Type   EventType     `json:"event_type"`
	Port   model.Port    `json:"port"`
	Boards []model.Board `json:"boards,omitempty"`
}

// State maps port address to the port and the boards detected on it. A State
// handed out by the watcher is never mutated.
type State map[string]model.PortBoards

func (s State) clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Ports returns the discovered ports ordered by address.
func (s State) Ports() []model.Port {
	out := make([]model.Port, 0, len(s))
	for _, entry := range s {
		out = append(out, entry.Port)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Boards returns every detected board with its port set, ordered by port.
func (s State) Boards() []model.Board {
	out := make([]model.Board, 0, len(s))
	for _, port := range s.Ports() {
		for _, b := range s[port.Address].Boards {
			p := port
			b.Port = &p
			out = append(out, b)
		}
	}
	return out
}

func (s State) Snapshot() Snapshot {
	return Snapshot{Ports: s.Ports(), Boards: s.Boards()}
}

type Snapshot struct {
	Ports  []model.Port  `json:"ports"`
	Boards []model.Board `json:"boards"`
}

// ChangeEvent carries the attached boards and available ports before and
// after one discovery event.
type ChangeEvent struct {
	Old Snapshot `json:"old_state"`
	New Snapshot `json:"new_state"`
}

type Diff struct {
	AttachedPorts  []model.Port  `json:"attached_ports,omitempty"`
	DetachedPorts  []model.Port  `json:"detached_ports,omitempty"`
	AttachedBoards []model.Board `json:"attached_boards,omitempty"`
	DetachedBoards []model.Board `json:"detached_boards,omitempty"`
}

func (d Diff) Empty() bool {
	return len(d.AttachedPorts) == 0 && len(d.DetachedPorts) == 0 && len(d.AttachedBoards) == 0 && len(d.DetachedBoards) == 0
}

func (e ChangeEvent) Diff() Diff {
	return Diff{
		AttachedPorts:  portsMissingFrom(e.New.Ports, e.Old.Ports),
		DetachedPorts:  portsMissingFrom(e.Old.Ports, e.New.Ports),
		AttachedBoards: boardsMissingFrom(e.New.Boards, e.Old.Boards),
		DetachedBoards: boardsMissingFrom(e.Old.Boards, e.New.Boards),
	}
}

func portsMissingFrom(in, other []model.Port) []model.Port {
	var out []model.Port
	for _, p := range in {
		found := false
		for _, o := range other {
			if p.Equal(o) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, p)
		}
	}
	return out
}

func boardsMissingFrom(in, other []model.Board) []model.Board {
	var out []model.Board
	for _, b := range in {
		found := false
		for _, o := range other {
			if b.SameAs(o) && b.FQBN == o.FQBN && samePort(b.Port, o.Port) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, b)
		}
	}
	return out
}

func samePort(a, b *model.Port) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
