package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/g960059/boardmon/internal/broadcast"
	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/model"
)

// Source is a discovery backend. Run blocks, calling emit for every event in
// arrival order, and stops at the first error emit returns.
type Source interface {
	Run(ctx context.Context, emit func(Event) error) error
}

// Watcher owns the discovered ports state and republishes every applied
// event as a ChangeEvent.
type Watcher struct {
	log     logger.Logger
	mu      sync.Mutex
	state   State
	emitter *broadcast.Emitter[ChangeEvent]
}

func NewWatcher(log logger.Logger) *Watcher {
	if log == nil {
		log = logger.Noop()
	}
	return &Watcher{
		log:     log,
		state:   State{},
		emitter: broadcast.New[ChangeEvent](),
	}
}

// Run consumes src until it stops or ctx is done.
func (w *Watcher) Run(ctx context.Context, src Source) error {
	return src.Run(ctx, func(ev Event) error {
		_, _, err := w.Apply(ev)
		return err
	})
}

// Apply mutates a copy of the state and publishes the change. The bool is
// false when the event was a no-op.
func (w *Watcher) Apply(ev Event) (ChangeEvent, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	address := ev.Port.Address
	next := w.state.clone()
	switch ev.Type {
	case EventAdd:
		if _, ok := next[address]; ok {
			w.log.Warn("port %s was already discovered, replacing stale entry", ev.Port)
		}
		boards := make([]model.Board, 0, len(ev.Boards))
		for _, b := range ev.Boards {
			p := ev.Port
			b.Port = &p
			boards = append(boards, b)
		}
		next[address] = model.PortBoards{Port: ev.Port, Boards: boards}
	case EventRemove:
		if _, ok := next[address]; !ok {
			w.log.Warn("port %s was not discovered, ignoring removal", ev.Port)
			return ChangeEvent{}, false, nil
		}
		delete(next, address)
	default:
		return ChangeEvent{}, false, fmt.Errorf("%w: %q for port %s", ErrInvalidEventType, ev.Type, ev.Port)
	}

	change := ChangeEvent{Old: w.state.Snapshot(), New: next.Snapshot()}
	w.state = next
	w.emitter.Publish(change)
	if diff := change.Diff(); !diff.Empty() {
		w.log.Info("%s %s: +%d/-%d ports, +%d/-%d boards", ev.Type, ev.Port,
			len(diff.AttachedPorts), len(diff.DetachedPorts), len(diff.AttachedBoards), len(diff.DetachedBoards))
	}
	return change, true, nil
}

// State returns the current immutable snapshot.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Subscribe delivers a synthetic change from the empty state to the current
// state first, then every later change.
func (w *Watcher) Subscribe() *broadcast.Subscription[ChangeEvent] {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.emitter.Subscribe(ChangeEvent{Old: Snapshot{}, New: w.state.Snapshot()})
}

func (w *Watcher) Close() {
	w.emitter.Close()
}
