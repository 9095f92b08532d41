package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/boardmon/internal/broadcast"
	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/model"
)

func serialPort(address string) model.Port {
	return model.Port{Address: address, Protocol: "serial", Label: address}
}

func uno() model.Board {
	return model.Board{Name: "Arduino Uno", FQBN: "arduino:avr:uno"}
}

func recv(t *testing.T, sub *broadcast.Subscription[ChangeEvent]) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return ChangeEvent{}
}

func TestApplyAddAndRemove(t *testing.T) {
	w := NewWatcher(logger.Noop())
	defer w.Close()

	change, applied, err := w.Apply(Event{Type: EventAdd, Port: serialPort("/dev/ttyACM0"), Boards: []model.Board{uno()}})
	require.NoError(t, err)
	require.True(t, applied)
	assert.Empty(t, change.Old.Ports)
	require.Len(t, change.New.Boards, 1)
	require.NotNil(t, change.New.Boards[0].Port)
	assert.Equal(t, "/dev/ttyACM0", change.New.Boards[0].Port.Address)

	diff := change.Diff()
	assert.Len(t, diff.AttachedPorts, 1)
	assert.Len(t, diff.AttachedBoards, 1)
	assert.Empty(t, diff.DetachedPorts)

	change, applied, err = w.Apply(Event{Type: EventRemove, Port: serialPort("/dev/ttyACM0")})
	require.NoError(t, err)
	require.True(t, applied)
	assert.Empty(t, w.State())
	diff = change.Diff()
	assert.Len(t, diff.DetachedPorts, 1)
	assert.Len(t, diff.DetachedBoards, 1)
}

func TestApplyDuplicateAddWarnsAndOverwrites(t *testing.T) {
	log := logger.NewBufferLogger()
	w := NewWatcher(log)
	defer w.Close()

	_, _, err := w.Apply(Event{Type: EventAdd, Port: serialPort("/dev/ttyACM0"), Boards: []model.Board{uno()}})
	require.NoError(t, err)
	_, _, err = w.Apply(Event{Type: EventAdd, Port: serialPort("/dev/ttyACM0"), Boards: []model.Board{uno()}})
	require.NoError(t, err)

	assert.Equal(t, 1, log.Count("warn", "already discovered"))
	state := w.State()
	require.Len(t, state, 1)
	assert.Len(t, state["/dev/ttyACM0"].Boards, 1, "boards must not accumulate")
}

func TestApplyRemoveMissingIsNoop(t *testing.T) {
	log := logger.NewBufferLogger()
	w := NewWatcher(log)
	defer w.Close()
	sub := w.Subscribe()
	defer sub.Close()
	recv(t, sub)

	_, applied, err := w.Apply(Event{Type: EventRemove, Port: serialPort("/dev/ttyUSB9")})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, log.Count("warn", "not discovered"))

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected change event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApplyRejectsUnknownEventType(t *testing.T) {
	w := NewWatcher(logger.Noop())
	defer w.Close()

	_, applied, err := w.Apply(Event{Type: "changed", Port: serialPort("/dev/ttyACM0")})
	require.ErrorIs(t, err, ErrInvalidEventType)
	assert.False(t, applied)
	assert.Empty(t, w.State())
}

func TestLateSubscriberReceivesSnapshotFirst(t *testing.T) {
	w := NewWatcher(logger.Noop())
	defer w.Close()

	_, _, err := w.Apply(Event{Type: EventAdd, Port: serialPort("/dev/ttyACM0"), Boards: []model.Board{uno()}})
	require.NoError(t, err)
	_, _, err = w.Apply(Event{Type: EventAdd, Port: serialPort("/dev/ttyACM1")})
	require.NoError(t, err)

	sub := w.Subscribe()
	defer sub.Close()
	initial := recv(t, sub)
	assert.Empty(t, initial.Old.Ports)
	assert.Len(t, initial.New.Ports, 2)
	assert.Len(t, initial.New.Boards, 1)

	_, _, err = w.Apply(Event{Type: EventRemove, Port: serialPort("/dev/ttyACM1")})
	require.NoError(t, err)
	next := recv(t, sub)
	assert.Len(t, next.Old.Ports, 2)
	assert.Len(t, next.New.Ports, 1)
}

func TestSubscribersSeeEventsInOrder(t *testing.T) {
	w := NewWatcher(logger.Noop())
	defer w.Close()
	sub := w.Subscribe()
	defer sub.Close()
	recv(t, sub)

	addresses := []string{"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyACM2"}
	for _, a := range addresses {
		_, _, err := w.Apply(Event{Type: EventAdd, Port: serialPort(a)})
		require.NoError(t, err)
	}
	for i := range addresses {
		ev := recv(t, sub)
		assert.Len(t, ev.New.Ports, i+1)
	}
}

type sliceSource []Event

func (s sliceSource) Run(_ context.Context, emit func(Event) error) error {
	for _, ev := range s {
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func TestRunStopsOnProtocolViolation(t *testing.T) {
	w := NewWatcher(logger.Noop())
	defer w.Close()

	err := w.Run(context.Background(), sliceSource{
		{Type: EventAdd, Port: serialPort("/dev/ttyACM0")},
		{Type: "bogus", Port: serialPort("/dev/ttyACM1")},
		{Type: EventAdd, Port: serialPort("/dev/ttyACM2")},
	})
	require.True(t, errors.Is(err, ErrInvalidEventType))
	assert.Len(t, w.State(), 1)
}

func TestStateIsImmutableSnapshot(t *testing.T) {
	w := NewWatcher(logger.Noop())
	defer w.Close()
	_, _, err := w.Apply(Event{Type: EventAdd, Port: serialPort("/dev/ttyACM0")})
	require.NoError(t, err)
	before := w.State()
	_, _, err = w.Apply(Event{Type: EventRemove, Port: serialPort("/dev/ttyACM0")})
	require.NoError(t, err)
	assert.Len(t, before, 1)
}
