package boards

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/boardmon/internal/broadcast"
	"github.com/g960059/boardmon/internal/discovery"
	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/model"
	"github.com/g960059/boardmon/internal/testutil"
)

type fixture struct {
	t       *testing.T
	ctx     context.Context
	svc     *Service
	watcher *discovery.Watcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	svc := NewService(store, []string{"serial", "network"}, logger.Noop())
	w := discovery.NewWatcher(logger.Noop())
	t.Cleanup(func() {
		svc.Close()
		w.Close()
	})
	return &fixture{t: t, ctx: ctx, svc: svc, watcher: w}
}

func (f *fixture) add(address, protocol string, boards ...model.Board) {
	f.t.Helper()
	change, _, err := f.watcher.Apply(discovery.Event{
		Type:   discovery.EventAdd,
		Port:   model.Port{Address: address, Protocol: protocol},
		Boards: boards,
	})
	require.NoError(f.t, err)
	f.svc.HandleAttachedBoardsChange(f.ctx, change.New)
}

func (f *fixture) remove(address, protocol string) {
	f.t.Helper()
	change, applied, err := f.watcher.Apply(discovery.Event{
		Type: discovery.EventRemove,
		Port: model.Port{Address: address, Protocol: protocol},
	})
	require.NoError(f.t, err)
	if applied {
		f.svc.HandleAttachedBoardsChange(f.ctx, change.New)
	}
}

func drain[T any](sub *broadcast.Subscription[T]) []T {
	var out []T
	for {
		select {
		case v := <-sub.C():
			out = append(out, v)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func boardX() model.Board { return model.Board{Name: "X", FQBN: "a:b:c"} }

func selection(board model.Board, address string) model.BoardsConfig {
	return model.BoardsConfig{SelectedBoard: &board, SelectedPort: &model.Port{Address: address, Protocol: "serial"}}
}

func TestAvailableBoardStates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.memory.PutLastSelectedBoard(f.ctx, model.Port{Address: "/dev/guess"}, model.Board{Name: "Remembered", FQBN: "r:r:r"}))

	f.add("/dev/rec", "serial", boardX())
	f.add("/dev/guess", "serial")
	f.add("/dev/none", "serial")
	f.add("mdns-thing", "dfu")

	available := f.svc.AvailableBoards()
	require.Len(t, available, 3, "one entry per board port, non-board protocols skipped")
	byAddress := map[string]model.AvailableBoard{}
	for _, b := range available {
		byAddress[b.Port.Address] = b
	}
	assert.Equal(t, model.BoardRecognized, byAddress["/dev/rec"].State)
	assert.Equal(t, "X", byAddress["/dev/rec"].Name)
	assert.Equal(t, model.BoardGuessed, byAddress["/dev/guess"].State)
	assert.Equal(t, "Remembered", byAddress["/dev/guess"].Name)
	assert.Equal(t, model.BoardIncomplete, byAddress["/dev/none"].State)
	assert.Equal(t, model.UnknownBoardName, byAddress["/dev/none"].Name)
}

func TestSelectedPortRemovedFiresConfigChangedOnce(t *testing.T) {
	f := newFixture(t)
	f.add("/dev/x", "serial")
	board := model.Board{Name: "Picked", FQBN: "p:p:p"}
	require.NoError(t, f.svc.SetBoardsConfig(f.ctx, selection(board, "/dev/x")))

	sub := f.svc.SubscribeConfig()
	defer sub.Close()
	initial := <-sub.C()
	require.NotNil(t, initial.SelectedPort)

	f.remove("/dev/x", "serial")

	changes := drain(sub)
	require.Len(t, changes, 1)
	assert.Nil(t, changes[0].SelectedPort)
	require.NotNil(t, changes[0].SelectedBoard)
	assert.Equal(t, board, *changes[0].SelectedBoard)

	cfg := f.svc.BoardsConfig()
	assert.Nil(t, cfg.SelectedPort)
	assert.Equal(t, "Picked", cfg.SelectedBoard.Name)
}

func TestAutoReconnectRelaxedPicksNewPort(t *testing.T) {
	f := newFixture(t)
	f.add("/p1", "serial", boardX())
	require.NoError(t, f.svc.SetBoardsConfig(f.ctx, selection(boardX(), "/p1")))

	f.remove("/p1", "serial")
	assert.Nil(t, f.svc.BoardsConfig().SelectedPort)

	f.add("/p2", "serial", boardX())
	cfg := f.svc.BoardsConfig()
	require.True(t, cfg.CanUpload())
	assert.Equal(t, "/p2", cfg.SelectedPort.Address)
	assert.Equal(t, "a:b:c", cfg.SelectedBoard.FQBN)

	available := f.svc.AvailableBoards()
	require.Len(t, available, 1)
	assert.True(t, available[0].Selected)
}

func TestAutoReconnectPrefersExactPort(t *testing.T) {
	f := newFixture(t)
	f.add("/p5", "serial", boardX())
	require.NoError(t, f.svc.SetBoardsConfig(f.ctx, selection(boardX(), "/p5")))
	f.remove("/p5", "serial")

	f.add("/p0", "serial", model.Board{Name: "Other", FQBN: "o:o:o"})
	assert.Nil(t, f.svc.BoardsConfig().SelectedPort, "no match leaves the config as is")

	// both ports show up in one update; /p3 sorts first but /p5 is the old port
	p3 := model.Port{Address: "/p3", Protocol: "serial"}
	p5 := model.Port{Address: "/p5", Protocol: "serial"}
	x3, x5 := boardX(), boardX()
	x3.Port, x5.Port = &p3, &p5
	f.svc.HandleAttachedBoardsChange(f.ctx, discovery.Snapshot{
		Ports:  []model.Port{p3, p5},
		Boards: []model.Board{x3, x5},
	})
	assert.Equal(t, "/p5", f.svc.BoardsConfig().SelectedPort.Address)
}

func TestAutoReconnectIgnoresIncompleteEntries(t *testing.T) {
	f := newFixture(t)
	f.add("/p1", "serial", boardX())
	require.NoError(t, f.svc.SetBoardsConfig(f.ctx, selection(boardX(), "/p1")))
	f.remove("/p1", "serial")

	f.add("/p9", "serial")
	assert.Nil(t, f.svc.BoardsConfig().SelectedPort)
}

func TestInitRestoresLatestValid(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	require.NoError(t, store.PutLatestValidBoardsConfig(ctx, selection(boardX(), "/p1")))

	svc := NewService(store, []string{"serial"}, nil)
	defer svc.Close()
	require.NoError(t, svc.Init(ctx))
	cfg := svc.BoardsConfig()
	require.True(t, cfg.CanUpload())
	assert.Equal(t, "/p1", cfg.SelectedPort.Address)

	fresh, ctx2 := testutil.NewStore(t)
	empty := NewService(fresh, []string{"serial"}, nil)
	defer empty.Close()
	require.NoError(t, empty.Init(ctx2))
	assert.False(t, empty.BoardsConfig().CanUpload())
}

func TestSyntheticEntryForAbsentSelection(t *testing.T) {
	f := newFixture(t)
	f.add("/dev/a", "serial", boardX())
	require.NoError(t, f.svc.SetBoardsConfig(f.ctx, model.BoardsConfig{SelectedBoard: &model.Board{Name: "Nowhere", FQBN: "n:n:n"}}))

	available := f.svc.AvailableBoards()
	require.Len(t, available, 2)
	assert.True(t, available[0].Selected)
	assert.Equal(t, "Nowhere", available[0].Name)
	assert.Equal(t, model.BoardIncomplete, available[0].State)
	assert.Nil(t, available[0].Port)
}

func TestSelectionTakesOverUnknownPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.add("/dev/a", "serial")
	// a selection without FQBN cannot upload, so nothing is remembered
	require.NoError(t, f.svc.SetBoardsConfig(f.ctx, model.BoardsConfig{
		SelectedBoard: &model.Board{Name: "Generic"},
		SelectedPort:  &model.Port{Address: "/dev/a", Protocol: "serial"},
	}))

	available := f.svc.AvailableBoards()
	require.Len(t, available, 1)
	assert.Equal(t, "Generic", available[0].Name)
	assert.True(t, available[0].Selected)
	assert.Equal(t, "/dev/a", available[0].Port.Address)
}

func TestSelectionIgnoresStalePortProtocol(t *testing.T) {
	f := newFixture(t)
	f.add("/dev/a", "serial", boardX())
	cfg := selection(boardX(), "/dev/a")
	cfg.SelectedPort.Protocol = "stale"
	require.NoError(t, f.svc.SetBoardsConfig(f.ctx, cfg))

	available := f.svc.AvailableBoards()
	require.Len(t, available, 1)
	assert.True(t, available[0].Selected)
}

func TestUnchangedListDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	f.add("/dev/a", "serial", boardX())
	sub := f.svc.SubscribeAvailable()
	defer sub.Close()
	<-sub.C()

	// a non-board port changes discovery but not the list
	f.add("dfu-1", "dfu")
	assert.Empty(t, drain(sub))

	f.add("/dev/b", "serial")
	assert.Len(t, drain(sub), 1)
}

func TestSetBoardsConfigRemembersBoardForPort(t *testing.T) {
	f := newFixture(t)
	f.add("/dev/a", "serial")
	require.NoError(t, f.svc.SetBoardsConfig(f.ctx, selection(boardX(), "/dev/a")))
	require.NoError(t, f.svc.SetBoardsConfig(f.ctx, model.BoardsConfig{}))

	available := f.svc.AvailableBoards()
	require.Len(t, available, 1)
	assert.Equal(t, model.BoardGuessed, available[0].State)
	assert.Equal(t, "X", available[0].Name)
}

func TestRandomEventSequencesKeepListInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		addresses := []string{"/dev/a", "/dev/b", "/dev/c", "/dev/d"}
		if round%2 == 0 {
			require.NoError(t, f.svc.SetBoardsConfig(f.ctx, selection(boardX(), addresses[rng.Intn(len(addresses))])))
		}
		live := map[string]bool{}
		for step := 0; step < 30; step++ {
			address := addresses[rng.Intn(len(addresses))]
			if rng.Intn(2) == 0 {
				var boards []model.Board
				if rng.Intn(2) == 0 {
					boards = append(boards, model.Board{Name: fmt.Sprintf("B%d", rng.Intn(3)), FQBN: "v:a:b"})
				}
				f.add(address, "serial", boards...)
				live[address] = true
			} else {
				f.remove(address, "serial")
				delete(live, address)
			}

			available := f.svc.AvailableBoards()
			selected := 0
			synthetic := 0
			takeover := map[string]bool{}
			perPort := map[string]int{}
			for _, b := range available {
				if b.Selected {
					selected++
				}
				if b.State == model.BoardIncomplete && b.Name != model.UnknownBoardName {
					synthetic++
					if b.Port != nil {
						takeover[b.Port.Address] = true
					}
					continue
				}
				require.NotNil(t, b.Port)
				require.True(t, live[b.Port.Address], "entry for undiscovered port %s", b.Port.Address)
				perPort[b.Port.Address]++
			}
			assert.LessOrEqual(t, selected, 1)
			assert.LessOrEqual(t, synthetic, 1)
			for address := range live {
				n := perPort[address]
				ok := n == 1 || (n == 0 && takeover[address])
				assert.True(t, ok, "round %d step %d port %s has %d entries", round, step, address, n)
			}
		}
	}
}
