// Package boards derives the user-visible list of available boards from the
// discovered ports and keeps the user's board/port selection consistent with
// it.
package boards

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/g960059/boardmon/internal/broadcast"
	"github.com/g960059/boardmon/internal/db"
	"github.com/g960059/boardmon/internal/discovery"
	"github.com/g960059/boardmon/internal/logger"
	"github.com/g960059/boardmon/internal/model"
)

// Memory persists the per-port board choice and the last selection that
// could upload.
type Memory interface {
	GetLastSelectedBoard(ctx context.Context, port model.Port) (model.Board, error)
	PutLastSelectedBoard(ctx context.Context, port model.Port, board model.Board) error
	GetLatestValidBoardsConfig(ctx context.Context) (model.BoardsConfig, error)
	PutLatestValidBoardsConfig(ctx context.Context, cfg model.BoardsConfig) error
}

type Service struct {
	log       logger.Logger
	memory    Memory
	protocols map[string]bool

	mu          sync.Mutex
	config      model.BoardsConfig
	latestValid *model.BoardsConfig
	snapshot    discovery.Snapshot
	available   []model.AvailableBoard

	configChanged    *broadcast.Emitter[model.BoardsConfig]
	availableChanged *broadcast.Emitter[[]model.AvailableBoard]
}

func NewService(memory Memory, boardProtocols []string, log logger.Logger) *Service {
	if log == nil {
		log = logger.Noop()
	}
	protocols := make(map[string]bool, len(boardProtocols))
	for _, p := range boardProtocols {
		protocols[p] = true
	}
	return &Service{
		log:              log,
		memory:           memory,
		protocols:        protocols,
		configChanged:    broadcast.New[model.BoardsConfig](),
		availableChanged: broadcast.New[[]model.AvailableBoard](),
	}
}

// Init restores the latest valid selection from memory as the current one.
func (s *Service) Init(ctx context.Context) error {
	cfg, err := s.memory.GetLatestValidBoardsConfig(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load latest valid boards config: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestValid = &cfg
	s.config = cfg.Clone()
	return nil
}

// Run applies every discovery change until ctx is done.
func (s *Service) Run(ctx context.Context, w *discovery.Watcher) error {
	sub := w.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-sub.C():
			if !ok {
				return nil
			}
			s.HandleAttachedBoardsChange(ctx, change.New)
		}
	}
}

func (s *Service) BoardsConfig() model.BoardsConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone()
}

func (s *Service) AvailableBoards() []model.AvailableBoard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AvailableBoard(nil), s.available...)
}

// SubscribeConfig delivers the current selection first, then every change.
func (s *Service) SubscribeConfig() *broadcast.Subscription[model.BoardsConfig] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configChanged.Subscribe(s.config.Clone())
}

// SubscribeAvailable delivers the current list first, then every change.
func (s *Service) SubscribeAvailable() *broadcast.Subscription[[]model.AvailableBoard] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableChanged.Subscribe(append([]model.AvailableBoard(nil), s.available...))
}

// SetBoardsConfig replaces the user's selection. A selection that can upload
// becomes the latest valid one and is remembered for its port.
func (s *Service) SetBoardsConfig(ctx context.Context, cfg model.BoardsConfig) error {
	cfg = cfg.Clone()
	if cfg.CanUpload() {
		if err := s.memory.PutLatestValidBoardsConfig(ctx, cfg); err != nil {
			return fmt.Errorf("persist latest valid boards config: %w", err)
		}
		board := *cfg.SelectedBoard
		board.Port = nil
		if err := s.memory.PutLastSelectedBoard(ctx, *cfg.SelectedPort, board); err != nil {
			return fmt.Errorf("remember board for %s: %w", cfg.SelectedPort.Address, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.CanUpload() {
		latest := cfg.Clone()
		s.latestValid = &latest
	}
	if s.config.Equal(cfg) {
		return nil
	}
	s.config = cfg
	s.configChanged.Publish(cfg.Clone())
	s.refreshLocked(ctx)
	return nil
}

// HandleAttachedBoardsChange reconciles the selection and the available
// boards list with a new discovery snapshot.
func (s *Service) HandleAttachedBoardsChange(ctx context.Context, snapshot discovery.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot

	if port := s.config.SelectedPort; port != nil && !s.portDiscovered(*port) {
		s.log.Info("selected port %s is gone, clearing it", port)
		s.config.SelectedPort = nil
		s.configChanged.Publish(s.config.Clone())
	}
	s.refreshLocked(ctx)

	if s.config.CanUpload() || s.latestValid == nil {
		return
	}
	if restored, ok := s.reconnectCandidate(); ok {
		s.log.Info("reconnecting to %s on %s", restored.SelectedBoard.Name, restored.SelectedPort)
		s.config = restored
		s.configChanged.Publish(restored.Clone())
		s.refreshLocked(ctx)
	}
}

func (s *Service) portDiscovered(port model.Port) bool {
	for _, p := range s.snapshot.Ports {
		if port.SameAddress(&p) {
			return true
		}
	}
	return false
}

func (s *Service) refreshLocked(ctx context.Context) {
	next := s.deriveAvailable(ctx)
	if model.AvailableBoardsEqual(next, s.available) {
		return
	}
	s.available = next
	s.availableChanged.Publish(append([]model.AvailableBoard(nil), next...))
}

func (s *Service) deriveAvailable(ctx context.Context) []model.AvailableBoard {
	var out []model.AvailableBoard
	for _, port := range s.snapshot.Ports {
		if !s.protocols[port.Protocol] {
			continue
		}
		p := port
		recognized := false
		for _, b := range s.snapshot.Boards {
			if b.Port == nil || !b.Port.Equal(port) {
				continue
			}
			b.Port = &p
			out = append(out, model.AvailableBoard{Board: b, State: model.BoardRecognized})
			recognized = true
		}
		if recognized {
			continue
		}
		remembered, err := s.memory.GetLastSelectedBoard(ctx, port)
		switch {
		case err == nil:
			remembered.Port = &p
			out = append(out, model.AvailableBoard{Board: remembered, State: model.BoardGuessed})
		case errors.Is(err, db.ErrNotFound):
			out = append(out, model.AvailableBoard{
				Board: model.Board{Name: model.UnknownBoardName, Port: &p},
				State: model.BoardIncomplete,
			})
		default:
			s.log.Warn("load remembered board for %s: %v", port, err)
			out = append(out, model.AvailableBoard{
				Board: model.Board{Name: model.UnknownBoardName, Port: &p},
				State: model.BoardIncomplete,
			})
		}
	}

	selectedFound := false
	if board := s.config.SelectedBoard; board != nil {
		for i := range out {
			if out[i].Port == nil || !out[i].Port.SameAddress(s.config.SelectedPort) {
				continue
			}
			if out[i].SameAs(*board) {
				out[i].Selected = true
				selectedFound = true
				break
			}
		}
		if !selectedFound {
			out = s.appendSelection(out, *board)
		}
	}
	model.SortAvailableBoards(out)
	return out
}

// appendSelection shows a selected board that has no live match. An unknown
// placeholder on the selected port is taken over instead of duplicated.
func (s *Service) appendSelection(out []model.AvailableBoard, board model.Board) []model.AvailableBoard {
	entry := model.AvailableBoard{
		Board:    model.Board{Name: board.Name, FQBN: board.FQBN},
		State:    model.BoardIncomplete,
		Selected: true,
	}
	if port := s.config.SelectedPort; port != nil {
		for i := range out {
			if out[i].State == model.BoardIncomplete && out[i].Name == model.UnknownBoardName && out[i].Port.SameAddress(port) {
				entry.Port = out[i].Port
				out[i] = entry
				return out
			}
		}
		p := *port
		entry.Port = &p
	}
	return append(out, entry)
}

// reconnectCandidate looks for the latest valid selection among the
// available boards: first on its old port, then on any port.
func (s *Service) reconnectCandidate() (model.BoardsConfig, bool) {
	latest := s.latestValid
	if latest == nil || latest.SelectedBoard == nil || latest.SelectedPort == nil {
		return model.BoardsConfig{}, false
	}
	want := *latest.SelectedBoard
	for _, b := range s.available {
		if b.State == model.BoardIncomplete || b.Port == nil {
			continue
		}
		if b.FQBN == want.FQBN && b.Name == want.Name && b.Port.SameAddress(latest.SelectedPort) {
			return latest.Clone(), true
		}
	}
	for _, b := range s.available {
		if b.State == model.BoardIncomplete || b.Port == nil {
			continue
		}
		if b.FQBN == want.FQBN && b.Name == want.Name {
			port := *b.Port
			return model.BoardsConfig{
				SelectedBoard: &model.Board{Name: want.Name, FQBN: want.FQBN},
				SelectedPort:  &port,
			}, true
		}
	}
	return model.BoardsConfig{}, false
}

func (s *Service) Close() {
	s.configChanged.Close()
	s.availableChanged.Close()
}
