package monitor

import (
	"sync"

	"github.com/google/uuid"

	"github.com/g960059/boardmon/internal/model"
)

type MessageKind string

const (
	MessageData     MessageKind = "data"
	MessageSettings MessageKind = "settings-did-change"
)

// Message is one item of a subscriber's fan-out stream. Data messages carry
// a batch of received chunks and the number of chunks dropped since the
// previous batch because the subscriber fell behind.
type Message struct {
	Kind     MessageKind
	Lines    []string
	Dropped  int
	Settings *model.MonitorSettings
}

// Subscriber is a read-only view of one session's output.
type Subscriber struct {
	id      string
	session *Session
	limit   int

	mu      sync.Mutex
	pending []Message
	lines   int
	dropped int

	out    chan Message
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(session *Session, limit int) *Subscriber {
	sub := &Subscriber{
		id:      uuid.NewString(),
		session: session,
		limit:   limit,
		out:     make(chan Message),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	return sub
}

func (s *Subscriber) ID() string { return s.id }

// C is closed when the subscription ends.
func (s *Subscriber) C() <-chan Message { return s.out }

// Close unsubscribes. The session disposes itself when its last subscriber
// leaves.
func (s *Subscriber) Close() {
	s.terminate()
	s.session.unsubscribe(s)
}

func (s *Subscriber) terminate() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscriber) enqueue(msg Message) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	if msg.Kind == MessageData {
		s.lines += len(msg.Lines)
		s.trimLocked()
	}
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// trimLocked drops the oldest pending chunks beyond the limit. Settings
// messages are never dropped.
func (s *Subscriber) trimLocked() {
	if s.limit <= 0 {
		return
	}
	for i := 0; s.lines > s.limit && i < len(s.pending); {
		msg := &s.pending[i]
		if msg.Kind != MessageData {
			i++
			continue
		}
		excess := s.lines - s.limit
		if excess >= len(msg.Lines) {
			s.lines -= len(msg.Lines)
			s.dropped += len(msg.Lines)
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			continue
		}
		msg.Lines = msg.Lines[excess:]
		s.lines -= excess
		s.dropped += excess
	}
}

func (s *Subscriber) next() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Message{}, false
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	if msg.Kind == MessageData {
		s.lines -= len(msg.Lines)
		msg.Dropped = s.dropped
		s.dropped = 0
	}
	return msg, true
}

func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		msg, ok := s.next()
		if !ok {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
