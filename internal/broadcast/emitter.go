// Package broadcast is an ordered publish/subscribe channel. Every subscriber
// receives every value published after it subscribed, in publish order, and a
// slow subscriber never blocks the publisher.
package broadcast

import "sync"

type Emitter[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

func New[T any]() *Emitter[T] {
	return &Emitter[T]{subs: map[uint64]*Subscription[T]{}}
}

// Subscribe registers a subscriber. Initial values are delivered before any
// value published afterwards, which lets owners hand out a snapshot without
// a gap.
func (e *Emitter[T]) Subscribe(initial ...T) *Subscription[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub := &Subscription[T]{
		emitter: e,
		out:     make(chan T),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		queue:   append([]T(nil), initial...),
	}
	if e.closed {
		sub.stop()
		close(sub.out)
		return sub
	}
	e.nextID++
	sub.id = e.nextID
	e.subs[sub.id] = sub
	go sub.pump()
	if len(initial) > 0 {
		sub.notify()
	}
	return sub
}

func (e *Emitter[T]) Publish(v T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		sub.enqueue(v)
	}
}

func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close unsubscribes everyone. Later subscriptions are closed immediately.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	subs := e.subs
	e.subs = map[uint64]*Subscription[T]{}
	e.closed = true
	e.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}

type Subscription[T any] struct {
	id      uint64
	emitter *Emitter[T]
	out     chan T
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	queue []T
}

// C yields published values; it is closed after Close.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

func (s *Subscription[T]) Close() {
	s.emitter.remove(s.id)
	s.stop()
}

func (s *Subscription[T]) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *Subscription[T]) enqueue(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription[T]) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	v := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return v, true
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		v, ok := s.pop()
		if !ok {
			select {
			case <-s.done:
				return
			case <-s.signal:
				continue
			}
		}
		select {
		case <-s.done:
			return
		case s.out <- v:
		}
	}
}
