package terminal

import (
	"log/slog"
	"sync"
)

// SubscriberQueueCap bounds the events waiting for one subscriber beyond its
// channel buffer. When a subscriber falls that far behind, its oldest data
// events are dropped; created and exit events are always kept.
const SubscriberQueueCap = 4096

// EventType discriminates Event.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventData
	EventExit
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventData:
		return "data"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is a manager notification. Data is set for EventData, ExitCode for
// EventExit, Info for EventCreated.
type Event struct {
	Type      EventType
	ID        string
	SessionID string
	Data      []byte
	ExitCode  int
	Info      *Info
}

// Bus fans events out to subscribers. Each published event is delivered once
// to every current subscriber, in publish order. Publish never blocks on a
// slow subscriber; each subscriber has its own queue, capped at
// SubscriberQueueCap by shedding its oldest data.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	out  chan Event
	done chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	closed  bool
	lagging bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent
// and closes the channel once queued events are drained or dropped.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{out: make(chan Event, 64), done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		close(s.done)
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.close()
		})
	}
}

// Publish enqueues ev for every subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(ev)
	}
}

// Len reports the number of subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= SubscriberQueueCap {
		if !s.lagging {
			s.lagging = true
			termLog.Warn("bus_subscriber_lagging", slog.Int("queued", len(s.queue)))
		}
		if !s.shedOldestData() && ev.Type == EventData {
			// Nothing older to shed; the new chunk goes instead.
			return
		}
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *subscriber) shedOldestData() bool {
	for i, queued := range s.queue {
		if queued.Type != EventData {
			continue
		}
		if i == 0 {
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			return true
		}
		copy(s.queue[i:], s.queue[i+1:])
		s.queue[len(s.queue)-1] = Event{}
		s.queue = s.queue[:len(s.queue)-1]
		return true
	}
	return false
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		close(s.done)
	}
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		if len(s.queue) == 0 {
			s.lagging = false
		}
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
