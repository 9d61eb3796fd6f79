package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Aggregator counts repeated events and logs one summary per event kind per
// interval instead of one record per occurrence.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	counts map[string]*eventCount

	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

type eventCount struct {
	component string
	event     string
	n         int64
	first     time.Time
	last      time.Time
	fields    []slog.Attr
}

// NewAggregator returns a stopped aggregator. A nil logger drops summaries.
func NewAggregator(logger *slog.Logger, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = defaultAggregateEvery
	}
	return &Aggregator{
		logger:   logger,
		interval: interval,
		counts:   make(map[string]*eventCount),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the periodic flush.
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	go func() {
		defer close(a.done)
		t := time.NewTicker(a.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				a.Flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the flush loop and writes what is still pending.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.mu.Lock()
		started := a.started
		a.mu.Unlock()
		if started {
			<-a.done
		}
		a.Flush()
	})
}

// Record counts one occurrence. The fields of the latest occurrence are
// reported with the summary.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	now := time.Now()
	key := component + "\x00" + event

	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counts[key]
	if !ok {
		c = &eventCount{component: component, event: event, first: now}
		a.counts[key] = c
	}
	c.n++
	c.last = now
	if len(fields) > 0 {
		c.fields = fields
	}
}

// Flush writes one summary per counted event kind, ordered by component and
// event, and resets the counts.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if len(a.counts) == 0 {
		a.mu.Unlock()
		return
	}
	pending := make([]*eventCount, 0, len(a.counts))
	for _, c := range a.counts {
		pending = append(pending, c)
	}
	a.counts = make(map[string]*eventCount)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].component != pending[j].component {
			return pending[i].component < pending[j].component
		}
		return pending[i].event < pending[j].event
	})
	for _, c := range pending {
		args := []any{
			slog.String("component", c.component),
			slog.String("event", c.event),
			slog.Int64("count", c.n),
			slog.Duration("span", c.last.Sub(c.first)),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		for _, f := range c.fields {
			args = append(args, f)
		}
		a.logger.Info("event_summary", args...)
	}
}
