package admit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// AsyncStats takes a slow sink off the admission path. Record only enqueues;
// one worker forwards events to the wrapped sink with a per-event deadline.
// When the queue is full the event is dropped and counted.
type AsyncStats struct {
	sink    StatsSink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger
	errLog  rate.Sometimes

	dropped atomic.Int64
	failed  atomic.Int64

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type AsyncStatsOption func(*AsyncStats)

// WithQueueSize bounds how many events may wait for the worker.
func WithQueueSize(n int) AsyncStatsOption {
	return func(s *AsyncStats) {
		if n > 0 {
			s.queue = make(chan Event, n)
		}
	}
}

// WithRecordTimeout bounds each forwarded Record call.
func WithRecordTimeout(d time.Duration) AsyncStatsOption {
	return func(s *AsyncStats) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithStatsLogger(logger *slog.Logger) AsyncStatsOption {
	return func(s *AsyncStats) { s.logger = logger }
}

func NewAsyncStats(sink StatsSink, opts ...AsyncStatsOption) *AsyncStats {
	s := &AsyncStats{
		sink:    sink,
		queue:   make(chan Event, 1024),
		timeout: 500 * time.Millisecond,
		logger:  slog.Default(),
		errLog:  rate.Sometimes{First: 3, Interval: time.Minute},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record never blocks and never fails.
func (s *AsyncStats) Record(_ context.Context, ev Event) error {
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Start launches the worker. It is a no-op after the first call.
func (s *AsyncStats) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run()
	})
}

// Stop forwards what is already queued, within one record timeout, and
// waits for the worker to exit.
func (s *AsyncStats) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started.Load() {
			<-s.doneCh
		}
	})
}

// Dropped reports events discarded because the queue was full.
func (s *AsyncStats) Dropped() int64 { return s.dropped.Load() }

// Failed reports events the wrapped sink returned an error for.
func (s *AsyncStats) Failed() int64 { return s.failed.Load() }

// Snapshot reads the wrapped sink and adds the drop count.
func (s *AsyncStats) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if reader, ok := s.sink.(StatsReader); ok {
		var err error
		if snap, err = reader.Snapshot(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	snap.Dropped = s.dropped.Load()
	return snap, nil
}

func (s *AsyncStats) run() {
	defer close(s.doneCh)

	for {
		select {
		case ev := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			s.forward(ctx, ev)
			cancel()
		case <-s.stopCh:
			s.drain()
			return
		}
	}
}

func (s *AsyncStats) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	for {
		select {
		case ev := <-s.queue:
			if ctx.Err() != nil {
				s.dropped.Add(1)
				continue
			}
			s.forward(ctx, ev)
		default:
			return
		}
	}
}

func (s *AsyncStats) forward(ctx context.Context, ev Event) {
	if err := s.sink.Record(ctx, ev); err != nil {
		s.failed.Add(1)
		s.errLog.Do(func() {
			s.logger.Warn("recording admission stats failed", "limiter", ev.Limiter, "err", err)
		})
	}
}
