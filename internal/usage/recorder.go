// Package usage records admission decisions for statistics and API key
// billing. Recording never blocks the decision path: events go through a
// bounded queue and are written in batches by a background goroutine.
package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchgate/searchgate/internal/metrics"
	"github.com/searchgate/searchgate/internal/ratelimit"
	"github.com/searchgate/searchgate/pkg/logger"
)

// Event is one decision queued for persistence.
type Event struct {
	Identifier string
	Entry      ratelimit.UsageEntry
}

// Sink persists batches of events.
type Sink interface {
	Append(ctx context.Context, events []Event) error
}

// Reader answers usage queries.
type Reader interface {
	Stats(ctx context.Context, identifier string, days int) ([]ratelimit.DailyUsage, error)
}

// Config holds configuration for the Recorder.
type Config struct {
	FlushInterval time.Duration // how often to flush queued events
	BatchSize     int           // flush when this many events are pending
	Buffer        int           // size of the event queue
	FlushTimeout  time.Duration // bound on a single sink write
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FlushInterval: time.Second,
		BatchSize:     200,
		Buffer:        10000,
		FlushTimeout:  5 * time.Second,
	}
}

// Recorder queues decisions and writes them to a Sink in batches.
// It implements ratelimit.UsageStore together with a Reader.
type Recorder struct {
	sink   Sink
	reader Reader
	cfg    Config
	log    *logger.Logger

	events  chan Event
	pending []Event

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
	stopped  atomic.Bool
}

// NewRecorder creates a Recorder and starts its flush loop.
func NewRecorder(cfg Config, sink Sink, reader Reader, log *logger.Logger) *Recorder {
	defaults := DefaultConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaults.Buffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaults.FlushTimeout
	}

	r := &Recorder{
		sink:     sink,
		reader:   reader,
		cfg:      cfg,
		log:      log.Named("usage"),
		events:   make(chan Event, cfg.Buffer),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	go r.run()
	return r
}

// Record queues a decision. When the queue is full the event is dropped.
func (r *Recorder) Record(identifier string, entry ratelimit.UsageEntry) {
	if r.stopped.Load() {
		return
	}

	select {
	case r.events <- Event{Identifier: identifier, Entry: entry}:
	default:
		metrics.RecordUsageDropped()
	}
}

// Stats delegates to the configured Reader.
func (r *Recorder) Stats(ctx context.Context, identifier string, days int) ([]ratelimit.DailyUsage, error) {
	if r.reader == nil {
		return nil, ratelimit.ErrUsageUnavailable
	}
	return r.reader.Stats(ctx, identifier, days)
}

// Stop stops the flush loop after writing everything still queued.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stopChan)
		<-r.doneChan
	})
}

func (r *Recorder) run() {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-r.events:
			r.pending = append(r.pending, ev)
			if len(r.pending) >= r.cfg.BatchSize {
				r.flush()
			}

		case <-ticker.C:
			r.flush()

		case <-r.stopChan:
			r.drain()
			r.flush()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.events:
			r.pending = append(r.pending, ev)
		default:
			return
		}
	}
}

func (r *Recorder) flush() {
	if len(r.pending) == 0 {
		return
	}

	batch := r.pending
	r.pending = nil

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
	defer cancel()

	if err := r.sink.Append(ctx, batch); err != nil {
		r.log.Warn("failed to write usage batch", "events", len(batch), "error", err)
		return
	}
	r.log.Debug("wrote usage batch", "events", len(batch))
}
