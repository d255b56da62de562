package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/topomon/pkg/types"
)

// Sink receives drained uploads. The pipeline implements it.
type Sink interface {
	SubmitBatch(ctx context.Context, batch types.FrameBatch) error
	SubmitMetrics(ctx context.Context, batch types.MetricBatch) error
}

// Drainer reads from the Redis buffer and submits to the pipeline.
type Drainer struct {
	buffer   *Buffer
	sink     Sink
	logger   *slog.Logger
	interval time.Duration
	batch    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDrainer creates a new buffer drainer.
func NewDrainer(buffer *Buffer, sink Sink, logger *slog.Logger) *Drainer {
	return &Drainer{
		buffer:   buffer,
		sink:     sink,
		logger:   logger.With("component", "buffer_drainer"),
		interval: DefaultDrainInterval,
		batch:    DefaultBatchSize,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background drain loop.
func (d *Drainer) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
	d.logger.Info("buffer drainer started", "interval", d.interval, "batch_size", d.batch)
}

// Stop stops the drainer and waits for the current cycle to finish. Entries not
// yet drained stay in Redis.
func (d *Drainer) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("buffer drainer stopped")
}

func (d *Drainer) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			// keep draining while full batches come back
			for d.Drain(ctx) == d.batch {
				select {
				case <-d.stopCh:
					return
				default:
				}
			}
		}
	}
}

// Drain moves one batch of entries into the sink and returns how many were
// popped. Entries the sink refuses are requeued and draining stops for this cycle.
func (d *Drainer) Drain(ctx context.Context) int {
	entries, err := d.buffer.Pop(ctx, d.batch)
	if err != nil {
		d.logger.Error("failed to pop from buffer", "error", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	start := time.Now()
	for i, e := range entries {
		var err error
		switch {
		case e.Frames != nil:
			err = d.sink.SubmitBatch(ctx, *e.Frames)
		case e.Metrics != nil:
			err = d.sink.SubmitMetrics(ctx, *e.Metrics)
		}
		if err != nil {
			d.logger.Warn("pipeline refused entry, requeueing", "error", err, "remaining", len(entries)-i)
			// use a fresh context: ctx may be the reason for the refusal
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if rerr := d.buffer.Requeue(rctx, entries[i:]); rerr != nil {
				d.logger.Error("failed to requeue entries", "error", rerr, "lost", len(entries)-i)
			}
			cancel()
			return 0
		}
	}

	d.logger.Debug("drained buffer", "count", len(entries), "duration", time.Since(start))
	return len(entries)
}
