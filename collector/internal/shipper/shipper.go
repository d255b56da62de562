// Package shipper batches discovery frames and metric samples and ships them
// to the engine.
//
// # Design
//
// Frames and samples are buffered in memory and shipped when:
//  1. Batch size is reached
//  2. Batch timeout expires
//  3. Shutdown is requested (flush remaining)
//
// # Resilience
//
//   - Data is retained on failure, up to MaxRetained per kind (oldest dropped)
//   - A 429 from the engine pauses shipping for the Retry-After period
//   - Repeated failures back off exponentially up to one minute
package shipper

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/topomon/pkg/types"
)

const maxBackoff = time.Minute

// Shipper batches and ships collected data to the engine.
type Shipper struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	collectorID string
	logger      *slog.Logger

	batchSize    int
	batchTimeout time.Duration
	maxRetained  int

	bufferMu sync.Mutex
	frames   []types.Frame
	samples  []types.MetricSample

	// Serialises flushes so retained data keeps its order.
	shipMu    sync.Mutex
	pauseTill time.Time
	failures  int

	metricsMu      sync.Mutex
	shippedFrames  int64
	shippedSamples int64
	failed         int64
	dropped        int64

	flushCh chan struct{}
	now     func() time.Time
}

// Config for the shipper.
type Config struct {
	EngineURL    string        // Base URL of the engine API
	APIKey       string        // Bearer token
	CollectorID  string        // Sent as X-Collector-ID
	BatchSize    int           // Max items per request
	BatchTimeout time.Duration // Max time before sending a batch
	MaxRetained  int           // Max items kept per kind while the engine is unreachable
	Client       *http.Client  // HTTP client (optional)
	Logger       *slog.Logger  // Logger (optional)
}

// StatusError is returned for non-2xx engine responses.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// NewShipper creates a new shipper.
func NewShipper(cfg Config) *Shipper {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.MaxRetained < cfg.BatchSize {
		cfg.MaxRetained = cfg.BatchSize * 40
	}

	return &Shipper{
		client:       cfg.Client,
		baseURL:      strings.TrimRight(cfg.EngineURL, "/"),
		apiKey:       cfg.APIKey,
		collectorID:  cfg.CollectorID,
		logger:       cfg.Logger.With("component", "shipper"),
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		maxRetained:  cfg.MaxRetained,
		flushCh:      make(chan struct{}, 1),
		now:          time.Now,
	}
}

// AddFrames queues frames. May trigger an immediate flush.
func (s *Shipper) AddFrames(frames []types.Frame) {
	if len(frames) == 0 {
		return
	}
	s.bufferMu.Lock()
	for _, f := range frames {
		if f.CollectorID == "" {
			f.CollectorID = s.collectorID
		}
		s.frames = append(s.frames, f)
	}
	dropped := 0
	s.frames, dropped = trim(s.frames, s.maxRetained)
	full := len(s.frames) >= s.batchSize
	s.bufferMu.Unlock()

	s.noteDropped(dropped)
	if full {
		s.signal()
	}
}

// AddSamples queues metric samples. May trigger an immediate flush.
func (s *Shipper) AddSamples(samples []types.MetricSample) {
	if len(samples) == 0 {
		return
	}
	s.bufferMu.Lock()
	s.samples = append(s.samples, samples...)
	dropped := 0
	s.samples, dropped = trim(s.samples, s.maxRetained)
	full := len(s.samples) >= s.batchSize
	s.bufferMu.Unlock()

	s.noteDropped(dropped)
	if full {
		s.signal()
	}
}

func (s *Shipper) signal() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Shipper) noteDropped(n int) {
	if n == 0 {
		return
	}
	s.metricsMu.Lock()
	s.dropped += int64(n)
	s.metricsMu.Unlock()
	s.logger.Warn("retention limit reached, dropping oldest", "dropped", n)
}

// trim keeps the newest max items.
func trim[T any](items []T, max int) ([]T, int) {
	if len(items) <= max {
		return items, 0
	}
	n := len(items) - max
	return append(items[:0:0], items[n:]...), n
}

// Run starts the shipper loop. Blocks until context is cancelled.
func (s *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush on shutdown, bounded by the client timeout.
			s.Flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			s.flush(ctx)
		case <-s.flushCh:
			s.flush(ctx)
		}
	}
}

// Flush forces an immediate flush, ignoring any backoff.
func (s *Shipper) Flush(ctx context.Context) {
	s.shipMu.Lock()
	s.pauseTill = time.Time{}
	s.shipMu.Unlock()
	s.flush(ctx)
}

// flush ships everything buffered in batchSize chunks. On failure the unsent
// remainder is put back at the front of the buffer.
func (s *Shipper) flush(ctx context.Context) {
	s.shipMu.Lock()
	defer s.shipMu.Unlock()

	if s.now().Before(s.pauseTill) {
		return
	}

	s.bufferMu.Lock()
	frames, samples := s.frames, s.samples
	s.frames, s.samples = nil, nil
	s.bufferMu.Unlock()

	if len(frames) == 0 && len(samples) == 0 {
		return
	}

	sentFrames, err := shipChunks(ctx, s, frames, s.shipFrames)
	if err == nil {
		var sentSamples int
		sentSamples, err = shipChunks(ctx, s, samples, s.shipSamples)
		samples = samples[sentSamples:]
		s.metricsMu.Lock()
		s.shippedSamples += int64(sentSamples)
		s.metricsMu.Unlock()
	}
	frames = frames[sentFrames:]

	s.metricsMu.Lock()
	s.shippedFrames += int64(sentFrames)
	s.metricsMu.Unlock()

	if err == nil {
		s.failures = 0
		return
	}

	s.requeue(frames, samples)
	s.backoff(err)
}

func shipChunks[T any](ctx context.Context, s *Shipper, items []T, send func(context.Context, []T) error) (int, error) {
	sent := 0
	for sent < len(items) {
		end := min(sent+s.batchSize, len(items))
		if err := send(ctx, items[sent:end]); err != nil {
			return sent, err
		}
		sent = end
	}
	return sent, nil
}

func (s *Shipper) requeue(frames []types.Frame, samples []types.MetricSample) {
	s.bufferMu.Lock()
	s.frames = append(frames, s.frames...)
	s.samples = append(samples, s.samples...)
	var df, ds int
	s.frames, df = trim(s.frames, s.maxRetained)
	s.samples, ds = trim(s.samples, s.maxRetained)
	s.bufferMu.Unlock()
	s.noteDropped(df + ds)
}

func (s *Shipper) backoff(err error) {
	s.failures++
	wait := time.Duration(1<<min(s.failures-1, 6)) * time.Second
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		wait = se.RetryAfter
	}
	wait = min(wait, maxBackoff)
	s.pauseTill = s.now().Add(wait)

	s.metricsMu.Lock()
	s.failed++
	s.metricsMu.Unlock()

	s.logger.Error("failed to ship batch",
		"error", err,
		"consecutive_failures", s.failures,
		"retry_in", wait)
}

func (s *Shipper) shipFrames(ctx context.Context, frames []types.Frame) error {
	now := s.now()
	return s.post(ctx, "/api/v1/frames", types.FrameBatch{
		CollectorID: s.collectorID,
		BatchID:     uuid.NewString(),
		Frames:      frames,
		CreatedAt:   now,
	})
}

func (s *Shipper) shipSamples(ctx context.Context, samples []types.MetricSample) error {
	return s.post(ctx, "/api/v1/metrics", types.MetricBatch{
		CollectorID: s.collectorID,
		Samples:     samples,
		CreatedAt:   s.now(),
	})
}

// post sends a gzip-compressed JSON body.
func (s *Shipper) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("compressing batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("X-Collector-ID", s.collectorID)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
		return se
	}
	return nil
}

// Stats returns shipper statistics.
type Stats struct {
	QueuedFrames   int   `json:"queued_frames"`
	QueuedSamples  int   `json:"queued_samples"`
	ShippedFrames  int64 `json:"shipped_frames"`
	ShippedSamples int64 `json:"shipped_samples"`
	Failed         int64 `json:"failed"`
	Dropped        int64 `json:"dropped"`
}

func (s *Shipper) Stats() Stats {
	s.bufferMu.Lock()
	qf, qs := len(s.frames), len(s.samples)
	s.bufferMu.Unlock()

	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return Stats{
		QueuedFrames:   qf,
		QueuedSamples:  qs,
		ShippedFrames:  s.shippedFrames,
		ShippedSamples: s.shippedSamples,
		Failed:         s.failed,
		Dropped:        s.dropped,
	}
}
