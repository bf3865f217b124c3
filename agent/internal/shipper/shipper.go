// Package shipper handles batching and shipping samples to the control plane.
//
// # Design
//
// Samples are buffered in memory and shipped when:
// 1. Batch size is reached (e.g., 1000 samples)
// 2. Batch timeout expires (e.g., 5 seconds)
// 3. Shutdown is requested (flush remaining)
//
// # Resilience
//
// - Samples are put back on transport failures and 5xx responses
// - The buffer is bounded; the oldest samples are dropped first
// - Exponential backoff between failed flushes
// - 4xx responses drop the batch since resending cannot succeed
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
	"sync"
	"time"

	"github.com/pilot-net/alertcore/pkg/types"
)

const (
	minBackoff = time.Second
	maxBackoff = 2 * time.Minute
)

// Shipper batches and ships samples to the control plane.
type Shipper struct {
	client   *http.Client
	endpoint string
	token    string
	sourceID string
	logger   *slog.Logger

	// Batching config
	batchSize    int
	batchTimeout time.Duration
	maxBuffered  int

	// Buffer
	buffer   []types.Sample
	bufferMu sync.Mutex

	// Backoff after failed flushes
	backoff   time.Duration
	nextTryAt time.Time

	// Metrics
	shipped   int64
	failed    int64
	dropped   int64
	metricsMu sync.Mutex

	// Control
	flushCh chan struct{}
	now     func() time.Time
}

// Config for the shipper.
type Config struct {
	Endpoint     string        // URL to POST samples
	Token        string        // Bearer token (optional)
	SourceID     string        // Agent name sent with each batch
	BatchSize    int           // Max samples per batch
	BatchTimeout time.Duration // Max time before sending batch
	MaxBuffered  int           // Max samples held across failures
	Client       *http.Client  // HTTP client (optional)
	Logger       *slog.Logger  // Logger (optional)
}

// NewShipper creates a new sample shipper.
func NewShipper(cfg Config) *Shipper {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = cfg.BatchSize
	}

	return &Shipper{
		client:       cfg.Client,
		endpoint:     cfg.Endpoint,
		token:        cfg.Token,
		sourceID:     cfg.SourceID,
		logger:       cfg.Logger.With("component", "shipper"),
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		maxBuffered:  cfg.MaxBuffered,
		buffer:       make([]types.Sample, 0, cfg.BatchSize),
		flushCh:      make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Add adds samples to the buffer.
// May trigger immediate flush if batch size is reached.
func (s *Shipper) Add(samples []types.Sample) {
	if len(samples) == 0 {
		return
	}
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, samples...)
	dropped := s.trimLocked()
	shouldFlush := len(s.buffer) >= s.batchSize
	s.bufferMu.Unlock()

	s.recordDropped(dropped)

	if shouldFlush {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run starts the shipper loop. Blocks until context is cancelled.
func (s *Shipper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.flush(ctx, false)
		case <-s.flushCh:
			s.flush(ctx, false)
		}
	}
}

// Flush forces an immediate flush of buffered samples, ignoring backoff.
func (s *Shipper) Flush(ctx context.Context) {
	s.flush(ctx, true)
}

// flush sends buffered samples in batches until the buffer is empty or a
// batch fails.
func (s *Shipper) flush(ctx context.Context, force bool) {
	for {
		s.bufferMu.Lock()
		if len(s.buffer) == 0 || (!force && s.now().Before(s.nextTryAt)) {
			s.bufferMu.Unlock()
			return
		}
		n := min(len(s.buffer), s.batchSize)
		samples := make([]types.Sample, n)
		copy(samples, s.buffer[:n])
		s.buffer = append(s.buffer[:0], s.buffer[n:]...)
		s.bufferMu.Unlock()

		err := s.ship(ctx, samples)
		if err == nil {
			s.metricsMu.Lock()
			s.shipped += int64(len(samples))
			s.metricsMu.Unlock()
			s.resetBackoff()
			s.logger.Debug("shipped samples", "count", len(samples))
			continue
		}

		s.metricsMu.Lock()
		s.failed += int64(len(samples))
		s.metricsMu.Unlock()

		var perm *permanentError
		if errors.As(err, &perm) {
			s.logger.Error("control plane rejected batch, dropping",
				"count", len(samples),
				"error", err)
			s.recordDropped(len(samples))
			continue
		}

		wait := s.requeue(samples)
		s.logger.Warn("failed to ship samples, will retry",
			"count", len(samples),
			"retry_in", wait,
			"error", err)
		return
	}
}

// requeue puts a failed batch back at the head of the buffer and extends
// the backoff.
func (s *Shipper) requeue(samples []types.Sample) time.Duration {
	s.bufferMu.Lock()
	s.buffer = append(samples, s.buffer...)
	dropped := s.trimLocked()

	if s.backoff == 0 {
		s.backoff = minBackoff
	} else {
		s.backoff = min(s.backoff*2, maxBackoff)
	}
	s.nextTryAt = s.now().Add(s.backoff)
	wait := s.backoff
	s.bufferMu.Unlock()

	s.recordDropped(dropped)
	return wait
}

func (s *Shipper) resetBackoff() {
	s.bufferMu.Lock()
	s.backoff = 0
	s.nextTryAt = time.Time{}
	s.bufferMu.Unlock()
}

// trimLocked drops the oldest samples beyond maxBuffered.
func (s *Shipper) trimLocked() int {
	over := len(s.buffer) - s.maxBuffered
	if over <= 0 {
		return 0
	}
	s.buffer = append(s.buffer[:0], s.buffer[over:]...)
	return over
}

func (s *Shipper) recordDropped(n int) {
	if n == 0 {
		return
	}
	s.metricsMu.Lock()
	s.dropped += int64(n)
	s.metricsMu.Unlock()
	s.logger.Warn("sample buffer full, dropped oldest samples", "count", n)
}

// permanentError marks a response that retrying cannot fix.
type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// ship sends a batch of samples to the control plane.
func (s *Shipper) ship(ctx context.Context, samples []types.Sample) error {
	batch := types.SampleBatch{
		SourceID: s.sourceID,
		Samples:  samples,
		SentAt:   s.now().UTC(),
	}

	data, err := json.Marshal(batch)
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &permanentError{status: resp.StatusCode, body: string(body)}
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
}

// Stats returns shipper statistics.
type Stats struct {
	Queued  int   `json:"queued"`
	Shipped int64 `json:"shipped"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

func (s *Shipper) Stats() Stats {
	s.bufferMu.Lock()
	queued := len(s.buffer)
	s.bufferMu.Unlock()

	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()

	return Stats{
		Queued:  queued,
		Shipped: s.shipped,
		Failed:  s.failed,
		Dropped: s.dropped,
	}
}
