package rules

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pilot-net/alertcore/pkg/types"
)

// ErrIteratorClosed is returned by Push after Close.
var ErrIteratorClosed = errors.New("sample iterator closed")

// ChannelIterator adapts pushed samples to the SampleIterator interface.
type ChannelIterator struct {
	ch        chan types.Sample
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelIterator creates an iterator buffering up to size samples.
func NewChannelIterator(size int) *ChannelIterator {
	return &ChannelIterator{
		ch:   make(chan types.Sample, size),
		done: make(chan struct{}),
	}
}

// Push enqueues samples, blocking while the buffer is full.
func (c *ChannelIterator) Push(ctx context.Context, samples ...types.Sample) error {
	for _, s := range samples {
		select {
		case <-c.done:
			return ErrIteratorClosed
		default:
		}
		select {
		case c.ch <- s:
		case <-c.done:
			return ErrIteratorClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Next returns the next sample, io.EOF once closed and drained.
func (c *ChannelIterator) Next(ctx context.Context) (types.Sample, error) {
	select {
	case s := <-c.ch:
		return s, nil
	default:
	}
	select {
	case s := <-c.ch:
		return s, nil
	case <-c.done:
		select {
		case s := <-c.ch:
			return s, nil
		default:
			return types.Sample{}, io.EOF
		}
	case <-ctx.Done():
		return types.Sample{}, ctx.Err()
	}
}

// Len returns the number of buffered samples.
func (c *ChannelIterator) Len() int { return len(c.ch) }

// Close stops accepting samples. Buffered samples are still returned.
func (c *ChannelIterator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// SliceIterator replays a fixed set of samples.
type SliceIterator struct {
	samples []types.Sample
	pos     int
}

// NewSliceIterator returns an iterator over samples.
func NewSliceIterator(samples []types.Sample) *SliceIterator {
	return &SliceIterator{samples: samples}
}

// Next implements SampleIterator.
func (s *SliceIterator) Next(ctx context.Context) (types.Sample, error) {
	if err := ctx.Err(); err != nil {
		return types.Sample{}, err
	}
	if s.pos >= len(s.samples) {
		return types.Sample{}, io.EOF
	}
	sample := s.samples[s.pos]
	s.pos++
	return sample, nil
}
