package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher buffers events on a channel, mainly for tests and for
// in-process consumers.
type MemoryPublisher struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryPublisher creates a publisher with the given buffer size.
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan Event, size)}
}

// Publish implements Publisher. A full buffer drops the oldest event
// rather than blocking an authorization path on a slow consumer.
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("publisher closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.ch <- event:
		return nil
	default:
	}
	select {
	case <-p.ch:
	default:
	}
	p.ch <- event
	return nil
}

// Events exposes the event channel for consumers.
func (p *MemoryPublisher) Events() <-chan Event {
	return p.ch
}

// Close implements Publisher.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	return nil
}
