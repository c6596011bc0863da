// Package syncbuf is the client side of offline sync: it numbers samples,
// holds them while the server is unreachable, and replays them in order.
// Resending is always safe because the server deduplicates by sequence number.
package syncbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ashureev/proctor-engine/internal/domain"
)

var (
	// ErrBufferFull is returned by Add when the buffer holds its maximum.
	ErrBufferFull = errors.New("offline buffer full")
	// ErrClosed is returned once the server reported the session closed.
	ErrClosed = errors.New("session closed; buffer discarded")
)

// AckStatus is the server's verdict on one buffered sample.
type AckStatus int

const (
	// AckAccepted means the sample was processed (or was a duplicate).
	AckAccepted AckStatus = iota
	// AckRejected means the sample is malformed and will never be accepted.
	AckRejected
	// AckRetry means the sample should be resent later with the same number.
	AckRetry
	// AckClosed means the session is terminated.
	AckClosed
)

// Ack reports the outcome for one sequence number.
type Ack struct {
	SequenceNumber uint64
	Status         AckStatus
	Result         *domain.IngestResult
}

// Sender delivers a batch of samples for one session. A returned error means
// nothing is known about the batch and all of it stays buffered.
type Sender interface {
	Send(ctx context.Context, sessionID string, samples []*domain.Sample) ([]Ack, error)
}

// FlushReport summarizes one Flush.
type FlushReport struct {
	Sent     int
	Accepted int
	Rejected int
	Pending  int
	Results  []domain.IngestResult
}

// Buffer assigns sequence numbers and holds samples until acknowledged.
// It is safe for concurrent use; flushes are serialized.
type Buffer struct {
	mu        sync.Mutex
	flushMu   sync.Mutex
	sessionID string
	next      uint64
	pending   []*domain.Sample
	max       int
	batchSize int
	closed    bool
	sender    Sender
}

// NewBuffer creates a buffer. lastSeq is the highest sequence number already
// used for the session (0 for a new session).
func NewBuffer(sessionID string, lastSeq uint64, max, batchSize int, sender Sender) *Buffer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Buffer{
		sessionID: sessionID,
		next:      lastSeq + 1,
		max:       max,
		batchSize: batchSize,
		sender:    sender,
	}
}

// Add numbers s and buffers it. The caller must not modify s afterwards.
func (b *Buffer) Add(s *domain.Sample) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	if b.max > 0 && len(b.pending) >= b.max {
		return 0, fmt.Errorf("%w: %d samples", ErrBufferFull, len(b.pending))
	}

	s.SessionID = b.sessionID
	s.SequenceNumber = b.next
	b.next++
	b.pending = append(b.pending, s)
	return s.SequenceNumber, nil
}

// Pending returns the number of unacknowledged samples.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Closed reports whether the server has closed the session.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Flush sends buffered samples oldest first in batches. It stops at the first
// transport error or retryable sample, keeping everything not yet
// acknowledged. If the server reports the session closed, the buffer is
// discarded and ErrClosed is returned.
func (b *Buffer) Flush(ctx context.Context) (FlushReport, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	var report FlushReport
	for {
		batch := b.head()
		if len(batch) == 0 {
			return report, nil
		}

		acks, err := b.sender.Send(ctx, b.sessionID, batch)
		report.Sent += len(batch)
		if err != nil {
			report.Pending = b.Pending()
			return report, fmt.Errorf("send batch: %w", err)
		}

		done, stop, closed := b.apply(batch, acks, &report)
		report.Pending = b.Pending()
		if closed {
			return report, ErrClosed
		}
		if stop || done == 0 {
			return report, nil
		}
	}
}

func (b *Buffer) head() []*domain.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	n := min(len(b.pending), b.batchSize)
	return append([]*domain.Sample(nil), b.pending[:n]...)
}

// apply removes acknowledged samples. A sample without an ack, or with a
// retry ack, stops the flush and stays buffered with everything after it.
func (b *Buffer) apply(batch []*domain.Sample, acks []Ack, report *FlushReport) (done int, stop, closed bool) {
	bySeq := make(map[uint64]Ack, len(acks))
	for _, a := range acks {
		bySeq[a.SequenceNumber] = a
	}

	for _, s := range batch {
		a, ok := bySeq[s.SequenceNumber]
		if !ok || a.Status == AckRetry {
			stop = true
			break
		}
		if a.Status == AckClosed {
			closed = true
			break
		}
		if a.Status == AckAccepted {
			report.Accepted++
			if a.Result != nil {
				report.Results = append(report.Results, *a.Result)
			}
		} else {
			report.Rejected++
		}
		done++
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if closed {
		b.closed = true
		b.pending = nil
		return done, stop, closed
	}
	b.pending = b.pending[done:]
	return done, stop, closed
}
