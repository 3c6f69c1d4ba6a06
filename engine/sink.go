package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rupertnash/adios2/metric"
	"github.com/rupertnash/adios2/pkg/buffer"
	"github.com/rupertnash/adios2/pkg/wire"
	"github.com/rupertnash/adios2/types"
)

// seenKey distinguishes markers from data frames: an appended stream reuses
// the old marker's step index for its first new data frame.
type seenKey struct {
	stream uuid.UUID
	step   uint64
	marker bool
}

// FrameSink funnels raw frames from every attached transport into one
// ordered step queue. A step published on several transports arrives more
// than once; the sink keeps the first intact copy per (stream, step) and
// drops the rest, so transfer accounting stays per-step, not per-channel.
type FrameSink struct {
	queue   *buffer.Queue[*wire.StepFrame]
	logger  *slog.Logger
	metrics *metric.EngineMetrics

	mu        sync.Mutex
	seen      map[seenKey]struct{}
	eos       bool
	eosStream uuid.UUID
}

// NewFrameSink creates a sink with the given queue capacity and overflow
// policy.
func NewFrameSink(capacity int, policy buffer.OverflowPolicy, logger *slog.Logger, metrics *metric.EngineMetrics) (*FrameSink, error) {
	q, err := buffer.New[*wire.StepFrame](capacity, policy)
	if err != nil {
		return nil, err
	}
	return &FrameSink{
		queue:   q,
		logger:  logger,
		metrics: metrics,
		seen:    make(map[seenKey]struct{}),
	}, nil
}

// Deliver accepts one raw frame from a transport. Malformed frames and
// duplicates are dropped; this is the DeliverFunc every reader transport is
// wired to.
func (s *FrameSink) Deliver(raw []byte) {
	frame, err := wire.DecodeFrame(raw)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "error", err)
		s.metrics.FrameDropped()
		return
	}

	key := seenKey{stream: frame.StreamID, step: frame.Step, marker: frame.EndOfStream}
	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		s.metrics.FrameDropped()
		return
	}
	s.seen[key] = struct{}{}
	if !frame.EndOfStream && s.eos && frame.StreamID != s.eosStream {
		// an appending run took over the stream; Next waits again
		s.eos = false
	}
	s.mu.Unlock()

	if err := s.queue.Write(frame); err != nil {
		// overflow with drop-newest, or closed during shutdown
		s.logger.Debug("frame not queued", "step", frame.Step, "error", err)
		s.metrics.StepMissed()
		return
	}
	s.metrics.StepRead(len(raw))
	s.metrics.QueueDepth(s.queue.Len())
}

// Next pops the next step frame. The status follows step semantics: a frame
// yields StepOK, an end-of-stream marker (or a drained queue after one)
// yields StepEndOfStream, and an empty queue at the deadline yields
// StepNotReady. A data frame arriving from a different stream than the
// marker's clears the sticky end, so a reader tailing an appended log
// resumes waiting.
func (s *FrameSink) Next(timeout time.Duration) (*wire.StepFrame, types.StepStatus) {
	s.mu.Lock()
	eos := s.eos
	s.mu.Unlock()
	if eos {
		// the marker already arrived; only drain, never wait
		if frame, ok := s.queue.TryRead(); ok {
			if frame.EndOfStream {
				s.noteMarker(frame.StreamID)
				return frame, types.StepEndOfStream
			}
			return frame, types.StepOK
		}
		return nil, types.StepEndOfStream
	}

	frame, ok := s.queue.ReadWait(timeout)
	s.metrics.QueueDepth(s.queue.Len())
	if !ok {
		s.mu.Lock()
		eos := s.eos
		s.mu.Unlock()
		if eos || s.queue.Closed() {
			return nil, types.StepEndOfStream
		}
		return nil, types.StepNotReady
	}
	if frame.EndOfStream {
		s.noteMarker(frame.StreamID)
		return frame, types.StepEndOfStream
	}
	return frame, types.StepOK
}

// noteMarker records which stream's marker made the sink sticky, so a later
// data frame from a different stream can unstick it.
func (s *FrameSink) noteMarker(stream uuid.UUID) {
	s.mu.Lock()
	s.eos = true
	s.eosStream = stream
	s.mu.Unlock()
}

// Close releases the queue. Frames already queued stay readable.
func (s *FrameSink) Close() {
	s.queue.Close()
}
