package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"rulecore/internal/logging"
)

// LogSink buffers execution logs and appends them to the repository from a
// background goroutine. Enqueue is fire-and-forget: when the bounded queue
// is full the entry is dropped and counted, so a slow repository never
// backpressures the evaluation path.
type LogSink struct {
	repo    Repository
	queue   chan ExecutionLog
	dropped atomic.Int64
	written atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLogSink starts a sink writing to repo with the given queue capacity.
func NewLogSink(repo Repository, queueSize int) *LogSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &LogSink{
		repo:   repo,
		queue:  make(chan ExecutionLog, queueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue submits one log entry. Never blocks.
func (s *LogSink) Enqueue(log ExecutionLog) {
	select {
	case s.queue <- log:
	default:
		n := s.dropped.Add(1)
		logging.Get(logging.CategoryStore).Warn(
			"execution log queue full; dropped entry %s (total dropped: %d)",
			log.ExecutionID, n)
	}
}

// Dropped returns the number of entries dropped due to overflow.
func (s *LogSink) Dropped() int64 { return s.dropped.Load() }

// Written returns the number of entries appended to the repository.
func (s *LogSink) Written() int64 { return s.written.Load() }

func (s *LogSink) run() {
	defer close(s.doneCh)
	for {
		select {
		case entry := <-s.queue:
			s.append(entry)
		case <-s.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case entry := <-s.queue:
					s.append(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *LogSink) append(entry ExecutionLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.AppendExecutionLog(ctx, entry); err != nil {
		logging.Get(logging.CategoryStore).Error(
			"failed to append execution log %s: %v", entry.ExecutionID, err)
		return
	}
	s.written.Add(1)
}

// Close stops the sink after draining queued entries.
func (s *LogSink) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}
