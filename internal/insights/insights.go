// Package insights schedules background insight generation for events whose
// membership changed. Requests are deduplicated per event and rate-limited by
// a per-event TTL so a burst of assignments produces one regeneration.
package insights

import (
	"context"
	"sync"
	"time"

	"pluriform/internal/logger"
)

// Generator produces the derived insight artifact for one event.
type Generator interface {
	GenerateInsight(ctx context.Context, eventID string) error
}

// Scheduler is the bounded background queue in front of a Generator.
type Scheduler struct {
	generator Generator
	ttl       time.Duration

	mu        sync.Mutex
	pending   map[string]struct{} // queued but not yet processed
	lastRun   map[string]time.Time
	closed    bool
	queue     chan string
	done      chan struct{}
	cancelRun context.CancelFunc
}

// NewScheduler starts the worker goroutine. queueSize bounds the number of
// events waiting; beyond it Schedule drops with a warning instead of
// blocking the assignment path.
func NewScheduler(generator Generator, queueSize int, ttl time.Duration) *Scheduler {
	if queueSize <= 0 {
		queueSize = 64
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		generator: generator,
		ttl:       ttl,
		pending:   make(map[string]struct{}),
		lastRun:   make(map[string]time.Time),
		queue:     make(chan string, queueSize),
		done:      make(chan struct{}),
		cancelRun: cancel,
	}
	go s.run(runCtx)
	return s
}

// Schedule enqueues a regeneration for an event. Duplicate requests for an
// event already queued, and requests within the TTL of its last run, are
// no-ops. Returns true when the event was actually enqueued.
func (s *Scheduler) Schedule(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, queued := s.pending[eventID]; queued {
		return false
	}
	if last, ok := s.lastRun[eventID]; ok && s.ttl > 0 && time.Since(last) < s.ttl {
		return false
	}

	select {
	case s.queue <- eventID:
		s.pending[eventID] = struct{}{}
		return true
	default:
		logger.Warn("insight queue full, dropping request", "event_id", eventID)
		return false
	}
}

// Shutdown stops accepting work, cancels the in-flight generation and waits
// for the worker to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.cancelRun()
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	for eventID := range s.queue {
		// The TTL stamp is taken up front so a burst against the same
		// event cannot race past it; a failed generation clears it again.
		s.mu.Lock()
		delete(s.pending, eventID)
		s.lastRun[eventID] = time.Now()
		s.mu.Unlock()

		if ctx.Err() != nil {
			continue
		}

		if err := s.generator.GenerateInsight(ctx, eventID); err != nil {
			logger.Error("failed to generate insight", err, "event_id", eventID)
			s.mu.Lock()
			delete(s.lastRun, eventID)
			s.mu.Unlock()
			continue
		}
		logger.Debug("insight regenerated", "event_id", eventID)
	}
}
