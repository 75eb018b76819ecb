package insights

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingGenerator struct {
	mu      sync.Mutex
	calls   []string
	block   chan struct{} // non-nil: GenerateInsight waits until closed
	started chan string   // receives the event id when a call starts
}

func newRecordingGenerator(blocking bool) *recordingGenerator {
	g := &recordingGenerator{started: make(chan string, 16)}
	if blocking {
		g.block = make(chan struct{})
	}
	return g
}

func (g *recordingGenerator) GenerateInsight(ctx context.Context, eventID string) error {
	g.started <- eventID
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	g.calls = append(g.calls, eventID)
	g.mu.Unlock()
	return nil
}

func (g *recordingGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func waitForCalls(t *testing.T, g *recordingGenerator, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for g.callCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("generator calls = %d, want %d", g.callCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerProcessesRequests(t *testing.T) {
	gen := newRecordingGenerator(false)
	s := NewScheduler(gen, 8, time.Hour)

	if !s.Schedule("e1") {
		t.Error("first Schedule returned false")
	}
	waitForCalls(t, gen, 1)
	s.Shutdown()

	if gen.callCount() != 1 {
		t.Fatalf("generator called %d times, want 1", gen.callCount())
	}
}

func TestSchedulerDeduplicatesQueued(t *testing.T) {
	gen := newRecordingGenerator(true)
	s := NewScheduler(gen, 8, 0)

	s.Schedule("busy")
	<-gen.started // worker now blocked inside the first generation

	if !s.Schedule("e1") {
		t.Error("enqueue while worker busy returned false")
	}
	if s.Schedule("e1") {
		t.Error("duplicate of queued event was accepted")
	}

	close(gen.block)
	waitForCalls(t, gen, 2)
	s.Shutdown()
}

func TestSchedulerHonoursTTL(t *testing.T) {
	gen := newRecordingGenerator(false)
	s := NewScheduler(gen, 8, time.Hour)

	s.Schedule("e1")
	waitForCalls(t, gen, 1)

	if s.Schedule("e1") {
		t.Error("request within TTL was accepted")
	}
	if !s.Schedule("e2") {
		t.Error("unrelated event was rejected")
	}
	waitForCalls(t, gen, 2)
	s.Shutdown()
}

func TestSchedulerDropsWhenFull(t *testing.T) {
	gen := newRecordingGenerator(true)
	s := NewScheduler(gen, 1, 0)

	s.Schedule("busy")
	<-gen.started

	if !s.Schedule("e1") {
		t.Error("queue should have room for one waiting event")
	}
	if s.Schedule("e2") {
		t.Error("full queue must drop instead of blocking")
	}

	close(gen.block)
	waitForCalls(t, gen, 2)
	s.Shutdown()
}

func TestSchedulerShutdownRejectsNewWork(t *testing.T) {
	gen := newRecordingGenerator(false)
	s := NewScheduler(gen, 8, 0)
	s.Shutdown()

	if s.Schedule("e1") {
		t.Error("Schedule after Shutdown returned true")
	}
}
