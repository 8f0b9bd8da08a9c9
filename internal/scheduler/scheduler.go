// Package scheduler implements the per-sink Mix Scheduler: a set of bounded
// ready queues, one per attached source, that the sink mixer drains once per
// mix tick.
package scheduler

import (
	"sync"

	"github.com/netham45/screamrouter/internal/audiotype"
	"github.com/netham45/screamrouter/internal/commons"
)

// ReadyQueueCapacity bounds each source's ready queue; overflow drops the
// oldest entry.
const ReadyQueueCapacity = 4

type readyQueue struct {
	mu       sync.Mutex
	items    []audiotype.ProcessedAudioChunk
	closed   bool
	received uint64
	popped   uint64
	dropped  uint64
}

func (q *readyQueue) push(c audiotype.ProcessedAudioChunk) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.received++
	if len(q.items) >= ReadyQueueCapacity {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, c)
}

func (q *readyQueue) popHead() (audiotype.ProcessedAudioChunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return audiotype.ProcessedAudioChunk{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	q.popped++
	return head, true
}

func (q *readyQueue) isEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

func (q *readyQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *readyQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stats reports a source's ready-queue counters.
type Stats struct {
	Received uint64
	Popped   uint64
	Dropped  uint64
}

// Harvest is the result of one collect-ready-chunks call.
type Harvest struct {
	Ready   map[string]audiotype.ProcessedAudioChunk
	Drained []string
}

// Scheduler is one sink's Mix Scheduler.
type Scheduler struct {
	log commons.Logger

	mu     sync.Mutex
	queues map[string]*readyQueue
}

// New constructs an empty Scheduler.
func New(log commons.Logger) *Scheduler {
	return &Scheduler{log: log, queues: make(map[string]*readyQueue)}
}

// AttachSource registers a source's ready queue under instanceID. Idempotent.
func (s *Scheduler) AttachSource(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[instanceID]; !ok {
		s.queues[instanceID] = &readyQueue{}
	}
}

// DetachSource marks instanceID's queue closed; it is removed from future
// harvests once it drains empty.
func (s *Scheduler) DetachSource(instanceID string) {
	s.mu.Lock()
	q, ok := s.queues[instanceID]
	s.mu.Unlock()
	if ok {
		q.close()
	}
}

// Push transfers a freshly-processed chunk into instanceID's ready queue,
// dropping the oldest entry on overflow.
func (s *Scheduler) Push(instanceID string, chunk audiotype.ProcessedAudioChunk) {
	s.mu.Lock()
	q, ok := s.queues[instanceID]
	s.mu.Unlock()
	if !ok {
		return
	}
	q.push(chunk)
}

// CollectReadyChunks atomically pops the head of every non-empty ready
// queue, and reports sources whose input has closed and whose ready queue is
// now empty as drained.
func (s *Scheduler) CollectReadyChunks() Harvest {
	s.mu.Lock()
	ids := make([]string, 0, len(s.queues))
	queues := make([]*readyQueue, 0, len(s.queues))
	for id, q := range s.queues {
		ids = append(ids, id)
		queues = append(queues, q)
	}
	s.mu.Unlock()

	h := Harvest{Ready: make(map[string]audiotype.ProcessedAudioChunk)}
	drainedIDs := make([]string, 0)
	for i, id := range ids {
		q := queues[i]
		if chunk, ok := q.popHead(); ok {
			h.Ready[id] = chunk
		}
		if q.isClosed() && q.isEmpty() {
			drainedIDs = append(drainedIDs, id)
		}
	}
	h.Drained = drainedIDs

	if len(drainedIDs) > 0 {
		s.mu.Lock()
		for _, id := range drainedIDs {
			delete(s.queues, id)
		}
		s.mu.Unlock()
	}
	return h
}

// SourceStats returns the received/popped/dropped counters for instanceID.
func (s *Scheduler) SourceStats(instanceID string) (Stats, bool) {
	s.mu.Lock()
	q, ok := s.queues[instanceID]
	s.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Received: q.received, Popped: q.popped, Dropped: q.dropped}, true
}
