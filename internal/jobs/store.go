package jobs

import (
	"sync"
	"time"
)

// memoryStore keeps job records in memory, in insertion order. Run state
// that must survive a restart lives in the run directory (run_meta.json
// and the shared index), not here.
type memoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	keys []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]*Job)}
}

func (s *memoryStore) put(job *Job) {
	if job == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.keys = append(s.keys, job.ID)
	}
	clone := *job
	s.jobs[job.ID] = &clone
}

func (s *memoryStore) get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	clone := *job
	return &clone, true
}

// update applies fn to the stored record under the lock and returns the
// resulting snapshot.
func (s *memoryStore) update(id string, fn func(*Job)) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	fn(job)
	clone := *job
	return &clone, true
}

// list returns jobs in insertion order, newest last.
func (s *memoryStore) list() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.keys))
	for _, id := range s.keys {
		if job, ok := s.jobs[id]; ok {
			clone := *job
			out = append(out, &clone)
		}
	}
	return out
}

// nonTerminalFor returns the session's live job, if any.
func (s *memoryStore) nonTerminalFor(sessionID string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.keys {
		job, ok := s.jobs[id]
		if !ok || job.SessionID != sessionID {
			continue
		}
		if !job.State.Terminal() {
			clone := *job
			return &clone, true
		}
	}
	return nil, false
}

// prune drops terminal jobs that finished before the cutoff. Returns the
// number removed.
func (s *memoryStore) prune(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int
	keep := s.keys[:0]
	for _, id := range s.keys {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.State.Terminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
			continue
		}
		keep = append(keep, id)
	}
	s.keys = keep
	return pruned
}
