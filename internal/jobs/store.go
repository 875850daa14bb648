package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store keeps job state in memory and fans updates out to subscribers. It is
// safe for concurrent use. Data is lost on restart.
type Store struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*record
}

type record struct {
	job    Job
	cancel context.CancelFunc
	subs   map[chan Job]struct{}
}

func NewStore() *Store {
	return &Store{jobs: make(map[uuid.UUID]*record)}
}

// Save inserts a new job.
func (s *Store) Save(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &record{job: job, subs: make(map[chan Job]struct{})}
}

// Get returns a copy of the job.
func (s *Store) Get(id uuid.UUID) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return r.job, nil
}

// List returns the user's jobs, newest first.
func (s *Store) List(userID uuid.UUID) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Job
	for _, r := range s.jobs {
		if r.job.UserID == userID {
			out = append(out, r.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Update applies fn to the job and notifies subscribers. Terminal jobs are
// not updated again.
func (s *Store) Update(id uuid.UUID, fn func(*Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if r.job.Status.Terminal() {
		return r.job, ErrFinished
	}

	fn(&r.job)
	r.job.Fraction = r.job.Progress.Fraction()
	if r.job.Status.Terminal() {
		r.job.Fraction = 1
		r.cancel = nil
	}
	s.publish(r)
	return r.job, nil
}

// publish sends the latest state to every subscriber. Subscribers only care
// about the newest state, so a stale undelivered value is replaced. Channels
// are closed once the job is terminal. Caller holds mu.
func (s *Store) publish(r *record) {
	for ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- r.job
		if r.job.Status.Terminal() {
			close(ch)
			delete(r.subs, ch)
		}
	}
}

// Subscribe streams job updates, starting with the current state. The
// channel is closed after the terminal state is delivered; call the returned
// func to stop early.
func (s *Store) Subscribe(id uuid.UUID) (<-chan Job, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}

	ch := make(chan Job, 1)
	ch <- r.job
	if r.job.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	r.subs[ch] = struct{}{}

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// start moves a pending job to running and registers its cancel func. It
// reports false when the job was cancelled while queued.
func (s *Store) start(id uuid.UUID, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobs[id]
	if !ok || r.job.Status != StatusPending {
		return false
	}
	now := time.Now().UTC()
	r.job.Status = StatusRunning
	r.job.StartedAt = &now
	r.cancel = cancel
	s.publish(r)
	return true
}

// requestCancel cancels a running job or finishes a pending one.
func (s *Store) requestCancel(id uuid.UUID) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}

	switch r.job.Status {
	case StatusPending:
		now := time.Now().UTC()
		r.job.Status = StatusCancelled
		r.job.Error = ErrCancelled.Error()
		r.job.CompletedAt = &now
		s.publish(r)
	case StatusRunning:
		if r.cancel != nil {
			r.cancel()
		}
	default:
		return r.job, ErrFinished
	}
	return r.job, nil
}

// Cleanup drops terminal jobs that completed before cutoff and returns how
// many were removed.
func (s *Store) Cleanup(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.jobs {
		if !r.job.Status.Terminal() || r.job.CompletedAt == nil {
			continue
		}
		if r.job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func (s *Store) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Len returns the number of jobs held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
