package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// asyncStatus is one of the lifecycle states of a §4.9 step 8 async job.
type asyncStatus string

const (
	asyncAccepted asyncStatus = "accepted"
	asyncRunning  asyncStatus = "running"
	asyncDone     asyncStatus = "completed"
	asyncFailed   asyncStatus = "failed"
)

// asyncJob is the in-memory record backing GET /v1/chat/completions/async/{id}
// polling; the running job is tracked in C4 under the job's id so it
// shows up in /admin/observability/active-requests while running.
type asyncJob struct {
	ID        string
	Status    asyncStatus
	CreatedAt time.Time
	Response  ChatResponse
	Err       string
}

// asyncStore is an in-memory registry of async jobs; jobs are never
// removed, so it grows with every async request. It is separate
// from C4's request tracker (which is transport-agnostic lifecycle state);
// this store exists purely to hand a polling client its eventual result.
type asyncStore struct {
	mu   sync.Mutex
	jobs map[string]*asyncJob
}

func newAsyncStore() *asyncStore {
	return &asyncStore{jobs: make(map[string]*asyncJob)}
}

func (s *asyncStore) create() *asyncJob {
	job := &asyncJob{ID: uuid.NewString(), Status: asyncAccepted, CreatedAt: time.Now()}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job
}

func (s *asyncStore) setRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = asyncRunning
	}
}

func (s *asyncStore) complete(id string, resp ChatResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = asyncDone
		j.Response = resp
	}
}

func (s *asyncStore) fail(id string, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = asyncFailed
		j.Err = errMsg
	}
}

func (s *asyncStore) get(id string) (*asyncJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}
