package job

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Tracker is the process-wide registry of jobs. Entries are bounded in
// number and expire after a TTL, so finished jobs do not accumulate.
type Tracker struct {
	mu   sync.Mutex
	jobs *expirable.LRU[string, *Job]
	now  func() time.Time
}

func NewTracker(maxJobs int, ttl time.Duration) *Tracker {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Tracker{
		jobs: expirable.NewLRU[string, *Job](maxJobs, nil, ttl),
		now:  time.Now,
	}
}

// Create inserts a pending job, silently replacing any job with the same id.
func (t *Tracker) Create(jobID, orderID string) Job {
	now := t.now()
	created := &Job{
		ID:        jobID,
		OrderID:   orderID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.mu.Lock()
	t.jobs.Add(jobID, created)
	t.mu.Unlock()
	return *created
}

// Get returns a snapshot of the job.
func (t *Tracker) Get(jobID string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	found, ok := t.jobs.Get(jobID)
	if !ok {
		return Job{}, false
	}
	return *found, true
}

// SetProcessing moves a pending job to processing.
func (t *Tracker) SetProcessing(jobID string) bool {
	return t.update(jobID, func(j *Job) bool {
		if j.Status != StatusPending {
			return false
		}
		j.Status = StatusProcessing
		return true
	})
}

// UpdateProgress records build progress. Values never decrease and stay
// below 100 until the job is completed.
func (t *Tracker) UpdateProgress(jobID string, percent int) bool {
	return t.update(jobID, func(j *Job) bool {
		if j.Status != StatusProcessing {
			return false
		}
		if percent > maxProcessingProgress {
			percent = maxProcessingProgress
		}
		if percent <= j.Progress {
			return false
		}
		j.Progress = percent
		return true
	})
}

// SetCompleted marks the job completed with 100% progress.
func (t *Tracker) SetCompleted(jobID string) bool {
	return t.update(jobID, func(j *Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = StatusCompleted
		j.Progress = completedProgress
		j.Error = ""
		return true
	})
}

// SetError marks the job failed with a human-readable message.
func (t *Tracker) SetError(jobID, message string) bool {
	return t.update(jobID, func(j *Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = StatusError
		j.Error = message
		return true
	})
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobs.Len()
}

// update applies fn under the lock; unknown ids are a no-op.
func (t *Tracker) update(jobID string, fn func(*Job) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.jobs.Peek(jobID)
	if !ok {
		return false
	}
	if !fn(current) {
		return false
	}
	current.UpdatedAt = t.now()
	return true
}
