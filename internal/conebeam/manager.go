package conebeam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"conebeam/internal/job"
	"conebeam/internal/recordstore"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conebeam_jobs_total",
		Help: "Archive jobs by outcome (started, joined, completed, error).",
	}, []string{"status"})

	buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conebeam_build_duration_seconds",
		Help:    "Duration of archive builds from slot acquisition to completion.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	})

	activeBuilds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conebeam_active_builds",
		Help: "Archive builds currently holding a worker slot.",
	})
)

// Manager decides per request whether to serve a cached archive, join the
// build already running for the order, or start a new one in the background.
type Manager struct {
	mu           sync.Mutex
	inflight     map[string]string // order id -> job id
	jobs         *job.Tracker
	cache        ArchiveCache
	files        FileLister
	buildArchive BuildFunc
	newJobID     func(orderID string) string

	semaphore     chan struct{}
	workersWG     sync.WaitGroup
	baseCtx       context.Context
	cacheTTL      time.Duration
	sweepInterval time.Duration
}

func NewManager(jobs *job.Tracker, archiveCache ArchiveCache, files FileLister, builder BuildFunc, opts Options) *Manager {
	if opts.MaxConcurrentBuilds <= 0 {
		opts.MaxConcurrentBuilds = defaultMaxConcurrent
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	return &Manager{
		inflight:      make(map[string]string),
		jobs:          jobs,
		cache:         archiveCache,
		files:         files,
		buildArchive:  builder,
		newJobID:      newJobID,
		semaphore:     make(chan struct{}, opts.MaxConcurrentBuilds),
		baseCtx:       context.Background(),
		cacheTTL:      opts.CacheTTL,
		sweepInterval: opts.SweepInterval,
	}
}

func newJobID(orderID string) string {
	return orderID + "-" + uuid.NewString()
}

// RequestArchive returns the cached archive when fresh; otherwise it returns
// the id of a job building it, starting one unless the order already has one.
func (m *Manager) RequestArchive(ctx context.Context, orderID string) (Response, error) {
	if orderID == "" {
		return Response{}, errEmptyOrderID
	}

	data, fresh, err := m.cache.Lookup(orderID)
	if err != nil {
		return Response{}, fmt.Errorf("cache lookup: %w", err)
	}
	if fresh {
		log.Debug().Str("order_id", orderID).Int("bytes", len(data)).Msg("serving cached archive")
		return Response{Archive: data}, nil
	}

	if jobID, ok := m.inflightJob(orderID); ok {
		jobsTotal.WithLabelValues("joined").Inc()
		log.Info().Str("order_id", orderID).Str("job_id", jobID).Msg("joined in-flight archive job")
		return Response{JobID: jobID}, nil
	}

	files, err := m.files.OrderFiles(ctx, orderID)
	if err != nil {
		if errors.Is(err, recordstore.ErrOrderNotFound) {
			return Response{}, ErrOrderNotFound
		}
		return Response{}, fmt.Errorf("list order files: %w", err)
	}
	if len(files) == 0 {
		return Response{}, ErrNoFiles
	}

	m.mu.Lock()
	if jobID, ok := m.inflightJobLocked(orderID); ok {
		m.mu.Unlock()
		jobsTotal.WithLabelValues("joined").Inc()
		return Response{JobID: jobID}, nil
	}
	if m.baseCtx.Err() != nil {
		m.mu.Unlock()
		return Response{}, ErrShuttingDown
	}
	jobID := m.newJobID(orderID)
	m.jobs.Create(jobID, orderID)
	m.inflight[orderID] = jobID
	m.workersWG.Add(1)
	m.mu.Unlock()

	jobsTotal.WithLabelValues("started").Inc()
	log.Info().Str("order_id", orderID).Str("job_id", jobID).Int("files", len(files)).Msg("archive job created")

	go func() {
		defer m.workersWG.Done()
		m.startProcessing(jobID, orderID, files)
	}()

	return Response{JobID: jobID}, nil
}

// CheckStatus returns a snapshot of the job.
func (m *Manager) CheckStatus(jobID string) (job.Job, error) {
	found, ok := m.jobs.Get(jobID)
	if !ok {
		return job.Job{}, ErrJobNotFound
	}
	return found, nil
}

// IsBusy reports whether every build slot is taken.
func (m *Manager) IsBusy() bool {
	return len(m.semaphore) >= cap(m.semaphore)
}

// InFlight returns the number of orders with a running or queued build.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// SetBaseContext sets the context that bounds background builds.
// Intended to be set at process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// WaitAll blocks until all background builds finish or the context is done.
// Returns true if all builds finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// UseArchiveBuilder allows tests to inject a fake archive builder.
// Not safe for concurrent mutation with running jobs; intended for test setup only.
func (m *Manager) UseArchiveBuilder(builder BuildFunc) {
	m.mu.Lock()
	m.buildArchive = builder
	m.mu.Unlock()
}

func (m *Manager) inflightJob(orderID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflightJobLocked(orderID)
}

// inflightJobLocked returns the order's running job. A job the tracker has
// already evicted cannot be polled, so the order is released and the caller
// starts a new build. Callers hold m.mu.
func (m *Manager) inflightJobLocked(orderID string) (string, bool) {
	jobID, ok := m.inflight[orderID]
	if !ok {
		return "", false
	}
	if _, tracked := m.jobs.Get(jobID); !tracked {
		delete(m.inflight, orderID)
		log.Warn().Str("order_id", orderID).Str("job_id", jobID).Msg("in-flight job evicted from tracker, releasing order")
		return "", false
	}
	return jobID, true
}

func (m *Manager) processingContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx == nil {
		return context.Background()
	}
	return m.baseCtx
}
