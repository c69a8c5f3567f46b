package conebeam

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"conebeam/internal/archive"
)

// startProcessing runs one build: it waits for a worker slot, packs the
// files, persists the archive and records the outcome on the job.
func (m *Manager) startProcessing(jobID, orderID string, files []archive.RemoteFile) {
	defer m.finish(orderID, jobID)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("order_id", orderID).Str("job_id", jobID).Interface("panic", r).Msg("archive build panicked")
			m.failJob(jobID, orderID, errBuilderPanic)
		}
	}()

	ctx := m.processingContext()
	select {
	case m.semaphore <- struct{}{}:
	case <-ctx.Done():
		m.failJob(jobID, orderID, ErrShuttingDown)
		return
	}
	defer func() { <-m.semaphore }()

	activeBuilds.Inc()
	defer activeBuilds.Dec()

	m.jobs.SetProcessing(jobID)
	log.Info().Str("order_id", orderID).Str("job_id", jobID).Msg("archive build started")
	start := time.Now()

	m.mu.Lock()
	builder := m.buildArchive
	m.mu.Unlock()
	if builder == nil {
		m.failJob(jobID, orderID, errMissingBuilder)
		return
	}

	data, err := builder(ctx, files, func(percent int) {
		m.jobs.UpdateProgress(jobID, percent)
	})
	if err != nil {
		m.failJob(jobID, orderID, err)
		return
	}

	if err := m.cache.Persist(orderID, data); err != nil {
		m.failJob(jobID, orderID, fmt.Errorf("persist archive: %w", err))
		return
	}

	m.jobs.SetCompleted(jobID)
	m.cache.ScheduleEviction(orderID, m.cacheTTL)

	elapsed := time.Since(start)
	buildDuration.Observe(elapsed.Seconds())
	jobsTotal.WithLabelValues("completed").Inc()
	log.Info().
		Str("order_id", orderID).
		Str("job_id", jobID).
		Int("files", len(files)).
		Int("bytes", len(data)).
		Dur("elapsed", elapsed).
		Msg("archive build completed")
}

func (m *Manager) failJob(jobID, orderID string, err error) {
	m.jobs.SetError(jobID, err.Error())
	jobsTotal.WithLabelValues("error").Inc()
	log.Error().Str("order_id", orderID).Str("job_id", jobID).Err(err).Msg("archive build failed")
}

// finish releases the order so the next request may start a new build.
func (m *Manager) finish(orderID, jobID string) {
	m.mu.Lock()
	if m.inflight[orderID] == jobID {
		delete(m.inflight, orderID)
	}
	m.mu.Unlock()
}
