package conebeam

import (
	"context"
	"time"

	"conebeam/internal/archive"
)

// FileLister returns the radiological files attached to an order.
type FileLister interface {
	OrderFiles(ctx context.Context, orderID string) ([]archive.RemoteFile, error)
}

// ArchiveCache is the per-order archive storage used by the Manager.
type ArchiveCache interface {
	Lookup(orderID string) ([]byte, bool, error)
	Persist(orderID string, data []byte) error
	ScheduleEviction(orderID string, delay time.Duration)
	Sweep() (int, error)
}

// BuildFunc packs files into an archive, reporting progress in percent.
type BuildFunc func(ctx context.Context, files []archive.RemoteFile, onProgress archive.ProgressFunc) ([]byte, error)

// Response is the outcome of RequestArchive: either the archive bytes of a
// fresh cache hit, or the id of the job building it.
type Response struct {
	Archive []byte
	JobID   string
}

// Ready reports whether the response carries the archive itself.
func (r Response) Ready() bool { return r.Archive != nil }

type Options struct {
	MaxConcurrentBuilds int
	CacheTTL            time.Duration
	SweepInterval       time.Duration
}

const (
	defaultMaxConcurrent = 2
	defaultCacheTTL      = 24 * time.Hour
	defaultSweepInterval = time.Hour
)
