package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	fileutil "conebeam/internal/file"
)

const (
	archiveDirName = "conebeam"
	archiveSuffix  = ".zip"
)

var errEmptyOrderID = errors.New("empty order id")

var (
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conebeam_cache_lookups_total",
		Help: "Cache lookups by result (hit, miss, stale).",
	}, []string{"result"})

	cacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conebeam_cache_evictions_total",
		Help: "Archives deleted from the cache by trigger (lookup, timer, sweep).",
	}, []string{"trigger"})
)

// Entry describes a fresh cached archive on disk.
type Entry struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Store keeps at most one archive per order under {dataDir}/conebeam.
// Freshness is decided only by the file modification time and the TTL.
type Store struct {
	dir string
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewStore(dataDir string, ttl time.Duration) *Store {
	return &Store{
		dir:    filepath.Join(dataDir, archiveDirName),
		ttl:    ttl,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

// SetClock replaces the time source used for age computation.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Dir returns the directory holding cached archives.
func (s *Store) Dir() string { return s.dir }

// TTL returns the freshness window.
func (s *Store) TTL() time.Duration { return s.ttl }

// Path returns the deterministic archive path for an order.
func (s *Store) Path(orderID string) string {
	return filepath.Join(s.dir, sanitize(orderID)+archiveSuffix)
}

// Lookup returns the archive bytes when a fresh archive exists for the order.
// A stale archive is deleted and reported as not found.
func (s *Store) Lookup(orderID string) ([]byte, bool, error) {
	entry, ok, err := s.Open(orderID)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cached archive: %w", err)
	}
	return data, true, nil
}

// Open reports the fresh archive on disk without reading it. Stale archives
// are deleted exactly as in Lookup.
func (s *Store) Open(orderID string) (Entry, bool, error) {
	if orderID == "" {
		return Entry{}, false, errEmptyOrderID
	}
	archivePath := s.Path(orderID)
	info, err := os.Stat(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			cacheLookupsTotal.WithLabelValues("miss").Inc()
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("stat cached archive: %w", err)
	}
	if s.isStale(info.ModTime()) {
		cacheLookupsTotal.WithLabelValues("stale").Inc()
		if err := fileutil.RemoveIfExists(archivePath); err != nil {
			return Entry{}, false, fmt.Errorf("evict stale archive: %w", err)
		}
		cacheEvictionsTotal.WithLabelValues("lookup").Inc()
		log.Info().Str("order_id", orderID).Time("modified", info.ModTime()).Msg("stale archive evicted")
		return Entry{}, false, nil
	}
	cacheLookupsTotal.WithLabelValues("hit").Inc()
	return Entry{Path: archivePath, ModTime: info.ModTime(), Size: info.Size()}, true, nil
}

// Persist replaces the order's archive atomically, creating the directory on first use.
func (s *Store) Persist(orderID string, data []byte) error {
	if orderID == "" {
		return errEmptyOrderID
	}
	if err := fileutil.EnsureDir(s.dir); err != nil {
		return fmt.Errorf("ensure cache dir: %w", err)
	}
	if err := fileutil.WriteAtomic(s.Path(orderID), data); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

// ScheduleEviction deletes the order's archive once delay has elapsed,
// provided it is stale at that moment. An archive rebuilt in the meantime is
// fresh and therefore kept. A later call for the same order replaces the timer.
func (s *Store) ScheduleEviction(orderID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.timers[orderID]; ok {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[orderID] == timer {
			delete(s.timers, orderID)
		}
		s.mu.Unlock()
		s.evictIfStale(orderID, "timer")
	})
	s.timers[orderID] = timer
}

// Sweep deletes every stale archive and leftover temp file in the cache directory.
func (s *Store) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cache dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !fileutil.IsTemp(name) && !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !s.isStale(info.ModTime()) {
			continue
		}
		if err := fileutil.RemoveIfExists(filepath.Join(s.dir, name)); err != nil {
			log.Warn().Str("file", name).Err(err).Msg("sweep delete failed")
			continue
		}
		cacheEvictionsTotal.WithLabelValues("sweep").Inc()
		removed++
	}
	return removed, nil
}

// Stop cancels all pending eviction timers.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for orderID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, orderID)
	}
}

// evictIfStale is best-effort: failures are logged, never returned.
func (s *Store) evictIfStale(orderID, trigger string) {
	archivePath := s.Path(orderID)
	info, err := os.Stat(archivePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Str("order_id", orderID).Err(err).Msg("scheduled eviction stat failed")
		}
		return
	}
	if !s.isStale(info.ModTime()) {
		log.Debug().Str("order_id", orderID).Msg("archive rebuilt since scheduling, eviction skipped")
		return
	}
	if err := fileutil.RemoveIfExists(archivePath); err != nil {
		log.Warn().Str("order_id", orderID).Err(err).Msg("scheduled eviction failed")
		return
	}
	cacheEvictionsTotal.WithLabelValues(trigger).Inc()
	log.Info().Str("order_id", orderID).Str("trigger", trigger).Msg("archive evicted")
}

func (s *Store) isStale(modTime time.Time) bool {
	return s.now().Sub(modTime) >= s.ttl
}

// sanitize maps an order id onto a safe file name. Letters, digits and '-'
// are kept; every other byte, '_' included, becomes "_XX" in hex, so distinct
// ids never share a file.
func sanitize(orderID string) string {
	var b strings.Builder
	b.Grow(len(orderID))
	for i := 0; i < len(orderID); i++ {
		c := orderID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02X", c)
		}
	}
	return b.String()
}
