package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
)

// ErrNoFiles is returned when Build is called without any files.
var ErrNoFiles = errors.New("no files provided")

// RemoteFile identifies one file of an order's radiological image set.
// The fetch location is {BaseURL}/{ID}/{Filename}.
type RemoteFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	BaseURL  string `json:"base_url"`
}

// Fetcher downloads the raw bytes of a remote file.
type Fetcher interface {
	Fetch(ctx context.Context, file RemoteFile) ([]byte, error)
}

// ProgressFunc receives the integer percentage of files completed.
type ProgressFunc func(percent int)

// Builder packs remote files into a single zip archive held in memory.
type Builder struct {
	fetcher Fetcher
	now     func() time.Time
}

func NewBuilder(fetcher Fetcher) *Builder {
	return &Builder{fetcher: fetcher, now: time.Now}
}

type entry struct {
	name     string
	data     []byte
	modified time.Time
}

// Build fetches files sequentially in input order and returns the zip bytes.
// Any fetch failure aborts the whole build; no partial archive is returned.
// Files sharing a name collapse into one entry holding the last fetched content.
func (b *Builder) Build(ctx context.Context, files []RemoteFile, onProgress ProgressFunc) ([]byte, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if onProgress == nil {
		onProgress = func(int) {}
	}

	entries := make([]entry, 0, len(files))
	positions := make(map[string]int, len(files))
	for i, remoteFile := range files {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("build cancelled: %w", err)
		}
		data, err := b.fetcher.Fetch(ctx, remoteFile)
		if err != nil {
			log.Warn().Str("file_id", remoteFile.ID).Str("file", remoteFile.Filename).Err(err).Msg("fetch failed, aborting archive")
			return nil, fmt.Errorf("fetch %s: %w", remoteFile.Filename, err)
		}

		name := entryName(remoteFile.Filename, i)
		current := entry{name: name, data: data, modified: b.now()}
		if pos, seen := positions[name]; seen {
			entries[pos] = current
		} else {
			positions[name] = len(entries)
			entries = append(entries, current)
		}

		percent := progressPercent(i+1, len(files))
		log.Debug().Str("file", name).Int("bytes", len(data)).Int("progress", percent).Msg("file added to archive")
		onProgress(percent)
	}

	return writeZip(entries)
}

func writeZip(entries []entry) ([]byte, error) {
	var buf bytes.Buffer
	zipWriter := zip.NewWriter(&buf)
	for _, e := range entries {
		header := &zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: e.modified,
		}
		zipEntryWriter, err := zipWriter.CreateHeader(header)
		if err != nil {
			_ = zipWriter.Close()
			return nil, fmt.Errorf("zip entry create %s: %w", e.name, err)
		}
		if _, err := zipEntryWriter.Write(e.data); err != nil {
			_ = zipWriter.Close()
			return nil, fmt.Errorf("zip entry write %s: %w", e.name, err)
		}
	}
	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func progressPercent(done, total int) int {
	return int(math.Round(float64(done) * 100 / float64(total)))
}

// entryName keeps only the base name so entries cannot escape the archive
// root, falling back to index-based naming.
func entryName(filename string, index int) string {
	trimmed := strings.TrimSpace(strings.ReplaceAll(filename, "\\", "/"))
	if trimmed == "" {
		return fmt.Sprintf("file-%d", index+1)
	}
	base := path.Base(trimmed)
	if base == "/" || base == "." || base == ".." || base == "" {
		return fmt.Sprintf("file-%d", index+1)
	}
	return base
}
