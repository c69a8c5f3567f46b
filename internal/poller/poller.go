// Package poller is the client side of the archive protocol: request the
// archive, poll the job until it is terminal, then download the zip.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"conebeam/internal/job"
)

const (
	defaultInterval = time.Second
	maxErrorBody    = 512
)

var ErrNotFound = errors.New("no cone-beam files found for order")

// JobError is returned when the server reports the build as failed.
type JobError struct {
	JobID   string
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// ProgressFunc receives every job state observed while polling.
type ProgressFunc func(state job.Job)

type Options struct {
	Server     string
	Interval   time.Duration
	HTTPClient *http.Client
	OnProgress ProgressFunc
}

type Poller struct {
	server     string
	interval   time.Duration
	httpClient *http.Client
	onProgress ProgressFunc
}

func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.OnProgress == nil {
		opts.OnProgress = func(job.Job) {}
	}
	return &Poller{
		server:     strings.TrimRight(opts.Server, "/"),
		interval:   opts.Interval,
		httpClient: opts.HTTPClient,
		onProgress: opts.OnProgress,
	}
}

// Fetch returns the archive bytes for the order. A job that completes is
// followed by a fresh GET; the loop ends when a zip arrives, the job fails,
// or ctx is done.
func (p *Poller) Fetch(ctx context.Context, orderID string) ([]byte, error) {
	if orderID == "" {
		return nil, errors.New("order id is required")
	}
	for {
		data, jobID, err := p.request(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if data != nil {
			return data, nil
		}
		log.Debug().Str("order_id", orderID).Str("job_id", jobID).Msg("archive not ready, polling job")
		if err := p.waitForJob(ctx, orderID, jobID); err != nil {
			return nil, err
		}
	}
}

func (p *Poller) endpoint(orderID string) string {
	return p.server + "/orders/" + url.PathEscape(orderID) + "/conebeam"
}

// request issues the GET. It returns either the zip bytes or a job id.
func (p *Poller) request(ctx context.Context, orderID string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(orderID), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request archive: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, "", unexpectedStatus(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var handle struct {
			JobID string `json:"jobId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
			return nil, "", fmt.Errorf("decode job handle: %w", err)
		}
		if handle.JobID == "" {
			return nil, "", errors.New("server returned an empty job id")
		}
		return nil, handle.JobID, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read archive: %w", err)
	}
	return data, "", nil
}

func (p *Poller) waitForJob(ctx context.Context, orderID, jobID string) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		state, err := p.status(ctx, orderID, jobID)
		if err != nil {
			return err
		}
		p.onProgress(state)
		switch state.Status {
		case job.StatusCompleted:
			return nil
		case job.StatusError:
			return &JobError{JobID: jobID, Message: state.Error}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) status(ctx context.Context, orderID, jobID string) (job.Job, error) {
	body, err := json.Marshal(map[string]string{"jobId": jobID})
	if err != nil {
		return job.Job{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(orderID), bytes.NewReader(body))
	if err != nil {
		return job.Job{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return job.Job{}, fmt.Errorf("poll job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return job.Job{}, fmt.Errorf("job %s not found", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return job.Job{}, unexpectedStatus(resp)
	}
	var state job.Job
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return job.Job{}, fmt.Errorf("decode job status: %w", err)
	}
	return state, nil
}

func unexpectedStatus(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
