package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conebeam/internal/archive"
)

const defaultTimeout = 60 * time.Second

// StatusError reports a non-2xx response from the blob store.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("blob fetch %s: http %d", e.URL, e.StatusCode)
}

// Options configures the blob client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client fetches files from the blob store over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
	}
}

// URL builds {baseUrl}/{id}/{filename}. The client base URL is used when the
// file does not carry its own.
func (c *Client) URL(file archive.RemoteFile) string {
	base := strings.TrimRight(file.BaseURL, "/")
	if base == "" {
		base = c.baseURL
	}
	return base + "/" + url.PathEscape(file.ID) + "/" + url.PathEscape(file.Filename)
}

// Fetch downloads the whole file into memory.
func (c *Client) Fetch(ctx context.Context, file archive.RemoteFile) ([]byte, error) {
	fileURL := c.URL(file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req) //nolint:gosec // URL built from record store data
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", fileURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: fileURL, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", fileURL, err)
	}
	return data, nil
}
