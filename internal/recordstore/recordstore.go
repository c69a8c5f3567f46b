package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conebeam/internal/archive"
)

// ErrOrderNotFound is returned when the record store has no such order.
var ErrOrderNotFound = errors.New("order not found")

const defaultTimeout = 15 * time.Second

// Options configures the record store client.
type Options struct {
	URL              string
	Token            string
	OrdersCollection string
	FilesRelation    string
	Timeout          time.Duration
}

// Client reads orders and their expanded radiological file records.
type Client struct {
	httpClient       *http.Client
	baseURL          string
	token            string
	ordersCollection string
	filesRelation    string
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		httpClient:       &http.Client{Timeout: opts.Timeout},
		baseURL:          strings.TrimRight(opts.URL, "/"),
		token:            opts.Token,
		ordersCollection: opts.OrdersCollection,
		filesRelation:    opts.FilesRelation,
	}
}

type fileRecord struct {
	ID           string `json:"id"`
	CollectionID string `json:"collectionId"`
	Filename     string `json:"filename"`
	File         string `json:"file"`
}

type orderRecord struct {
	ID     string                     `json:"id"`
	Expand map[string]json.RawMessage `json:"expand"`
}

// OrderFiles returns the order's radiological files in record order.
// An order without related files yields an empty slice and no error.
func (c *Client) OrderFiles(ctx context.Context, orderID string) ([]archive.RemoteFile, error) {
	endpoint := fmt.Sprintf("%s/api/collections/%s/records/%s?expand=%s",
		c.baseURL,
		url.PathEscape(c.ordersCollection),
		url.PathEscape(orderID),
		url.QueryEscape(c.filesRelation),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // URL from configuration
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("get order %s: http %d: %s", orderID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var order orderRecord
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	records, err := decodeRelation(order.Expand[c.filesRelation])
	if err != nil {
		return nil, fmt.Errorf("decode %s of order %s: %w", c.filesRelation, orderID, err)
	}

	files := make([]archive.RemoteFile, 0, len(records))
	for _, rec := range records {
		name := rec.Filename
		if name == "" {
			name = rec.File
		}
		if rec.ID == "" || name == "" {
			continue
		}
		files = append(files, archive.RemoteFile{
			ID:       rec.ID,
			Filename: name,
			BaseURL:  c.fileBaseURL(rec.CollectionID),
		})
	}
	return files, nil
}

func (c *Client) fileBaseURL(collectionID string) string {
	if collectionID == "" {
		return ""
	}
	return c.baseURL + "/api/files/" + url.PathEscape(collectionID)
}

// decodeRelation accepts both multi-relations (array) and single relations (object).
func decodeRelation(raw json.RawMessage) ([]fileRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var many []fileRecord
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, err //nolint:wrapcheck
		}
		return many, nil
	}
	var one fileRecord
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err //nolint:wrapcheck
	}
	return []fileRecord{one}, nil
}
