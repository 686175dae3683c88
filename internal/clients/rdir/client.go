package rdir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/AymericDu/oio-sds/internal/pkg/logger"
)

// Chunk is one entry of a rawx volume's reverse directory.
type Chunk struct {
	ContainerID string `json:"container_id"`
	ContentID   string `json:"content_id"`
	ChunkID     string `json:"chunk_id"`
}

// Client reads the chunk directory of rawx volumes.
type Client interface {
	// FetchChunks returns up to limit chunks registered on the volume,
	// in chunk id order, starting strictly after startAfter.
	FetchChunks(ctx context.Context, rawxID, startAfter string, limit int) ([]Chunk, error)
}

type client struct {
	log        *logger.Logger
	endpoint   string
	httpClient *http.Client
}

// NewClient builds an rdir client. Per-call deadlines come from the caller's
// context, so the underlying http.Client carries no timeout of its own.
func NewClient(endpoint string, log *logger.Logger) (Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("missing rdir endpoint")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &client{
		log:        log.With("service", "RdirClient"),
		endpoint:   endpoint,
		httpClient: &http.Client{},
	}, nil
}

type fetchRequest struct {
	StartAfter string `json:"start_after,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (c *client) FetchChunks(ctx context.Context, rawxID, startAfter string, limit int) ([]Chunk, error) {
	if rawxID == "" {
		return nil, fmt.Errorf("missing rawx id")
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(fetchRequest{StartAfter: startAfter, Limit: limit}); err != nil {
		return nil, err
	}
	u := c.endpoint + "/v1/rdir/fetch?vol=" + url.QueryEscape(rawxID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rdir fetch %s: %w", rawxID, err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rdir fetch %s: http %d: %s",
			rawxID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var chunks []Chunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return nil, fmt.Errorf("rdir decode: %w", err)
	}
	return chunks, nil
}
