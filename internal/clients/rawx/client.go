package rawx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/AymericDu/oio-sds/internal/pkg/logger"
)

// ErrNoSuchChunk is returned when the addressed chunk does not exist on the
// service anymore.
var ErrNoSuchChunk = errors.New("no such chunk")

// ChunkMeta is the metadata a chunk service reports for one stored chunk.
type ChunkMeta struct {
	ContainerID string
	ContentID   string
	ChunkID     string
	Size        int64
}

// MovedChunk describes where a chunk landed after a move.
type MovedChunk struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Client talks to rawx chunk services. Chunks are addressed by the service
// id and the chunk id; the service id doubles as the network address.
type Client interface {
	Head(ctx context.Context, rawxID, chunkID string) (*ChunkMeta, error)
	Move(ctx context.Context, rawxID, chunkID string, excludedRawx []string) (*MovedChunk, error)
}

type client struct {
	log        *logger.Logger
	httpClient *http.Client
}

// NewClient builds a rawx client. Deadlines come from the caller's context.
func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &client{
		log:        log.With("service", "RawxClient"),
		httpClient: &http.Client{},
	}, nil
}

func chunkURL(rawxID, chunkID string) string {
	return "http://" + rawxID + "/" + chunkID
}

func (c *client) Head(ctx context.Context, rawxID, chunkID string) (*ChunkMeta, error) {
	if rawxID == "" || chunkID == "" {
		return nil, fmt.Errorf("missing chunk address")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, chunkURL(rawxID, chunkID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chunk head %s/%s: %w", rawxID, chunkID, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("chunk head %s/%s: %w", rawxID, chunkID, ErrNoSuchChunk)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chunk head %s/%s: http %d", rawxID, chunkID, resp.StatusCode)
	}

	meta := &ChunkMeta{
		ContainerID: resp.Header.Get("X-Oio-Chunk-Meta-Container-Id"),
		ContentID:   resp.Header.Get("X-Oio-Chunk-Meta-Content-Id"),
		ChunkID:     resp.Header.Get("X-Oio-Chunk-Meta-Chunk-Id"),
	}
	if meta.ChunkID == "" {
		meta.ChunkID = chunkID
	}
	if v := resp.Header.Get("X-Oio-Chunk-Meta-Chunk-Size"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk head %s/%s: bad size %q", rawxID, chunkID, v)
		}
		meta.Size = size
	}
	return meta, nil
}

type moveRequest struct {
	ExcludedRawx []string `json:"excluded_rawx,omitempty"`
}

func (c *client) Move(ctx context.Context, rawxID, chunkID string, excludedRawx []string) (*MovedChunk, error) {
	if rawxID == "" || chunkID == "" {
		return nil, fmt.Errorf("missing chunk address")
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(moveRequest{ExcludedRawx: excludedRawx}); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, chunkURL(rawxID, chunkID)+"/move", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chunk move %s/%s: %w", rawxID, chunkID, err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("chunk move %s/%s: %w", rawxID, chunkID, ErrNoSuchChunk)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chunk move %s/%s: http %d: %s",
			rawxID, chunkID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var moved MovedChunk
	if err := json.Unmarshal(raw, &moved); err != nil {
		return nil, fmt.Errorf("chunk move decode: %w", err)
	}
	c.log.Debug("chunk moved", "from", chunkURL(rawxID, chunkID), "to", moved.URL)
	return &moved, nil
}
