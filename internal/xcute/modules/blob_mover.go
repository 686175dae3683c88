package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AymericDu/oio-sds/internal/clients/rawx"
	"github.com/AymericDu/oio-sds/internal/clients/rdir"
	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/xcute"
)

const (
	TypeRawxDecommission = "rawx-decommission"
	TaskBlobMover        = "rawx-decommission/blob-mover"

	defaultRdirFetchLimit = 1000
	defaultRdirTimeout    = 60.0
	defaultRawxTimeout    = 60.0
	defaultMinChunkSize   = 0
	defaultMaxChunkSize   = 0
)

// RawxDecommissionModule empties one rawx service: it walks the service's
// chunk directory and asks workers to move every chunk elsewhere. The job
// holds the "rawx/<id>" lock so only one decommission per service runs at a
// time, and details.chunks.size accumulates the volume moved so far.
type RawxDecommissionModule struct {
	rdirClient rdir.Client

	rawxID         string
	rdirFetchLimit int64
	rdirTimeout    float64
	rawxTimeout    float64
	minChunkSize   int64
	maxChunkSize   int64
	excludedRawx   []string

	chunksSize int64
}

func NewRawxDecommissionModule(env Env, options, details map[string]any) (xcute.Module, error) {
	if options == nil {
		options = make(map[string]any)
	}
	rawxID, err := stringOption(options, "rawx_id", "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xcute.ErrBadOptions, err)
	}
	if rawxID == "" {
		return nil, fmt.Errorf("%w: missing rawx_id", xcute.ErrBadOptions)
	}

	mod := &RawxDecommissionModule{rdirClient: env.Rdir, rawxID: rawxID}
	if mod.rdirFetchLimit, err = intOption(options, "rdir_fetch_limit", defaultRdirFetchLimit); err != nil {
		return nil, fmt.Errorf("%w: %v", xcute.ErrBadOptions, err)
	}
	if mod.rdirFetchLimit <= 0 {
		return nil, fmt.Errorf("%w: rdir_fetch_limit must be positive", xcute.ErrBadOptions)
	}
	if mod.rdirTimeout, err = floatOption(options, "rdir_timeout", defaultRdirTimeout); err != nil {
		return nil, fmt.Errorf("%w: %v", xcute.ErrBadOptions, err)
	}
	if mod.rawxTimeout, err = floatOption(options, "rawx_timeout", defaultRawxTimeout); err != nil {
		return nil, fmt.Errorf("%w: %v", xcute.ErrBadOptions, err)
	}
	if mod.minChunkSize, err = intOption(options, "min_chunk_size", defaultMinChunkSize); err != nil {
		return nil, fmt.Errorf("%w: %v", xcute.ErrBadOptions, err)
	}
	if mod.maxChunkSize, err = intOption(options, "max_chunk_size", defaultMaxChunkSize); err != nil {
		return nil, fmt.Errorf("%w: %v", xcute.ErrBadOptions, err)
	}
	excluded, err := stringOption(options, "excluded_rawx", "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xcute.ErrBadOptions, err)
	}
	for _, id := range strings.Split(excluded, ",") {
		if id = strings.TrimSpace(id); id != "" {
			mod.excludedRawx = append(mod.excludedRawx, id)
		}
	}

	options["rdir_fetch_limit"] = mod.rdirFetchLimit
	options["rdir_timeout"] = mod.rdirTimeout
	options["rawx_timeout"] = mod.rawxTimeout
	options["min_chunk_size"] = mod.minChunkSize
	options["max_chunk_size"] = mod.maxChunkSize
	options["excluded_rawx"] = excluded

	if details != nil {
		if chunks, ok := details["chunks"].(map[string]any); ok {
			size, err := intOption(chunks, "size", 0)
			if err != nil {
				return nil, fmt.Errorf("details chunks.size: %v", err)
			}
			mod.chunksSize = size
		}
	}

	return mod, nil
}

func (m *RawxDecommissionModule) Lock() string { return "rawx/" + m.rawxID }

func (m *RawxDecommissionModule) Expected() (int64, bool) { return 0, false }

func (m *RawxDecommissionModule) Tasks(lastSent string) xcute.TaskStream {
	return &decommissionStream{
		mod:    m,
		cursor: lastSent,
		kwargs: map[string]any{
			"rawx_id":        m.rawxID,
			"rawx_timeout":   m.rawxTimeout,
			"min_chunk_size": m.minChunkSize,
			"max_chunk_size": m.maxChunkSize,
			"excluded_rawx":  m.excludedRawx,
		},
	}
}

// ReduceResult accumulates moved chunk sizes; a null result means the worker
// skipped the chunk.
func (m *RawxDecommissionModule) ReduceResult(res json.RawMessage) (map[string]any, error) {
	if len(res) == 0 || string(res) == "null" {
		return nil, nil
	}
	var size int64
	if err := json.Unmarshal(res, &size); err != nil {
		return nil, fmt.Errorf("chunk size: %w", err)
	}
	if size < 0 {
		return nil, fmt.Errorf("negative chunk size %d", size)
	}
	m.chunksSize += size
	return map[string]any{"chunks": map[string]any{"size": m.chunksSize}}, nil
}

type decommissionStream struct {
	mod    *RawxDecommissionModule
	cursor string
	kwargs map[string]any

	page []rdir.Chunk
	pos  int
	done bool
}

func (s *decommissionStream) Next(ctx context.Context) (*xcute.TaskDescriptor, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if s.pos < len(s.page) {
			chunk := s.page[s.pos]
			s.pos++
			s.cursor = chunk.ChunkID
			return &xcute.TaskDescriptor{
				Task:   TaskBlobMover,
				Item:   chunk.ChunkID,
				Kwargs: s.kwargs,
			}, true, nil
		}
		if s.done {
			return nil, false, nil
		}
		if s.mod.rdirClient == nil {
			return nil, false, fmt.Errorf("rdir client not configured")
		}

		fetchCtx, cancel := context.WithTimeout(ctx, secondsToDuration(s.mod.rdirTimeout))
		page, err := s.mod.rdirClient.FetchChunks(
			fetchCtx, s.mod.rawxID, s.cursor, int(s.mod.rdirFetchLimit))
		cancel()
		if err != nil {
			return nil, false, err
		}
		if int64(len(page)) < s.mod.rdirFetchLimit {
			s.done = true
		}
		s.page, s.pos = page, 0
		if len(page) == 0 {
			return nil, false, nil
		}
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// BlobMoverTask relocates one chunk off the decommissioned service.
type BlobMoverTask struct {
	log        *logger.Logger
	rawxClient rawx.Client
}

func NewBlobMoverTask(env Env) (xcute.Task, error) {
	if env.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if env.Rawx == nil {
		return nil, fmt.Errorf("rawx client not configured")
	}
	return &BlobMoverTask{
		log:        env.Logger.With("task", TaskBlobMover),
		rawxClient: env.Rawx,
	}, nil
}

func (t *BlobMoverTask) Process(ctx context.Context, item string, kwargs map[string]any, reqid string) (any, error) {
	rawxID, err := stringOption(kwargs, "rawx_id", "")
	if err != nil || rawxID == "" {
		return nil, xcute.NewTaskError("BadRequest", "missing rawx_id")
	}
	timeout, err := floatOption(kwargs, "rawx_timeout", defaultRawxTimeout)
	if err != nil {
		return nil, xcute.NewTaskError("BadRequest", err.Error())
	}
	minSize, err := intOption(kwargs, "min_chunk_size", defaultMinChunkSize)
	if err != nil {
		return nil, xcute.NewTaskError("BadRequest", err.Error())
	}
	maxSize, err := intOption(kwargs, "max_chunk_size", defaultMaxChunkSize)
	if err != nil {
		return nil, xcute.NewTaskError("BadRequest", err.Error())
	}
	excluded, err := stringSliceOption(kwargs, "excluded_rawx")
	if err != nil {
		return nil, xcute.NewTaskError("BadRequest", err.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, secondsToDuration(timeout))
	defer cancel()

	meta, err := t.rawxClient.Head(callCtx, rawxID, item)
	if err != nil {
		if errors.Is(err, rawx.ErrNoSuchChunk) {
			return nil, xcute.NewTaskError("NotFound", err.Error())
		}
		return nil, err
	}
	if meta.Size < minSize {
		t.log.Debug("skip chunk, too small",
			"rawx_id", rawxID, "chunk_id", item, "size", meta.Size, "reqid", reqid)
		return nil, nil
	}
	if maxSize > 0 && meta.Size > maxSize {
		t.log.Debug("skip chunk, too big",
			"rawx_id", rawxID, "chunk_id", item, "size", meta.Size, "reqid", reqid)
		return nil, nil
	}

	moved, err := t.rawxClient.Move(callCtx, rawxID, item, excluded)
	if err != nil {
		if errors.Is(err, rawx.ErrNoSuchChunk) {
			return nil, xcute.NewTaskError("OrphanChunk", err.Error())
		}
		return nil, err
	}
	t.log.Info("moved chunk",
		"rawx_id", rawxID, "chunk_id", item, "to", moved.URL,
		"size", meta.Size, "reqid", reqid)
	return meta.Size, nil
}
