package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/AymericDu/oio-sds/internal/clients/rawx"
	"github.com/AymericDu/oio-sds/internal/clients/rdir"
	"github.com/AymericDu/oio-sds/internal/xcute"
)

// fakeRdir serves a fixed run of chunk ids through the paginated fetch
// protocol, recording every call it sees.
type fakeRdir struct {
	chunks []rdir.Chunk
	calls  []fetchCall
	err    error
}

type fetchCall struct {
	rawxID     string
	startAfter string
	limit      int
}

func (f *fakeRdir) FetchChunks(ctx context.Context, rawxID, startAfter string, limit int) ([]rdir.Chunk, error) {
	f.calls = append(f.calls, fetchCall{rawxID, startAfter, limit})
	if f.err != nil {
		return nil, f.err
	}
	start := 0
	for start < len(f.chunks) && f.chunks[start].ChunkID <= startAfter {
		start++
	}
	end := start + limit
	if end > len(f.chunks) {
		end = len(f.chunks)
	}
	return f.chunks[start:end], nil
}

func rdirChunks(n int) []rdir.Chunk {
	chunks := make([]rdir.Chunk, 0, n)
	for i := 0; i < n; i++ {
		chunks = append(chunks, rdir.Chunk{
			ContainerID: "CID",
			ContentID:   "OID",
			ChunkID:     fmt.Sprintf("chunk-%04d", i),
		})
	}
	return chunks
}

func TestNewRawxDecommissionModuleNormalizesOptions(t *testing.T) {
	options := map[string]any{"rawx_id": "127.0.0.1:6201", "excluded_rawx": " a , b ,"}
	env := testEnv()
	env.Rdir = &fakeRdir{}
	mod, err := NewRawxDecommissionModule(env, options, nil)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	if mod.Lock() != "rawx/127.0.0.1:6201" {
		t.Fatalf("lock: want=%q got=%q", "rawx/127.0.0.1:6201", mod.Lock())
	}
	if _, ok := mod.Expected(); ok {
		t.Fatalf("expected count must be unknown")
	}
	want := map[string]any{
		"rawx_id":          "127.0.0.1:6201",
		"rdir_fetch_limit": int64(defaultRdirFetchLimit),
		"rdir_timeout":     defaultRdirTimeout,
		"rawx_timeout":     defaultRawxTimeout,
		"min_chunk_size":   int64(0),
		"max_chunk_size":   int64(0),
		"excluded_rawx":    " a , b ,",
	}
	if !reflect.DeepEqual(options, want) {
		t.Fatalf("normalized options:\nwant=%v\ngot=%v", want, options)
	}
	raw := mod.(*RawxDecommissionModule)
	if !reflect.DeepEqual(raw.excludedRawx, []string{"a", "b"}) {
		t.Fatalf("excluded rawx: want=[a b] got=%v", raw.excludedRawx)
	}
}

func TestNewRawxDecommissionModuleRejectsBadOptions(t *testing.T) {
	for _, options := range []map[string]any{
		nil,
		{},
		{"rawx_id": ""},
		{"rawx_id": 42},
		{"rawx_id": "x", "rdir_fetch_limit": int64(0)},
		{"rawx_id": "x", "rdir_fetch_limit": "many"},
		{"rawx_id": "x", "rdir_timeout": "slow"},
	} {
		if _, err := NewRawxDecommissionModule(testEnv(), options, nil); !errors.Is(err, xcute.ErrBadOptions) {
			t.Fatalf("options %v: want ErrBadOptions got %v", options, err)
		}
	}
}

func TestNewRawxDecommissionModuleRehydratesDetails(t *testing.T) {
	details := map[string]any{"chunks": map[string]any{"size": int64(4096)}}
	mod, err := NewRawxDecommissionModule(testEnv(), map[string]any{"rawx_id": "x"}, details)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	delta, err := mod.ReduceResult(json.RawMessage(`100`))
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	want := map[string]any{"chunks": map[string]any{"size": int64(4196)}}
	if !reflect.DeepEqual(delta, want) {
		t.Fatalf("reduce after rehydrate: want=%v got=%v", want, delta)
	}
}

func TestDecommissionStreamPaginates(t *testing.T) {
	fake := &fakeRdir{chunks: rdirChunks(25)}
	env := testEnv()
	env.Rdir = fake
	mod, err := NewRawxDecommissionModule(env,
		map[string]any{"rawx_id": "127.0.0.1:6201", "rdir_fetch_limit": int64(10)}, nil)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	items := drainStream(t, mod.Tasks(""))
	if len(items) != 25 {
		t.Fatalf("item count: want=25 got=%d", len(items))
	}
	if items[0] != "chunk-0000" || items[24] != "chunk-0024" {
		t.Fatalf("item bounds: first=%q last=%q", items[0], items[24])
	}
	wantCalls := []fetchCall{
		{"127.0.0.1:6201", "", 10},
		{"127.0.0.1:6201", "chunk-0009", 10},
		{"127.0.0.1:6201", "chunk-0019", 10},
	}
	if !reflect.DeepEqual(fake.calls, wantCalls) {
		t.Fatalf("fetch calls:\nwant=%v\ngot=%v", wantCalls, fake.calls)
	}
}

func TestDecommissionStreamResumesAfterCursor(t *testing.T) {
	fake := &fakeRdir{chunks: rdirChunks(8)}
	env := testEnv()
	env.Rdir = fake
	mod, err := NewRawxDecommissionModule(env,
		map[string]any{"rawx_id": "x", "rdir_fetch_limit": int64(100)}, nil)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	items := drainStream(t, mod.Tasks("chunk-0004"))
	want := []string{"chunk-0005", "chunk-0006", "chunk-0007"}
	if !reflect.DeepEqual(items, want) {
		t.Fatalf("resumed items: want=%v got=%v", want, items)
	}
	if fake.calls[0].startAfter != "chunk-0004" {
		t.Fatalf("first fetch cursor: want=%q got=%q", "chunk-0004", fake.calls[0].startAfter)
	}
}

func TestDecommissionStreamPropagatesFetchError(t *testing.T) {
	env := testEnv()
	env.Rdir = &fakeRdir{err: fmt.Errorf("rdir down")}
	mod, err := NewRawxDecommissionModule(env, map[string]any{"rawx_id": "x"}, nil)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	if _, _, err := mod.Tasks("").Next(context.Background()); err == nil {
		t.Fatalf("want fetch error")
	}
}

func TestRawxDecommissionReduceResult(t *testing.T) {
	mod, err := NewRawxDecommissionModule(testEnv(), map[string]any{"rawx_id": "x"}, nil)
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	delta, err := mod.ReduceResult(json.RawMessage(`null`))
	if err != nil || delta != nil {
		t.Fatalf("null result: want=(nil,nil) got=(%v,%v)", delta, err)
	}
	delta, err = mod.ReduceResult(json.RawMessage(`100`))
	if err != nil {
		t.Fatalf("reduce 100: %v", err)
	}
	delta, err = mod.ReduceResult(json.RawMessage(`50`))
	if err != nil {
		t.Fatalf("reduce 50: %v", err)
	}
	want := map[string]any{"chunks": map[string]any{"size": int64(150)}}
	if !reflect.DeepEqual(delta, want) {
		t.Fatalf("accumulated delta: want=%v got=%v", want, delta)
	}
	if _, err := mod.ReduceResult(json.RawMessage(`"big"`)); err == nil {
		t.Fatalf("non-numeric result: want error")
	}
	if _, err := mod.ReduceResult(json.RawMessage(`-1`)); err == nil {
		t.Fatalf("negative result: want error")
	}
}

// fakeRawx scripts Head and Move responses per chunk id.
type fakeRawx struct {
	sizes    map[string]int64
	moveErr  error
	headErr  error
	moved    []string
	excluded [][]string
}

func (f *fakeRawx) Head(ctx context.Context, rawxID, chunkID string) (*rawx.ChunkMeta, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	size, ok := f.sizes[chunkID]
	if !ok {
		return nil, fmt.Errorf("chunk head %s/%s: %w", rawxID, chunkID, rawx.ErrNoSuchChunk)
	}
	return &rawx.ChunkMeta{ChunkID: chunkID, Size: size}, nil
}

func (f *fakeRawx) Move(ctx context.Context, rawxID, chunkID string, excludedRawx []string) (*rawx.MovedChunk, error) {
	if f.moveErr != nil {
		return nil, f.moveErr
	}
	f.moved = append(f.moved, chunkID)
	f.excluded = append(f.excluded, excludedRawx)
	return &rawx.MovedChunk{
		URL:  "http://elsewhere/" + chunkID,
		Size: f.sizes[chunkID],
	}, nil
}

func blobMoverKwargs(minSize, maxSize int64) map[string]any {
	return map[string]any{
		"rawx_id":        "127.0.0.1:6201",
		"rawx_timeout":   10.0,
		"min_chunk_size": minSize,
		"max_chunk_size": maxSize,
		"excluded_rawx":  []string{"127.0.0.1:6202"},
	}
}

func TestBlobMoverTaskMovesChunk(t *testing.T) {
	fake := &fakeRawx{sizes: map[string]int64{"chunk-0001": 2048}}
	env := testEnv()
	env.Rawx = fake
	task, err := NewBlobMoverTask(env)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	res, err := task.Process(context.Background(), "chunk-0001", blobMoverKwargs(0, 0), "reqid")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res != int64(2048) {
		t.Fatalf("result: want=2048 got=%v", res)
	}
	if len(fake.moved) != 1 || fake.moved[0] != "chunk-0001" {
		t.Fatalf("moved chunks: %v", fake.moved)
	}
	if !reflect.DeepEqual(fake.excluded[0], []string{"127.0.0.1:6202"}) {
		t.Fatalf("excluded rawx not forwarded: %v", fake.excluded[0])
	}
}

func TestBlobMoverTaskSkipsOutOfBounds(t *testing.T) {
	fake := &fakeRawx{sizes: map[string]int64{"small": 10, "big": 1 << 30}}
	env := testEnv()
	env.Rawx = fake
	task, err := NewBlobMoverTask(env)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	res, err := task.Process(context.Background(), "small", blobMoverKwargs(100, 0), "reqid")
	if err != nil || res != nil {
		t.Fatalf("small chunk: want skip got res=%v err=%v", res, err)
	}
	res, err = task.Process(context.Background(), "big", blobMoverKwargs(0, 1024), "reqid")
	if err != nil || res != nil {
		t.Fatalf("big chunk: want skip got res=%v err=%v", res, err)
	}
	if len(fake.moved) != 0 {
		t.Fatalf("skipped chunks were moved: %v", fake.moved)
	}
}

func TestBlobMoverTaskErrorClasses(t *testing.T) {
	fake := &fakeRawx{sizes: map[string]int64{}}
	env := testEnv()
	env.Rawx = fake
	task, err := NewBlobMoverTask(env)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	_, err = task.Process(context.Background(), "ghost", blobMoverKwargs(0, 0), "reqid")
	var taskErr *xcute.TaskError
	if !errors.As(err, &taskErr) || taskErr.Class != "NotFound" {
		t.Fatalf("missing chunk: want NotFound got %v", err)
	}

	fake.sizes["chunk-0001"] = 100
	fake.moveErr = fmt.Errorf("chunk move x/chunk-0001: %w", rawx.ErrNoSuchChunk)
	_, err = task.Process(context.Background(), "chunk-0001", blobMoverKwargs(0, 0), "reqid")
	if !errors.As(err, &taskErr) || taskErr.Class != "OrphanChunk" {
		t.Fatalf("vanished chunk: want OrphanChunk got %v", err)
	}

	_, err = task.Process(context.Background(), "chunk-0001",
		map[string]any{"rawx_id": ""}, "reqid")
	if !errors.As(err, &taskErr) || taskErr.Class != "BadRequest" {
		t.Fatalf("missing rawx_id: want BadRequest got %v", err)
	}
}
