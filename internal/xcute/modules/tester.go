package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/xcute"
)

// The tester job exists to exercise the whole engine without touching any
// real service: a fixed item set, an optional injected failure rate and a
// very loud success log.

const (
	TypeTester = "tester"
	TaskTester = "tester/tester"

	testerItemCount              = 1000
	testerDefaultErrorPercentage = 0
)

var testerErrorClasses = []string{
	"BadRequest",
	"Forbidden",
	"NotFound",
	"MethodNotAllowed",
	"Conflict",
	"PreconditionFailed",
	"TooLarge",
	"UnsatisfiableRange",
	"ServiceBusy",
}

type TesterModule struct {
	lock            string
	errorPercentage int64
}

func NewTesterModule(env Env, options, details map[string]any) (xcute.Module, error) {
	if options == nil {
		options = make(map[string]any)
	}
	lock, err := stringOption(options, "lock", "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xcute.ErrBadOptions, err)
	}
	pct, err := intOption(options, "error_percentage", testerDefaultErrorPercentage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", xcute.ErrBadOptions, err)
	}
	if pct < 0 || pct > 100 {
		return nil, fmt.Errorf("%w: error_percentage must be within 0..100", xcute.ErrBadOptions)
	}
	options["error_percentage"] = pct
	return &TesterModule{lock: lock, errorPercentage: pct}, nil
}

func (m *TesterModule) Lock() string { return m.lock }

func (m *TesterModule) Expected() (int64, bool) { return testerItemCount, true }

func (m *TesterModule) Tasks(lastSent string) xcute.TaskStream {
	stream := &testerStream{mod: m}
	if lastSent != "" {
		index, err := testerIndex(lastSent)
		if err != nil {
			stream.err = fmt.Errorf("bad resume cursor %q: %v", lastSent, err)
		} else {
			stream.next = index + 1
		}
	}
	return stream
}

func (m *TesterModule) ReduceResult(res json.RawMessage) (map[string]any, error) {
	return nil, nil
}

func testerItem(index int) string {
	return "myitem-" + strconv.Itoa(index)
}

func testerIndex(item string) (int, error) {
	rest, ok := strings.CutPrefix(item, "myitem-")
	if !ok {
		return 0, fmt.Errorf("not a tester item")
	}
	index, err := strconv.Atoi(rest)
	if err != nil || index < 0 || index >= testerItemCount {
		return 0, fmt.Errorf("not a tester item")
	}
	return index, nil
}

type testerStream struct {
	mod  *TesterModule
	next int
	err  error
}

func (s *testerStream) Next(ctx context.Context) (*xcute.TaskDescriptor, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.next >= testerItemCount {
		return nil, false, nil
	}
	item := testerItem(s.next)
	s.next++
	return &xcute.TaskDescriptor{
		Task: TaskTester,
		Item: item,
		Kwargs: map[string]any{
			"lock":             s.mod.lock,
			"error_percentage": s.mod.errorPercentage,
		},
	}, true, nil
}

type TesterTask struct {
	log *logger.Logger
}

func NewTesterTask(env Env) (xcute.Task, error) {
	if env.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &TesterTask{log: env.Logger.With("task", TaskTester)}, nil
}

func (t *TesterTask) Process(ctx context.Context, item string, kwargs map[string]any, reqid string) (any, error) {
	pct, err := intOption(kwargs, "error_percentage", 0)
	if err != nil {
		return nil, xcute.NewTaskError("BadRequest", err.Error())
	}
	if pct > 0 && rand.Int63n(100) < pct {
		class := testerErrorClasses[rand.Intn(len(testerErrorClasses))]
		taskErr := xcute.NewTaskError(class, "injected failure")
		taskErr.Retriable = class == "ServiceBusy"
		return nil, taskErr
	}
	t.log.Error("It works !!!", "item", item, "kwargs", kwargs, "reqid", reqid)
	return nil, nil
}
