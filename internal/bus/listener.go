package bus

import (
	"fmt"
	"time"

	"github.com/beanstalkd/go-beanstalk"

	"github.com/AymericDu/oio-sds/internal/pkg/logger"
)

// Listener reserves jobs from one tube. It is not safe for concurrent use;
// run one Listener per consuming goroutine.
type Listener struct {
	log  *logger.Logger
	addr string
	tube string

	conn    *beanstalk.Conn
	tubeSet *beanstalk.TubeSet
}

func NewListener(addr, tube string, log *logger.Logger) (*Listener, error) {
	if addr == "" || tube == "" {
		return nil, fmt.Errorf("missing beanstalkd address or tube")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	l := &Listener{
		log:  log.With("component", "bus.Listener", "addr", addr, "tube", tube),
		addr: addr,
		tube: tube,
	}
	if err := l.connect(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) Addr() string { return l.addr }
func (l *Listener) Tube() string { return l.tube }

func (l *Listener) connect() error {
	conn, err := dial(l.addr)
	if err != nil {
		return fmt.Errorf("dial beanstalkd %s: %w", l.addr, err)
	}
	l.conn = conn
	l.tubeSet = beanstalk.NewTubeSet(conn, l.tube)
	return nil
}

// Reserve waits up to timeout for one job. ErrTimeout means an empty tube;
// any other error drops the connection so the next call re-dials.
func (l *Listener) Reserve(timeout time.Duration) (uint64, []byte, error) {
	if l.conn == nil {
		if err := l.connect(); err != nil {
			return 0, nil, err
		}
	}
	id, body, err := l.tubeSet.Reserve(timeout)
	if err != nil {
		if isTimeout(err) {
			return 0, nil, ErrTimeout
		}
		l.log.Warn("reserve failed, dropping connection", "error", err)
		l.drop()
		return 0, nil, err
	}
	return id, body, nil
}

// Delete acknowledges a fully handled job.
func (l *Listener) Delete(id uint64) error {
	if l.conn == nil {
		return fmt.Errorf("listener not connected")
	}
	return l.conn.Delete(id)
}

// Bury parks a job out of the ready queue for an operator to inspect.
func (l *Listener) Bury(id uint64) error {
	if l.conn == nil {
		return fmt.Errorf("listener not connected")
	}
	return l.conn.Bury(id, DefaultPriority)
}

func (l *Listener) drop() {
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn = nil
	l.tubeSet = nil
}

func (l *Listener) Close() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	l.tubeSet = nil
	return err
}
