package bus

import (
	"fmt"
	"sync"

	"github.com/beanstalkd/go-beanstalk"

	"github.com/AymericDu/oio-sds/internal/pkg/logger"
)

// Sender puts jobs on one tube. Safe for concurrent use: dispatchers for
// different jobs share one sender per endpoint.
type Sender struct {
	log  *logger.Logger
	addr string
	tube string

	mu       sync.Mutex
	closed   bool
	conn     *beanstalk.Conn
	connTube *beanstalk.Tube
}

func NewSender(addr, tube string, log *logger.Logger) (*Sender, error) {
	if addr == "" || tube == "" {
		return nil, fmt.Errorf("missing beanstalkd address or tube")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	s := &Sender{
		log:  log.With("component", "bus.Sender", "addr", addr, "tube", tube),
		addr: addr,
		tube: tube,
	}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sender) Addr() string { return s.addr }
func (s *Sender) Tube() string { return s.tube }

func (s *Sender) connect() error {
	conn, err := dial(s.addr)
	if err != nil {
		return fmt.Errorf("dial beanstalkd %s: %w", s.addr, err)
	}
	s.conn = conn
	s.connTube = &beanstalk.Tube{Conn: conn, Name: s.tube}
	return nil
}

// Put enqueues one job. A connection error triggers a single re-dial and
// retry before giving up, so a bounced beanstalkd does not cost a dispatch
// round.
func (s *Sender) Put(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.conn == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}
	if _, err := s.put(data); err != nil {
		s.log.Debug("put failed, re-dialing", "error", err)
		s.drop()
		if err := s.connect(); err != nil {
			return err
		}
		if _, err := s.put(data); err != nil {
			s.drop()
			return err
		}
	}
	return nil
}

func (s *Sender) put(data []byte) (uint64, error) {
	return s.connTube.Put(data, DefaultPriority, 0, DefaultTTR)
}

func (s *Sender) drop() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.connTube = nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.connTube = nil
	return err
}
