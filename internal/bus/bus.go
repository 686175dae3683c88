// Package bus wraps the beanstalkd message bus: a Sender puts jobs on one
// tube, a Listener reserves them, and Probe asks an endpoint which tubes it
// currently hosts. Payload encoding belongs to the callers.
package bus

import (
	"errors"
	"time"

	"github.com/beanstalkd/go-beanstalk"
)

const (
	// DefaultPriority sits in the middle of beanstalkd's priority range.
	DefaultPriority = 1 << 31
	// DefaultTTR bounds how long a worker may hold a reserved task before
	// the bus hands it to someone else.
	DefaultTTR = 120 * time.Second

	dialTimeout = 5 * time.Second
)

// ErrTimeout is returned by Listener.Reserve when no job arrived within the
// reserve window.
var ErrTimeout = errors.New("reserve timeout")

// ErrClosed is returned by Sender.Put after Close, which happens when worker
// discovery drops the endpoint.
var ErrClosed = errors.New("sender closed")

func dial(addr string) (*beanstalk.Conn, error) {
	return beanstalk.DialTimeout("tcp", addr, dialTimeout)
}

func isTimeout(err error) bool {
	if errors.Is(err, beanstalk.ErrTimeout) {
		return true
	}
	var connErr beanstalk.ConnError
	return errors.As(err, &connErr) && errors.Is(connErr.Err, beanstalk.ErrTimeout)
}

// Probe lists the tubes hosted by a beanstalkd endpoint over a short-lived
// connection.
func Probe(addr string) ([]string, error) {
	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.ListTubes()
}
