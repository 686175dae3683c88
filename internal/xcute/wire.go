package xcute

import (
	"encoding/json"
	"fmt"
)

// TaskMessage is the payload the orchestrator puts on a worker tube. Task
// carries a registry tag rather than serialized code, so workers only run
// task implementations they ship themselves.
type TaskMessage struct {
	JobID   string         `json:"job_id"`
	Task    string         `json:"task"`
	Item    string         `json:"item"`
	Kwargs  map[string]any `json:"kwargs,omitempty"`
	ReplyTo ReplyAddress   `json:"beanstalkd_reply"`
}

// ReplyAddress tells the worker where to send the task reply.
type ReplyAddress struct {
	Addr string `json:"addr"`
	Tube string `json:"tube"`
}

// Reply is the payload a worker puts on the reply tube. Exactly one of Res
// and Exc is meaningful: Exc is nil on success.
type Reply struct {
	JobID string          `json:"job_id"`
	Item  string          `json:"item"`
	Res   json.RawMessage `json:"res,omitempty"`
	Exc   *TaskError      `json:"exc,omitempty"`
}

// TaskError is the typed failure a task reports. Class feeds the per-job
// error histogram.
type TaskError struct {
	Class     string `json:"class_name"`
	Message   string `json:"message,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

func NewTaskError(class, message string) *TaskError {
	return &TaskError{Class: class, Message: message}
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return e.Class
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}
