package xcute

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusRunning  Status = "RUNNING"
	StatusPaused   Status = "PAUSED"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusPaused, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// JobRecord is the canonical durable shape of one job. The backend stores it
// as a flat hash of dot-joined paths ("items.sent", "details.chunks.size");
// the HTTP API serves it as the nested JSON below.
type JobRecord struct {
	Job     JobInfo        `json:"job"`
	Items   ItemsInfo      `json:"items"`
	Errors  ErrorsInfo     `json:"errors"`
	Options map[string]any `json:"options,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Time    TimeInfo       `json:"time"`
}

type JobInfo struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Status         Status `json:"status"`
	Lock           string `json:"lock,omitempty"`
	Sending        bool   `json:"sending"`
	OrchestratorID string `json:"orchestrator_id,omitempty"`
	FailReason     string `json:"fail_reason,omitempty"`
}

type ItemsInfo struct {
	MaxPerSecond int    `json:"max_per_second"`
	Sent         int64  `json:"sent"`
	LastSent     string `json:"last_sent,omitempty"`
	Processed    int64  `json:"processed"`
	Expected     *int64 `json:"expected,omitempty"`
}

// ErrorsInfo keeps the running total plus one counter per error class name,
// serialized as a single flat JSON object: {"total": 3, "BadRequest": 2, ...}.
type ErrorsInfo struct {
	Total  int64
	Counts map[string]int64
}

type TimeInfo struct {
	CTime float64 `json:"ctime"`
	MTime float64 `json:"mtime"`
}

func (e ErrorsInfo) MarshalJSON() ([]byte, error) {
	out := make(map[string]int64, len(e.Counts)+1)
	out["total"] = e.Total
	for class, n := range e.Counts {
		out[class] = n
	}
	return json.Marshal(out)
}

func (e *ErrorsInfo) UnmarshalJSON(data []byte) error {
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Total = raw["total"]
	delete(raw, "total")
	if len(raw) > 0 {
		e.Counts = raw
	}
	return nil
}

// Validate covers load-mode requirements: a record read back from the
// backend must carry an id, a known status and a type.
func (r *JobRecord) Validate() error {
	if r.Job.ID == "" {
		return fmt.Errorf("missing job id")
	}
	if r.Job.Type == "" {
		return fmt.Errorf("missing job type")
	}
	if !r.Job.Status.Valid() {
		return fmt.Errorf("unknown job status %q", r.Job.Status)
	}
	return nil
}

// Delta is a sparse nested subset of a record. The backend deep-merges it:
// every leaf overwrites the stored value at the same dotted path.
type Delta map[string]any

// Flatten turns a record into the dotted-path field map the backend stores.
func (r *JobRecord) Flatten() map[string]string {
	fields := map[string]string{
		"job.id":               r.Job.ID,
		"job.type":             r.Job.Type,
		"job.status":           string(r.Job.Status),
		"job.lock":             r.Job.Lock,
		"job.sending":          strconv.FormatBool(r.Job.Sending),
		"job.orchestrator_id":  r.Job.OrchestratorID,
		"items.max_per_second": strconv.Itoa(r.Items.MaxPerSecond),
		"items.sent":           strconv.FormatInt(r.Items.Sent, 10),
		"items.processed":      strconv.FormatInt(r.Items.Processed, 10),
		"errors.total":         strconv.FormatInt(r.Errors.Total, 10),
		"time.ctime":           formatEpoch(r.Time.CTime),
		"time.mtime":           formatEpoch(r.Time.MTime),
	}
	if r.Job.FailReason != "" {
		fields["job.fail_reason"] = r.Job.FailReason
	}
	if r.Items.LastSent != "" {
		fields["items.last_sent"] = r.Items.LastSent
	}
	if r.Items.Expected != nil {
		fields["items.expected"] = strconv.FormatInt(*r.Items.Expected, 10)
	}
	for class, n := range r.Errors.Counts {
		fields["errors."+class] = strconv.FormatInt(n, 10)
	}
	flattenInto(fields, "options", r.Options)
	flattenInto(fields, "details", r.Details)
	return fields
}

// FlattenDelta encodes a delta the same way Flatten encodes a full record.
func FlattenDelta(d Delta) map[string]string {
	fields := make(map[string]string, len(d))
	flattenInto(fields, "", map[string]any(d))
	return fields
}

func flattenInto(fields map[string]string, prefix string, m map[string]any) {
	for key, value := range m {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := value.(type) {
		case nil:
			continue
		case map[string]any:
			flattenInto(fields, path, v)
		case Delta:
			flattenInto(fields, path, map[string]any(v))
		default:
			fields[path] = encodeLeaf(v)
		}
	}
}

func encodeLeaf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case Status:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

// ExpandRecord rebuilds a record from its flat hash fields. Typed sections
// are parsed strictly; options and details leaves fall back to a scalar
// guess (int, float, bool, JSON array/object, string) since they are opaque
// to the engine.
func ExpandRecord(fields map[string]string) (*JobRecord, error) {
	rec := &JobRecord{}
	for field, value := range fields {
		switch field {
		case "job.id":
			rec.Job.ID = value
		case "job.type":
			rec.Job.Type = value
		case "job.status":
			rec.Job.Status = Status(value)
		case "job.lock":
			rec.Job.Lock = value
		case "job.sending":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("field job.sending: %w", err)
			}
			rec.Job.Sending = b
		case "job.orchestrator_id":
			rec.Job.OrchestratorID = value
		case "job.fail_reason":
			rec.Job.FailReason = value
		case "items.max_per_second":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("field items.max_per_second: %w", err)
			}
			rec.Items.MaxPerSecond = n
		case "items.sent":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("field items.sent: %w", err)
			}
			rec.Items.Sent = n
		case "items.processed":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("field items.processed: %w", err)
			}
			rec.Items.Processed = n
		case "items.last_sent":
			rec.Items.LastSent = value
		case "items.expected":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("field items.expected: %w", err)
			}
			rec.Items.Expected = &n
		case "errors.total":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("field errors.total: %w", err)
			}
			rec.Errors.Total = n
		case "time.ctime":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("field time.ctime: %w", err)
			}
			rec.Time.CTime = f
		case "time.mtime":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("field time.mtime: %w", err)
			}
			rec.Time.MTime = f
		default:
			switch {
			case strings.HasPrefix(field, "errors."):
				n, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", field, err)
				}
				if rec.Errors.Counts == nil {
					rec.Errors.Counts = make(map[string]int64)
				}
				rec.Errors.Counts[strings.TrimPrefix(field, "errors.")] = n
			case strings.HasPrefix(field, "options."):
				if rec.Options == nil {
					rec.Options = make(map[string]any)
				}
				setNested(rec.Options, strings.TrimPrefix(field, "options."), decodeLeaf(value))
			case strings.HasPrefix(field, "details."):
				if rec.Details == nil {
					rec.Details = make(map[string]any)
				}
				setNested(rec.Details, strings.TrimPrefix(field, "details."), decodeLeaf(value))
			default:
				return nil, fmt.Errorf("unknown record field %q", field)
			}
		}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func setNested(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for i := 0; i < len(parts)-1; i++ {
		child, ok := m[parts[i]].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[parts[i]] = child
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
}

func decodeLeaf(value string) any {
	if value == "true" || value == "false" {
		return value == "true"
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil && value == strconv.FormatInt(n, 10) {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && strings.ContainsAny(value, ".eE") {
		return f
	}
	if strings.HasPrefix(value, "[") || strings.HasPrefix(value, "{") {
		var out any
		if err := json.Unmarshal([]byte(value), &out); err == nil {
			return out
		}
	}
	return value
}

// Epoch converts a time to the float seconds stored in time.ctime/mtime.
func Epoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func formatEpoch(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 6, 64)
}

// SortRecordsByID orders records by job id, i.e. by creation time.
func SortRecordsByID(recs []*JobRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Job.ID < recs[j].Job.ID })
}
