package xcute

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewJobID returns a fresh job id: a 20-digit UTC timestamp with microsecond
// precision, a dash, then 11 uppercase hex digits of randomness. Ids sort
// lexicographically in creation order.
func NewJobID() string {
	now := time.Now().UTC()
	return fmt.Sprintf("%s%06d-%011X",
		now.Format("20060102150405"), now.Nanosecond()/1000, rand.Int63n(1<<44))
}

// RequestID derives a per-task request id from a job id, so every request a
// task makes downstream can be traced back to its job: the job id's date and
// random parts plus a fresh 12-hex suffix.
func RequestID(jobID string) string {
	fresh := freshHex()
	if date, rnd, ok := strings.Cut(jobID, "-"); ok {
		return date + "-" + rnd + "-" + fresh
	}
	return jobID + "-" + fresh
}

func freshHex() string {
	id := uuid.New()
	return strings.ToUpper(fmt.Sprintf("%x", id[:6]))
}
