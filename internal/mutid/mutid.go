// Package mutid generates locally unique, monotonically orderable mutation
// identifiers. IDs sort lexicographically in creation order so the pending
// queue can be drained FIFO after a cold start.
package mutid

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Format: <20-digit zero-padded unix nanos>-<uuid v4>
var idRegex = regexp.MustCompile(`^\d{20}-[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

var (
	mu   sync.Mutex
	last int64
)

// New generates a new mutation ID. Nanosecond timestamps on some platforms
// tick coarsely, so equal timestamps are bumped to keep IDs strictly ordered
// within a process.
func New() string {
	mu.Lock()
	now := time.Now().UnixNano()
	if now <= last {
		now = last + 1
	}
	last = now
	mu.Unlock()

	return fmt.Sprintf("%020d-%s", now, uuid.New())
}

// IsValid checks if a string is a valid mutation ID.
func IsValid(s string) bool {
	return idRegex.MatchString(s)
}

// Validate returns an error if the string is not a valid mutation ID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid mutation ID format: %q", s)
	}
	return nil
}

// Compare orders two IDs by creation time: -1 if a was created before b,
// 0 if equal, 1 otherwise. Valid IDs compare correctly as plain strings.
func Compare(a, b string) int {
	return strings.Compare(a, b)
}

// Time extracts the creation timestamp from an ID.
func Time(s string) (time.Time, error) {
	if err := Validate(s); err != nil {
		return time.Time{}, err
	}
	var nanos int64
	if _, err := fmt.Sscanf(s[:20], "%d", &nanos); err != nil {
		return time.Time{}, fmt.Errorf("invalid mutation ID timestamp: %w", err)
	}
	return time.Unix(0, nanos), nil
}
