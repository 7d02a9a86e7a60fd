// Package ids generates the identifiers the runtime attaches to work in
// flight: correlation ids injected into dispatch metadata and receipt tokens
// for in-memory deliveries. ULIDs keep them time-sortable in logs.
package ids

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

var generator = struct {
	sync.Mutex
	entropy *ulid.MonotonicEntropy
}{entropy: ulid.Monotonic(rand.Reader, 0)}

// CreateULID returns a new 26-character ULID string. Safe for concurrent
// use; ids created within the same millisecond stay ordered.
func CreateULID() string {
	generator.Lock()
	defer generator.Unlock()
	return ulid.MustNew(ulid.Now(), generator.entropy).String()
}
