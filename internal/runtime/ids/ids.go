package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a time-sortable ULID encoded as a 26-character string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Suffixed appends a lower-case ULID to name. Brokers use it to derive
// per-session queue and consumer-group names for topic subscriptions.
func Suffixed(name string) string {
	id := strings.ToLower(New())
	if name == "" {
		return id
	}
	return name + "-" + id
}
