package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// It is used for outgoing message ids and emulated lock tokens.
func CreateULID() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID for the given instant. Ids generated for the same
// millisecond stay strictly increasing.
func NewAt(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// Time extracts the creation instant of a ULID produced by this package.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
