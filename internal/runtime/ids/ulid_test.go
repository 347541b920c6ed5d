package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	generated := make([]string, total)
	for i := range generated {
		generated[i] = CreateULID()
	}

	for i, id := range generated {
		require.Len(t, id, 26)
		_, err := ulid.Parse(id)
		require.NoError(t, err)
		if i > 0 {
			assert.Less(t, generated[i-1], id)
		}
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range perGoroutine {
				id := CreateULID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := NewAt(at)

	got, err := Time(id)
	require.NoError(t, err)
	assert.True(t, at.Equal(got.UTC()))

	_, err = Time("not-a-ulid")
	assert.Error(t, err)
}
