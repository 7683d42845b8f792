package openmon

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// listError is an error whose dynamic type is not comparable.
type listError []string

func (l listError) Error() string {
	return "list error"
}

type timeoutError struct{}

func (timeoutError) Error() string {
	return "timeout"
}

// nanError is comparable but never equal to itself.
type nanError struct {
	v float64
}

func (e nanError) Error() string {
	return fmt.Sprintf("nan error %v", e.v)
}

// cached reports whether c holds a fresh entry for err.
func cached(t testing.TB, c *ExceptionCache, err error) bool {
	t.Helper()
	ok, cerr := c.Contains(err)
	require.NoError(t, cerr)
	return ok
}

// lookup returns the entry for err, failing the test on a lookup error.
func lookup(t testing.TB, c *ExceptionCache, err error) (Entry, bool) {
	t.Helper()
	ent, ok, gerr := c.Get(err)
	require.NoError(t, gerr)
	return ent, ok
}
