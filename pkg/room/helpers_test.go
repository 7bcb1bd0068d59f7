package room

import (
	"context"
	"testing"
)

// testContextDone returns a context canceled automatically when t's test
// finishes, so a Connection's Serve loop launched in a test goroutine
// always winds down.
func testContextDone(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
