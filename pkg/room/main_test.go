package room

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that every per-connection Serve goroutine spawned by
// the tests in this package has exited by the time the suite finishes,
// catching the kind of goroutine leak a stuck outbound drain or a
// forgotten ctx cancellation would otherwise hide.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
