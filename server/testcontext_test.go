package server

import (
	"context"
	"testing"
)

// testContext stands in for testing.T.Context (Go 1.24+): a context
// canceled when the test finishes.
func testContext(t testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
