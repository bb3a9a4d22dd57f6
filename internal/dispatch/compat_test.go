// ABOUTME: Test helpers backfilling testing APIs absent from older Go toolchains
package dispatch

import (
	"context"
	"sync"
	"testing"
)

// testContext mirrors testing.T.Context: a context canceled just before
// the test's cleanup functions run.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// wgGo mirrors sync.WaitGroup.Go: run f in a goroutine tracked by wg.
func wgGo(wg *sync.WaitGroup, f func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		f()
	}()
}

