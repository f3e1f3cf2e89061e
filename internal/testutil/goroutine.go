// Package testutil holds helpers shared by the package tests: goroutine-safe
// failure collection, fixtures on an in-memory metastore, a recording event
// publisher and a settable clock.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// Group runs goroutines inside a test and reports their errors from the
// test goroutine.
//
// t.Fatal must not be called from a goroutine other than the test's own:
// it calls runtime.Goexit, which only stops the calling goroutine. Work
// started with Go returns an error instead, and Wait fails the test.
//
//	g := testutil.NewGroup(t, 5*time.Second)
//	for i := 0; i < 10; i++ {
//	    g.Go(func(ctx context.Context) error {
//	        _, err := m.Overview(ctx, orgID)
//	        return err
//	    })
//	}
//	g.Wait()
type Group struct {
	t      testing.TB
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	errs []error
}

// NewGroup creates a group whose context expires after timeout.
func NewGroup(t testing.TB, timeout time.Duration) *Group {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &Group{t: t, ctx: ctx, cancel: cancel}
}

// Go runs fn in a goroutine and records its error.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(g.ctx); err != nil {
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	}()
}

// Errorf records a failure from any goroutine.
func (g *Group) Errorf(format string, args ...any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs = append(g.errs, fmt.Errorf(format, args...))
}

// Context returns the group context.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Wait blocks until every goroutine returned and fails the test if any of
// them reported an error. Must be called from the test goroutine.
func (g *Group) Wait() {
	g.t.Helper()
	g.wg.Wait()
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.errs) == 0 {
		return
	}
	for i, err := range g.errs {
		g.t.Errorf("goroutine error [%d]: %v", i+1, err)
	}
	g.t.FailNow()
}

// Eventually polls cond until it is true or timeout elapses.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
