package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Proc is a long-lived actor managed by a ProcMgr. It must block until ctx
// is cancelled, at which point it should return ctx.Err() (or another error
// that occurred first).
type Proc func(context.Context) error

// ProcMgr is like a fancy implementation of sync.WaitGroup: every Proc
// added to it runs on its own goroutine, and the whole app waits for all
// of them to return before teardown is considered complete.
type ProcMgr struct {
	procs []Proc
}

func (p *ProcMgr) Add(proc Proc) { p.procs = append(p.procs, proc) }

func (p *ProcMgr) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, proc := range p.procs {
		wg.Add(1)
		go func(proc Proc) {
			defer wg.Done()
			err := proc(ctx)
			if err == nil && ctx.Err() == nil {
				panic("a proc returned unexpectedly!")
			}
			if err != nil && ctx.Err() == nil {
				panic(fmt.Sprintf("proc returned an error: %s", err))
			}
		}(proc)
	}
	wg.Wait()
}

// Poll is a Proc that polls a given function regularly.
// If the function returns true, it will be called again immediately.
// This is useful for draining a queue without waiting out the full interval.
func Poll(interval time.Duration, fn func(context.Context) bool) Proc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if fn(ctx) {
				continue // take possible next item immediately
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			ticker.Reset(time.Duration(float64(interval) * (0.9 + 0.2*rand.Float64())))
		}
	}
}

// Cleanup returns a polling func that executes query/args on every call and
// logs how many rows were removed. Always returns false: housekeeping never
// needs to run back-to-back the way a workqueue drain does.
func Cleanup(db *sql.DB, label, query string, args ...any) func(context.Context) bool {
	return func(ctx context.Context) bool {
		result, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			slog.Error("cleanup query failed", "label", label, "error", err)
			return false
		}
		if n, _ := result.RowsAffected(); n > 0 {
			slog.Info("cleaned up stale rows", "label", label, "count", n)
		}
		return false
	}
}
