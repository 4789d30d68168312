// Package supervisor runs the periodic maintenance loops of the notification
// core as one task group.
//
// Every loop is isolated: an iteration that fails or panics is logged and the
// loop waits for its next tick. Only cancellation of the group's context
// stops the loops.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ggoodman/notifycast/internal/logctx"
	"github.com/ggoodman/notifycast/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Task is one periodic loop.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Group struct {
	tasks   []Task
	log     *slog.Logger
	metrics metrics.Collector
}

type GroupOption func(*Group)

func WithGroupLogger(l *slog.Logger) GroupOption {
	return func(g *Group) { g.log = l }
}

func WithGroupMetrics(m metrics.Collector) GroupOption {
	return func(g *Group) { g.metrics = m }
}

func NewGroup(tasks []Task, opts ...GroupOption) *Group {
	g := &Group{tasks: tasks, log: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.log = logctx.Wrap(g.log)
	g.metrics = metrics.OrNop(g.metrics)
	return g
}

// Run blocks until ctx is done. Tasks with a non-positive interval are
// skipped.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, t := range g.tasks {
		if t.Interval <= 0 {
			g.log.InfoContext(ctx, "supervisor.task.disabled", slog.String("task", t.Name))
			continue
		}
		eg.Go(func() error {
			g.loop(ctx, t)
			return nil
		})
	}
	return eg.Wait()
}

func (g *Group) loop(ctx context.Context, t Task) {
	g.log.DebugContext(ctx, "supervisor.task.start", slog.String("task", t.Name), slog.Duration("interval", t.Interval))
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RunOnce(ctx, t)
		}
	}
}

// RunOnce executes a single iteration of t, converting a panic into a logged
// error. It reports whether the iteration succeeded.
func (g *Group) RunOnce(ctx context.Context, t Task) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			g.log.ErrorContext(ctx, "supervisor.task.panic",
				slog.String("task", t.Name),
				slog.String("err", fmt.Sprint(p)),
				slog.String("stack", string(debug.Stack())))
		}
		g.metrics.TaskRun(t.Name, ok)
	}()
	if err := t.Run(ctx); err != nil {
		if ctx.Err() == nil {
			g.log.ErrorContext(ctx, "supervisor.task.fail", slog.String("task", t.Name), slog.String("err", err.Error()))
		}
		return false
	}
	return true
}
