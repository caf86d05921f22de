// Package mock feeds demo data into a store so windows have something to
// show without a real backend.
package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/golang/glog"
)

// Writer is the part of the store the generator mutates.
type Writer interface {
	Upsert(ctx context.Context, branch string, value any)
	Remove(ctx context.Context, branch string)
}

type mockBranch struct {
	name    string
	pattern string
	value   any
	tasks   []mockTask
}

type mockTask struct {
	id       string
	title    string
	progress float64
	done     bool
}

func (t mockTask) value() map[string]any {
	return map[string]any{
		"id":       t.id,
		"title":    t.title,
		"progress": t.progress,
		"done":     t.done,
	}
}

var taskTitles = []string{"index mailbox", "sync calendar", "render thumbnails", "compact database", "fetch updates"}

// Generator mutates its branches on every tick. Each branch follows a
// pattern picked from its name: "clock", "counter", "tasks", "load";
// anything else behaves as a counter.
type Generator struct {
	w        Writer
	interval time.Duration
	branches []*mockBranch
	rng      *rand.Rand
	nextTask int
}

func NewGenerator(w Writer, interval time.Duration, branches []string) *Generator {
	g := &Generator{
		w:        w,
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, name := range branches {
		pattern := name
		switch name {
		case "clock", "counter", "tasks", "load":
		default:
			pattern = "counter"
		}
		g.branches = append(g.branches, &mockBranch{name: name, pattern: pattern})
	}
	return g
}

// Start writes the initial value of every branch, then keeps advancing
// them in the background until ctx is done.
func (g *Generator) Start(ctx context.Context) {
	for _, b := range g.branches {
		g.advance(ctx, b, 0)
	}
	glog.Infof("mock generator: %d branches every %s", len(g.branches), g.interval)
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			for _, b := range g.branches {
				g.w.Remove(context.Background(), b.name)
			}
			return
		case <-ticker.C:
			tick++
			for _, b := range g.branches {
				g.advance(ctx, b, tick)
			}
		}
	}
}

func (g *Generator) advance(ctx context.Context, b *mockBranch, tick int) {
	switch b.pattern {
	case "clock":
		b.value = time.Now().UTC().Format(time.RFC3339)
	case "counter":
		b.value = float64(tick)
	case "load":
		// a slow sine wave with jitter
		v := 50 + 40*math.Sin(float64(tick)/6) + g.rng.Float64()*10
		b.value = math.Round(v*10) / 10
	case "tasks":
		b.tasks = g.advanceTasks(b.tasks, tick)
		list := make([]any, len(b.tasks))
		for i, t := range b.tasks {
			list[i] = t.value()
		}
		b.value = list
	}
	glog.V(2).Infof("mock %s -> %v", b.name, b.value)
	g.w.Upsert(ctx, b.name, b.value)
}

// advanceTasks moves every open task forward, drops finished ones after a
// while and starts a new task every few ticks.
func (g *Generator) advanceTasks(tasks []mockTask, tick int) []mockTask {
	next := make([]mockTask, 0, len(tasks)+1)
	for _, t := range tasks {
		if t.done {
			if g.rng.Intn(3) == 0 {
				continue
			}
		} else {
			t.progress = math.Min(1, t.progress+0.1+g.rng.Float64()*0.2)
			t.done = t.progress >= 1
		}
		next = append(next, t)
	}
	if tick%3 == 0 || len(next) == 0 {
		g.nextTask++
		next = append(next, mockTask{
			id:    fmt.Sprintf("task-%d", g.nextTask),
			title: taskTitles[g.nextTask%len(taskTitles)],
		})
	}
	return next
}
