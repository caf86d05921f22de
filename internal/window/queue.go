package window

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// OpenRequest asks for a window showing feed.
type OpenRequest struct {
	CreateOptions
	Feed     string   `json:"feed"`
	Branches []string `json:"branches"`
}

type openJob struct {
	ctx    context.Context
	req    OpenRequest
	result chan openResult
}

type openResult struct {
	session *Session
	err     error
}

// Queue opens windows one at a time: create, subscribe to the feed, wait
// for the display surface, begin rendering.
type Queue struct {
	m    *Manager
	jobs chan openJob

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewQueue(m *Manager) *Queue {
	q := &Queue{
		m:    m,
		jobs: make(chan openJob, 1),
		stop: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Open queues req and waits for the window to be rendering.
func (q *Queue) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	job := openJob{ctx: ctx, req: req, result: make(chan openResult, 1)}
	select {
	case q.jobs <- job:
	case <-q.stop:
		return nil, fmt.Errorf("open window: queue stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-job.result:
		return res.session, res.err
	case <-q.stop:
		return nil, fmt.Errorf("open window: queue stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case job := <-q.jobs:
			s, err := q.open(job.ctx, job.req)
			job.result <- openResult{session: s, err: err}
		}
	}
}

func (q *Queue) open(ctx context.Context, req OpenRequest) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := q.m.Create(ctx, req.CreateOptions)
	if err != nil {
		return nil, err
	}

	fail := func(step string, err error) (*Session, error) {
		glog.Warningf("%s: open failed at %s: %v", s.id, step, err)
		return s, fmt.Errorf("open window %s: %s: %w", s.id, step, err)
	}
	if req.Feed != "" {
		if err := q.m.FeedSub(ctx, s.id, req.Feed, req.Branches); err != nil {
			return fail("feed-sub", err)
		}
	}
	if err := s.WaitReady(ctx); err != nil {
		return fail("ready", err)
	}
	if err := q.m.BeginRender(ctx, s.id); err != nil {
		return fail("begin-render", err)
	}
	return s, nil
}

// Stop ends the worker. Queued requests fail.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}
