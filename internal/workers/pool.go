// Package workers offloads CPU-bound batches (parsing, indexing,
// metrics, symbol resolution) to background goroutines with
// request/response correlation by id.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kodex/internal/errs"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Action names a worker operation.
type Action string

const (
	ActionParseFile         Action = "parse_file"
	ActionCalculateMetrics  Action = "calculate_metrics"
	ActionIndexProject      Action = "index_project"
	ActionSearchFiles       Action = "search_files"
	ActionIncrementalUpdate Action = "incrementalUpdate"
	ActionQueryIndex        Action = "queryIndex"
	ActionResolveSymbols    Action = "resolve_symbols"
)

// Request is one correlated unit of work.
type Request struct {
	ID     string `json:"id"`
	Action Action `json:"action"`
	Data   any    `json:"data"`
}

// Response mirrors the worker protocol: success or error, same id.
type Response struct {
	ID      string `json:"id"`
	Action  Action `json:"action"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type job struct {
	req   Request
	reply chan Response
}

// Pool 后台工作池；索引状态归池所有，经 Indexer 串行化访问
// Pool is the background worker pool; index state belongs to the pool
// and is serialized through the Indexer.
type Pool struct {
	log     zerolog.Logger
	workers int
	timeout time.Duration
	jobs    chan job
	indexer *Indexer

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Options configures a Pool; zero values take defaults.
type Options struct {
	Workers int
	Timeout time.Duration
}

func NewPool(log zerolog.Logger, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	p := &Pool{
		log:     log,
		workers: opts.Workers,
		timeout: opts.Timeout,
		jobs:    make(chan job),
		indexer: NewIndexer(),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		j.reply <- p.handle(j.req)
	}
	_ = id
}

func (p *Pool) handle(req Request) (resp Response) {
	defer func() {
		// a panicking action must not take the worker down
		if r := recover(); r != nil {
			p.log.Error().Str("action", string(req.Action)).Any("panic", r).Msg("worker action panicked")
			resp = Response{ID: req.ID, Action: req.Action, Success: false, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	data, err := p.dispatch(req.Action, req.Data)
	if err != nil {
		return Response{ID: req.ID, Action: req.Action, Success: false, Error: err.Error()}
	}
	return Response{ID: req.ID, Action: req.Action, Success: true, Data: data}
}

func (p *Pool) dispatch(action Action, data any) (any, error) {
	switch action {
	case ActionParseFile:
		return parseFile(data)
	case ActionCalculateMetrics:
		return calculateMetrics(data)
	case ActionIndexProject:
		return p.indexer.IndexProject(data)
	case ActionSearchFiles:
		return p.indexer.SearchFiles(data)
	case ActionIncrementalUpdate:
		return p.indexer.IncrementalUpdate(data)
	case ActionQueryIndex:
		return p.indexer.QueryIndex(data)
	case ActionResolveSymbols:
		return resolveSymbols(data)
	default:
		return nil, errs.E(errs.KindInvalidArgument, fmt.Sprintf("unknown worker action %q", action))
	}
}

// Execute 发送单个请求并等待对应 id 的响应；池不可用时内联执行
// Execute sends one request and waits for the matching response;
// when the pool is unavailable it falls back to inline execution.
func (p *Pool) Execute(ctx context.Context, action Action, data any) (any, error) {
	req := Request{ID: uuid.NewString(), Action: action, Data: data}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return p.inline(req)
	}

	reply := make(chan Response, 1)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case p.jobs <- job{req: req, reply: reply}:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindCancelled, "worker submit", ctx.Err())
	case <-timer.C:
		// workers saturated; run inline rather than drop the request
		return p.inline(req)
	}

	select {
	case resp := <-reply:
		if resp.ID != req.ID {
			return nil, errs.E(errs.KindFatal, "worker response id mismatch")
		}
		if !resp.Success {
			return nil, fmt.Errorf("worker %s: %s", action, resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindCancelled, "worker wait", ctx.Err())
	case <-timer.C:
		return nil, errs.E(errs.KindTimeout, fmt.Sprintf("worker %s timed out", action))
	}
}

func (p *Pool) inline(req Request) (any, error) {
	resp := p.handle(req)
	if !resp.Success {
		return nil, fmt.Errorf("worker %s: %s", req.Action, resp.Error)
	}
	return resp.Data, nil
}

// ExecuteBatch runs requests concurrently and returns responses in
// request order. Ordering between requests is not guaranteed during
// execution, only in the returned slice.
func (p *Pool) ExecuteBatch(ctx context.Context, reqs []Request) ([]Response, error) {
	out := make([]Response, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			data, err := p.Execute(ctx, req.Action, req.Data)
			id := req.ID
			if id == "" {
				id = uuid.NewString()
			}
			if err != nil {
				out[i] = Response{ID: id, Action: req.Action, Success: false, Error: err.Error()}
				if errs.Is(err, errs.KindCancelled) {
					return err
				}
				return nil
			}
			out[i] = Response{ID: id, Action: req.Action, Success: true, Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Close drains the pool; subsequent Execute calls run inline.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.jobs)
	p.wg.Wait()
}
