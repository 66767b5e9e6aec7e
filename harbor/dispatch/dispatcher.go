// Package dispatch routes validated invocations to service channels. Calls
// to one service resolve in submission order unless the service advertised
// concurrent handling; calls to different services never wait on each other.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/registry"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/transport"
	"github.com/rs/zerolog"
)

// ErrServiceNotReady reports a submission for a service with no registered
// channel, either never started or already torn down.
var ErrServiceNotReady = errors.New("dispatch: service not registered")

// CallTimeout reports a call whose budget elapsed before the service
// answered. The request was abandoned; a late response will be discarded.
type CallTimeout struct {
	Service string
	Tool    string
	Budget  time.Duration
}

func (e *CallTimeout) Error() string {
	return fmt.Sprintf("call %s/%s exceeded %s budget", e.Service, e.Tool, e.Budget)
}

// Options tunes the dispatcher.
type Options struct {
	// DefaultTimeout bounds calls whose submission carries no budget.
	DefaultTimeout time.Duration
	// QueueDepth bounds each service's FIFO lane.
	QueueDepth int
	Metrics    *CallMetrics
	Logger     zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 32
	}
	if o.Metrics == nil {
		o.Metrics = NewCallMetrics()
	}
	return o
}

type jobResult struct {
	payload json.RawMessage
	err     error
}

type job struct {
	ctx    context.Context
	inv    ports.Invocation
	budget time.Duration
	out    chan jobResult
}

// lane is one service's dispatch endpoint. Non-concurrent lanes run a worker
// goroutine that serializes calls.
type lane struct {
	service    string
	ch         *transport.Channel
	concurrent bool
	jobs       chan *job
	done       chan struct{}
}

// Dispatcher validates and routes invocations.
type Dispatcher struct {
	reg     *registry.Registry
	opts    Options
	metrics *CallMetrics
	logger  zerolog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

// New creates a dispatcher over the given registry.
func New(reg *registry.Registry, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		reg:     reg,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "dispatch").Logger(),
		lanes:   make(map[string]*lane),
	}
}

// Register opens a lane for a Ready service. Concurrent services bypass FIFO
// ordering; everyone else gets a serializing worker.
func (d *Dispatcher) Register(service string, ch *transport.Channel, concurrent bool) {
	ln := &lane{
		service:    service,
		ch:         ch,
		concurrent: concurrent,
		jobs:       make(chan *job, d.opts.QueueDepth),
		done:       make(chan struct{}),
	}
	d.mu.Lock()
	old := d.lanes[service]
	d.lanes[service] = ln
	d.mu.Unlock()
	if old != nil {
		close(old.done)
	}
	if !concurrent {
		go d.worker(ln)
	}
	d.logger.Debug().Str("service", service).Bool("concurrent", concurrent).Msg("lane registered")
}

// Unregister closes a service's lane. Queued jobs resolve with
// ErrServiceNotReady.
func (d *Dispatcher) Unregister(service string) {
	d.mu.Lock()
	ln := d.lanes[service]
	delete(d.lanes, service)
	d.mu.Unlock()
	if ln != nil {
		close(ln.done)
	}
}

func (d *Dispatcher) lane(service string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lanes[service]
}

// Metrics returns the dispatcher's collector.
func (d *Dispatcher) Metrics() *CallMetrics { return d.metrics }

// Submit validates inv and executes it under the given budget (zero means
// the configured default). Nothing reaches the wire when validation fails.
// The error is one of: *protocol.ArgumentValidationError,
// registry.ErrToolNotFound, ErrServiceNotReady, *CallTimeout,
// *protocol.ToolError, transport.ErrChannelClosed, or the caller's context
// error.
func (d *Dispatcher) Submit(ctx context.Context, inv ports.Invocation, budget time.Duration) (json.RawMessage, error) {
	d.metrics.Submitted()

	args, err := d.reg.ArgsFor(inv.Service, inv.Tool)
	if err != nil {
		d.metrics.RejectedByValidation()
		return nil, err
	}
	if err := args.Validate(inv.Args); err != nil {
		d.metrics.RejectedByValidation()
		return nil, err
	}

	ln := d.lane(inv.Service)
	if ln == nil {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotReady, inv.Service)
	}
	if budget <= 0 {
		budget = d.opts.DefaultTimeout
	}

	if ln.concurrent {
		return d.execute(ctx, ln, inv, budget)
	}

	j := &job{ctx: ctx, inv: inv, budget: budget, out: make(chan jobResult, 1)}
	select {
	case ln.jobs <- j:
	case <-ln.done:
		return nil, fmt.Errorf("%w: %q", ErrServiceNotReady, inv.Service)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-j.out:
		return res.payload, res.err
	case <-ctx.Done():
		// The worker still finishes the job; its buffered out channel
		// keeps it from blocking on our departure.
		return nil, ctx.Err()
	}
}

// worker serializes one lane: a job's resolution happens before the next
// job's request is sent.
func (d *Dispatcher) worker(ln *lane) {
	for {
		select {
		case <-ln.done:
			d.flush(ln)
			return
		case j := <-ln.jobs:
			if err := j.ctx.Err(); err != nil {
				j.out <- jobResult{err: err}
				continue
			}
			payload, err := d.execute(j.ctx, ln, j.inv, j.budget)
			j.out <- jobResult{payload: payload, err: err}
		}
	}
}

func (d *Dispatcher) flush(ln *lane) {
	for {
		select {
		case j := <-ln.jobs:
			j.out <- jobResult{err: fmt.Errorf("%w: %q", ErrServiceNotReady, ln.service)}
		default:
			return
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, ln *lane, inv ports.Invocation, budget time.Duration) (json.RawMessage, error) {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	resCh, id, err := ln.ch.Send(inv.Tool, inv.Args)
	if err != nil {
		d.metrics.Observe(inv.Service, inv.Tool, time.Since(start), err)
		return nil, err
	}

	select {
	case res := <-resCh:
		elapsed := time.Since(start)
		if res.Err != nil {
			d.metrics.Observe(inv.Service, inv.Tool, elapsed, res.Err)
			return nil, res.Err
		}
		if res.Response.Error != nil {
			terr := &protocol.ToolError{Kind: res.Response.Error.Kind, Message: res.Response.Error.Message}
			d.metrics.Observe(inv.Service, inv.Tool, elapsed, terr)
			d.logger.Debug().
				Str("tool", inv.Qualified()).
				Str("kind", terr.Kind).
				Msg("remote tool error")
			return nil, terr
		}
		d.metrics.Observe(inv.Service, inv.Tool, elapsed, nil)
		return res.Response.Result, nil
	case <-cctx.Done():
		ln.ch.Abandon(id)
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			d.metrics.Observe(inv.Service, inv.Tool, elapsed, ctx.Err())
			return nil, ctx.Err()
		}
		terr := &CallTimeout{Service: inv.Service, Tool: inv.Tool, Budget: budget}
		d.metrics.Observe(inv.Service, inv.Tool, elapsed, terr)
		d.logger.Warn().Str("tool", inv.Qualified()).Dur("budget", budget).Msg("call timed out")
		return nil, terr
	}
}
