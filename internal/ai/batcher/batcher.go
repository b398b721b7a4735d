// Package batcher implements the inference scheduler: it coalesces concurrent single-state evaluation requests
// from many self-play workers into batched calls to an ai.Evaluator.
//
// Requests are queued in one channel shared by all submitters. A single drain loop periodically (every
// Options.BatchDuration) takes whatever is queued, evaluates it in one call and routes each result back to its
// originator through a private reply channel, by position in the batch.
//
// The loop can be paused (Stop) and resumed (Start), so a training step never runs concurrently with inference.
package batcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/janpfeifer/blokusGo/internal/ai"
	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrStopped is returned for requests discarded because the scheduler was stopped or closed.
	ErrStopped = errors.New("inference scheduler stopped")

	// ErrBatchFailed is returned to every request of a batch whose evaluation failed.
	ErrBatchFailed = errors.New("batch evaluation failed")
)

// Options configure a Scheduler.
type Options struct {
	// BatchDuration is the interval between drains of the queue.
	BatchDuration time.Duration

	// ContinuousDrain makes the loop drain as soon as there is anything queued, with no artificial delay.
	// BatchDuration is ignored in this case.
	ContinuousDrain bool

	// MaxBatch limits the number of requests evaluated in one call. 0 means unbounded.
	// Requests left over are evaluated in the next cycle.
	MaxBatch int

	// QueueSize is the capacity of the requests queue. Defaults to 1024.
	QueueSize int

	// RequestTimeout, if > 0, bounds how long Submit and Client.Evaluate wait for a result.
	RequestTimeout time.Duration
}

// Result of the evaluation of one state.
type Result struct {
	// Policy has one probability per cell.
	Policy []float32

	// Value has the expected outcome per player.
	Value []float32
}

type response struct {
	result Result
	err    error
}

type request struct {
	ctx   context.Context
	state *features.BoardTensor

	// reply has capacity 1 and exactly one response is ever sent for a request, so delivering never blocks.
	reply chan<- response
}

// Stats of the Scheduler since its creation.
type Stats struct {
	Batches, Requests, FailedBatches, Discarded int64
}

// AverageBatchSize is the number of requests served per batch evaluated.
func (s Stats) AverageBatchSize() float64 {
	if s.Batches == 0 {
		return 0
	}
	return float64(s.Requests) / float64(s.Batches)
}

// Scheduler batches evaluation requests. Create it with New.
type Scheduler struct {
	evaluator ai.Evaluator
	opts      Options

	requests chan *request

	// muLoop protects the loop state.
	muLoop   sync.Mutex
	stopLoop chan struct{}
	loopDone chan struct{}

	// closed is closed by Close, after which every request fails with ErrStopped.
	closed    chan struct{}
	closeOnce sync.Once

	numBatches, numRequests, numFailedBatches, numDiscarded atomic.Int64
}

// New creates a Scheduler for the given evaluator. The drain loop is not started: see Start.
func New(evaluator ai.Evaluator, opts Options) (*Scheduler, error) {
	if evaluator == nil {
		return nil, errors.New("batcher.New requires an evaluator")
	}
	if opts.BatchDuration <= 0 && !opts.ContinuousDrain {
		return nil, errors.Errorf("invalid batch duration %s: it must be > 0 unless ContinuousDrain is set",
			opts.BatchDuration)
	}
	if opts.MaxBatch < 0 {
		return nil, errors.Errorf("invalid maximum batch size %d", opts.MaxBatch)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Scheduler{
		evaluator: evaluator,
		opts:      opts,
		requests:  make(chan *request, opts.QueueSize),
		closed:    make(chan struct{}),
	}, nil
}

// Start the drain loop. It is a no-op if it is already running.
func (s *Scheduler) Start() error {
	s.muLoop.Lock()
	defer s.muLoop.Unlock()
	if s.isClosed() {
		return ErrStopped
	}
	if s.stopLoop != nil {
		return nil
	}
	s.stopLoop = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(s.stopLoop, s.loopDone)
	klog.V(1).Infof("batcher: drain loop started")
	return nil
}

// Stop the drain loop, and wait for it to exit: when Stop returns no evaluation is in progress.
//
// Queued requests are kept, and will be served once the loop is started again (or failed by DiscardPending).
func (s *Scheduler) Stop() {
	s.muLoop.Lock()
	defer s.muLoop.Unlock()
	if s.stopLoop == nil {
		return
	}
	close(s.stopLoop)
	<-s.loopDone
	s.stopLoop, s.loopDone = nil, nil
	klog.V(1).Infof("batcher: drain loop stopped")
}

// IsRunning returns whether the drain loop is running.
func (s *Scheduler) IsRunning() bool {
	s.muLoop.Lock()
	defer s.muLoop.Unlock()
	return s.stopLoop != nil
}

// Close stops the loop and fails every queued and future request with ErrStopped.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.Stop()
	s.DiscardPending()
}

func (s *Scheduler) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// DiscardPending fails every request currently queued with ErrStopped. It returns the number of requests discarded.
//
// It's used when the submitters are gone (e.g. the round was cancelled), so nothing waits on them.
func (s *Scheduler) DiscardPending() int {
	var count int
	for {
		select {
		case req := <-s.requests:
			req.reply <- response{err: ErrStopped}
			count++
		default:
			if count > 0 {
				s.numDiscarded.Add(int64(count))
				klog.V(1).Infof("batcher: discarded %d pending requests", count)
			}
			return count
		}
	}
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Batches:       s.numBatches.Load(),
		Requests:      s.numRequests.Load(),
		FailedBatches: s.numFailedBatches.Load(),
		Discarded:     s.numDiscarded.Load(),
	}
}

// RequestsServed returns the number of requests answered with a result so far.
func (s *Scheduler) RequestsServed() int64 {
	return s.numRequests.Load()
}

// Pending is the handle to a queued request. Its result is only available through Wait.
type Pending struct {
	reply   <-chan response
	timeout time.Duration

	// resolved is closed by the Wait that received the response, after setting resp.
	resolved chan struct{}
	resp     response
}

// Enqueue queues the evaluation of state and returns immediately with a handle to its result.
// The state must not be modified afterward.
//
// The ctx is checked again before the state is evaluated: if it is done by then, the request fails with
// the context error.
func (s *Scheduler) Enqueue(ctx context.Context, state *features.BoardTensor) (*Pending, error) {
	reply := make(chan response, 1)
	if err := s.send(ctx, state, reply); err != nil {
		return nil, err
	}
	return &Pending{reply: reply, timeout: s.opts.RequestTimeout, resolved: make(chan struct{})}, nil
}

// Wait for the result of the request. It can be called multiple times, also concurrently, and it always returns
// the same result once there is one.
//
// If ctx is done (or the request timeout is reached) first, it returns the context error. The request may still be
// evaluated, and a later Wait can still get its result.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.resolved:
		return p.resp.result, p.resp.err
	default:
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	select {
	case resp := <-p.reply:
		p.resp = resp
		close(p.resolved)
		return resp.result, resp.err
	case <-p.resolved:
		return p.resp.result, p.resp.err
	case <-ctx.Done():
		return Result{}, errors.Wrap(ctx.Err(), "waiting for evaluation")
	}
}

// Submit evaluates one state, blocking until the result is available.
// It's safe to call it concurrently from any number of goroutines.
func (s *Scheduler) Submit(ctx context.Context, state *features.BoardTensor) (Result, error) {
	pending, err := s.Enqueue(ctx, state)
	if err != nil {
		return Result{}, err
	}
	return pending.Wait(ctx)
}

// send queues a request, blocking if the queue is full.
func (s *Scheduler) send(ctx context.Context, state *features.BoardTensor, reply chan<- response) error {
	if state == nil {
		return errors.New("nil state submitted for evaluation")
	}
	if s.isClosed() {
		return ErrStopped
	}
	req := &request{ctx: ctx, state: state, reply: reply}
	select {
	case s.requests <- req:
		klog.V(3).Infof("batcher: request queued")
		if s.isClosed() {
			// Close may have already emptied the queue.
			s.DiscardPending()
		}
		return nil
	case <-s.closed:
		return ErrStopped
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "queueing evaluation")
	}
}

// Client is a worker's private connection to the Scheduler: it reuses one reply channel for all its requests.
//
// A Client must be used by one goroutine at a time, and its results are returned in the order of its calls.
type Client struct {
	s     *Scheduler
	reply chan response
}

// NewClient creates a new Client for one worker.
func (s *Scheduler) NewClient() *Client {
	return &Client{s: s, reply: make(chan response, 1)}
}

// Evaluate submits state and waits for its result.
func (c *Client) Evaluate(ctx context.Context, state *features.BoardTensor) (Result, error) {
	if err := c.s.send(ctx, state, c.reply); err != nil {
		return Result{}, err
	}
	if timeout := c.s.opts.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case resp := <-c.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		// The abandoned request still gets its response on the old channel: a fresh one keeps the
		// next results in order.
		c.reply = make(chan response, 1)
		return Result{}, errors.Wrap(ctx.Err(), "waiting for evaluation")
	}
}
