package batcher

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// loop drains the queue until stop is closed.
func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if s.opts.ContinuousDrain {
		for {
			select {
			case <-stop:
				return
			case first := <-s.requests:
				s.drain(first)
			}
		}
	}

	ticker := time.NewTicker(s.opts.BatchDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.drain(nil)
		}
	}
}

// drain evaluates in one batch the requests queued at the time of the call (plus first, if not nil).
// Empty cycles don't call the evaluator.
func (s *Scheduler) drain(first *request) {
	batch := s.collect(first)
	if len(batch) == 0 {
		return
	}
	s.evaluateBatch(batch)
}

// collect takes the queued requests, up to Options.MaxBatch. Requests arriving during collect are left for the
// next cycle, as are the ones over the limit.
//
// Requests whose context is already done are answered with the context error and not evaluated.
func (s *Scheduler) collect(first *request) []*request {
	queued := len(s.requests)
	if first != nil {
		queued++
	}
	if s.opts.MaxBatch > 0 {
		queued = min(queued, s.opts.MaxBatch)
	}
	batch := make([]*request, 0, queued)
	add := func(req *request) {
		if err := req.ctx.Err(); err != nil {
			req.reply <- response{err: errors.Wrap(err, "request abandoned before evaluation")}
			s.numDiscarded.Add(1)
			return
		}
		batch = append(batch, req)
	}
	taken := 0
	if first != nil {
		add(first)
		taken++
	}
	for ; taken < queued; taken++ {
		select {
		case req := <-s.requests:
			add(req)
		default:
			// Taken by DiscardPending in the meantime.
			return batch
		}
	}
	return batch
}

// evaluateBatch calls the evaluator once for the whole batch and delivers each result to its request, by position.
// If the evaluation fails, every request of the batch fails with ErrBatchFailed.
func (s *Scheduler) evaluateBatch(batch []*request) {
	start := time.Now()
	states := make([]*features.BoardTensor, len(batch))
	for ii, req := range batch {
		states[ii] = req.state
	}
	var policies, values [][]float32
	var err error
	panicErr := exceptions.TryCatch[error](func() {
		policies, values, err = s.evaluator.Evaluate(states)
	})
	if panicErr != nil {
		err = panicErr
	}
	if err == nil && (len(policies) != len(batch) || len(values) != len(batch)) {
		err = errors.Errorf("evaluator returned %d policies and %d values for a batch of %d states",
			len(policies), len(values), len(batch))
	}
	s.numBatches.Add(1)

	if err != nil {
		s.numFailedBatches.Add(1)
		klog.Errorf("batcher: evaluation of a batch of %d states failed: %v", len(batch), err)
		failure := errors.Wrapf(ErrBatchFailed, "batch of %d states: %v", len(batch), err)
		for _, req := range batch {
			req.reply <- response{err: failure}
		}
		return
	}

	for ii, req := range batch {
		req.reply <- response{result: Result{Policy: policies[ii], Value: values[ii]}}
	}
	s.numRequests.Add(int64(len(batch)))
	klog.V(2).Infof("batcher: evaluated batch of %d states in %s", len(batch), time.Since(start))
}
