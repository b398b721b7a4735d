package batcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDims = features.Dims{Players: 2, Size: 2}

// markedState returns a state whose first value is marker, so results can be matched to requests.
func markedState(marker float32) *features.BoardTensor {
	state := features.NewBoardTensor(testDims)
	state.Data[0] = marker
	return state
}

// echoEvaluator returns as policy the marker of each state, and records the batch sizes.
// A negative marker makes the whole batch fail.
type echoEvaluator struct {
	mu         sync.Mutex
	batchSizes []int

	// gate, if not nil, blocks Evaluate until it is closed. entered is signaled when Evaluate starts.
	gate, entered chan struct{}

	panics bool
}

func (e *echoEvaluator) Evaluate(states []*features.BoardTensor) (policies, values [][]float32, err error) {
	e.mu.Lock()
	e.batchSizes = append(e.batchSizes, len(states))
	e.mu.Unlock()
	if e.entered != nil {
		select {
		case e.entered <- struct{}{}:
		default:
		}
	}
	if e.gate != nil {
		<-e.gate
	}
	for _, state := range states {
		if state.Data[0] < 0 {
			if e.panics {
				panic(errors.New("negative marker"))
			}
			return nil, nil, errors.New("negative marker")
		}
		policies = append(policies, []float32{state.Data[0]})
		values = append(values, []float32{state.Data[0], -state.Data[0]})
	}
	return
}

func (e *echoEvaluator) BatchSizes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.batchSizes...)
}

func newScheduler(t *testing.T, e *echoEvaluator, opts Options) *Scheduler {
	if opts.BatchDuration == 0 && !opts.ContinuousDrain {
		opts.BatchDuration = time.Millisecond
	}
	s, err := New(e, opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestScheduler_OneResponsePerRequest(t *testing.T) {
	e := &echoEvaluator{}
	s := newScheduler(t, e, Options{})
	require.NoError(t, s.Start())

	const numWorkers, numRequests = 50, 20
	ctx := context.Background()
	var wg sync.WaitGroup
	var numErrors atomic.Int32
	for worker := range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ii := range numRequests {
				marker := float32(worker*numRequests + ii)
				result, err := s.Submit(ctx, markedState(marker))
				if err != nil || result.Policy[0] != marker || result.Value[1] != -marker {
					numErrors.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, numErrors.Load())

	batchSizes := e.BatchSizes()
	assert.LessOrEqual(t, len(batchSizes), numWorkers*numRequests)
	var total int
	for _, size := range batchSizes {
		assert.Positive(t, size, "the evaluator must never be called with an empty batch")
		total += size
	}
	assert.Equal(t, numWorkers*numRequests, total)
	stats := s.Stats()
	assert.Equal(t, int64(numWorkers*numRequests), stats.Requests)
	assert.Equal(t, int64(len(batchSizes)), stats.Batches)
	assert.Equal(t, stats.Requests, s.RequestsServed())
}

func TestScheduler_Batching(t *testing.T) {
	e := &echoEvaluator{}
	s := newScheduler(t, e, Options{})
	ctx := context.Background()

	// Queued while stopped: all served by a single evaluation.
	var pendings []*Pending
	for ii := range 10 {
		p, err := s.Enqueue(ctx, markedState(float32(ii)))
		require.NoError(t, err)
		pendings = append(pendings, p)
	}
	require.NoError(t, s.Start())
	for ii, p := range pendings {
		result, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, float32(ii), result.Policy[0])

		// Waiting again returns the same.
		result, err = p.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, float32(ii), result.Policy[0])
	}
	assert.Equal(t, []int{10}, e.BatchSizes())
	assert.InDelta(t, 10.0, s.Stats().AverageBatchSize(), 1e-9)
}

func TestPending_ConcurrentWait(t *testing.T) {
	e := &echoEvaluator{}
	s := newScheduler(t, e, Options{})
	ctx := context.Background()
	p, err := s.Enqueue(ctx, markedState(3))
	require.NoError(t, err)

	// A Wait that gives up doesn't lose the result.
	shortCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	_, err = p.Wait(shortCtx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	const numWaiters = 8
	results := make([]float32, numWaiters)
	errs := make([]error, numWaiters)
	var wg sync.WaitGroup
	for ii := range numWaiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var result Result
			result, errs[ii] = p.Wait(ctx)
			if errs[ii] == nil {
				results[ii] = result.Policy[0]
			}
		}()
	}
	require.NoError(t, s.Start())
	wg.Wait()
	for ii := range numWaiters {
		require.NoError(t, errs[ii])
		assert.Equal(t, float32(3), results[ii])
	}
	assert.Equal(t, []int{1}, e.BatchSizes())
}

func TestScheduler_MaxBatch(t *testing.T) {
	e := &echoEvaluator{}
	s := newScheduler(t, e, Options{MaxBatch: 4})
	ctx := context.Background()
	var pendings []*Pending
	for ii := range 10 {
		p, err := s.Enqueue(ctx, markedState(float32(ii)))
		require.NoError(t, err)
		pendings = append(pendings, p)
	}
	require.NoError(t, s.Start())
	for ii, p := range pendings {
		result, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, float32(ii), result.Policy[0])
	}
	assert.Equal(t, []int{4, 4, 2}, e.BatchSizes())
}

func TestScheduler_BatchFailure(t *testing.T) {
	for _, panics := range []bool{false, true} {
		e := &echoEvaluator{panics: panics}
		s := newScheduler(t, e, Options{})
		ctx := context.Background()
		var pendings []*Pending
		for _, marker := range []float32{1, -1, 2} {
			p, err := s.Enqueue(ctx, markedState(marker))
			require.NoError(t, err)
			pendings = append(pendings, p)
		}
		require.NoError(t, s.Start())

		// One bad state fails the whole batch.
		for _, p := range pendings {
			_, err := p.Wait(ctx)
			require.ErrorIs(t, err, ErrBatchFailed)
		}
		assert.Equal(t, int64(1), s.Stats().FailedBatches)

		// And the scheduler keeps working.
		result, err := s.Submit(ctx, markedState(3))
		require.NoError(t, err)
		assert.Equal(t, float32(3), result.Policy[0])
		s.Close()
	}
}

func TestScheduler_StopWaitsForEvaluation(t *testing.T) {
	e := &echoEvaluator{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := newScheduler(t, e, Options{})
	require.NoError(t, s.Start())
	ctx := context.Background()

	submitDone := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, markedState(1))
		submitDone <- err
	}()
	<-e.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while an evaluation was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	close(e.gate)
	<-stopped
	require.NoError(t, <-submitDone)
	assert.False(t, s.IsRunning())

	// While stopped nothing is served.
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := s.Submit(timeoutCtx, markedState(2))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Restarting serves again; the abandoned request is answered but never evaluated.
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	result, err := s.Submit(ctx, markedState(3))
	require.NoError(t, err)
	assert.Equal(t, float32(3), result.Policy[0])
	assert.Equal(t, []int{1, 1}, e.BatchSizes())
	assert.Equal(t, int64(1), s.Stats().Discarded)
}

func TestScheduler_DiscardAndClose(t *testing.T) {
	e := &echoEvaluator{}
	s := newScheduler(t, e, Options{})
	ctx := context.Background()
	var pendings []*Pending
	for ii := range 3 {
		p, err := s.Enqueue(ctx, markedState(float32(ii)))
		require.NoError(t, err)
		pendings = append(pendings, p)
	}
	assert.Equal(t, 3, s.DiscardPending())
	for _, p := range pendings {
		_, err := p.Wait(ctx)
		require.ErrorIs(t, err, ErrStopped)
	}
	assert.Empty(t, e.BatchSizes())

	p, err := s.Enqueue(ctx, markedState(4))
	require.NoError(t, err)
	s.Close()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, ErrStopped)
	_, err = s.Submit(ctx, markedState(5))
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, s.Start(), ErrStopped)
	assert.Equal(t, int64(4), s.Stats().Discarded)
}

func TestClient(t *testing.T) {
	e := &echoEvaluator{}
	s := newScheduler(t, e, Options{RequestTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	client := s.NewClient()

	// Times out while the loop is stopped.
	_, err := client.Evaluate(ctx, markedState(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Later results are not confused with the abandoned one.
	require.NoError(t, s.Start())
	for ii := range 20 {
		marker := float32(100 + ii)
		result, err := client.Evaluate(ctx, markedState(marker))
		require.NoError(t, err)
		assert.Equal(t, marker, result.Policy[0])
	}
}

func TestScheduler_ContinuousDrain(t *testing.T) {
	e := &echoEvaluator{}
	s := newScheduler(t, e, Options{ContinuousDrain: true})
	require.NoError(t, s.Start())
	ctx := context.Background()
	var wg sync.WaitGroup
	for worker := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := s.NewClient()
			for ii := range 10 {
				marker := float32(worker*10 + ii)
				result, err := client.Evaluate(ctx, markedState(marker))
				assert.NoError(t, err)
				assert.Equal(t, marker, result.Policy[0])
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(80), s.Stats().Requests)
}

func TestNew_InvalidOptions(t *testing.T) {
	e := &echoEvaluator{}
	_, err := New(e, Options{})
	require.Error(t, err)
	_, err = New(e, Options{BatchDuration: time.Millisecond, MaxBatch: -1})
	require.Error(t, err)
	_, err = New(nil, Options{BatchDuration: time.Millisecond})
	require.Error(t, err)
}
