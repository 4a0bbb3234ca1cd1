package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"X402-Chain/internal/agent"
	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/observability/alerting"
)

type scriptedExecutor struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *scriptedExecutor) Execute(_ context.Context, job *Job) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"id":"` + job.ID + `"}`), nil
}

type sliceProducer struct {
	ids []string
}

func (p *sliceProducer) Publish(_ context.Context, id string) error {
	p.ids = append(p.ids, id)
	return nil
}

func (p *sliceProducer) Close() error { return nil }

func (p *sliceProducer) pop() (string, bool) {
	if len(p.ids) == 0 {
		return "", false
	}
	id := p.ids[0]
	p.ids = p.ids[1:]
	return id, true
}

type recordingDispatcher struct {
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.events = append(r.events, event)
	return nil
}

func drain(t *testing.T, p *Processor, producer *sliceProducer) {
	t.Helper()
	for {
		id, ok := producer.pop()
		if !ok {
			return
		}
		require.NoError(t, p.Handle(context.Background(), id))
	}
}

func submit(t *testing.T, svc *Service) *Job {
	t.Helper()
	req, err := NewRequest(KindExecuteStrategy, StrategyPayload{StrategyID: "0x01"})
	require.NoError(t, err)
	job, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	return job
}

func TestProcessorRetriesRetryableErrors(t *testing.T) {
	store := NewMemoryStore()
	producer := &sliceProducer{}
	exec := &scriptedExecutor{results: []error{agent.ErrSlippageExceeded, agent.ErrInsufficientOutput}}
	alerts := &recordingDispatcher{}
	p := NewProcessor(exec, store, nil, producer, WithAlertDispatcher(alerts))

	job := submit(t, NewService(store, producer, 3))
	drain(t, p, producer)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.JSONEq(t, `{"id":"`+job.ID+`"}`, string(got.Result))
	assert.Empty(t, alerts.events)
}

func TestProcessorStopsAfterMaxRetries(t *testing.T) {
	store := NewMemoryStore()
	producer := &sliceProducer{}
	exec := &scriptedExecutor{results: []error{agent.ErrFeeExceedsCap, agent.ErrFeeExceedsCap, agent.ErrFeeExceedsCap, nil}}
	alerts := &recordingDispatcher{}
	p := NewProcessor(exec, store, nil, producer, WithAlertDispatcher(alerts))

	job := submit(t, NewService(store, producer, 0))
	drain(t, p, producer)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, DefaultMaxRetries, got.Attempts)
	assert.Equal(t, string(agent.CodeFeeExceedsCap), got.ErrorCode)
	assert.Equal(t, 3, exec.calls)
	require.Len(t, alerts.events, 1)
	assert.Equal(t, "terminal", alerts.events[0].Metadata["stage"])
	assert.Equal(t, job.ID, alerts.events[0].JobID)
}

func TestProcessorDoesNotRetryPermanentErrors(t *testing.T) {
	store := NewMemoryStore()
	producer := &sliceProducer{}
	exec := &scriptedExecutor{results: []error{agent.ErrNotExecutor}}
	p := NewProcessor(exec, store, nil, producer)

	job := submit(t, NewService(store, producer, 3))
	drain(t, p, producer)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, exec.calls)

	// 终态任务再次投递会被跳过。
	require.NoError(t, p.Handle(context.Background(), job.ID))
	assert.Equal(t, 1, exec.calls)
}

func TestServiceSubmitValidatesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &sliceProducer{}
	svc := NewService(store, producer, 3)

	_, err := svc.Submit(ctx, Request{Kind: "transfer", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, CodeJobValidation, xerrors.CodeOf(err))
	_, err = svc.Submit(ctx, Request{Kind: KindExecuteOrder, Payload: json.RawMessage(`{`)})
	assert.Equal(t, CodeJobValidation, xerrors.CodeOf(err))

	first, err := svc.Submit(ctx, Request{ID: "fixed", Kind: KindExecuteOrder, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	second, err := svc.Submit(ctx, Request{ID: "fixed", Kind: KindExecuteOrder, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, producer.ids, 1)
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                           { return nil }

func TestServiceMarksUnpublishableJobs(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{}, 3)
	_, err := svc.Submit(context.Background(), Request{ID: "lost", Kind: KindExecuteOrder, Payload: json.RawMessage(`{}`)})
	assert.Equal(t, CodeJobPublish, xerrors.CodeOf(err))

	got, err := store.Get(context.Background(), "lost")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

type countingExecutor struct {
	processed atomic.Int32
}

func (c *countingExecutor) Execute(context.Context, *Job) (json.RawMessage, error) {
	c.processed.Add(1)
	return json.RawMessage(`{}`), nil
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &countingExecutor{}
	svc := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	const total = 100
	for i := 0; i < total; i++ {
		submit(t, svc)
	}
	require.Eventually(t, func() bool {
		stats, err := svc.Stats(ctx)
		return err == nil && stats.Succeeded == total
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(total), exec.processed.Load())
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
