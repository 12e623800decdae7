package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acgodson/autonomify-sub000/internal/dispatch"
	xerrors "github.com/acgodson/autonomify-sub000/internal/errors"
	"github.com/acgodson/autonomify-sub000/internal/observability/alerting"
)

type fakeRunner struct {
	processed atomic.Int32
	latency   time.Duration
	fail      xerrors.Code
}

func (f *fakeRunner) Run(ctx context.Context, _ string, call dispatch.StructuredCall) dispatch.ExecuteResult {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
		}
	}
	f.processed.Add(1)
	if f.fail != "" {
		return dispatch.ExecuteResult{Error: &dispatch.ExecuteError{
			Code:     f.fail,
			Message:  "boom",
			Stage:    dispatch.StageWriting,
			Function: call.FunctionName,
		}}
	}
	return dispatch.ExecuteResult{Success: true, TxHash: "0xfeed"}
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	runner := &fakeRunner{latency: 10 * time.Millisecond}

	service := NewService(store, queue)
	processor := NewProcessor(runner, store, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		req := SubmitRequest{AgentID: "0xabc", Call: sampleCall(fmt.Sprintf("fn%d", i))}
		if _, err := service.Submit(ctx, req); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := store.Stats(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", runner.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
	if got := int(runner.processed.Load()); got != total {
		t.Fatalf("expected each task to run once, ran %d", got)
	}
}

func TestProcessorRunsFailedTaskOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runner := &fakeRunner{fail: xerrors.CodeSigningFailure}
	alerter := &recordingAlerter{}
	processor := NewProcessor(runner, store, nil, WithAlertDispatcher(alerter))

	if err := store.Create(ctx, &Task{ID: "t1", AgentID: "0xabc", Call: sampleCall("transfer")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.Handle(ctx, "t1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// 重复投递不会再次执行。
	if err := processor.Handle(ctx, "t1"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := runner.processed.Load(); got != 1 {
		t.Fatalf("expected a single run, got %d", got)
	}

	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(xerrors.CodeSigningFailure) {
		t.Fatalf("unexpected task %+v", task)
	}
	if err := processor.Handle(ctx, "missing"); err != nil {
		t.Fatalf("missing task should be skipped: %v", err)
	}
}

func TestProcessorAlertsOnAlertingCodes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runner := &fakeRunner{fail: xerrors.CodeLoopDetected}
	alerter := &recordingAlerter{}
	processor := NewProcessor(runner, store, nil, WithAlertDispatcher(alerter))

	if err := store.Create(ctx, &Task{ID: "t1", AgentID: "0xabc", Call: sampleCall("transfer")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := processor.Handle(ctx, "t1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(alerter.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerter.events))
	}
	event := alerter.events[0]
	if event.Code != xerrors.CodeLoopDetected || event.TaskID != "t1" || event.Metadata["function"] != "transfer" {
		t.Fatalf("unexpected alert %+v", event)
	}
}
