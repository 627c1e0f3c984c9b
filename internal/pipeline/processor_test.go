package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "gravity-claw/internal/errors"
)

type fakeIntaker struct {
	mu     sync.Mutex
	events []IntakeEvent
	err    error
	done   chan struct{}
}

func (f *fakeIntaker) Intake(_ context.Context, leadID, address string, payload map[string]any) (State, error) {
	f.mu.Lock()
	f.events = append(f.events, IntakeEvent{LeadID: leadID, Address: address, Payload: payload})
	f.mu.Unlock()
	f.done <- struct{}{}
	if f.err != nil {
		return State{}, f.err
	}
	return State{LeadID: leadID, Address: address, Status: StatusAwaitingOracle}, nil
}

func TestProcessorConsumesMemoryQueue(t *testing.T) {
	queue := NewMemoryQueue(4)
	engine := &fakeIntaker{done: make(chan struct{}, 4)}
	alerts := &alertRecorder{}
	processor := NewProcessor(engine, queue, WithWorkerCount(2), WithAlertDispatcher(alerts))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- processor.Start(ctx) }()

	if err := queue.Publish(ctx, IntakeEvent{LeadID: "L-1", Address: "1 Main St", Payload: map[string]any{"source": "fello"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-engine.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("event was not consumed")
	}
	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.events) != 1 || engine.events[0].Address != "1 Main St" || engine.events[0].Payload["source"] != "fello" {
		t.Fatalf("unexpected events %+v", engine.events)
	}
	if len(alerts.events) != 0 {
		t.Fatalf("no alert expected on success")
	}
}

func TestProcessorAlertsOnIntakeFailure(t *testing.T) {
	engine := &fakeIntaker{done: make(chan struct{}, 1), err: xerrors.New(xerrors.CodeConflict, "dup")}
	alerts := &alertRecorder{}
	processor := NewProcessor(engine, nil, WithAlertDispatcher(alerts))

	if err := processor.handle(context.Background(), IntakeEvent{LeadID: "L-2", Address: "2 Main St"}); err != nil {
		t.Fatalf("non-retryable failures must not be requeued, got %v", err)
	}
	if len(alerts.events) != 1 || alerts.events[0].Metadata["stage"] != "intake" || alerts.events[0].Subject != "L-2" {
		t.Fatalf("unexpected alerts %+v", alerts.events)
	}
	if err := processor.Start(context.Background()); !xerrors.IsCode(err, xerrors.CodeUnavailable) {
		t.Fatalf("expected UNAVAILABLE without consumer, got %v", err)
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	if err := queue.Publish(context.Background(), IntakeEvent{LeadID: "x"}); err == nil {
		t.Fatalf("expected error publishing to closed queue")
	}
	_ = queue.Close()
}

func TestEventRoundTrip(t *testing.T) {
	data, err := EncodeEvent(IntakeEvent{LeadID: "L-1", Address: "1 Main St", Payload: map[string]any{"price": 10.0}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	event, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if price, ok := PriceFromPayload(event.Payload); !ok || price != 10 {
		t.Fatalf("payload price lost: %+v", event)
	}
	if _, err := DecodeEvent([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}
