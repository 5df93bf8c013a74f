package events

import (
	"testing"
	"time"

	"github.com/aristath/conductor/internal/task"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 4)
	schedCh := bus.Subscribe(TopicScheduler, 4)

	bus.Publish(TopicTask, TaskTransitionedEvent{
		ID:   "t1",
		From: task.StatusPending,
		To:   task.StatusReady,
	})

	select {
	case ev := <-taskCh:
		if ev.TaskID() != "t1" || ev.EventType() != EventTypeTaskTransitioned {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("task subscriber received nothing")
	}

	select {
	case ev := <-schedCh:
		t.Errorf("scheduler subscriber received a task event: %+v", ev)
	default:
	}
}

func TestSubscribeAllReceivesEveryTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(4)

	bus.Publish(TopicTask, IterationStartedEvent{ID: "t1", Iteration: 1})
	bus.Publish(TopicScheduler, SchedulerProgressEvent{ProjectID: "p1", Total: 3})

	got := 0
	for got < 2 {
		select {
		case <-all:
			got++
		case <-time.After(time.Second):
			t.Fatalf("received %d events, want 2", got)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TopicTask, IterationStartedEvent{ID: "t1", Iteration: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The one buffered event is still deliverable.
	select {
	case <-ch:
	default:
		t.Error("buffered event lost")
	}
}

func TestCloseIsIdempotentAndClosesChannels(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 1)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel not closed")
	}

	// Publishing and subscribing after close are harmless.
	bus.Publish(TopicTask, IterationStartedEvent{ID: "t1"})
	if _, ok := <-bus.Subscribe(TopicTask, 1); ok {
		t.Error("post-close subscription not closed")
	}
}
