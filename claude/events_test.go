package claude

import (
	"slices"
	"testing"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	var b Bus
	var got []string
	b.Subscribe(func(Event) { got = append(got, "first") })
	b.Subscribe(func(Event) { got = append(got, "second") })

	b.Publish(Event{Kind: EventRaw})

	if want := []string{"first", "second"}; !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestBus_OnAndOnTypeFilter(t *testing.T) {
	var b Bus
	var results, assistantMsgs, all int
	b.On(EventResult, func(Event) { results++ })
	b.OnType("assistant", func(Event) { assistantMsgs++ })
	b.Subscribe(func(Event) { all++ })

	b.Publish(Event{Kind: EventResult})
	b.Publish(Event{Kind: EventMessage, Type: "assistant"})
	b.Publish(Event{Kind: EventMessage, Type: "result"})
	b.Publish(Event{Kind: EventAssistant})

	if results != 1 || assistantMsgs != 1 || all != 4 {
		t.Errorf("results=%d assistantMsgs=%d all=%d", results, assistantMsgs, all)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	var b Bus
	calls := 0
	unsub := b.Subscribe(func(Event) { calls++ })

	b.Publish(Event{})
	unsub()
	unsub()
	b.Publish(Event{})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0", b.Len())
	}
}

func TestBus_UnsubscribeDuringDelivery(t *testing.T) {
	var b Bus
	var secondCalls int
	var unsubSecond func()

	b.Subscribe(func(Event) { unsubSecond() })
	unsubSecond = b.Subscribe(func(Event) { secondCalls++ })

	b.Publish(Event{})
	b.Publish(Event{})

	if secondCalls != 0 {
		t.Errorf("listener removed mid-delivery was called %d times", secondCalls)
	}
}

func TestBus_SubscribeDuringDelivery(t *testing.T) {
	var b Bus
	late := 0
	subscribed := false
	b.Subscribe(func(Event) {
		if !subscribed {
			subscribed = true
			b.Subscribe(func(Event) { late++ })
		}
	})

	b.Publish(Event{})
	if late != 0 {
		t.Errorf("listener added mid-delivery saw the current event")
	}
	b.Publish(Event{})
	if late != 1 {
		t.Errorf("late = %d, want 1", late)
	}
}
