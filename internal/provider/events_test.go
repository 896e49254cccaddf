package provider_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/guidegenie/guidegenie/internal/provider"
)

func TestMemoryBus_deliversAndUnsubscribes(t *testing.T) {
	bus := provider.NewMemoryBus()
	var got []provider.Event
	unsub := bus.Subscribe(func(e provider.Event) { got = append(got, e) })

	uid := uuid.New()
	bus.Publish(context.Background(), provider.Event{Type: provider.EventSignedIn, UserID: uid})
	if len(got) != 1 || got[0].UserID != uid || got[0].At.IsZero() {
		t.Fatalf("unexpected delivery: %+v", got)
	}

	unsub()
	unsub() // idempotent
	bus.Publish(context.Background(), provider.Event{Type: provider.EventSignedOut, UserID: uid})
	if len(got) != 1 {
		t.Errorf("expected no delivery after unsubscribe, got %d events", len(got))
	}
}
