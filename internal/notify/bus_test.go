package notify_test

import (
	"testing"

	"escrowline/internal/notify"
)

func TestPublishOrder(t *testing.T) {
	bus := notify.NewBus()
	var got []notify.Kind
	bus.Subscribe(func(n notify.Notification) { got = append(got, n.Kind) })
	bus.Subscribe(func(n notify.Notification) { got = append(got, n.Kind) })

	bus.Publish(notify.Notification{Kind: notify.OrderFunded})
	bus.Publish(notify.Notification{Kind: notify.MilestonePaid})

	want := []notify.Kind{notify.OrderFunded, notify.OrderFunded, notify.MilestonePaid, notify.MilestonePaid}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNilHandlerIgnored(t *testing.T) {
	bus := notify.NewBus()
	bus.Subscribe(nil)
	bus.Publish(notify.Notification{Kind: notify.OrderCreated})
}

func TestNilBusPublish(t *testing.T) {
	var bus *notify.Bus
	bus.Publish(notify.Notification{Kind: notify.OrderCreated})
}
