package events_test

import (
	"testing"
	"time"

	"github.com/resonance-music/resonance/internal/events"
)

func TestBusSubscribePublish(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe("test1", events.PlayerStatus)

	bus.Publish(events.PlayerStatus, "hello")

	select {
	case got := <-ch:
		if got.Channel != events.PlayerStatus || got.Data != "hello" {
			t.Errorf("got %+v, want player.status/hello", got)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusPatternDelivery(t *testing.T) {
	bus := events.NewBus()
	all := bus.Subscribe("all", "*")
	players := bus.Subscribe("players", "player.*")
	scan := bus.Subscribe("scan", "library.scan.*")

	bus.Publish(events.PlayerConnected, nil)

	for name, ch := range map[string]<-chan events.Event{"all": all, "players": players} {
		select {
		case got := <-ch:
			if got.Channel != events.PlayerConnected {
				t.Errorf("%s: got channel %q", name, got.Channel)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("%s: timed out", name)
		}
	}
	select {
	case got := <-scan:
		t.Errorf("scan subscriber received %+v", got)
	default:
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe("unsub", "*")

	bus.Unsubscribe("unsub")

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBusDropsEventsWhenFull(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe("slow-reader", "*")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(events.PlayerStatus, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Publish blocked for too long (should drop events)")
	}

	bus.Unsubscribe("slow-reader")
	_ = ch
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, channel string
		want             bool
	}{
		{"player.status", "player.status", true},
		{"player.status", "player.connected", false},
		{"*", "anything.at.all", true},
		{"player.*", "player.status", true},
		{"player.*", "player.track_finished", true},
		{"player.*", "player", false},
		{"player.*", "player.a.b", false},
		{"library.scan.*", "library.scan.progress", true},
		{"library.scan.*", "library.scan", false},
	}
	for _, tt := range tests {
		if got := events.Match(tt.pattern, tt.channel); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.channel, got, tt.want)
		}
	}
}
