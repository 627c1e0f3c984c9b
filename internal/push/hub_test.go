package push

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func receive(t *testing.T, sub *Subscription) (Payload, bool) {
	t.Helper()
	select {
	case p := <-sub.C():
		return p, true
	case <-time.After(50 * time.Millisecond):
		return Payload{}, false
	}
}

func TestPublishScoped(t *testing.T) {
	hub := NewHub()
	lead := hub.Subscribe("L1")
	other := hub.Subscribe("L2")
	all := hub.Subscribe(Wildcard)
	broadcastOnly := hub.Subscribe("")
	defer lead.Close()
	defer other.Close()
	defer all.Close()
	defer broadcastOnly.Close()

	hub.Publish(Payload{Type: TypeMarkdown, Content: "hello"}, "L1")

	if p, ok := receive(t, lead); !ok || p.Content != "hello" || p.Scope != "L1" {
		t.Fatalf("scoped subscriber missed payload: %+v %v", p, ok)
	}
	if _, ok := receive(t, all); !ok {
		t.Fatalf("wildcard subscriber missed payload")
	}
	if _, ok := receive(t, other); ok {
		t.Fatalf("other scope should not receive payload")
	}
	if _, ok := receive(t, broadcastOnly); ok {
		t.Fatalf("broadcast-only subscriber should not receive scoped payload")
	}

	hub.Publish(Payload{Type: TypeAlert, Content: "all"}, "")
	for _, sub := range []*Subscription{lead, other, all, broadcastOnly} {
		if _, ok := receive(t, sub); !ok {
			t.Fatalf("broadcast not delivered to %q", sub.Scope())
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := NewHub(WithBuffer(1))
	sub := hub.Subscribe("s")
	defer sub.Close()
	for i := 0; i < 3; i++ {
		hub.Publish(Payload{Content: "x"}, "s")
	}
	if sub.Dropped() != 2 {
		t.Fatalf("expected 2 dropped payloads, got %d", sub.Dropped())
	}
}

func TestCloseRemovesSubscriber(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("s")
	sub.Close()
	sub.Close()
	if hub.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
	if _, ok := <-sub.C(); ok {
		t.Fatalf("channel should be closed")
	}
}

func TestServeWSDeliversFrames(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub.ServeWS())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?scope=L9"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(Payload{Type: TypeWidget, WidgetType: "oracle-input", Content: "<div/>"}, "L9")

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Event != "canvas_update" || frame.Payload.WidgetType != "oracle-input" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}
