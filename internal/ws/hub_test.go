package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	got    []string
	fail   bool
	closed bool
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.got = append(f.got, string(payload))
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func TestHubSubscribeAcknowledgesOnlySubscriber(t *testing.T) {
	hub := NewHub(nil)
	a, b := &fakeSubscriber{}, &fakeSubscriber{}
	hub.Subscribe(b, "dep-1")
	hub.Subscribe(a, "dep-1")

	want := []string{`{"type":"subscribed","channel":"dep-1"}`}
	if diff := cmp.Diff(want, a.messages()); diff != "" {
		t.Fatalf("ack mismatch (-want +got):\n%s", diff)
	}
	if got := len(b.messages()); got != 1 {
		t.Fatalf("expected b to see only its own ack, got %d messages", got)
	}
}

func TestHubSubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	sub := &fakeSubscriber{}
	hub.Subscribe(sub, "dep-1")
	hub.Subscribe(sub, "dep-1")

	if n := hub.Subscribers("dep-1"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	if delivered := hub.Publish("dep-1", []byte("line")); delivered != 1 {
		t.Fatalf("expected single delivery, got %d", delivered)
	}
	msgs := sub.messages()
	if len(msgs) != 3 || msgs[2] != "line" {
		t.Fatalf("unexpected messages %v", msgs)
	}
}

func TestHubPublishWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub(nil)
	if delivered := hub.Publish("nobody", []byte("x")); delivered != 0 {
		t.Fatalf("expected 0 deliveries, got %d", delivered)
	}
}

func TestHubPublishRoutesByChannel(t *testing.T) {
	hub := NewHub(nil)
	one, two := &fakeSubscriber{}, &fakeSubscriber{}
	hub.Subscribe(one, "dep-1")
	hub.Subscribe(two, "dep-2")

	hub.Publish("dep-1", []byte("for-one"))

	if msgs := two.messages(); len(msgs) != 1 {
		t.Fatalf("dep-2 subscriber received foreign payload: %v", msgs)
	}
	if msgs := one.messages(); msgs[len(msgs)-1] != "for-one" {
		t.Fatalf("dep-1 subscriber missed payload: %v", msgs)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub(nil)
	good, bad := &fakeSubscriber{}, &fakeSubscriber{}
	hub.Subscribe(good, "dep-1")
	hub.Subscribe(bad, "dep-1")
	bad.mu.Lock()
	bad.fail = true
	bad.mu.Unlock()

	if delivered := hub.Publish("dep-1", []byte("x")); delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if n := hub.Subscribers("dep-1"); n != 1 {
		t.Fatalf("expected failing subscriber to be dropped, have %d", n)
	}
	bad.mu.Lock()
	closed := bad.closed
	bad.mu.Unlock()
	if !closed {
		t.Fatalf("expected failing subscriber to be closed")
	}
}

func TestHubUnsubscribeAndRemove(t *testing.T) {
	hub := NewHub(nil)
	sub := &fakeSubscriber{}
	hub.Subscribe(sub, "dep-1")
	hub.Subscribe(sub, "dep-2")

	hub.Unsubscribe(sub, "dep-1")
	hub.Unsubscribe(sub, "never-joined")
	if hub.Subscribers("dep-1") != 0 || hub.Subscribers("dep-2") != 1 {
		t.Fatalf("unexpected membership after unsubscribe")
	}

	hub.Remove(sub)
	hub.Remove(sub)
	if hub.Subscribers("dep-2") != 0 {
		t.Fatalf("expected no subscribers after remove")
	}
}

func TestSSEClientServeWritesEventsAndHeartbeats(t *testing.T) {
	hub := NewHub(nil)
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, nil, 4)
	hub.Subscribe(client, "dep-1")
	hub.Publish("dep-1", []byte(`{"type":"log"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	client.Serve(ctx, hub, 30*time.Millisecond)

	body := rec.Body.String()
	wantPrefix := "data: {\"type\":\"subscribed\",\"channel\":\"dep-1\"}\n\ndata: {\"type\":\"log\"}\n\n"
	if !strings.HasPrefix(body, wantPrefix) {
		t.Fatalf("unexpected body %q", body)
	}
	if !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("expected a heartbeat frame, got %q", body)
	}
	if hub.Subscribers("dep-1") != 0 {
		t.Fatalf("expected client removed after Serve returns")
	}
	if err := client.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Serve, got %v", err)
	}
}

type stalledWriter struct {
	release chan struct{}
}

func (w stalledWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func (stalledWriter) Flush() {}

func TestHubPublishDoesNotBlockOnStalledSSEClient(t *testing.T) {
	hub := NewHub(nil)
	w := stalledWriter{release: make(chan struct{})}
	client := NewSSEClient(w, w, nil, 2)
	hub.Subscribe(client, "dep-1")

	served := make(chan struct{})
	go func() {
		defer close(served)
		client.Serve(context.Background(), hub, time.Hour)
	}()

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 5; i++ {
			hub.Publish("dep-1", []byte(`{"type":"log"}`))
		}
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a stalled SSE subscriber")
	}
	if hub.Subscribers("dep-1") != 0 {
		t.Fatalf("expected stalled subscriber to be dropped once its queue filled")
	}

	close(w.release)
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatalf("Serve did not return after the client was dropped")
	}
}

func TestWebsocketClientSubscribesAndReceives(t *testing.T) {
	hub := NewHub(nil)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, nil, 8)
		go client.ReadLoop(hub)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]string{"action": "subscribe", "channel": "dep-9"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ackMsg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if string(ackMsg) != `{"type":"subscribed","channel":"dep-9"}` {
		t.Fatalf("unexpected ack %s", ackMsg)
	}

	hub.Publish("dep-9", []byte("hello"))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("unexpected payload %s", msg)
	}
}

func TestRedisBridgeRelaysToLocalHub(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer srv.Close()
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	hub := NewHub(nil)
	sub := &fakeSubscriber{}
	hub.Subscribe(sub, "dep-1")

	bridge := NewRedisBridge(client, hub, "peep:logs:", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	select {
	case <-bridge.Ready():
	case err := <-done:
		t.Fatalf("bridge stopped early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("bridge never subscribed")
	}

	if err := bridge.Broadcast(ctx, "dep-1", []byte("relayed")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msgs := sub.messages()
		if len(msgs) == 2 && msgs[1] == "relayed" {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("payload not relayed, got %v", sub.messages())
}
