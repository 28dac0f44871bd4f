package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"p2pcall/native/internal/domain"

	"github.com/gorilla/websocket"
)

// newEchoRelay starts a relay that writes every message back to its sender.
func newEchoRelay(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1"})

	err := c.Send(context.Background(), EventP2P, []byte("x"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_RoundTrip(t *testing.T) {
	c := NewClient(ClientConfig{URL: newEchoRelay(t), PingInterval: 10 * time.Millisecond})
	defer c.Close()

	got := make(chan []byte, 1)
	c.On(EventP2P, func(payload []byte) { got <- payload })
	c.On("other", func([]byte) { t.Error("unexpected event") })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Send(context.Background(), EventP2P, []byte(`{"method":"kill"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case payload := <-got:
		if string(payload) != `{"method":"kill"}` {
			t.Errorf("unexpected payload %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	c := NewClient(ClientConfig{URL: newEchoRelay(t)})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Close()
	c.Close()

	if err := c.Send(context.Background(), EventP2P, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_ChannelOverRelay(t *testing.T) {
	c := NewClient(ClientConfig{URL: newEchoRelay(t), IsAlice: true})
	defer c.Close()
	ch := NewChannel(c)
	defer ch.Close()

	got := make(chan domain.Command, 1)
	ch.OnCommand(func(_ context.Context, cmd domain.Command) { got <- cmd })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ch.Send(context.Background(), domain.Command{Method: domain.MethodDecline, AdditionalData: "sid-9"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case cmd := <-got:
		if cmd.Method != domain.MethodDecline || cmd.AdditionalData != "sid-9" {
			t.Errorf("unexpected command %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestClient_DoneWhenRelayDrops(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected Done after the relay dropped the connection")
	}
	if err := c.Send(context.Background(), EventP2P, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
