package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tolam-Earth/integration-services/internal/asset"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestLocal(t *testing.T) {
	l := NewLocal(2)
	ctx := context.Background()
	ch, _ := l.Subscribe(ctx)
	msg := []byte("a")
	if err := l.Send(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg[0] = 'z'
	if got := <-ch; string(got) != "a" {
		t.Errorf("got %q, want a copy of the sent bytes", got)
	}

	l.Send(ctx, []byte("b"))
	l.Send(ctx, []byte("c"))
	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Send(full, []byte("d")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("send on full bus err = %v", err)
	}
	l.Close()
	l.Close()
	<-ch
	<-ch
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}

func TestWSSubscriberReceivesAndReconnects(t *testing.T) {
	upgr := websocket.Upgrader{}
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		wc, err := upgr.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wc.Close()
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		wc.WriteMessage(websocket.TextMessage, []byte("ignored"))
		wc.WriteMessage(websocket.BinaryMessage, []byte{byte(n)})
		if n > 1 {
			// hold the second connection open until the client leaves
			wc.ReadMessage()
		}
	}))
	defer srv.Close()

	s := NewWSSubscriber(wsURL(srv), http.Header{"Authorization": {"secret"}}, discardLogger())
	s.retryDelay = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for want := byte(1); want <= 2; want++ {
		select {
		case got := <-ch:
			if len(got) != 1 || got[0] != want {
				t.Fatalf("got %v, want [%d]", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", want)
		}
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unexpected message after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Error("channel not closed after cancel")
	}
}

func TestWSSubscriberDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	s := NewWSSubscriber(wsURL(srv), nil, discardLogger())
	if _, err := s.Subscribe(context.Background()); !errors.Is(err, asset.ErrTransientIO) {
		t.Errorf("err = %v, want ErrTransientIO", err)
	}
}

func TestWSChannelSend(t *testing.T) {
	upgr := websocket.Upgrader{}
	got := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wc, err := upgr.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wc.Close()
		for {
			op, msg, err := wc.ReadMessage()
			if err != nil {
				return
			}
			if op == websocket.BinaryMessage {
				got <- msg
			}
		}
	}))
	defer srv.Close()

	c := NewWSChannel(wsURL(srv), nil)
	defer c.Close()
	ctx := context.Background()
	for _, m := range []string{"one", "two"} {
		if err := c.Send(ctx, []byte(m)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"one", "two"} {
		select {
		case m := <-got:
			if string(m) != want {
				t.Errorf("got %q, want %q", m, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestWSChannelDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := NewWSChannel(wsURL(srv), nil)
	if err := c.Send(context.Background(), []byte("x")); !errors.Is(err, asset.ErrTransientIO) {
		t.Errorf("err = %v, want ErrTransientIO", err)
	}
}
