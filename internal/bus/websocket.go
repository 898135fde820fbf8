package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tolam-Earth/integration-services/internal/asset"
)

const writeTimeout = 10 * time.Second

// WSSubscriber reads binary frames from a websocket endpoint and reconnects
// when the connection drops.
type WSSubscriber struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	logger     *slog.Logger
	buffer     int
	retryDelay time.Duration
}

func NewWSSubscriber(url string, header http.Header, logger *slog.Logger) *WSSubscriber {
	return &WSSubscriber{
		url:        url,
		header:     header,
		dialer:     websocket.DefaultDialer,
		logger:     logger.With("component", "bus-subscriber"),
		buffer:     64,
		retryDelay: 2 * time.Second,
	}
}

// Subscribe dials once synchronously so a bad endpoint fails at startup.
func (s *WSSubscriber) Subscribe(ctx context.Context) (<-chan []byte, error) {
	wc, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", s.url, err, asset.ErrTransientIO)
	}
	out := make(chan []byte, s.buffer)
	go func() {
		defer close(out)
		for {
			err := s.readAll(ctx, wc, out)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("subscription dropped, reconnecting", "url", s.url, "err", err)
			for wc = nil; wc == nil; {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.retryDelay):
				}
				wc, _, err = s.dialer.DialContext(ctx, s.url, s.header)
				if err != nil {
					s.logger.Warn("reconnect failed", "url", s.url, "err", err)
				}
			}
		}
	}()
	return out, nil
}

func (s *WSSubscriber) readAll(ctx context.Context, wc *websocket.Conn, out chan<- []byte) error {
	stop := context.AfterFunc(ctx, func() { wc.Close() })
	defer stop()
	defer wc.Close()
	for {
		op, msg, err := wc.ReadMessage()
		if err != nil {
			return err
		}
		if op != websocket.BinaryMessage {
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WSChannel writes binary frames to a websocket endpoint over one lazily
// dialed connection. A failed write drops the connection; the next Send redials.
type WSChannel struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu sync.Mutex
	wc *websocket.Conn
}

func NewWSChannel(url string, header http.Header) *WSChannel {
	return &WSChannel{url: url, header: header, dialer: websocket.DefaultDialer}
}

func (c *WSChannel) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wc == nil {
		wc, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			return fmt.Errorf("dial %s: %v: %w", c.url, err, asset.ErrTransientIO)
		}
		c.wc = wc
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wc.SetWriteDeadline(deadline)
	if err := c.wc.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		c.wc.Close()
		c.wc = nil
		return fmt.Errorf("write %s: %v: %w", c.url, err, asset.ErrTransientIO)
	}
	return nil
}

// Close sends a close frame and releases the connection.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wc == nil {
		return nil
	}
	c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.wc.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.wc.Close()
	c.wc = nil
	return err
}
