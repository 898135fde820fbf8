// Package bus moves opaque binary messages between the orchestrator and its
// marketplace source and downstream sink.
package bus

import (
	"context"
	"sync"
)

// Subscriber delivers inbound messages until ctx is done, then closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// Channel accepts outbound messages.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
}

// Local is an in-process bus. It is both a Subscriber and a Channel, which
// lets a process run without an external broker.
type Local struct {
	ch        chan []byte
	closeOnce sync.Once
}

func NewLocal(buffer int) *Local {
	return &Local{ch: make(chan []byte, buffer)}
}

// Subscribe returns the shared message channel. It is closed by Close.
func (l *Local) Subscribe(ctx context.Context) (<-chan []byte, error) {
	return l.ch, nil
}

// Send blocks until the message is buffered or ctx is done.
func (l *Local) Send(ctx context.Context, msg []byte) error {
	select {
	case l.ch <- append([]byte(nil), msg...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Close() {
	l.closeOnce.Do(func() { close(l.ch) })
}
