// Package pipeline runs the mint and marketplace pipelines. Each consumes its
// source sequentially: an item's persistence and publish finish before the next
// item starts, and a failing item is logged and skipped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/metrics"
)

type State int

const (
	Uninitialized State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Running:
		return "RUNNING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Item outcomes recorded in orchestrator_items_total.
const (
	statusOK      = "ok"
	statusRepeat  = "repeat"
	statusSkipped = "skipped"
)

// runner holds what both pipelines share: the start guard, subscribers and
// per-item error isolation.
type runner struct {
	name   string
	logger *slog.Logger
	done   chan struct{}

	mu      sync.Mutex
	state   State
	subs    map[int]chan asset.Asset
	nextSub int
}

func newRunner(name string, logger *slog.Logger) *runner {
	return &runner{
		name:   name,
		logger: logger.With("component", name+"-pipeline"),
		done:   make(chan struct{}),
		subs:   make(map[int]chan asset.Asset),
	}
}

// State reports whether the pipeline has been started.
func (r *runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the pipeline's source is exhausted or its context ends.
func (r *runner) Done() <-chan struct{} { return r.done }

// Subscribe registers a consumer of every successfully published asset.
// A subscriber whose buffer is full misses items rather than stalling the
// pipeline. The returned func detaches the subscriber; the pipeline keeps running.
func (r *runner) Subscribe(buffer int) (<-chan asset.Asset, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan asset.Asset, buffer)
	r.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
}

// begin moves the pipeline to Running exactly once.
func (r *runner) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Running {
		return fmt.Errorf("%s pipeline: %w", r.name, asset.ErrAlreadyInitialized)
	}
	r.state = Running
	return nil
}

// abort undoes begin when the source could not be opened.
func (r *runner) abort() {
	r.mu.Lock()
	r.state = Uninitialized
	r.mu.Unlock()
}

// run drives loop in its own goroutine and closes subscribers when it returns.
func (r *runner) run(loop func()) {
	r.logger.Info("pipeline started")
	go func() {
		defer close(r.done)
		defer r.closeSubscribers()
		loop()
		r.logger.Info("pipeline stopped")
	}()
}

func (r *runner) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}

func (r *runner) emit(a *asset.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- *a.Clone():
		default:
			r.logger.Warn("subscriber lagging, item dropped", "identity", a.Identity.String())
		}
	}
}

// process runs one item and converts any failure into a logged skip.
// fn returns statusOK or statusRepeat on success.
func (r *runner) process(fn func() (string, error), attrs ...any) {
	start := time.Now()
	status, err := fn()
	metrics.ItemDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
	if err != nil {
		status = statusSkipped
		metrics.ItemErrors.WithLabelValues(r.name, asset.KindOf(err)).Inc()
		level := slog.LevelWarn
		if errors.Is(err, asset.ErrUnmappedValue) {
			level = slog.LevelError
		}
		r.logger.Log(context.Background(), level, "item skipped", append(attrs, "kind", asset.KindOf(err), "err", err)...)
	}
	metrics.ItemsTotal.WithLabelValues(r.name, status).Inc()
}
