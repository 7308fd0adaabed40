package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mgleason/proctor-stream/internal/api"
	"github.com/mgleason/proctor-stream/internal/model"
	"github.com/mgleason/proctor-stream/internal/router"
	"github.com/mgleason/proctor-stream/internal/session"
)

// Broadcast events that settle a wait.
const (
	EventCompleted = "prediction_completed"
	EventFailed    = "prediction_failed"
)

// Errors
var (
	// ErrTimeout reports that neither an event nor a successful poll arrived
	// within the wait deadline.
	ErrTimeout = errors.New("prediction wait timed out")

	// ErrNotFound reports that the poll loop exhausted its attempts without
	// the service ever acknowledging the prediction id.
	ErrNotFound = errors.New("prediction never observed")

	// ErrAlreadyWaiting rejects a second concurrent wait for an id that
	// already has a waiter registered.
	ErrAlreadyWaiting = errors.New("prediction already has a waiter")
)

// RemoteError reports a prediction that reached a terminal failed state on
// the service side.
type RemoteError struct {
	PredictionID string
	Message      string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("prediction %s failed remotely: %s", e.PredictionID, e.Message)
}

// Fetcher fetches the current state of a single prediction. *api.Client
// satisfies this.
type Fetcher interface {
	GetPrediction(ctx context.Context, id string) (*model.Prediction, error)
}

// Config configures a Tracker.
type Config struct {
	PollInterval time.Duration // Fallback poll cadence, default 2s
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
	}
}

type outcome struct {
	result json.RawMessage
	err    error
}

type wait struct {
	id     string
	ch     chan outcome // buffered; receives exactly one outcome
	cancel context.CancelFunc

	fetches  atomic.Int64 // completed fetch attempts
	observed atomic.Bool  // service acknowledged the id at least once
}

// Tracker tracks outstanding prediction waits and settles each exactly once.
type Tracker struct {
	cfg     Config
	fetcher Fetcher
	done    <-chan struct{}
	logger  *slog.Logger

	mu    sync.Mutex
	waits map[string]*wait

	subs []*router.Subscription
}

// New creates a Tracker and subscribes it to the completion events on r.
// The done channel, typically session.Done(), fails outstanding waits when
// the session closes for good.
func New(cfg Config, r *router.Router, fetcher Fetcher, done <-chan struct{}, logger *slog.Logger) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		cfg:     cfg,
		fetcher: fetcher,
		done:    done,
		logger:  logger,
		waits:   make(map[string]*wait),
	}
	t.subs = []*router.Subscription{
		r.Subscribe(EventCompleted, t.onEvent),
		r.Subscribe(EventFailed, t.onEvent),
	}
	return t
}

// Close detaches the Tracker from the router. Outstanding waits are not
// interrupted; they settle through their poll, timeout, or done paths.
func (t *Tracker) Close() {
	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
}

// Outstanding returns the number of registered waits.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waits)
}

// Wait blocks until the prediction reaches a terminal state, the timeout
// elapses, ctx is canceled, or the session closes. It returns the prediction
// result on success. A concurrent Wait for the same id returns
// ErrAlreadyWaiting.
func (t *Tracker) Wait(ctx context.Context, id string, timeout time.Duration) (json.RawMessage, error) {
	t.mu.Lock()
	if _, exists := t.waits[id]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyWaiting, id)
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	w := &wait{
		id:     id,
		ch:     make(chan outcome, 1),
		cancel: cancel,
	}
	t.waits[id] = w
	t.mu.Unlock()

	go t.poll(pollCtx, w, timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Every branch below reads w.ch: if this branch lost the settlement race,
	// the winner's outcome is already buffered there.
	select {
	case out := <-w.ch:
		return out.result, out.err
	case <-timer.C:
		// The deadline arbitrates between the two exhaustion outcomes:
		// ErrNotFound only when polling completed at least one fetch without
		// the service ever acknowledging the id, ErrTimeout otherwise.
		if w.fetches.Load() > 0 && !w.observed.Load() {
			t.settle(w, outcome{err: fmt.Errorf("%w: %s", ErrNotFound, id)})
		} else {
			t.settle(w, outcome{err: fmt.Errorf("%w: %s", ErrTimeout, id)})
		}
	case <-t.done:
		t.settle(w, outcome{err: session.ErrClosed})
	case <-ctx.Done():
		t.settle(w, outcome{err: ctx.Err()})
	}

	out := <-w.ch
	return out.result, out.err
}

// settle delivers the outcome for w if it is still registered. The first
// caller to remove the wait from the map wins; all others are no-ops.
func (t *Tracker) settle(w *wait, out outcome) bool {
	t.mu.Lock()
	cur, ok := t.waits[w.id]
	if !ok || cur != w {
		t.mu.Unlock()
		return false
	}
	delete(t.waits, w.id)
	t.mu.Unlock()

	w.cancel()
	w.ch <- out
	return true
}

// onEvent handles prediction_completed and prediction_failed broadcasts.
func (t *Tracker) onEvent(event string, data json.RawMessage, seq int64) {
	var p model.Prediction
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		t.logger.Debug("ignoring malformed prediction event", "event", event, "seq", seq)
		return
	}

	t.mu.Lock()
	w, ok := t.waits[p.ID]
	t.mu.Unlock()
	if !ok {
		return
	}

	switch event {
	case EventCompleted:
		if t.settle(w, outcome{result: p.Result}) {
			t.logger.Debug("wait settled by event", "prediction_id", p.ID, "event", event)
		}
	case EventFailed:
		if t.settle(w, outcome{err: &RemoteError{PredictionID: p.ID, Message: p.Error}}) {
			t.logger.Debug("wait settled by event", "prediction_id", p.ID, "event", event)
		}
	}
}

// poll is the fallback loop. It runs a bounded number of fetch attempts
// spaced PollInterval apart and stops as soon as the wait settles. It only
// settles terminal states and fetch failures; on exhaustion it records what
// it saw on w and leaves the verdict to the deadline branch in Wait.
func (t *Tracker) poll(ctx context.Context, w *wait, timeout time.Duration) {
	attempts := int(timeout / t.cfg.PollInterval)

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.PollInterval):
		}

		p, err := t.fetcher.GetPrediction(ctx, w.id)
		if err != nil {
			if api.IsNotFound(err) {
				w.fetches.Add(1)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.settle(w, outcome{err: fmt.Errorf("fetch prediction %s: %w", w.id, err)})
			return
		}

		w.fetches.Add(1)
		w.observed.Store(true)
		if !p.IsTerminal() {
			continue
		}

		if p.Status == model.StatusFailed {
			t.settle(w, outcome{err: &RemoteError{PredictionID: w.id, Message: p.Error}})
		} else {
			t.settle(w, outcome{result: p.Result})
		}
		t.logger.Debug("wait settled by poll", "prediction_id", w.id, "status", p.Status, "attempt", i+1)
		return
	}
}
