// Package router implements the Message Router component.
//
// On every inbound frame the router decides whether it is a reply to a
// request the session sent (correlated by sequence number) or a broadcast
// event. Replies settle a pending one-shot channel; events advance the
// resume cursor and fan out to subscribers in registration order. Unknown
// event names are dispatched generically so new server-side event types
// degrade gracefully.
package router

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mgleason/proctor-stream/internal/codec"
)

// Handler receives a broadcast event. Handlers run on the inbound frame
// path, one frame at a time, and must not block.
type Handler func(event string, data json.RawMessage, seq int64)

// Result is the outcome delivered to a pending request: the correlated
// reply, or an error if the reply carried one or the connection was lost.
type Result struct {
	Reply *codec.Reply
	Err   error
}

// Router routes decoded inbound frames to pending requests and subscribers.
type Router struct {
	logger *slog.Logger

	pendingMu sync.Mutex
	pending   map[int64]chan Result

	subsMu  sync.Mutex
	subs    []*Subscription
	nextSub int64

	// resumeSeq is the broadcast sequence to request on (re)connect:
	// one past the last event seen.
	resumeSeq atomic.Int64

	received    atomic.Int64
	replies     atomic.Int64
	events      atomic.Int64
	dropped     atomic.Int64
	parseErrors atomic.Int64
}

// Stats contains runtime statistics.
type Stats struct {
	Received    int64
	Replies     int64
	Events      int64
	Dropped     int64
	ParseErrors int64
	Pending     int
	Subscribers int
}

// New creates a Message Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:  logger,
		pending: make(map[int64]chan Result),
	}
}

// Expect registers a pending request for seq and returns the channel its
// result will arrive on. The channel is buffered so settlement never blocks
// the inbound frame path.
func (r *Router) Expect(seq int64) <-chan Result {
	ch := make(chan Result, 1)
	r.pendingMu.Lock()
	r.pending[seq] = ch
	r.pendingMu.Unlock()
	return ch
}

// Forget removes a pending request, if still registered. Callers use it to
// clean up after a request times out or is abandoned.
func (r *Router) Forget(seq int64) {
	r.pendingMu.Lock()
	delete(r.pending, seq)
	r.pendingMu.Unlock()
}

// FailPending fails every pending request with err. Used on teardown so no
// caller is left waiting on a dead connection.
func (r *Router) FailPending(err error) {
	r.pendingMu.Lock()
	pending := r.pending
	r.pending = make(map[int64]chan Result)
	r.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- Result{Err: err}
	}
}

// Subscribe registers a handler for the named broadcast event. The empty
// name subscribes to all events. Handlers for the same event are invoked in
// registration order.
func (r *Router) Subscribe(event string, fn Handler) *Subscription {
	r.subsMu.Lock()
	r.nextSub++
	sub := &Subscription{id: r.nextSub, event: event, fn: fn, router: r}
	r.subs = append(r.subs, sub)
	r.subsMu.Unlock()
	return sub
}

// ResumeSeq returns the sequence number to present as the resume cursor on
// the next (re)connect.
func (r *Router) ResumeSeq() int64 {
	return r.resumeSeq.Load()
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.pendingMu.Lock()
	pending := len(r.pending)
	r.pendingMu.Unlock()
	r.subsMu.Lock()
	subs := len(r.subs)
	r.subsMu.Unlock()

	return Stats{
		Received:    r.received.Load(),
		Replies:     r.replies.Load(),
		Events:      r.events.Load(),
		Dropped:     r.dropped.Load(),
		ParseErrors: r.parseErrors.Load(),
		Pending:     pending,
		Subscribers: subs,
	}
}

// Handle processes one raw inbound frame. Frames are handled one at a time,
// in arrival order; the session's read loop is the only caller.
func (r *Router) Handle(raw []byte) {
	r.received.Add(1)

	reply, event, err := codec.Decode(raw)
	if err != nil {
		r.parseErrors.Add(1)
		r.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if reply != nil {
		r.handleReply(reply)
		return
	}
	r.handleEvent(event)
}

// handleReply settles the matching pending request, or drops the reply if
// nothing is waiting on it.
func (r *Router) handleReply(reply *codec.Reply) {
	r.pendingMu.Lock()
	ch, ok := r.pending[reply.SeqReply]
	if ok {
		delete(r.pending, reply.SeqReply)
	}
	r.pendingMu.Unlock()

	if !ok {
		r.dropped.Add(1)
		r.logger.Debug("reply with no pending request", "seq_reply", reply.SeqReply)
		return
	}

	res := Result{Reply: reply}
	if reply.Err != nil {
		res.Err = reply.Err
	}
	ch <- res
	r.replies.Add(1)
}

// handleEvent advances the resume cursor past the event and dispatches it.
func (r *Router) handleEvent(event *codec.Event) {
	r.events.Add(1)
	r.resumeSeq.Store(event.Seq + 1)

	r.subsMu.Lock()
	matched := make([]Handler, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.event == "" || sub.event == event.Name {
			matched = append(matched, sub.fn)
		}
	}
	r.subsMu.Unlock()

	for _, fn := range matched {
		fn(event.Name, event.Data, event.Seq)
	}
}

// remove drops the subscription with the given id.
func (r *Router) remove(id int64) {
	r.subsMu.Lock()
	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	r.subsMu.Unlock()
}

// Subscription is a handle to a registered event subscriber.
type Subscription struct {
	id     int64
	event  string
	fn     Handler
	router *Router
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.router.remove(s.id)
}
