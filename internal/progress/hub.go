package progress

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Sink is one attached client connection. Every sink gets a dedicated
// writer goroutine, so Send is never called concurrently for the same sink.
type Sink interface {
	Send(payload []byte) error
	Close() error
}

// sinkQueueSize bounds the per-connection outbound backlog. A client that
// falls this many events behind is stalled and gets disconnected instead of
// holding up publishers.
const sinkQueueSize = 64

type sinkWorker struct {
	sink   Sink
	queue  chan []byte
	closed bool // guarded by Hub.mu
}

type sessionState struct {
	workers []*sinkWorker
	items   map[string]ItemState
}

// Hub is the per-session fanout. One logical channel exists per browser
// session and multiplexes events for all items uploading in that session.
// Publish never blocks on client I/O: events are handed to each sink's
// buffered queue and written by that sink's own goroutine, so a slow
// client only ever delays itself. Disconnected windows are not replayed;
// a reconnecting client only sees events published after it reattaches.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	log      zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*sessionState),
		log:      log.With().Str("component", "progress").Logger(),
	}
}

// Attach registers a sink under sessionID and reports whether this is the
// first connection for a previously unknown session.
func (h *Hub) Attach(sessionID string, s Sink) (first bool) {
	w := &sinkWorker{sink: s, queue: make(chan []byte, sinkQueueSize)}

	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if !ok {
		st = &sessionState{items: make(map[string]ItemState)}
		h.sessions[sessionID] = st
	}
	st.workers = append(st.workers, w)
	h.mu.Unlock()

	go h.drain(sessionID, w)
	return !ok
}

// Detach removes a sink. When the last sink for a session is gone its
// item states are dropped as well; there is no replay on reconnect.
func (h *Hub) Detach(sessionID string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for _, w := range st.workers {
		if w.sink == s {
			h.removeLocked(sessionID, st, w)
			return
		}
	}
}

// Publish runs the event through the monotonicity filter and, when it
// survives, enqueues it for every sink of the session in order. Sinks
// whose queue is full are dropped as stalled. Publishing to a session
// with no listeners updates filter state only; the terminal result of an
// upload whose client went away is simply not delivered.
func (h *Hub) Publish(sessionID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[sessionID]
	if !ok {
		return
	}

	next, filtered, deliver := Apply(st.items[ev.ItemID], ev)
	st.items[ev.ItemID] = next
	if !deliver {
		return
	}

	payload, err := json.Marshal(filtered)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal progress event")
		return
	}

	var stalled []*sinkWorker
	for _, w := range st.workers {
		select {
		case w.queue <- payload:
		default:
			stalled = append(stalled, w)
		}
	}
	for _, w := range stalled {
		h.log.Warn().Str("session", sessionID).Msg("dropping stalled progress sink")
		h.removeLocked(sessionID, st, w)
	}
}

// drain writes queued events to the sink until the queue closes or a send
// fails. Failed sinks detach themselves.
func (h *Hub) drain(sessionID string, w *sinkWorker) {
	for payload := range w.queue {
		if err := w.sink.Send(payload); err != nil {
			h.remove(sessionID, w)
			return
		}
	}
}

func (h *Hub) remove(sessionID string, w *sinkWorker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[sessionID]
	if !ok {
		if !w.closed {
			w.closed = true
			close(w.queue)
		}
		w.sink.Close()
		return
	}
	h.removeLocked(sessionID, st, w)
}

// removeLocked detaches w from its session, stops its writer goroutine and
// closes the underlying sink. Callers hold h.mu; calling it twice for the
// same worker is harmless.
func (h *Hub) removeLocked(sessionID string, st *sessionState, w *sinkWorker) {
	for i, existing := range st.workers {
		if existing == w {
			st.workers = append(st.workers[:i], st.workers[i+1:]...)
			break
		}
	}
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.sink.Close()
	if len(st.workers) == 0 {
		delete(h.sessions, sessionID)
	}
}
