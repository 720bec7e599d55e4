// Package sse streams output changes to preview clients as Server-Sent Events.
//
// Every pipeline.Change is sent as soon as it arrives, as output.updated or
// output.deleted. The paths it touched are also collected into a site.reload
// event, sent at most once per throttle interval. A change arriving inside the
// interval is held back and delivered when the interval ends, so the last
// change of a burst always reaches the page.
package sse

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/starford/nbfolio/internal/pipeline"
)

// Event types sent to preview clients.
const (
	EventOutputUpdated = "output.updated"
	EventOutputDeleted = "output.deleted"
	EventSiteReload    = "site.reload"
)

// clientBuffer is the number of messages a slow client may fall behind by
// before messages to it are dropped.
const clientBuffer = 64

// Reload is the payload of site.reload: every output path changed since the
// previous reload, relative to the processed and plots directories. Deleted
// is set when a notebook lost its outputs, so listings are out of date.
type Reload struct {
	Notebooks []string `json:"notebooks"`
	Charts    []string `json:"charts"`
	Deleted   bool     `json:"deleted"`
}

// batch accumulates the paths of the next site.reload.
type batch struct {
	notebooks map[string]struct{}
	charts    map[string]struct{}
	deleted   bool
}

func (b *batch) add(ch pipeline.Change) {
	if b.notebooks == nil {
		b.notebooks = make(map[string]struct{})
		b.charts = make(map[string]struct{})
	}
	for _, p := range ch.Processed {
		b.notebooks[p] = struct{}{}
	}
	for _, p := range ch.Charts {
		b.charts[p] = struct{}{}
	}
	if ch.Kind == pipeline.EventDeleted {
		b.deleted = true
	}
}

func (b *batch) empty() bool {
	return len(b.notebooks) == 0 && len(b.charts) == 0 && !b.deleted
}

// take returns the batch as a Reload with sorted paths and resets it.
func (b *batch) take() Reload {
	r := Reload{
		Notebooks: slices.Sorted(maps.Keys(b.notebooks)),
		Charts:    slices.Sorted(maps.Keys(b.charts)),
		Deleted:   b.deleted,
	}
	if r.Notebooks == nil {
		r.Notebooks = []string{}
	}
	if r.Charts == nil {
		r.Charts = []string{}
	}
	*b = batch{}
	return r
}

// state is owned by the broker loop.
type state struct {
	clients    map[chan []byte]struct{}
	seq        uint64
	pending    batch
	lastReload time.Time
	timer      *time.Timer
}

// send frames one event with the next id and offers it to every client.
// A client whose buffer is full misses the event.
func (s *state) send(typ string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.seq++
	msg := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", s.seq, typ, payload))
	for ch := range s.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Broker fans pipeline changes out to SSE clients. All state lives in one
// goroutine; public methods hand it closures to run.
type Broker struct {
	reloadMin time.Duration

	cmds    chan func(*state)
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that sends site.reload at most once per
// reloadThrottle.
func NewBroker(reloadThrottle time.Duration) *Broker {
	if reloadThrottle <= 0 {
		reloadThrottle = time.Second
	}
	b := &Broker{
		reloadMin: reloadThrottle,
		cmds:      make(chan func(*state)),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	s := &state{clients: make(map[chan []byte]struct{})}
	for {
		var fire <-chan time.Time
		if s.timer != nil {
			fire = s.timer.C
		}
		select {
		case <-b.stopCh:
			if s.timer != nil {
				s.timer.Stop()
			}
			for ch := range s.clients {
				close(ch)
			}
			return
		case cmd := <-b.cmds:
			cmd(s)
		case <-fire:
			s.timer = nil
			b.flush(s)
		}
	}
}

// flush sends the pending reload if there is one.
func (b *Broker) flush(s *state) {
	if s.pending.empty() {
		return
	}
	s.lastReload = time.Now()
	s.send(EventSiteReload, s.pending.take())
}

// do runs cmd on the broker loop. It reports false once the broker is closed.
func (b *Broker) do(cmd func(*state)) bool {
	if b.closed.Load() {
		return false
	}
	select {
	case b.cmds <- cmd:
		return true
	case <-b.stopped:
		return false
	}
}

// Notify publishes ch to every client and schedules a site.reload covering
// its paths. It has the signature of a pipeline.EventCallback.
func (b *Broker) Notify(ch pipeline.Change) {
	typ := EventOutputUpdated
	if ch.Kind == pipeline.EventDeleted {
		typ = EventOutputDeleted
	}
	b.do(func(s *state) {
		s.send(typ, ch)
		s.pending.add(ch)
		if s.timer != nil {
			return
		}
		if wait := b.reloadMin - time.Since(s.lastReload); wait > 0 {
			s.timer = time.NewTimer(wait)
			return
		}
		b.flush(s)
	})
}

// Subscribe registers a client. The returned channel is closed by
// Unsubscribe or Close.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	if !b.do(func(s *state) { s.clients[ch] = struct{}{} }) {
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.do(func(s *state) {
		if _, ok := s.clients[ch]; ok {
			delete(s.clients, ch)
			close(ch)
		}
	})
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	resp := make(chan int, 1)
	if !b.do(func(s *state) { resp <- len(s.clients) }) {
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Close stops the broker and closes every client channel. Pending reloads
// are dropped.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// ServeHTTP streams events to one client (GET /api/events) until the
// request ends or the broker closes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Reconnect quickly when the preview server restarts.
	_, _ = fmt.Fprint(w, "retry: 1000\n\n")
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
