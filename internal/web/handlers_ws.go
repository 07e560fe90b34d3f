package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"udk-dimmer-home/internal/hub"
)

const (
	wsSendBuffer   = 32
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1024
)

// wsConn is one subscriber of the event feed. The feed owns the frames
// channel: it is closed when the subscriber is detached or dropped.
type wsConn struct {
	sock   *websocket.Conn
	frames chan []byte
}

// wsFeed streams hub events (state changes, command failures) to WebSocket
// subscribers. Events are encoded once and fanned out; a subscriber whose
// send buffer is full is dropped rather than allowed to stall the feed.
type wsFeed struct {
	logger *slog.Logger

	events chan hub.Event
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	closing bool
}

func newWSFeed(logger *slog.Logger) *wsFeed {
	return &wsFeed{
		logger: logger.With("component", "ws"),
		events: make(chan hub.Event, 256),
		done:   make(chan struct{}),
		conns:  make(map[*wsConn]struct{}),
	}
}

// publish queues an event for delivery. It never blocks the caller: under
// sustained overload the feed prefers losing events to back-pressuring the
// bus scheduler.
func (f *wsFeed) publish(ev hub.Event) {
	select {
	case f.events <- ev:
	case <-f.done:
	default:
		f.logger.Warn("event feed full, dropping event", "type", ev.Type)
	}
}

// run delivers queued events until stop is called, then closes every
// remaining subscriber.
func (f *wsFeed) run() {
	for {
		select {
		case <-f.done:
			f.closeAll()
			return
		case ev := <-f.events:
			f.deliver(ev)
		}
	}
}

func (f *wsFeed) deliver(ev hub.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("encode event", "type", ev.Type, "err", err)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.conns {
		select {
		case c.frames <- frame:
		default:
			delete(f.conns, c)
			close(c.frames)
			f.logger.Warn("subscriber dropped, send buffer full")
		}
	}
}

// attach registers a subscriber. It reports false once the feed is shutting
// down.
func (f *wsFeed) attach(c *wsConn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		return false
	}
	f.conns[c] = struct{}{}
	return true
}

// detach removes a subscriber. Safe to call for one the feed already
// dropped.
func (f *wsFeed) detach(c *wsConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.conns[c]; ok {
		delete(f.conns, c)
		close(c.frames)
	}
}

func (f *wsFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closing = true
	for c := range f.conns {
		delete(f.conns, c)
		close(c.frames)
	}
}

// stop ends delivery. Safe to call more than once.
func (f *wsFeed) stop() {
	f.once.Do(func() { close(f.done) })
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	sock, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	// The feed is one-way; inbound traffic is only read to notice the peer
	// going away.
	sock.SetReadLimit(wsReadLimit)

	c := &wsConn{sock: sock, frames: make(chan []byte, wsSendBuffer)}
	if !s.feed.attach(c) {
		sock.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.feed.detach(c)

	go writeFrames(c)

	for {
		if _, _, err := sock.Read(r.Context()); err != nil {
			return
		}
	}
}

// writeFrames drains the subscriber's buffer onto the socket. The channel
// closing (detach, eviction or feed shutdown) ends the connection.
func writeFrames(c *wsConn) {
	for frame := range c.frames {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.sock.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return
		}
	}
	c.sock.Close(websocket.StatusNormalClosure, "")
}
