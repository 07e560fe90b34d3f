// Package bus drives UDK-0410 dimmer modules over a shared half-duplex
// RS-485 link. One Bus owns one serial port and serializes every command
// from every module on that port through a strict one-in-flight discipline
// with ACK-based delivery and retry.
package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Delivery policy. One command is retried up to maxAttempts raw sends; each
// send waits ackTimeout for a matching reply.
const (
	ackTimeout    = 200 * time.Millisecond
	maxAttempts   = 3
	retryBackoff  = 50 * time.Millisecond
	maxQueueDepth = 64
)

var (
	// ErrBusBusy rejects a submission when the command queue is full.
	// Backpressure: the caller should slow down, the bus never buffers
	// unbounded work.
	ErrBusBusy = errors.New("bus busy: command queue full")

	// ErrBusClosed is returned for operations on a released Bus.
	ErrBusClosed = errors.New("bus closed")

	// ErrCommandTimeout is the per-attempt cause when no matching reply
	// arrived within the ACK deadline.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrCommandNacked is the per-attempt cause when the module rejected
	// the frame.
	ErrCommandNacked = errors.New("command nacked")

	// ErrCommandFailed is terminal: all attempts exhausted. The channel's
	// cached state is left at its last confirmed value.
	ErrCommandFailed = errors.New("command failed")

	// ErrSuperseded resolves a queued transition step that was dropped
	// because a user command for the same channel arrived first.
	ErrSuperseded = errors.New("command superseded")
)

// State is the scheduler state of a Bus. At most one command occupies
// Sending/AwaitingAck at any instant.
type State int

const (
	StateIdle State = iota
	StateSending
	StateAwaitingAck
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChannelKey identifies one dimmer output on a Bus.
type ChannelKey struct {
	Addr    uint8
	Channel uint8
}

// ChannelState is the last acknowledged state of a channel. It is never
// updated speculatively: a failed command leaves it untouched.
type ChannelState struct {
	Level     uint8
	On        bool
	Confirmed bool
	UpdatedAt time.Time
}

// StateChange is delivered to OnStateChanged handlers after a confirmed
// command outcome updates the cache.
type StateChange struct {
	Addr    uint8
	Channel uint8
	State   ChannelState
}

// Pending describes the single in-flight command, for introspection.
type Pending struct {
	Seq      uint64
	Attempt  int
	SentAt   time.Time
	Deadline time.Time
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Port          string `json:"port"`
	Baud          int    `json:"baud"`
	State         string `json:"state"`
	QueueDepth    int    `json:"queue_depth"`
	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Retries       uint64 `json:"retries"`
	Timeouts      uint64 `json:"timeouts"`
	Naks          uint64 `json:"naks"`
	Failures      uint64 `json:"failures"`
	CorruptFrames uint64 `json:"corrupt_frames"`

	InFlight *Pending `json:"in_flight,omitempty"`
}

type cmdResult struct {
	value uint8
	err   error
}

// command is one queued bus operation. Sequence ids are bus-scoped, strictly
// increasing and never reused.
type command struct {
	seq     uint64
	addr    uint8
	channel uint8
	op      uint8
	value   uint8
	step    bool // transition step, may be dropped for a user command
	done    chan cmdResult
}

// Bus multiplexes all modules on one serial port. The scheduler goroutine is
// the sole writer; the reader goroutine is the sole reader.
type Bus struct {
	portName string
	baud     int
	port     Port
	logger   *slog.Logger
	refs     int // guarded by registryMu

	seq     atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex // queue, state, pending, counters
	queue   []*command
	state   State
	pending *Pending
	closed  bool

	submitted     uint64
	completed     uint64
	retries       uint64
	timeouts      uint64
	naks          uint64
	failures      uint64
	corruptFrames atomic.Uint64

	stateMu  sync.RWMutex
	cache    map[ChannelKey]ChannelState
	handlers map[uint64]func(StateChange)
	nextSub  uint64

	jobMu sync.Mutex
	jobs  map[ChannelKey]*Transition

	replyCh chan reply
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func newBus(port Port, portName string, baud int, logger *slog.Logger) *Bus {
	b := &Bus{
		portName: portName,
		baud:     baud,
		port:     port,
		logger:   logger.With("component", "bus", "port", portName),
		cache:    make(map[ChannelKey]ChannelState),
		handlers: make(map[uint64]func(StateChange)),
		jobs:     make(map[ChannelKey]*Transition),
		replyCh:  make(chan reply, 4),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.wg.Add(2)
	go b.readLoop()
	go b.loop()
	return b
}

// Key returns the registry key of this bus ("port@baud").
func (b *Bus) Key() string {
	return busKey(b.portName, b.baud)
}

func (b *Bus) shutdown() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()

	b.cancelAllTransitions()
	close(b.done)
	err := b.port.Close()
	b.wg.Wait()

	for _, cmd := range queued {
		cmd.done <- cmdResult{err: ErrBusClosed}
	}
	b.logger.Info("bus closed")
	return err
}

// --- Public driver API ---

// SetLevel drives one channel to level, fading over the given duration via
// stepped intermediate commands. A fade of zero, or a target of zero (off),
// is a single immediate SET_LEVEL. It returns once the terminal outcome of
// the last emitted command is known.
func (b *Bus) SetLevel(ctx context.Context, addr, channel, level uint8, fade time.Duration) error {
	if err := validateTarget(addr, channel); err != nil {
		return err
	}
	key := ChannelKey{Addr: addr, Channel: channel}
	b.cancelTransition(key)

	if fade <= 0 || level == 0 {
		_, err := b.submitWait(ctx, nil, addr, channel, opSetLevel, level, false)
		return err
	}

	from := uint8(0)
	if st, ok := b.State(addr, channel); ok {
		from = st.Level
	}
	t := b.beginTransition(key, from, level, fade)
	select {
	case <-t.Done():
		return t.Err()
	case <-ctx.Done():
		t.Cancel()
		return ctx.Err()
	case <-b.done:
		return ErrBusClosed
	}
}

// TurnOff is SetLevel to zero.
func (b *Bus) TurnOff(ctx context.Context, addr, channel uint8, fade time.Duration) error {
	return b.SetLevel(ctx, addr, channel, 0, fade)
}

// Query asks the module for a channel's current level and commits the
// reported value to the cache.
func (b *Bus) Query(ctx context.Context, addr, channel uint8) (uint8, error) {
	if err := validateTarget(addr, channel); err != nil {
		return 0, err
	}
	return b.submitWait(ctx, nil, addr, channel, opQuery, 0, false)
}

// State returns the cached state of a channel without bus I/O.
func (b *Bus) State(addr, channel uint8) (ChannelState, bool) {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	st, ok := b.cache[ChannelKey{Addr: addr, Channel: channel}]
	return st, ok
}

// Seed pre-populates the cache with a persisted last-known value. Seeded
// entries are unconfirmed until a command is acknowledged; no handlers fire.
func (b *Bus) Seed(addr, channel, level uint8, on bool, at time.Time) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	key := ChannelKey{Addr: addr, Channel: channel}
	if _, ok := b.cache[key]; ok {
		return
	}
	b.cache[key] = ChannelState{Level: level, On: on, Confirmed: false, UpdatedAt: at}
}

// OnStateChanged registers a handler for confirmed state changes. It returns
// an unsubscribe function. Handlers run on the scheduler goroutine and must
// not block.
func (b *Bus) OnStateChanged(fn func(StateChange)) func() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.handlers[id] = fn
	return func() {
		b.stateMu.Lock()
		defer b.stateMu.Unlock()
		delete(b.handlers, id)
	}
}

// Stats returns a snapshot of the bus counters and scheduler state.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Port:          b.portName,
		Baud:          b.baud,
		State:         b.state.String(),
		QueueDepth:    len(b.queue),
		Submitted:     b.submitted,
		Completed:     b.completed,
		Retries:       b.retries,
		Timeouts:      b.timeouts,
		Naks:          b.naks,
		Failures:      b.failures,
		CorruptFrames: b.corruptFrames.Load(),
	}
	if b.pending != nil {
		p := *b.pending
		s.InFlight = &p
	}
	return s
}

func validateTarget(addr, channel uint8) error {
	if addr < 1 {
		return fmt.Errorf("bus: module address must be >= 1, got %d", addr)
	}
	if channel < 1 || channel > 4 {
		return fmt.Errorf("bus: channel must be 1-4, got %d", channel)
	}
	return nil
}

// --- Submission ---

// submit appends a command to the FIFO queue. A user command (step=false)
// first drops all not-yet-sent transition steps queued for the same channel;
// dropped steps resolve as superseded and are never sent. A non-nil cancel
// channel is checked under the queue lock, so a cancellation that lands
// before the enqueue keeps the command off the queue entirely.
func (b *Bus) submit(addr, channel, op, value uint8, step bool, cancel <-chan struct{}) (*command, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if cancel != nil {
		select {
		case <-cancel:
			b.mu.Unlock()
			return nil, ErrSuperseded
		default:
		}
	}

	var dropped []*command
	if !step {
		kept := b.queue[:0]
		for _, q := range b.queue {
			if q.step && q.addr == addr && q.channel == channel {
				dropped = append(dropped, q)
				continue
			}
			kept = append(kept, q)
		}
		b.queue = kept
	}

	if len(b.queue) >= maxQueueDepth {
		b.mu.Unlock()
		return nil, ErrBusBusy
	}
	cmd := &command{
		seq:     b.seq.Add(1),
		addr:    addr,
		channel: channel,
		op:      op,
		value:   value,
		step:    step,
		done:    make(chan cmdResult, 1),
	}
	b.queue = append(b.queue, cmd)
	b.submitted++
	b.mu.Unlock()

	for _, q := range dropped {
		b.logger.Debug("transition step superseded", "seq", q.seq, "addr", q.addr, "channel", q.channel)
		q.done <- cmdResult{err: ErrSuperseded}
	}

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return cmd, nil
}

// submitWait submits and blocks until the command resolves. cancel, when
// non-nil, aborts the wait (transition steps pass their job's cancel
// channel; the command itself still completes its ACK cycle).
func (b *Bus) submitWait(ctx context.Context, cancel <-chan struct{}, addr, channel, op, value uint8, step bool) (uint8, error) {
	cmd, err := b.submit(addr, channel, op, value, step, cancel)
	if err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case res := <-cmd.done:
		return res.value, res.err
	case <-cancel:
		b.dropQueued(cmd)
		return 0, ErrSuperseded
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.done:
		return 0, ErrBusClosed
	}
}

// dropQueued removes a command that has not been dequeued yet, so a
// cancelled transition step is never sent. A no-op if the command is
// already in flight.
func (b *Bus) dropQueued(cmd *command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, q := range b.queue {
		if q == cmd {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

// --- Scheduler ---

// loop drains the queue strictly in arrival order, one full send-ack cycle
// at a time.
func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}
		for {
			cmd := b.next()
			if cmd == nil {
				break
			}
			value, err := b.transact(cmd)
			if err == nil {
				b.commit(cmd.addr, cmd.channel, value)
			}
			b.mu.Lock()
			b.completed++
			b.mu.Unlock()
			cmd.done <- cmdResult{value: value, err: err}
			select {
			case <-b.done:
				return
			default:
			}
		}
	}
}

func (b *Bus) next() *command {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		b.state = StateIdle
		return nil
	}
	cmd := b.queue[0]
	b.queue = b.queue[1:]
	b.state = StateSending
	return cmd
}

func (b *Bus) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// transact performs the full reliable-delivery cycle for one command:
// write, await matching reply, retry on NAK or timeout, up to maxAttempts.
func (b *Bus) transact(cmd *command) (uint8, error) {
	raw := encodeFrame(cmd.addr, cmd.op, cmd.channel, cmd.value)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			b.mu.Lock()
			b.state = StateRetrying
			b.retries++
			b.mu.Unlock()
			select {
			case <-time.After(retryBackoff):
			case <-b.done:
				return 0, ErrBusClosed
			}
			b.setState(StateSending)
		}

		b.drainStale()

		b.writeMu.Lock()
		_, err := b.port.Write(raw)
		b.writeMu.Unlock()
		if err != nil {
			lastErr = fmt.Errorf("serial write: %w", err)
			b.logger.Warn("write failed", "seq", cmd.seq, "attempt", attempt, "err", err)
			continue
		}
		sentAt := time.Now()
		b.mu.Lock()
		b.state = StateAwaitingAck
		b.pending = &Pending{
			Seq:      cmd.seq,
			Attempt:  attempt,
			SentAt:   sentAt,
			Deadline: sentAt.Add(ackTimeout),
		}
		b.mu.Unlock()
		b.logger.Debug("frame sent",
			"seq", cmd.seq, "op", opName(cmd.op),
			"addr", cmd.addr, "channel", cmd.channel, "value", cmd.value,
			"attempt", attempt)

		rep, err := b.awaitReply(cmd)

		b.mu.Lock()
		b.pending = nil
		b.mu.Unlock()

		switch {
		case err == nil:
			value := cmd.value
			if rep.Op == opStatus {
				value = rep.Value
			}
			return value, nil
		case errors.Is(err, ErrBusClosed):
			return 0, err
		case errors.Is(err, ErrCommandNacked):
			b.mu.Lock()
			b.naks++
			b.mu.Unlock()
			lastErr = err
			b.logger.Warn("NAK", "seq", cmd.seq, "addr", cmd.addr, "attempt", attempt)
		default: // timeout
			b.mu.Lock()
			b.timeouts++
			b.mu.Unlock()
			lastErr = err
			b.logger.Warn("no ACK", "seq", cmd.seq, "addr", cmd.addr, "attempt", attempt)
		}
	}

	b.mu.Lock()
	b.state = StateFailed
	b.failures++
	b.mu.Unlock()
	return 0, fmt.Errorf("%w: %s addr=%d channel=%d after %d attempts: %w",
		ErrCommandFailed, opName(cmd.op), cmd.addr, cmd.channel, maxAttempts, lastErr)
}

// awaitReply waits for a reply matching the outstanding command. Replies for
// a different address or channel are stale bus traffic: discarded without
// resetting the deadline.
func (b *Bus) awaitReply(cmd *command) (reply, error) {
	deadline := time.NewTimer(ackTimeout)
	defer deadline.Stop()
	for {
		select {
		case rep := <-b.replyCh:
			if rep.Addr != cmd.addr {
				b.logger.Debug("stale reply discarded", "op", opName(rep.Op), "addr", rep.Addr, "want", cmd.addr)
				continue
			}
			if rep.Op == opNak {
				return rep, ErrCommandNacked
			}
			if rep.Channel != cmd.channel {
				b.logger.Debug("stale reply discarded", "op", opName(rep.Op), "channel", rep.Channel, "want", cmd.channel)
				continue
			}
			want := uint8(opAck)
			if cmd.op == opQuery {
				want = opStatus
			}
			if rep.Op != want {
				b.logger.Debug("unexpected reply discarded", "op", opName(rep.Op), "want", opName(want))
				continue
			}
			return rep, nil
		case <-deadline.C:
			return reply{}, ErrCommandTimeout
		case <-b.done:
			return reply{}, ErrBusClosed
		}
	}
}

// drainStale discards buffered replies from earlier traffic before a send,
// mirroring the input flush the hardware needs on a noisy shared bus.
func (b *Bus) drainStale() {
	for {
		select {
		case rep := <-b.replyCh:
			b.logger.Debug("stale input flushed", "op", opName(rep.Op), "addr", rep.Addr)
		default:
			return
		}
	}
}

// commit records a confirmed outcome and notifies subscribers.
func (b *Bus) commit(addr, channel, level uint8) {
	st := ChannelState{
		Level:     level,
		On:        level > 0,
		Confirmed: true,
		UpdatedAt: time.Now(),
	}
	b.stateMu.Lock()
	b.cache[ChannelKey{Addr: addr, Channel: channel}] = st
	handlers := make([]func(StateChange), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.stateMu.Unlock()

	change := StateChange{Addr: addr, Channel: channel, State: st}
	for _, h := range handlers {
		h(change)
	}
}

// --- Reader ---

// readLoop is the sole reader of the port. It resyncs on the start marker,
// decodes fixed-width reply frames and hands them to the awaiting command.
// Corrupt bytes are logged and skipped; they surface as a missing ACK.
func (b *Bus) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, 64)
	var acc []byte
	for {
		select {
		case <-b.done:
			return
		default:
		}
		n, err := b.port.Read(buf)
		if err != nil {
			select {
			case <-b.done:
				return
			default:
			}
			b.logger.Error("serial read", "err", err)
			select {
			case <-time.After(10 * time.Millisecond):
			case <-b.done:
				return
			}
			continue
		}
		if n == 0 {
			continue // read timeout, poll again
		}
		acc = append(acc, buf[:n]...)
		acc = b.extractReplies(acc)
	}
}

// extractReplies consumes complete frames from acc and returns the tail.
func (b *Bus) extractReplies(acc []byte) []byte {
	for {
		i := bytes.IndexByte(acc, frameStart)
		if i < 0 {
			if len(acc) > 0 {
				b.logger.Debug("discarding stale bytes", "n", len(acc))
			}
			return acc[:0]
		}
		if i > 0 {
			b.logger.Debug("discarding stale bytes", "n", i)
			acc = acc[i:]
		}
		if len(acc) < frameSize {
			return acc
		}
		rep, err := decodeReply(acc[:frameSize])
		if err != nil {
			b.corruptFrames.Add(1)
			b.logger.Warn("corrupt frame", "err", err)
			acc = acc[1:] // resync past the bad start marker
			continue
		}
		acc = acc[frameSize:]
		select {
		case b.replyCh <- rep:
		default:
			b.logger.Debug("reply dropped, nothing awaiting", "op", opName(rep.Op), "addr", rep.Addr)
		}
	}
}
