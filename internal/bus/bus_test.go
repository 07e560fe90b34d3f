package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakePort is an in-memory serial port. Writes are recorded; an optional
// onWrite hook produces the bytes the next Reads will return.
type fakePort struct {
	mu      sync.Mutex
	writes  [][]byte
	onWrite func(frame []byte) [][]byte

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming: make(chan []byte, 32),
		closed:   make(chan struct{}),
	}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	select {
	case data := <-p.incoming:
		n := copy(buf, data)
		return n, nil
	case <-p.closed:
		return 0, io.EOF
	case <-time.After(2 * time.Millisecond):
		return 0, nil // emulates the serial read timeout
	}
}

func (p *fakePort) Write(data []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	cp := append([]byte(nil), data...)
	p.mu.Lock()
	p.writes = append(p.writes, cp)
	fn := p.onWrite
	p.mu.Unlock()
	if fn != nil {
		for _, r := range fn(cp) {
			p.push(r)
		}
	}
	return len(data), nil
}

func (p *fakePort) push(data []byte) {
	select {
	case p.incoming <- data:
	case <-p.closed:
	}
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBus(t *testing.T, port *fakePort) *Bus {
	t.Helper()
	b := newBus(port, "fake0", DefaultBaud, testLogger())
	b.refs = 1
	t.Cleanup(func() { _ = b.shutdown() })
	return b
}

// ackAll replies to every command frame with a matching ACK.
func ackAll(frame []byte) [][]byte {
	return [][]byte{encodeFrame(frame[1], opAck, frame[3], frame[4])}
}

func TestSetLevelImmediate(t *testing.T) {
	port := newFakePort()
	port.onWrite = ackAll
	b := testBus(t, port)

	if err := b.SetLevel(context.Background(), 1, 2, 128, 0); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}

	frames := port.frames()
	if len(frames) != 1 {
		t.Fatalf("frames written: got %d, want 1", len(frames))
	}
	want := []byte{frameStart, 1, opSetLevel, 2, 128, checksum(1, opSetLevel, 2, 128), frameEnd}
	if string(frames[0]) != string(want) {
		t.Errorf("frame: got % X, want % X", frames[0], want)
	}

	st, ok := b.State(1, 2)
	if !ok {
		t.Fatal("no cached state after confirmed command")
	}
	if st.Level != 128 || !st.On || !st.Confirmed {
		t.Errorf("state: got %+v, want level=128 on confirmed", st)
	}
}

func TestStateChangeNotification(t *testing.T) {
	port := newFakePort()
	port.onWrite = ackAll
	b := testBus(t, port)

	got := make(chan StateChange, 1)
	unsub := b.OnStateChanged(func(c StateChange) { got <- c })
	defer unsub()

	if err := b.SetLevel(context.Background(), 3, 1, 40, 0); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}

	select {
	case c := <-got:
		if c.Addr != 3 || c.Channel != 1 || c.State.Level != 40 {
			t.Errorf("change: got %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change delivered")
	}
}

func TestRetryCeilingAndTerminalFailure(t *testing.T) {
	port := newFakePort() // never replies
	b := testBus(t, port)
	b.Seed(1, 2, 50, true, time.Now())

	err := b.SetLevel(context.Background(), 1, 2, 200, 0)
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("err: got %v, want ErrCommandFailed", err)
	}
	if !errors.Is(err, ErrCommandTimeout) {
		t.Errorf("err should carry the timeout cause: %v", err)
	}

	frames := port.frames()
	if len(frames) != maxAttempts {
		t.Errorf("attempts: got %d, want %d", len(frames), maxAttempts)
	}
	for i := 1; i < len(frames); i++ {
		if string(frames[i]) != string(frames[0]) {
			t.Errorf("retry %d re-sent a different frame: % X vs % X", i, frames[i], frames[0])
		}
	}

	// Cache keeps the last known good value.
	st, ok := b.State(1, 2)
	if !ok || st.Level != 50 || st.Confirmed {
		t.Errorf("state after failure: got %+v, want seeded level=50 unconfirmed", st)
	}

	stats := b.Stats()
	if stats.Failures != 1 || stats.Timeouts != uint64(maxAttempts) {
		t.Errorf("stats: %+v", stats)
	}
}

func TestNakThenAck(t *testing.T) {
	port := newFakePort()
	var calls int
	port.onWrite = func(frame []byte) [][]byte {
		calls++
		if calls < 3 {
			return [][]byte{encodeFrame(frame[1], opNak, frame[3], 0)}
		}
		return ackAll(frame)
	}
	b := testBus(t, port)

	if err := b.SetLevel(context.Background(), 2, 1, 10, 0); err != nil {
		t.Fatalf("SetLevel after NAKs: %v", err)
	}
	if got := len(port.frames()); got != 3 {
		t.Errorf("writes: got %d, want 3", got)
	}
	stats := b.Stats()
	if stats.Naks != 2 || stats.Retries != 2 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestQueryCommitsStatus(t *testing.T) {
	port := newFakePort()
	port.onWrite = func(frame []byte) [][]byte {
		return [][]byte{encodeFrame(frame[1], opStatus, frame[3], 77)}
	}
	b := testBus(t, port)

	level, err := b.Query(context.Background(), 4, 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if level != 77 {
		t.Errorf("level: got %d, want 77", level)
	}
	st, ok := b.State(4, 3)
	if !ok || st.Level != 77 || !st.Confirmed {
		t.Errorf("cached state: %+v", st)
	}
}

func TestMismatchedReplyDiscarded(t *testing.T) {
	port := newFakePort()
	port.onWrite = func(frame []byte) [][]byte {
		return [][]byte{
			encodeFrame(9, opAck, frame[3], frame[4]),        // wrong address
			encodeFrame(frame[1], opAck, 4, frame[4]),        // wrong channel
			encodeFrame(frame[1], opAck, frame[3], frame[4]), // the real one
		}
	}
	b := testBus(t, port)

	if err := b.SetLevel(context.Background(), 1, 1, 5, 0); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if got := len(port.frames()); got != 1 {
		t.Errorf("stale replies must not trigger a retry: %d writes", got)
	}
}

func TestCorruptReplyFallsBackToRetry(t *testing.T) {
	port := newFakePort()
	var calls int
	port.onWrite = func(frame []byte) [][]byte {
		calls++
		if calls == 1 {
			bad := encodeFrame(frame[1], opAck, frame[3], frame[4])
			bad[5] ^= 0x01 // break the checksum
			return [][]byte{bad}
		}
		return ackAll(frame)
	}
	b := testBus(t, port)

	if err := b.SetLevel(context.Background(), 1, 1, 99, 0); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if got := len(port.frames()); got != 2 {
		t.Errorf("writes: got %d, want 2 (corrupt reply is a missed ACK)", got)
	}
	if b.Stats().CorruptFrames == 0 {
		t.Error("corrupt frame not counted")
	}
}

func TestSingleCommandInFlight(t *testing.T) {
	port := newFakePort()
	var inFlight, maxInFlight int
	var mu sync.Mutex
	port.onWrite = func(frame []byte) [][]byte {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		go func() {
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			port.push(encodeFrame(frame[1], opAck, frame[3], frame[4]))
		}()
		return nil
	}
	b := testBus(t, port)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(ch uint8) {
			defer wg.Done()
			if err := b.SetLevel(context.Background(), 1, ch, 100, 0); err != nil {
				t.Errorf("SetLevel ch %d: %v", ch, err)
			}
		}(uint8(i%4 + 1))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("in-flight commands: max %d, want 1", maxInFlight)
	}
}

func TestQueueBackpressure(t *testing.T) {
	port := newFakePort() // never replies; the first command blocks the bus
	b := testBus(t, port)

	var busy bool
	for i := 0; i < maxQueueDepth+5; i++ {
		_, err := b.submit(1, 1, opSetLevel, uint8(i), false, nil)
		if errors.Is(err, ErrBusBusy) {
			busy = true
			break
		}
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if !busy {
		t.Error("queue accepted unbounded work, ErrBusBusy never returned")
	}
}

func TestUserCommandSupersedesQueuedSteps(t *testing.T) {
	port := newFakePort() // never replies; keeps the scheduler occupied
	b := testBus(t, port)

	// Occupy the bus, then queue transition steps behind it.
	if _, err := b.submit(1, 1, opSetLevel, 10, false, nil); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	step1, err := b.submit(1, 2, opSetLevel, 20, true, nil)
	if err != nil {
		t.Fatalf("submit step: %v", err)
	}
	step2, err := b.submit(1, 2, opSetLevel, 40, true, nil)
	if err != nil {
		t.Fatalf("submit step: %v", err)
	}
	other, err := b.submit(1, 3, opSetLevel, 60, true, nil)
	if err != nil {
		t.Fatalf("submit step: %v", err)
	}

	// A user command for channel 2 drops both queued steps for channel 2.
	if _, err := b.submit(1, 2, opSetLevel, 255, false, nil); err != nil {
		t.Fatalf("submit user command: %v", err)
	}

	for i, step := range []*command{step1, step2} {
		select {
		case res := <-step.done:
			if !errors.Is(res.err, ErrSuperseded) {
				t.Errorf("step %d: got %v, want ErrSuperseded", i+1, res.err)
			}
		case <-time.After(time.Second):
			t.Fatalf("step %d not resolved", i+1)
		}
	}

	select {
	case res := <-other.done:
		t.Fatalf("unrelated channel's step resolved early: %+v", res)
	default:
	}
}

func TestCancelledStepNeverEnqueued(t *testing.T) {
	port := newFakePort()
	b := testBus(t, port)

	// Cancellation landing before the enqueue must keep the step off the
	// queue entirely, not just drop it later.
	cancelled := make(chan struct{})
	close(cancelled)
	if _, err := b.submit(1, 1, opSetLevel, 10, true, cancelled); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("got %v, want ErrSuperseded", err)
	}

	b.mu.Lock()
	depth := len(b.queue)
	b.mu.Unlock()
	if depth != 0 {
		t.Errorf("queue depth %d after a rejected step", depth)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(port.frames()); got != 0 {
		t.Errorf("%d frames written for a cancelled step", got)
	}
}

func TestSequenceIDsStrictlyIncrease(t *testing.T) {
	port := newFakePort()
	b := testBus(t, port)

	var last uint64
	for i := 0; i < 10; i++ {
		cmd, err := b.submit(1, 1, opQuery, 0, true, nil)
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if cmd.seq <= last {
			t.Fatalf("seq %d after %d", cmd.seq, last)
		}
		last = cmd.seq
	}
}

func TestValidateTarget(t *testing.T) {
	port := newFakePort()
	b := testBus(t, port)

	if err := b.SetLevel(context.Background(), 0, 1, 1, 0); err == nil {
		t.Error("address 0 accepted")
	}
	if err := b.SetLevel(context.Background(), 1, 0, 1, 0); err == nil {
		t.Error("channel 0 accepted")
	}
	if err := b.SetLevel(context.Background(), 1, 5, 1, 0); err == nil {
		t.Error("channel 5 accepted")
	}
}

func TestReaderResyncsOnGarbage(t *testing.T) {
	port := newFakePort()
	port.onWrite = func(frame []byte) [][]byte {
		ack := encodeFrame(frame[1], opAck, frame[3], frame[4])
		// Garbage before the frame, delivered in awkward chunks.
		return [][]byte{
			{0x00, 0x12, 0xAB},
			ack[:3],
			ack[3:],
		}
	}
	b := testBus(t, port)

	if err := b.SetLevel(context.Background(), 1, 1, 30, 0); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
}
