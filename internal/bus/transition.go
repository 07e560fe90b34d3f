package bus

import (
	"errors"
	"sync"
	"time"
)

// StepInterval is the cadence of emulated brightness transitions. The
// modules have no native fade, so a transition is a bounded sequence of
// SET_LEVEL commands at this interval.
const StepInterval = 100 * time.Millisecond

// Transition is the handle of one running fade job. One job exists per
// channel; starting a new one cancels and replaces the old. Cancellation
// stops emission of not-yet-sent steps; an in-flight step still completes
// its ACK cycle.
type Transition struct {
	bus     *Bus
	key     ChannelKey
	from    uint8
	to      uint8
	steps   int
	cancel  chan struct{}
	once    sync.Once
	done    chan struct{}
	doneErr error
}

// Cancel stops the job. Safe to call multiple times.
func (t *Transition) Cancel() {
	t.once.Do(func() { close(t.cancel) })
}

// Done is closed when the job has finished, failed or been cancelled.
func (t *Transition) Done() <-chan struct{} { return t.done }

// Err reports the terminal outcome. Only valid after Done is closed; nil for
// a completed or cancelled job.
func (t *Transition) Err() error { return t.doneErr }

// beginTransition starts a fade job for key, replacing any running one.
// The caller has already handled the immediate cases (fade 0, target 0).
func (b *Bus) beginTransition(key ChannelKey, from, to uint8, d time.Duration) *Transition {
	steps := int(d / StepInterval)
	if steps < 1 {
		steps = 1
	}
	t := &Transition{
		bus:    b,
		key:    key,
		from:   from,
		to:     to,
		steps:  steps,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	b.jobMu.Lock()
	if old, ok := b.jobs[key]; ok {
		old.Cancel()
	}
	b.jobs[key] = t
	b.jobMu.Unlock()

	go t.run()
	return t
}

// cancelTransition stops the running job for key, if any.
func (b *Bus) cancelTransition(key ChannelKey) {
	b.jobMu.Lock()
	t, ok := b.jobs[key]
	b.jobMu.Unlock()
	if ok {
		t.Cancel()
	}
}

func (b *Bus) cancelAllTransitions() {
	b.jobMu.Lock()
	jobs := make([]*Transition, 0, len(b.jobs))
	for _, t := range b.jobs {
		jobs = append(jobs, t)
	}
	b.jobMu.Unlock()
	for _, t := range jobs {
		t.Cancel()
	}
}

func (t *Transition) finish(err error) {
	t.bus.jobMu.Lock()
	if t.bus.jobs[t.key] == t {
		delete(t.bus.jobs, t.key)
	}
	t.bus.jobMu.Unlock()
	t.doneErr = err
	close(t.done)
}

// run emits one SET_LEVEL per step, waiting for each step's resolution and
// then the remainder of the cadence. A terminal step failure aborts the
// rest of the job.
func (t *Transition) run() {
	b := t.bus
	for i := 1; i <= t.steps; i++ {
		select {
		case <-t.cancel:
			t.finish(nil)
			return
		case <-b.done:
			t.finish(ErrBusClosed)
			return
		default:
		}

		level := stepLevel(t.from, t.to, i, t.steps)
		start := time.Now()
		_, err := b.submitWait(nil, t.cancel, t.key.Addr, t.key.Channel, opSetLevel, level, true)
		if err != nil {
			if errors.Is(err, ErrSuperseded) {
				t.finish(nil)
				return
			}
			b.logger.Warn("transition aborted",
				"addr", t.key.Addr, "channel", t.key.Channel,
				"step", i, "of", t.steps, "err", err)
			t.finish(err)
			return
		}

		if i == t.steps {
			break
		}
		if rest := StepInterval - time.Since(start); rest > 0 {
			select {
			case <-time.After(rest):
			case <-t.cancel:
				t.finish(nil)
				return
			case <-b.done:
				t.finish(ErrBusClosed)
				return
			}
		}
	}
	t.finish(nil)
}

// stepLevel linearly interpolates step i of n from from to to, landing
// exactly on to at i == n.
func stepLevel(from, to uint8, i, n int) uint8 {
	return uint8(int(from) + (int(to)-int(from))*i/n)
}
