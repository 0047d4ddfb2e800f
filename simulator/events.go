package simulator

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// An EventStream is a uni-directional channel of events
// that are passed through an EventLoop.
//
// It is only safe to use an EventStream on one EventLoop
// at once.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer controls the delayed delivery of an event.
type Timer struct {
	time  float64
	event *Event

	// tieBreak orders timers with equal deadlines.
	tieBreak int64
	index    int
}

// Time gets the time when the timer will be fired.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is a Goroutine's mechanism for accessing an
// EventLoop. Goroutines should not share Handles.
type Handle struct {
	*EventLoop

	pollStreams []*EventStream
	pollChan    chan<- *Event
}

// Poll waits for the next event from a set of streams.
//
// Streams are checked for buffered events in the order
// they are passed.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.pollStreams != nil {
			panic("Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	return <-ch
}

// Schedule creates a Timer for delivering an event after
// delay units of virtual time.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		timer = h.push(stream, msg, h.time+delay)
	})
	return timer
}

// ScheduleAt is like Schedule, but takes an absolute
// virtual deadline, which must not be in the past.
func (h *Handle) ScheduleAt(stream *EventStream, msg interface{}, deadline float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		if deadline < h.time {
			panic(fmt.Sprintf("deadline %f is before current time %f", deadline, h.time))
		}
		timer = h.push(stream, msg, deadline)
	})
	return timer
}

func (h *Handle) push(stream *EventStream, msg interface{}, deadline float64) *Timer {
	if math.IsInf(deadline, 0) || math.IsNaN(deadline) {
		panic(fmt.Sprintf("invalid deadline: %f", deadline))
	}
	timer := &Timer{
		time:     deadline,
		event:    &Event{Message: msg, Stream: stream},
		tieBreak: h.rng.Int63(),
	}
	heap.Push(&h.timers, timer)
	return timer
}

// Cancel stops a timer if the timer is scheduled.
//
// If the timer already fired, this has no effect.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		if t.index >= 0 && t.index < len(h.timers) && h.timers[t.index] == t {
			heap.Remove(&h.timers, t.index)
		}
	})
}

// Sleep waits for a certain amount of virtual time to
// elapse.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop is a global scheduler for events in a
// simulated distributed system.
//
// All Goroutines which access an EventLoop should be
// started using the EventLoop.Go() method.
//
// The event loop only advances when every active
// Goroutine is polling for an event, so simulated
// machines may compute for as long as they like without
// virtual time passing.
type EventLoop struct {
	lock    sync.Mutex
	timers  timerHeap
	handles []*Handle
	rng     *rand.Rand

	time float64

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop with a randomly
// seeded source of randomness.
//
// The event loop's clock starts at 0.
func NewEventLoop() *EventLoop {
	return NewSeededEventLoop(rand.Int63())
}

// NewSeededEventLoop creates an event loop whose tie
// breaking and network jitter come from a source seeded
// with seed.
func NewSeededEventLoop(seed int64) *EventLoop {
	return &EventLoop{
		notifyCh: make(chan struct{}, 1),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Stream creates a new EventStream.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Float64 draws a uniform random number in [0, 1) from
// the loop's source.
func (e *EventLoop) Float64() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.rng.Float64()
}

// Go runs a function in a Goroutine and passes it a new
// handle to the EventLoop.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		f(h)
		e.modifyHandles(func() {
			for i, handle := range e.handles {
				if handle == h {
					essentials.OrderedDelete(&e.handles, i)
					return
				}
			}
			panic("cannot free handle that does not exist")
		})
	}()
}

// Run runs the loop and blocks until all handles have
// been closed.
//
// It is not safe to run the loop from more than one
// Goroutine at once.
//
// Returns with an error if there is a deadlock.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running.")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if shouldContinue, err := e.step(); !shouldContinue {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but it panics if there is a
// deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// modify calls f while holding the loop lock, for changes
// that cannot affect which handles are runnable.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify(), but it wakes up the
// loop afterwards because f may have changed scheduling.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step delivers timers until one of them wakes up a
// polling handle.
//
// If the loop can no longer run, the first return value
// is false, and the second is non-nil on deadlock.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}

	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			// A Goroutine is doing work in real time.
			return true, nil
		}
	}

	for e.timers.Len() > 0 {
		timer := heap.Pop(&e.timers).(*Timer)
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return true, nil
		}
	}

	return false, errors.New("deadlock: all Handles are polling")
}

func (e *EventLoop) deliver(event *Event) bool {
	// Several handles may poll one stream; pick a random
	// receiver.
	for _, i := range e.rng.Perm(len(e.handles)) {
		h := e.handles[i]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}

type timerHeap []*Timer

func (t timerHeap) Len() int {
	return len(t)
}

func (t timerHeap) Less(i, j int) bool {
	if t[i].time != t[j].time {
		return t[i].time < t[j].time
	}
	return t[i].tieBreak < t[j].tieBreak
}

func (t timerHeap) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
	t[i].index = i
	t[j].index = j
}

func (t *timerHeap) Push(x interface{}) {
	timer := x.(*Timer)
	timer.index = len(*t)
	*t = append(*t, timer)
}

func (t *timerHeap) Pop() interface{} {
	old := *t
	timer := old[len(old)-1]
	old[len(old)-1] = nil
	timer.index = -1
	*t = old[:len(old)-1]
	return timer
}
