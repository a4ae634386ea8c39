package coordinator

import (
	"sync"

	"github.com/charlie0129/rtcal/pkg/engine"
)

// Listener receives the outcome of renders of the current version. The
// listener owns delivered results and must release them.
//
// Currency is checked before the callback runs, outside the lock. A Commit
// from another goroutine can supersede a result while it is being
// delivered, so consumers that commit concurrently compare Version against
// Coordinator.Version before acting on an event.
type Listener interface {
	OnProgress(version uint64, fraction float64)
	OnComplete(res *engine.Result)
	OnError(version uint64, err error)
}

// ListenerFuncs adapts functions to Listener. Nil functions are skipped and
// results with no Complete function are released.
type ListenerFuncs struct {
	Progress func(version uint64, fraction float64)
	Complete func(res *engine.Result)
	Error    func(version uint64, err error)
}

func (f ListenerFuncs) OnProgress(version uint64, fraction float64) {
	if f.Progress != nil {
		f.Progress(version, fraction)
	}
}

func (f ListenerFuncs) OnComplete(res *engine.Result) {
	if f.Complete == nil {
		res.Release()
		return
	}
	f.Complete(res)
}

func (f ListenerFuncs) OnError(version uint64, err error) {
	if f.Error != nil {
		f.Error(version, err)
	}
}

type EventKind int

const (
	EventProgress EventKind = iota
	EventComplete
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a render notification queued in an Inbox.
type Event struct {
	Kind     EventKind
	Version  uint64
	Fraction float64
	Result   *engine.Result
	Err      error
}

// Inbox is a Listener that queues events for a single consumer goroutine.
// Completions and errors are never dropped. Progress is dropped when the
// consumer falls behind.
type Inbox struct {
	done     chan *Event
	progress chan Event

	mu       sync.Mutex
	isClosed bool
	closed   chan struct{}
	senders  sync.WaitGroup
}

var _ Listener = &Inbox{}

func NewInbox() *Inbox {
	return &Inbox{
		done:     make(chan *Event, 4),
		progress: make(chan Event, 16),
		closed:   make(chan struct{}),
	}
}

// Done delivers completions and errors.
func (i *Inbox) Done() <-chan *Event {
	return i.done
}

// Progress delivers progress updates.
func (i *Inbox) Progress() <-chan Event {
	return i.progress
}

func (i *Inbox) OnProgress(version uint64, fraction float64) {
	select {
	case i.progress <- Event{Kind: EventProgress, Version: version, Fraction: fraction}:
	default:
	}
}

func (i *Inbox) OnComplete(res *engine.Result) {
	if !i.send(&Event{Kind: EventComplete, Version: res.Version, Result: res}) {
		res.Release()
	}
}

func (i *Inbox) OnError(version uint64, err error) {
	i.send(&Event{Kind: EventError, Version: version, Err: err})
}

func (i *Inbox) send(ev *Event) bool {
	i.mu.Lock()
	if i.isClosed {
		i.mu.Unlock()
		return false
	}
	i.senders.Add(1)
	i.mu.Unlock()
	defer i.senders.Done()

	select {
	case i.done <- ev:
		return true
	case <-i.closed:
		return false
	}
}

// Close stops accepting events and releases results still queued. Senders
// blocked on a full inbox return.
func (i *Inbox) Close() {
	i.mu.Lock()
	if !i.isClosed {
		i.isClosed = true
		close(i.closed)
	}
	i.mu.Unlock()
	i.senders.Wait()

	for {
		select {
		case ev := <-i.done:
			if ev.Result != nil {
				ev.Result.Release()
			}
		default:
			return
		}
	}
}
