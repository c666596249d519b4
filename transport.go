package ccidserial

import (
	"sync"
	"time"
)

// Transport is the byte-level link the core consumes. It is the
// serialized analogue of a USB/CCID device handle: open/close it once,
// then exchange raw bytes. Implementations are expected to run a
// dedicated reader (an ISR on bare metal, a goroutine here) that calls
// the driver's feed callback for every byte received; the core never
// polls a transport for input itself.
type Transport interface {
	Open() error
	Close() error
	IsOpen() bool

	// SendByte and SendBytes are synchronous and return an error on any
	// partial write; there is no partial-write retry in this package.
	SendByte(b byte) error
	SendBytes(buf []byte) error

	Waiter
}

// Waiter is the wakeup primitive between the receive path and the
// consumer: a single-slot signal the producer raises once per complete
// frame and the consumer waits on with a bounded timeout. ClearWakeup must
// be called before WaitWakeup to avoid missing a signal raised between two
// waits.
type Waiter interface {
	Wakeup()
	ClearWakeup()
	WaitWakeup(timeout time.Duration) bool
}

// Signal is a ready-to-use Waiter implementation, a single-slot semaphore
// built on sync.Cond. It is exported so Transport implementations do not
// each need to reinvent the producer/consumer handoff; embed it and call
// Wakeup from the byte-delivery path.
//
// A timed wait genuinely honours the caller's timeout: there is no
// hard-coded deadline.
type Signal struct {
	mu     sync.Mutex
	cond   *sync.Cond
	raised bool
}

func NewSignal() *Signal {
	s := &Signal{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Wakeup may be called from the producer context; it is safe to call
// whether or not a consumer is currently waiting.
func (s *Signal) Wakeup() {
	s.mu.Lock()
	s.raised = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// ClearWakeup discards any pending signal. Call it immediately before
// checking the condition you intend to WaitWakeup on, so a signal raised
// after the check but before the wait is not lost.
func (s *Signal) ClearWakeup() {
	s.mu.Lock()
	s.raised = false
	s.mu.Unlock()
}

// WaitWakeup blocks until Wakeup is called or timeout elapses, returning
// true in the former case. A zero or negative timeout polls once.
func (s *Signal) WaitWakeup(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.raised {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, s.cond.Broadcast)
		s.cond.Wait()
		timer.Stop()
		if time.Now().After(deadline) && !s.raised {
			return false
		}
	}
	s.raised = false
	return true
}
