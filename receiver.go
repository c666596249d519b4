package ccidserial

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// receiverState is one double-buffered frame reassembly slot's state.
type receiverState int32

const (
	stateIdle receiverState = iota
	stateRecvEndpoint
	stateRecvHeader
	stateRecvPayload
	stateRecvChecksum
	stateReady
	stateErrProtocol
	stateErrOverflow
	stateErrChecksum
	stateErrOverrun
	stateErrUnexpected
)

// receiverBuffer is one of the two double-buffered frame slots. state is
// atomic because the producer (PushByte) and the consumer (Recv) each
// touch it from a different goroutine at the hand-off points; everything
// else is written exclusively by whichever side currently owns the
// buffer, so producer and consumer never write the same buffer at once.
type receiverBuffer struct {
	state    atomic.Int32
	endpoint Endpoint
	length   uint32 // total expected length (header + payload), once known
	offset   uint32
	checksum byte
	data     []byte // header bytes followed by payload bytes
}

func (b *receiverBuffer) reset(maxFrame int) {
	b.state.Store(int32(stateIdle))
	b.endpoint = 0
	b.length = 0
	b.offset = 0
	b.checksum = 0
	if cap(b.data) < maxFrame {
		b.data = make([]byte, maxFrame)
	}
}

// Receiver is the byte-fed frame reassembly state machine: it is driven one
// byte at a time by PushByte (the producer, e.g. a UART reader goroutine)
// and drained by Recv (the single consumer). It double-buffers so a frame
// can still be reassembled while the previous one is waiting to be
// copied out; a second frame completing before the first is consumed is
// an overrun, and only the second frame is lost to it.
type Receiver struct {
	maxPayload int
	wakeup     Waiter

	buffers      [2]receiverBuffer
	pushIndex    atomic.Int32
	popIndex     atomic.Int32
	errorLatched atomic.Bool
}

// NewReceiver builds a Receiver whose payload buffers can hold up to
// maxPayload bytes. wakeup is signalled once per completed frame (success
// or error) and is also what Recv blocks on.
func NewReceiver(maxPayload int, wakeup Waiter) *Receiver {
	r := &Receiver{maxPayload: maxPayload, wakeup: wakeup}
	r.Reset()
	return r
}

// Reset returns both buffers to Idle and clears all indices; the driver's
// Init calls this before marking itself valid.
func (r *Receiver) Reset() {
	maxFrame := HeaderLength + r.maxPayload
	r.buffers[0].reset(maxFrame)
	r.buffers[1].reset(maxFrame)
	r.pushIndex.Store(0)
	r.popIndex.Store(0)
	r.errorLatched.Store(false)
}

// PushByte feeds one byte received from the link into the state machine.
// It never allocates and never blocks, so it is safe to call from an
// interrupt-like context; the only side effects visible to other
// goroutines are the buffer's state, the push index and the error latch
// (all atomic) and a Wakeup call.
func (r *Receiver) PushByte(b byte) {
	if r.errorLatched.Load() {
		return // dropped until the consumer acknowledges the error
	}

	buf := &r.buffers[r.pushIndex.Load()%2]

	switch receiverState(buf.state.Load()) {
	case stateIdle:
		if b == StartByte {
			buf.reset(HeaderLength + r.maxPayload)
			buf.state.Store(int32(stateRecvEndpoint))
		} else {
			r.latch(buf, stateErrProtocol)
		}

	case stateRecvEndpoint:
		buf.endpoint = Endpoint(b)
		buf.checksum = b
		buf.length = HeaderLength
		buf.offset = 0
		buf.state.Store(int32(stateRecvHeader))

	case stateRecvHeader:
		buf.checksum ^= b
		buf.data[buf.offset] = b
		buf.offset++
		if buf.offset >= HeaderLength {
			payloadLen := getUint32(buf.data[1:5])
			switch {
			case payloadLen > uint32(r.maxPayload):
				r.latch(buf, stateErrOverflow)
			case payloadLen == 0:
				buf.state.Store(int32(stateRecvChecksum))
			default:
				buf.length = HeaderLength + payloadLen
				buf.state.Store(int32(stateRecvPayload))
			}
		}

	case stateRecvPayload:
		buf.checksum ^= b
		buf.data[buf.offset] = b
		buf.offset++
		if buf.offset >= buf.length {
			buf.state.Store(int32(stateRecvChecksum))
		}

	case stateRecvChecksum:
		buf.checksum ^= b
		if buf.checksum != 0 {
			r.latch(buf, stateErrChecksum)
			break
		}
		// Only one completed, unconsumed frame may exist at a time: if
		// the buffer the consumer hasn't yet popped already holds one,
		// this frame completed before the first was consumed, and it is
		// lost to overrun rather than published.
		pending := &r.buffers[r.popIndex.Load()%2]
		if pending != buf && receiverState(pending.state.Load()) == stateReady {
			r.latch(buf, stateErrOverrun)
			break
		}
		buf.state.Store(int32(stateReady))
		r.pushIndex.Add(1)
		r.wakeup.Wakeup()

	case stateReady:
		log.Warn("ccidserial: receiver overrun, frame arrived before consumer read the previous one")
		r.latch(buf, stateErrOverrun)

	default:
		r.latch(buf, stateErrUnexpected)
	}
}

func (r *Receiver) latch(buf *receiverBuffer, st receiverState) {
	buf.state.Store(int32(st))
	r.errorLatched.Store(true)
	r.wakeup.Wakeup()
}

// terminalErrors maps a buffer's terminal error state to the error Recv
// returns for it.
var terminalErrors = map[receiverState]error{
	stateErrProtocol:   ErrReaderUnsupported,
	stateErrChecksum:   ErrCommunication,
	stateErrOverflow:   ErrNoMemory,
	stateErrOverrun:    ErrInternal,
	stateErrUnexpected: ErrUnexpected,
}

// Recv waits for and consumes the next complete frame, copying it into
// packet. It returns ErrTimeout if no frame arrives within timeout, or
// the error corresponding to whatever terminal state the receiver
// latched into.
func (r *Receiver) Recv(packet *Packet, timeout time.Duration) error {
	buf := &r.buffers[r.popIndex.Load()%2]

	r.wakeup.ClearWakeup()
	if receiverState(buf.state.Load()) != stateReady && !r.errorLatched.Load() {
		if !r.wakeup.WaitWakeup(timeout) {
			// Nothing arrived and no error was latched either: leave the
			// buffer exactly as it is, mid-frame or idle, so the producer
			// can keep feeding it and a later Recv can still pick it up.
			return ErrTimeout
		}
	}

	// A Ready buffer at pop is always delivered first, even if the other
	// buffer has since latched an error: that error belongs to a later
	// frame and must wait for the next Recv call.
	if receiverState(buf.state.Load()) == stateReady {
		rc := r.copyOut(buf, packet)
		buf.state.Store(int32(stateIdle))
		r.popIndex.Add(1)
		return rc
	}

	if r.errorLatched.Load() {
		st := receiverState(buf.state.Load())
		rc := terminalErrors[st]
		if rc == nil {
			rc = ErrUnexpected
		}
		// Reset already returns both buffers to Idle and both indices to
		// 0; there is nothing left for the normal pop bookkeeping below
		// to do, and running it would desynchronise push/pop.
		r.Reset()
		return rc
	}

	return ErrTimeout
}

// copyOut transfers a Ready buffer's contents into the caller's packet.
func (r *Receiver) copyOut(buf *receiverBuffer, packet *Packet) error {
	packet.Endpoint = buf.endpoint
	packet.Header.decode(buf.data[:HeaderLength], buf.endpoint)

	payloadLen := packet.Header.Length
	if payloadLen == 0 || packet.RecvBuffer == nil {
		// Payload is copied out only if the caller supplied somewhere to
		// put it; a caller that passed no buffer still gets the decoded
		// header. With a buffer, an interrupt frame's payload is copied
		// into it like any other payload.
		packet.RecvLen = 0
		return nil
	}
	if uint32(len(packet.RecvBuffer)) < payloadLen {
		return ErrInsufficientBuffer
	}
	copy(packet.RecvBuffer, buf.data[HeaderLength:HeaderLength+payloadLen])
	packet.RecvLen = payloadLen
	return nil
}
