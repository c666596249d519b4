package ccidserial

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Driver is the facade a PC/SC client talks to: it owns the transport, the
// byte receiver, the exchange engine and the per-slot sequence state behind
// a single value, so a process can drive more than one reader.
type Driver struct {
	cfg       Config
	transport Transport
	receiver  *Receiver
	engine    *Engine
	log       *logrus.Entry

	valid     atomic.Bool
	cancelled func() bool
}

// NewDriver wires a Driver around an already-constructed Transport. The
// transport is expected to call the returned Driver's FeedByte for every
// byte it reads.
func NewDriver(transport Transport, cfg Config, log *logrus.Logger) *Driver {
	if log == nil {
		log = logrus.New()
	}
	receiver := NewReceiver(cfg.MaxPayloadLength, transport)
	d := &Driver{
		cfg:       cfg,
		transport: transport,
		receiver:  receiver,
		engine:    NewEngine(transport, receiver, cfg, log.WithField("component", "ccidserial")),
		log:       log.WithField("component", "ccidserial"),
	}
	return d
}

// FeedByte hands one received byte to the receiver's producer-side state
// machine. Call this from whatever goroutine actually reads the link.
func (d *Driver) FeedByte(b byte) {
	d.receiver.PushByte(b)
}

// SetCancelHook installs an optional callback polled by IsValidDriver; a
// hook returning true latches the driver invalid, so the next API call
// fails fast with ErrDriverInvalid instead of starting an exchange the
// caller no longer wants. Install it before handing the driver to the
// code that will use it.
func (d *Driver) SetCancelHook(hook func() bool) {
	d.cancelled = hook
}

// IsValidDriver reports whether the driver is usable: one that has latched
// an error, whose transport has gone down, or whose cancel hook fired is
// out of service until Init is called again.
func (d *Driver) IsValidDriver() bool {
	if !d.valid.Load() {
		return false
	}
	if !d.transport.IsOpen() || (d.cancelled != nil && d.cancelled()) {
		d.valid.Store(false)
		return false
	}
	return true
}

// checkValid is the short-circuit every API operation runs first: once the
// driver has latched invalid, nothing else goes out on the wire.
func (d *Driver) checkValid() error {
	if !d.IsValidDriver() {
		return ErrDriverInvalid
	}
	return nil
}

// Init resets the receiver and marks the driver valid. It must be called
// once the transport is open and before any exchange is attempted.
func (d *Driver) Init() {
	d.receiver.Reset()
	d.valid.Store(true)
}

// invalidate latches the driver invalid; called whenever an exchange
// returns a fatal error.
func (d *Driver) invalidate() {
	d.valid.Store(false)
}

func (d *Driver) guard(rc error) error {
	if IsFatalError(rc) {
		d.invalidate()
	}
	return rc
}

// Ping sends a bare GET_STATUS control request and reports whether the
// reader answered at all.
func (d *Driver) Ping() error {
	if err := d.checkValid(); err != nil {
		return err
	}

	var packet Packet
	packet.Endpoint = EndpointControlOut
	packet.Header.Opcode = OpGetStatus

	rc := d.engine.Exchange(&packet, d.cfg.ControlTimeout)
	return d.guard(rc)
}

// Start sends SET_CONFIGURATION to bring the reader into operation,
// optionally enabling unsolicited interrupt notifications, then resets the
// slot sequence counters regardless of whether the exchange itself
// succeeded: the reader's sequence expectations and ours must agree going
// forward even if this particular handshake failed.
func (d *Driver) Start(useInterrupts bool) error {
	if err := d.checkValid(); err != nil {
		return err
	}

	var packet Packet
	packet.Endpoint = EndpointControlOut
	packet.Header.Opcode = OpSetConfiguration
	packet.Header.Control.Value = 1
	packet.Header.Control.Index = 0
	if useInterrupts {
		packet.Header.Control.InOut = 1
	}

	rc := d.engine.Exchange(&packet, d.cfg.ControlTimeout)
	if rc == nil && packet.Header.Control.InOut != 0x01 {
		rc = ErrUnexpected
	}

	d.engine.resetSequences()

	return d.guard(rc)
}

// Stop sends SET_CONFIGURATION with Value=0 to quiesce the reader.
func (d *Driver) Stop() error {
	if err := d.checkValid(); err != nil {
		return err
	}

	var packet Packet
	packet.Endpoint = EndpointControlOut
	packet.Header.Opcode = OpSetConfiguration
	packet.Header.Control.Value = 0
	packet.Header.Control.Index = 0

	rc := d.engine.Exchange(&packet, d.cfg.ControlTimeout)
	if rc == nil && packet.Header.Control.InOut != 0x00 {
		rc = ErrUnexpected
	}

	return d.guard(rc)
}

// GetDescriptor fetches a USB-style descriptor by type and index into buf,
// returning the number of bytes the reader wrote. A nil buf performs the
// request without copying any payload back.
func (d *Driver) GetDescriptor(descType, index byte, buf []byte) (int, error) {
	if err := d.checkValid(); err != nil {
		return 0, err
	}

	var packet Packet
	packet.Endpoint = EndpointControlOut
	packet.Header.Opcode = OpGetDescriptor
	packet.Header.Control.Value = uint16(descType) | uint16(index)<<8
	packet.RecvBuffer = buf

	rc := d.engine.Exchange(&packet, d.cfg.ControlTimeout)
	if rc == nil && packet.Header.Control.InOut != 0x00 {
		rc = ErrUnexpected
	}
	if rc != nil {
		return 0, d.guard(rc)
	}
	return int(packet.RecvLen), nil
}

// WaitInterrupt blocks for one unsolicited interrupt-in frame, for callers
// that opted into notifications via Start(true). recv, if non-nil, receives
// the frame's payload the same way Transmit/Control do; pass nil if the
// caller only cares about the frame's header (e.g. the opcode).
func (d *Driver) WaitInterrupt(timeout time.Duration, recv []byte) (*Packet, error) {
	if err := d.checkValid(); err != nil {
		return nil, err
	}

	var packet Packet
	packet.RecvBuffer = recv
	rc := d.engine.WaitInterrupt(&packet, timeout)
	if rc != nil {
		return nil, d.guard(rc)
	}
	return &packet, nil
}
