package ccidserial

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Slot error codes carried in a bulk-in frame's SlotError byte when
// SlotStatus's top bits say "failed" (0x40). Values are the standard CCID
// bulk-response error codes.
const (
	slotErrBadLength          byte = 0x01
	slotErrBadSlot            byte = 0x05
	slotErrBadPowerSelect     byte = 0x06
	slotErrBadProtocolNum     byte = 0x07
	slotErrBadClockCommand    byte = 0x08
	slotErrBadLevelParameter  byte = 0x08
	slotErrBadAbRfu3b         byte = 0x09
	slotErrBadBmChanges       byte = 0x0A
	slotErrBadFidi            byte = 0x0A
	slotErrBadBseq1           byte = 0x0B
	slotErrBadT01ConvChecksum byte = 0x0B
	slotErrBadGuardTime       byte = 0x0C
	slotErrBadWaitingInteger  byte = 0x0D
	slotErrBadClockStop       byte = 0x0E
	slotErrBadIfsc            byte = 0x0F
	slotErrBadNad             byte = 0x10

	slotErrBusyWithAutoSequence  byte = 0xF2
	slotErrDeactivatedProtocol   byte = 0xF3
	slotErrProcedureByteConflict byte = 0xF4
	slotErrIccClassNotSupported  byte = 0xF5
	slotErrIccProtocolNotSupport byte = 0xF6
	slotErrBadAtrTck             byte = 0xF7
	slotErrBadAtrTs              byte = 0xF8
	slotErrCmdSlotBusy           byte = 0xE0
	slotErrHwError               byte = 0xFB
	slotErrXfrOverrun            byte = 0xFC
	slotErrXfrParityError        byte = 0xFD
	slotErrIccMute               byte = 0xFE
	slotErrCmdAborted            byte = 0xFF
	ccidSuccess                  byte = 0x00
)

// slotErrorToErr maps a CCID bulk-response error code to one of a small
// set of card-level or protocol-level outcomes; anything this package does
// not recognise, including literal success, is not an error at all.
func slotErrorToErr(slotError byte) error {
	switch slotError {
	case slotErrBadLength, slotErrBadSlot, slotErrBadPowerSelect,
		slotErrBadProtocolNum, slotErrBadClockCommand, slotErrBadAbRfu3b,
		slotErrBadBmChanges, slotErrBadBseq1, slotErrBadGuardTime,
		slotErrBadWaitingInteger, slotErrBadClockStop, slotErrBadIfsc,
		slotErrBadNad, slotErrCmdAborted:
		return ErrUnexpected

	case slotErrIccMute, slotErrXfrParityError, slotErrXfrOverrun, slotErrHwError:
		return ErrUnresponsiveCard

	case slotErrBadAtrTs, slotErrBadAtrTck, slotErrIccProtocolNotSupport,
		slotErrIccClassNotSupported, slotErrProcedureByteConflict,
		slotErrDeactivatedProtocol:
		return ErrUnsupportedCard

	case slotErrBusyWithAutoSequence, slotErrCmdSlotBusy:
		return ErrUnexpected

	default: // ccidSuccess (0) or any code this map doesn't recognise.
		return nil
	}
}

// slotStatusToErr decodes a bulk-in frame's SlotStatus byte: the two high
// bits select ok/error/time-extension/reserved; the two low bits, when the
// high bits say "ok", carry the card's
// present/powered state. isTimeExtension reports the time-extension case so
// the caller can retry rather than surface it as an error.
func slotStatusToErr(bulkIn BulkInFields) (rc error, isTimeExtension bool) {
	switch bulkIn.SlotStatus & 0xC0 {
	case 0x00:
		// fall through to the low-bits decode below
	case 0x40:
		return slotErrorToErr(bulkIn.SlotError), false
	case 0x80:
		return ErrTimeout, true
	default: // 0xC0
		return ErrReaderUnsupported, false
	}

	switch bulkIn.SlotStatus & 0x03 {
	case 0x00:
		return nil, false
	case 0x01:
		return ErrUnresponsiveCard, false
	case 0x02:
		return ErrRemovedCard, false
	default: // 0x03
		return ErrReaderUnsupported, false
	}
}

// slotSequencer is the per-slot bSequence table: touched only by the
// exchange engine, which PC/SC operations call one at a time, so it
// carries no internal locking of its own.
type slotSequencer struct {
	seq []byte
}

func newSlotSequencer(maxSlots int) *slotSequencer {
	return &slotSequencer{seq: make([]byte, maxSlots)}
}

func (s *slotSequencer) get(slot byte) byte {
	if int(slot) >= len(s.seq) {
		return 0xFF
	}
	return s.seq[slot]
}

func (s *slotSequencer) next(slot byte) {
	if int(slot) < len(s.seq) {
		s.seq[slot]++
	}
}

func (s *slotSequencer) reset() {
	for i := range s.seq {
		s.seq[i] = 0
	}
}

// Engine is the message-level request/response matcher sitting on top of a
// Receiver and a Transport: it sends one frame, then loops receiving until
// it sees the matching response, silently discarding interrupts and
// absorbing time-extensions along the way.
type Engine struct {
	transport Transport
	receiver  *Receiver
	sequencer *slotSequencer
	cfg       Config
	log       *logrus.Entry
}

func NewEngine(transport Transport, receiver *Receiver, cfg Config, log *logrus.Entry) *Engine {
	return &Engine{
		transport: transport,
		receiver:  receiver,
		sequencer: newSlotSequencer(cfg.MaxSlotCount),
		cfg:       cfg,
		log:       log,
	}
}

func (e *Engine) resetSequences() { e.sequencer.reset() }

// Exchange sends packet, then receives until a matching response arrives,
// discarding any interrupt frames seen along the way and absorbing up to
// cfg.TimeExtensionLimit consecutive time extensions before giving up.
func (e *Engine) Exchange(packet *Packet, timeout time.Duration) error {
	if packet == nil {
		return ErrInternal
	}

	reqEndpoint := packet.Endpoint
	wantValue := packet.Header.Control.Value
	wantIndex := packet.Header.Control.Index
	wantSlot := packet.Header.BulkOut.Slot
	wantSequence := packet.Header.BulkOut.Sequence

	if err := Send(e.transport, packet); err != nil {
		e.log.WithError(err).Warn("failed to send packet")
		return err
	}

	extensions := 0
	for {
		if err := e.receiver.Recv(packet, timeout); err != nil {
			if err == ErrInsufficientBuffer && packet.Endpoint == EndpointInterruptIn {
				e.log.Debug("discarding unsolicited interrupt too large for the receive buffer")
				continue
			}
			e.log.WithError(err).Debug("failed to receive packet")
			return err
		}

		if packet.Endpoint == EndpointInterruptIn {
			e.log.Debug("discarding unsolicited interrupt during exchange")
			continue
		}

		switch reqEndpoint {
		case EndpointControlOut:
			if packet.Endpoint != EndpointControlIn {
				return ErrReaderUnsupported
			}
			if packet.Header.Control.Value != wantValue || packet.Header.Control.Index != wantIndex {
				return ErrReaderUnsupported
			}
			return nil

		case EndpointBulkOut:
			if packet.Endpoint != EndpointBulkIn {
				return ErrReaderUnsupported
			}
			bulkIn := packet.Header.BulkIn
			if bulkIn.Slot != wantSlot || bulkIn.Sequence != wantSequence {
				return ErrReaderUnsupported
			}

			rc, isTimeExtension := slotStatusToErr(bulkIn)
			if isTimeExtension {
				extensions++
				if extensions <= e.cfg.TimeExtensionLimit {
					continue
				}
				rc = ErrWaitedTooLong
			}
			e.sequencer.next(wantSlot)
			return rc

		default:
			return ErrReaderUnsupported
		}
	}
}

// WaitInterrupt blocks for an unsolicited interrupt-in frame carrying the
// RDR_TO_PC_INTERRUPT opcode.
func (e *Engine) WaitInterrupt(packet *Packet, timeout time.Duration) error {
	if packet == nil {
		return ErrInternal
	}
	if err := e.receiver.Recv(packet, timeout); err != nil {
		return err
	}
	if packet.Endpoint != EndpointInterruptIn || packet.Header.Opcode != OpInterrupt {
		return ErrReaderUnsupported
	}
	return nil
}
