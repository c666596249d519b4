package ccidserial

import "time"

// maxInterruptPayloadLength bounds the scratch buffer GetStatusChangeEx
// reads an interrupt notification into; four bytes cover the present/
// changed bit-pairs for slots 0..15.
const maxInterruptPayloadLength = 4

// CardStatus is the present/powered pair Status reports for a slot.
type CardStatus struct {
	Present bool
	Powered bool
}

// Status queries a slot with a bulk GET_SLOT_STATUS request, decoded
// into a present/powered pair. SlotStatus values 0x00 and 0x01 both report
// the card present, differing only on power; 0x02 reports it absent.
func (d *Driver) Status(slot byte) (CardStatus, error) {
	if err := d.checkValid(); err != nil {
		return CardStatus{}, err
	}

	packet, rc := d.slotStatusExchange(slot, OpGetSlotStatus, nil)
	if IsFatalError(rc) {
		return CardStatus{}, d.guard(rc)
	}

	if packet.Header.Opcode != OpSlotStatus {
		return CardStatus{}, d.guard(ErrReaderUnsupported)
	}

	switch packet.Header.BulkIn.SlotStatus & 0x03 {
	case 0x00:
		return CardStatus{Present: true, Powered: true}, nil
	case 0x01:
		return CardStatus{Present: true, Powered: false}, nil
	case 0x02:
		return CardStatus{Present: false, Powered: false}, nil
	default:
		return CardStatus{}, d.guard(ErrReaderUnsupported)
	}
}

// Connect powers on the card in slot and returns its ATR into atr,
// truncated to the reported length.
func (d *Driver) Connect(slot byte, atr []byte) (int, error) {
	if err := d.checkValid(); err != nil {
		return 0, err
	}
	if atr == nil {
		return 0, ErrInvalidParameter
	}

	packet, rc := d.slotStatusExchange(slot, OpICCPowerOn, atr)
	if rc == nil && packet.Header.Opcode != OpDataBlock {
		rc = ErrReaderUnsupported
	}
	if rc != nil {
		return 0, d.guard(rc)
	}

	return int(packet.RecvLen), nil
}

// Disconnect powers off the card. The reader
// refusing because the card is already gone, unresponsive or of an
// unsupported protocol is not treated as a failure; there is nothing left
// to disconnect from.
func (d *Driver) Disconnect(slot byte) error {
	if err := d.checkValid(); err != nil {
		return err
	}

	_, rc := d.slotStatusExchange(slot, OpICCPowerOff, nil)
	switch rc {
	case ErrUnsupportedCard, ErrUnresponsiveCard, ErrRemovedCard:
		rc = nil
	}
	return d.guard(rc)
}

// Transmit sends an APDU to the card in slot and collects its response
// into recv. Any card-level warning that leaves the
// card unusable for this exchange (unsupported/unresponsive/unpowered/
// reset) is folded into "removed", matching the collapsed outcome set a
// PC/SC caller actually needs to act on.
func (d *Driver) Transmit(slot byte, send []byte, recv []byte) (int, error) {
	if err := d.checkValid(); err != nil {
		return 0, err
	}
	if send == nil {
		return 0, ErrInvalidParameter
	}
	if len(send) > d.cfg.MaxPayloadLength {
		return 0, ErrNoMemory
	}

	var packet Packet
	packet.Endpoint = EndpointBulkOut
	packet.Header.Opcode = OpXfrBlock
	packet.Header.BulkOut.Slot = slot
	packet.Header.BulkOut.Sequence = d.engine.sequencer.get(slot)
	packet.SendPayload = send
	packet.RecvBuffer = recv

	rc := d.engine.Exchange(&packet, d.cfg.BulkTimeout)

	switch rc {
	case ErrUnsupportedCard, ErrUnresponsiveCard, ErrUnpoweredCard, ErrResetCard:
		rc = ErrRemovedCard
	}
	if rc != nil {
		return 0, d.guard(rc)
	}
	return int(packet.RecvLen), nil
}

// Control runs a vendor escape command. When the
// caller passes a nil recv, the response is still read into a one-byte
// scratch buffer; a nonzero byte there means the reader signalled an error
// with no payload to describe it.
func (d *Driver) Control(send []byte, recv []byte) (int, error) {
	if err := d.checkValid(); err != nil {
		return 0, err
	}
	if send == nil {
		return 0, ErrInvalidParameter
	}
	if len(send) > d.cfg.MaxPayloadLength {
		return 0, ErrNoMemory
	}

	var dummy [1]byte
	out := recv
	if out == nil {
		out = dummy[:]
	}

	var packet Packet
	packet.Endpoint = EndpointBulkOut
	packet.Header.Opcode = OpEscape
	packet.SendPayload = send
	packet.RecvBuffer = out

	rc := d.engine.Exchange(&packet, d.cfg.BulkTimeout)
	if IsFatalError(rc) {
		return 0, d.guard(rc)
	}

	if packet.Header.Opcode != OpEscapeResp {
		return 0, d.guard(ErrReaderUnsupported)
	}
	if recv == nil && dummy[0] != 0 {
		return 0, d.guard(ErrUnexpected)
	}
	return int(packet.RecvLen), nil
}

// GetSlotCount asks the reader how many slots it has, via the vendor
// escape query {0x58, 0x20, 0x80}: the reply's first byte must be zero and
// its second byte is the slot count.
func (d *Driver) GetSlotCount() (int, error) {
	var recv [2]byte
	n, err := d.Control([]byte{0x58, 0x20, 0x80}, recv[:])
	if err != nil {
		return 0, err
	}
	if n < 2 || recv[0] != 0x00 {
		return 0, ErrReaderUnsupported
	}
	return int(recv[1]), nil
}

// StatusChange is the decoded form of an interrupt-in notification:
// present/changed bitmasks, one bit per slot.
type StatusChange struct {
	Present uint32
	Changed uint32
}

// GetStatusChangeEx blocks for one interrupt-in notification and unpacks
// its per-slot present/changed bits.
// A reader that has nothing to report within timeout returns ErrTimeout.
func (d *Driver) GetStatusChangeEx(timeout time.Duration) (StatusChange, error) {
	if err := d.checkValid(); err != nil {
		return StatusChange{}, err
	}

	var packet Packet
	var buf [maxInterruptPayloadLength]byte
	packet.RecvBuffer = buf[:]

	rc := d.engine.WaitInterrupt(&packet, timeout)
	if rc != nil {
		return StatusChange{}, d.guard(rc)
	}

	var change StatusChange
	for i := 0; uint32(i) < packet.RecvLen && i < maxInterruptPayloadLength; i++ {
		unpackStatusByte(buf[i], uint(i)*4, &change)
	}
	return change, nil
}

// GetStatusChange is the variant of GetStatusChangeEx for callers that
// only care that something changed, not which slots.
func (d *Driver) GetStatusChange(timeout time.Duration) error {
	_, err := d.GetStatusChangeEx(timeout)
	return err
}

// unpackStatusByte decodes one interrupt payload byte's four present/changed
// bit-pairs into change, numbering slots from slotBase.
func unpackStatusByte(b byte, slotBase uint, change *StatusChange) {
	for i := uint(0); i < 4; i++ {
		slotBit := uint32(1) << (slotBase + i)
		if b&(1<<(2*i)) != 0 {
			change.Present |= slotBit
		}
		if b&(1<<(2*i+1)) != 0 {
			change.Changed |= slotBit
		}
	}
}

// slotStatusExchange sends a bare bulk-out request (Slot + current
// sequence, no payload) for opcode and returns the resulting packet and
// exchange result together, since most PC/SC operations only differ in how
// they interpret the response. recv, if non-nil, is wired in as the
// packet's receive buffer before the exchange runs, so a response payload
// (an ATR, say) actually has somewhere to land.
func (d *Driver) slotStatusExchange(slot byte, opcode byte, recv []byte) (Packet, error) {
	var packet Packet
	packet.Endpoint = EndpointBulkOut
	packet.Header.Opcode = opcode
	packet.Header.BulkOut.Slot = slot
	packet.Header.BulkOut.Sequence = d.engine.sequencer.get(slot)
	packet.RecvBuffer = recv

	rc := d.engine.Exchange(&packet, d.cfg.BulkTimeout)
	return packet, rc
}
