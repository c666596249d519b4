package ccidserial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteSinkTransport collects every byte written to it; it is not a real
// Transport (it has no receive side of its own) but satisfies the
// interface so Send can target it directly in tests.
type byteSinkTransport struct {
	*Signal
	out []byte
}

func newByteSink() *byteSinkTransport {
	return &byteSinkTransport{Signal: NewSignal()}
}

func (s *byteSinkTransport) Open() error  { return nil }
func (s *byteSinkTransport) Close() error { return nil }
func (s *byteSinkTransport) IsOpen() bool { return true }
func (s *byteSinkTransport) SendByte(b byte) error {
	s.out = append(s.out, b)
	return nil
}
func (s *byteSinkTransport) SendBytes(buf []byte) error {
	s.out = append(s.out, buf...)
	return nil
}

func feedAll(r *Receiver, bytes []byte) {
	for _, b := range bytes {
		r.PushByte(b)
	}
}

func sentBytes(t *testing.T, packet *Packet) []byte {
	t.Helper()
	sink := newByteSink()
	require.NoError(t, Send(sink, packet))
	return sink.out
}

func TestSendRecvRoundTrip(t *testing.T) {
	send := Packet{
		Endpoint:    EndpointBulkOut,
		SendPayload: []byte{0x00, 0xA4, 0x04, 0x00},
	}
	send.Header.Opcode = OpXfrBlock
	send.Header.BulkOut.Slot = 2
	send.Header.BulkOut.Sequence = 7

	r := NewReceiver(261, NewSignal())
	feedAll(r, sentBytes(t, &send))

	var got Packet
	got.RecvBuffer = make([]byte, 16)
	require.NoError(t, r.Recv(&got, time.Second))

	assert.Equal(t, EndpointBulkOut, got.Endpoint)
	assert.Equal(t, OpXfrBlock, got.Header.Opcode)
	assert.EqualValues(t, 2, got.Header.BulkOut.Slot)
	assert.EqualValues(t, 7, got.Header.BulkOut.Sequence)
	assert.Equal(t, uint32(len(send.SendPayload)), got.RecvLen)
	assert.Equal(t, send.SendPayload, got.RecvBuffer[:got.RecvLen])
}

func TestRecvProtocolErrorOnBadStartByte(t *testing.T) {
	r := NewReceiver(261, NewSignal())
	r.PushByte(0xAA)

	var got Packet
	err := r.Recv(&got, time.Second)
	assert.ErrorIs(t, err, ErrReaderUnsupported)
}

func TestRecvChecksumError(t *testing.T) {
	var send Packet
	send.Endpoint = EndpointControlOut
	send.Header.Opcode = OpGetStatus
	raw := sentBytes(t, &send)
	raw[len(raw)-1] ^= 0xFF // corrupt the checksum byte

	r := NewReceiver(261, NewSignal())
	feedAll(r, raw)

	var got Packet
	err := r.Recv(&got, time.Second)
	assert.ErrorIs(t, err, ErrCommunication)
}

func TestRecvTimeoutLeavesPartialFrameForLaterCompletion(t *testing.T) {
	var send Packet
	send.Endpoint = EndpointControlOut
	send.Header.Opcode = OpGetStatus
	raw := sentBytes(t, &send)

	r := NewReceiver(261, NewSignal())
	// Feed everything but the final checksum byte; the frame is still
	// in flight when Recv times out.
	feedAll(r, raw[:len(raw)-1])

	var got Packet
	err := r.Recv(&got, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// The buffer was left untouched, so completing the frame now still
	// works on the next Recv.
	r.PushByte(raw[len(raw)-1])
	var got2 Packet
	require.NoError(t, r.Recv(&got2, time.Second))
	assert.Equal(t, EndpointControlOut, got2.Endpoint)
}

func TestOverrunLatchesAndReceiverRecoversAfterReset(t *testing.T) {
	var send Packet
	send.Endpoint = EndpointControlOut
	send.Header.Opcode = OpGetStatus
	raw := sentBytes(t, &send)

	r := NewReceiver(261, NewSignal())
	// Two frames complete back to back with no intervening Recv: the
	// second one, completing while the first still sits unconsumed,
	// overruns rather than occupying the second buffer. The first
	// frame is still delivered; the overrun cost only the second one.
	feedAll(r, raw)
	feedAll(r, raw)

	var got Packet
	require.NoError(t, r.Recv(&got, time.Second))
	err := r.Recv(&got, time.Second)
	assert.ErrorIs(t, err, ErrInternal)

	// The error is latched exactly once; the receiver is clean again for
	// the next frame.
	feedAll(r, raw)
	var got2 Packet
	require.NoError(t, r.Recv(&got2, time.Second))
}

// TestDoubleBufferDeliversFirstFrameBeforeReportingOverrun: when frame A
// completes, then frame B completes before the consumer has read anything,
// the first Recv call still returns A successfully; only the second call
// observes the overrun that cost B.
func TestDoubleBufferDeliversFirstFrameBeforeReportingOverrun(t *testing.T) {
	var sendA Packet
	sendA.Endpoint = EndpointControlOut
	sendA.Header.Opcode = OpGetStatus
	sendA.Header.Control.Value = 1
	rawA := sentBytes(t, &sendA)

	var sendB Packet
	sendB.Endpoint = EndpointControlOut
	sendB.Header.Opcode = OpGetStatus
	sendB.Header.Control.Value = 2
	rawB := sentBytes(t, &sendB)

	r := NewReceiver(261, NewSignal())
	feedAll(r, rawA)
	feedAll(r, rawB)

	var gotA Packet
	require.NoError(t, r.Recv(&gotA, time.Second))
	assert.EqualValues(t, 1, gotA.Header.Control.Value)

	var gotB Packet
	err := r.Recv(&gotB, time.Second)
	assert.ErrorIs(t, err, ErrInternal)
}

func TestOverflowRejectsOversizedPayload(t *testing.T) {
	var send Packet
	send.Endpoint = EndpointBulkOut
	send.Header.Opcode = OpXfrBlock
	send.SendPayload = make([]byte, 8)

	r := NewReceiver(4, NewSignal()) // max payload smaller than the frame
	feedAll(r, sentBytes(t, &send))

	var got Packet
	err := r.Recv(&got, time.Second)
	assert.ErrorIs(t, err, ErrNoMemory)
}
