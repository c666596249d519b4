package ccidserial

import "encoding/binary"

// putUint16 and putUint32 write v into buf in little-endian order. The
// caller guarantees buf is large enough; there is no bounds check here,
// only at the frame-parsing boundary.
func putUint16(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf, v)
}

func putUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

func getUint16(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

func getUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}
