package block

import (
	"encoding/binary"
	"fmt"
)

// AppendCompactSize appends the Bitcoin CompactSize encoding of n.
func AppendCompactSize(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		buf = append(buf, 0xfd)
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(n))
		return append(buf, b...)
	case n <= 0xffffffff:
		buf = append(buf, 0xfe)
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(n))
		return append(buf, b...)
	default:
		buf = append(buf, 0xff)
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, n)
		return append(buf, b...)
	}
}

// ReadCompactSize decodes a CompactSize from the front of buf, returning the
// value and the number of bytes consumed.
func ReadCompactSize(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("compact size: empty buffer")
	}
	switch buf[0] {
	case 0xfd:
		if len(buf) < 3 {
			return 0, 0, fmt.Errorf("compact size: short buffer")
		}
		return uint64(binary.LittleEndian.Uint16(buf[1:3])), 3, nil
	case 0xfe:
		if len(buf) < 5 {
			return 0, 0, fmt.Errorf("compact size: short buffer")
		}
		return uint64(binary.LittleEndian.Uint32(buf[1:5])), 5, nil
	case 0xff:
		if len(buf) < 9 {
			return 0, 0, fmt.Errorf("compact size: short buffer")
		}
		return binary.LittleEndian.Uint64(buf[1:9]), 9, nil
	default:
		return uint64(buf[0]), 1, nil
	}
}
