package connection

import (
	"encoding/binary"
	"fmt"
)

// FrameVersion is the only wire version this server speaks.
const FrameVersion = 1

// MaxFramePayload bounds a single frame's payload at 16 MiB minus the
// header size, so a 24-bit length field can always represent it and no
// single message can exhaust memory.
const MaxFramePayload = (1 << 24) - 5

// headerSize is version(1) + type(1) + length(3).
const headerSize = 5

// ErrVersionMismatch is returned when a frame names a version other than FrameVersion.
var ErrVersionMismatch = fmt.Errorf("connection: unsupported frame version")

// ErrOversizedFrame is returned when a frame's payload exceeds MaxFramePayload.
var ErrOversizedFrame = fmt.Errorf("connection: frame payload too large")

// ErrShortFrame is returned when a buffer is too small to contain a header.
var ErrShortFrame = fmt.Errorf("connection: frame shorter than header")

// EncodeFrame wraps payload in the [version:u8][type:u8][len:u24 BE][payload] frame.
func EncodeFrame(msgType byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, ErrOversizedFrame
	}
	out := make([]byte, headerSize+len(payload))
	out[0] = FrameVersion
	out[1] = msgType
	putU24(out[2:5], uint32(len(payload)))
	copy(out[headerSize:], payload)
	return out, nil
}

// DecodeFrame parses a single complete frame (as delivered whole by one
// websocket binary message) and returns its message type and payload.
func DecodeFrame(buf []byte) (msgType byte, payload []byte, err error) {
	if len(buf) < headerSize {
		return 0, nil, ErrShortFrame
	}
	if buf[0] != FrameVersion {
		return 0, nil, ErrVersionMismatch
	}
	msgType = buf[1]
	n := getU24(buf[2:5])
	if n > MaxFramePayload {
		return 0, nil, ErrOversizedFrame
	}
	if len(buf)-headerSize != int(n) {
		return 0, nil, fmt.Errorf("connection: frame length %d does not match payload %d", n, len(buf)-headerSize)
	}
	return msgType, buf[headerSize:], nil
}

func putU24(b []byte, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	copy(b, tmp[1:])
}

func getU24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
