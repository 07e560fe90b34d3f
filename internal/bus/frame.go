package bus

// UDK-0410 bus frame codec. Frames are fixed width, 7 bytes:
//
//	[0xFE][address][opcode][channel][value][checksum][0xFF]
//
// checksum = sum of address..value, mod 256. The module answers every
// command frame with an ACK, NAK or STATUS frame of the same shape.

import (
	"errors"
	"fmt"
)

const (
	frameStart = 0xFE
	frameEnd   = 0xFF
	frameSize  = 7
)

// Command opcodes.
const (
	opSetLevel = 0x57
	opQuery    = 0x51
)

// Reply opcodes.
const (
	opAck    = 0x06
	opNak    = 0x15
	opStatus = 0x53
)

// ErrCorruptFrame marks inbound bytes that fail frame validation. A corrupt
// frame is never fatal: the reader resyncs and the outstanding command runs
// into its normal timeout/retry path.
var ErrCorruptFrame = errors.New("corrupt frame")

// reply is a decoded ACK/NAK/STATUS frame from a module.
type reply struct {
	Addr    uint8
	Op      uint8
	Channel uint8
	Value   uint8
}

func opName(op uint8) string {
	switch op {
	case opSetLevel:
		return "SET_LEVEL"
	case opQuery:
		return "QUERY"
	case opAck:
		return "ACK"
	case opNak:
		return "NAK"
	case opStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("0x%02X", op)
	}
}

func checksum(addr, op, channel, value uint8) uint8 {
	return addr + op + channel + value
}

// encodeFrame builds a complete 7-byte command frame.
func encodeFrame(addr, op, channel, value uint8) []byte {
	return []byte{
		frameStart,
		addr,
		op,
		channel,
		value,
		checksum(addr, op, channel, value),
		frameEnd,
	}
}

// decodeReply validates and parses one fixed-width reply frame. Checksum and
// length are verified before any byte is interpreted.
func decodeReply(buf []byte) (reply, error) {
	if len(buf) != frameSize {
		return reply{}, fmt.Errorf("%w: length %d, want %d", ErrCorruptFrame, len(buf), frameSize)
	}
	if buf[0] != frameStart || buf[6] != frameEnd {
		return reply{}, fmt.Errorf("%w: bad markers 0x%02X..0x%02X", ErrCorruptFrame, buf[0], buf[6])
	}
	if got, want := buf[5], checksum(buf[1], buf[2], buf[3], buf[4]); got != want {
		return reply{}, fmt.Errorf("%w: checksum 0x%02X, want 0x%02X", ErrCorruptFrame, got, want)
	}
	switch buf[2] {
	case opAck, opNak, opStatus:
	default:
		return reply{}, fmt.Errorf("%w: unknown reply opcode 0x%02X", ErrCorruptFrame, buf[2])
	}
	return reply{
		Addr:    buf[1],
		Op:      buf[2],
		Channel: buf[3],
		Value:   buf[4],
	}, nil
}
