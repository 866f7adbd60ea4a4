package toolboard

import (
	"bytes"
	"errors"
	"fmt"
)

// Wire format: EB 97 CMD LEN VALUE[LEN] SUM
//
// SUM is the 8-bit additive sum of every byte before it.
const (
	Sync1 = 0xEB
	Sync2 = 0x97

	// MinFrameLen is a frame with an empty payload.
	MinFrameLen = 5
	// MaxPayload is bounded by the single LEN byte.
	MaxPayload = 0xFF

	// AnyCommand disables the expected-command filter in Decode.
	AnyCommand = -1
)

var syncWord = []byte{Sync1, Sync2}

// ErrPayloadTooLong is returned by Encode for payloads that do not fit LEN.
var ErrPayloadTooLong = errors.New("toolboard: payload longer than 255 bytes")

// Frame is one checksum-verified tooling-board frame.
type Frame struct {
	Command byte   `json:"command"`
	Payload []byte `json:"payload"`
}

func (f Frame) String() string {
	return fmt.Sprintf("cmd=0x%02X payload=% X", f.Command, f.Payload)
}

// Checksum returns the 8-bit wrapping sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// Encode builds a checksummed frame.
func Encode(cmd byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLong
	}
	out := make([]byte, 0, MinFrameLen+len(payload))
	out = append(out, Sync1, Sync2, cmd, byte(len(payload)))
	out = append(out, payload...)
	return append(out, Checksum(out)), nil
}

// Decode extracts every complete frame from the head of buf and returns them
// together with the unconsumed remainder.
//
// The pass runs while at least MinFrameLen bytes remain:
//   - no sync pattern anywhere: the whole buffer is discarded
//   - bytes before the sync are discarded
//   - a short header or partial frame is left in place for the next pass
//   - a checksum mismatch drops exactly one byte and rescans
//
// With expect >= 0, frames with other commands are still consumed and
// returned, but the pass stops right after the first frame whose command
// equals expect and reports matched.
func Decode(buf []byte, expect int) (frames []Frame, rest []byte, matched bool) {
	for len(buf) >= MinFrameLen {
		i := bytes.Index(buf, syncWord)
		if i < 0 {
			return frames, buf[:0], false
		}
		buf = buf[i:]
		if len(buf) < MinFrameLen {
			break
		}

		total := MinFrameLen + int(buf[3])
		if len(buf) < total {
			break
		}

		if Checksum(buf[:total-1]) != buf[total-1] {
			buf = buf[1:]
			continue
		}

		f := Frame{
			Command: buf[2],
			Payload: append([]byte(nil), buf[4:total-1]...),
		}
		buf = buf[total:]
		frames = append(frames, f)

		if expect >= 0 && int(f.Command) == expect {
			return frames, buf, true
		}
	}
	return frames, buf, false
}
