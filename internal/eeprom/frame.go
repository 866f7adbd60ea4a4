package eeprom

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
)

// The sensor link carries two kinds of data back to back:
//
//	telemetry sample  HI LO                          (int16 BE, 1/16 °C)
//	command frame     AA 55 08 CMD AH AL VALUE ED    (fixed 8 bytes)
//
// Mode frames (host to sensor only) are AA 55 09 MODE ED.
//
// There is no resynchronization: a lost byte shifts every following
// 2-byte sample until the link is reopened.
const (
	Sync1 = 0xAA
	Sync2 = 0x55

	FrameLen  = 8
	SampleLen = 2
	ModeLen   = 5

	lenCommand = 0x08
	lenMode    = 0x09

	// Trailer is a fixed constant, not a checksum.
	Trailer = 0xED

	CmdWrite = 0x00
	CmdRead  = 0x01
)

// Mode frame codes.
const (
	ModeResumeTelemetry  = 0x00
	ModeEnterProgramming = 0x01
	ModeExitProgramming  = 0x02
	ModeSuspendTelemetry = 0xFF
)

const (
	noReading = 0xFE // FE FE means the sensor has no reading yet
	minRaw    = -960 // -60.0 °C
	maxRaw    = 1600 // 100.0 °C
)

// Response is a decoded 8-byte command frame.
type Response struct {
	Command byte   `json:"command"`
	Address uint16 `json:"address"`
	Value   byte   `json:"value"`
}

// Message is one item taken off the head of the queue: either a command
// frame or a valid telemetry sample.
type Message struct {
	IsFrame bool
	Frame   Response
	Raw     int16
	Celsius float64
}

// EncodeRead builds a read request for addr.
func EncodeRead(addr uint16) []byte {
	return EncodeFrame(CmdRead, addr, 0x00)
}

// EncodeWrite builds a write of v to addr.
func EncodeWrite(addr uint16, v byte) []byte {
	return EncodeFrame(CmdWrite, addr, v)
}

// EncodeMode builds a 5-byte mode frame.
func EncodeMode(mode byte) []byte {
	return []byte{Sync1, Sync2, lenMode, mode, Trailer}
}

// EncodeFrame builds an 8-byte command frame. The sensor answers a read
// with the same layout, VALUE filled in.
func EncodeFrame(cmd byte, addr uint16, v byte) []byte {
	return []byte{Sync1, Sync2, lenCommand, cmd, byte(addr >> 8), byte(addr), v, Trailer}
}

// EncodeSample is the telemetry pair for celsius, rounded to 1/16 °C.
func EncodeSample(celsius float64) []byte {
	raw := int16(math.Round(celsius * 16))
	return binary.BigEndian.AppendUint16(nil, uint16(raw))
}

// ParseSample converts a telemetry pair. ok is false for the FE FE
// placeholder and for readings outside -60..100 °C.
func ParseSample(b []byte) (raw int16, celsius float64, ok bool) {
	if b[0] == noReading && b[1] == noReading {
		return 0, 0, false
	}
	raw = int16(binary.BigEndian.Uint16(b))
	if raw < minRaw || raw > maxRaw {
		return raw, 0, false
	}
	return raw, float64(raw) / 16.0, true
}

// Decode classifies the head of buf repeatedly: at least eight bytes
// starting with AA 55 are a command frame, anything else is a 2-byte sample.
// A frame head that arrives short of eight bytes is taken as samples, so a
// response must reach the queue in one piece.
func Decode(buf []byte) (msgs []Message, rest []byte) {
	for len(buf) >= SampleLen {
		if len(buf) >= FrameLen && buf[0] == Sync1 && buf[1] == Sync2 {
			f := buf[:FrameLen]
			msgs = append(msgs, Message{
				IsFrame: true,
				Frame: Response{
					Command: f[3],
					Address: binary.BigEndian.Uint16(f[4:6]),
					Value:   f[6],
				},
			})
			buf = buf[FrameLen:]
			continue
		}

		pair := buf[:SampleLen]
		buf = buf[SampleLen:]
		raw, c, ok := ParseSample(pair)
		if !ok {
			if !(pair[0] == noReading && pair[1] == noReading) {
				log.Printf("[eeprom] sample %02X %02X out of range (raw %d), dropped", pair[0], pair[1], raw)
			}
			continue
		}
		msgs = append(msgs, Message{Raw: raw, Celsius: c})
	}
	return msgs, buf
}

func (r Response) String() string {
	op := "write"
	if r.Command == CmdRead {
		op = "read"
	}
	return fmt.Sprintf("%s 0x%04X=0x%02X", op, r.Address, r.Value)
}
